package pricing

import (
	"strings"
	"sync"
)

// BackendPricing is the actual-cost price entry for a backend. Backend may
// end in "*" to match every backend id with that prefix.
type BackendPricing struct {
	Backend         string  `yaml:"backend"`
	InputCostPer1K  float64 `yaml:"input_per_1k"`
	OutputCostPer1K float64 `yaml:"output_per_1k"`
	PerCall         float64 `yaml:"per_call"`
}

// Calculator computes the actual cost of a completed call from the tokens
// the backend reported.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]BackendPricing
}

// NewCalculator creates a calculator seeded with pricing.
func NewCalculator(pricing []BackendPricing) *Calculator {
	c := &Calculator{pricing: make(map[string]BackendPricing, len(pricing))}
	for _, p := range pricing {
		c.pricing[strings.ToLower(p.Backend)] = p
	}
	return c
}

// Actual returns the cost for backend with the given token counts, and false
// when no pricing matches.
func (c *Calculator) Actual(backend string, inputTokens, outputTokens int) (float64, bool) {
	p, ok := c.findPricing(backend)
	if !ok {
		return 0, false
	}
	cost := p.PerCall
	cost += float64(inputTokens) / 1000.0 * p.InputCostPer1K
	cost += float64(outputTokens) / 1000.0 * p.OutputCostPer1K
	return cost, true
}

// AddPricing adds or replaces the entry for p.Backend.
func (c *Calculator) AddPricing(p BackendPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[strings.ToLower(p.Backend)] = p
}

// AddCostModel registers a configured cost model as the actual-cost pricing
// for backend unless an explicit entry already exists.
func (c *Calculator) AddCostModel(backend string, m CostModel) {
	key := strings.ToLower(backend)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pricing[key]; exists {
		return
	}
	p := BackendPricing{Backend: backend}
	if m.Kind == KindPerCall {
		p.PerCall = m.PerCall
	} else {
		p.InputCostPer1K = m.InputPer1K
		p.OutputCostPer1K = m.OutputPer1K
	}
	c.pricing[key] = p
}

// GetPricing returns the entry that matches backend.
func (c *Calculator) GetPricing(backend string) (BackendPricing, bool) {
	return c.findPricing(backend)
}

// findPricing tries an exact match first, then the longest wildcard prefix.
func (c *Calculator) findPricing(backend string) (BackendPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := strings.ToLower(backend)
	if p, ok := c.pricing[key]; ok {
		return p, true
	}

	var best BackendPricing
	bestLen := -1
	for pattern, p := range c.pricing {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(key, prefix) && len(prefix) > bestLen {
			best = p
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}
