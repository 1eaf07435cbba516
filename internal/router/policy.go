// Package router decides which backend tier serves a request and what it is
// expected to cost, within the daily budget.
package router

import (
	"fmt"

	"github.com/blueberrycongee/tiergate/internal/analysis"
	"github.com/blueberrycongee/tiergate/internal/pricing"
)

// Tier names one of a category's two backend configurations.
type Tier string

const (
	// TierPrimary is the cost-efficient backend.
	TierPrimary Tier = "primary"
	// TierFallback is the premium backend used on escalation.
	TierFallback Tier = "fallback"
)

// DefaultEscalationThreshold applies when a category leaves it unset.
const DefaultEscalationThreshold = 0.7

// qualityEscalationMark is the universal quality-requirement trigger.
const qualityEscalationMark = 0.9

// BackendConfig describes one tier of a category.
type BackendConfig struct {
	Backend          string            `json:"backend"`
	CostModel        pricing.CostModel `json:"cost_model"`
	QualityThreshold float64           `json:"quality_threshold"`
}

// TierConfig is the routing configuration of one category.
type TierConfig struct {
	Primary             BackendConfig `json:"primary"`
	Fallback            BackendConfig `json:"fallback"`
	EscalationThreshold float64       `json:"escalation_threshold"`
	// LengthThreshold in words. Zero uses the category default, negative
	// disables the length trigger.
	LengthThreshold int `json:"length_threshold,omitempty"`
}

// Validate checks both tiers name a backend and carry sane prices.
func (t TierConfig) Validate() error {
	if t.Primary.Backend == "" {
		return fmt.Errorf("primary backend is required")
	}
	if t.Fallback.Backend == "" {
		return fmt.Errorf("fallback backend is required")
	}
	if err := t.Primary.CostModel.Validate(); err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	if err := t.Fallback.CostModel.Validate(); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	if t.EscalationThreshold < 0 || t.EscalationThreshold > 1 {
		return fmt.Errorf("escalation_threshold must be within [0,1]")
	}
	return nil
}

// Backend returns the configuration of tier.
func (t TierConfig) Backend(tier Tier) BackendConfig {
	if tier == TierFallback {
		return t.Fallback
	}
	return t.Primary
}

// defaultLengthThreshold is the content-length trigger of a category.
// Vision requests have none.
func defaultLengthThreshold(c analysis.Category) int {
	switch c {
	case analysis.CategoryText:
		return 2000
	case analysis.CategoryConversation:
		return 4000
	default:
		return 0
	}
}

func (t TierConfig) lengthThreshold(c analysis.Category) int {
	if t.LengthThreshold != 0 {
		return t.LengthThreshold
	}
	return defaultLengthThreshold(c)
}

func (t TierConfig) escalationThreshold() float64 {
	if t.EscalationThreshold <= 0 {
		return DefaultEscalationThreshold
	}
	return t.EscalationThreshold
}

// ShouldEscalate reports whether a calls for the fallback tier and the first
// trigger that fired. multiplier scales the complexity threshold; values
// below 1 escalate more readily.
func (t TierConfig) ShouldEscalate(a analysis.TaskAnalysis, multiplier float64) (bool, string) {
	if multiplier <= 0 {
		multiplier = 1
	}
	threshold := t.escalationThreshold() * multiplier

	if a.ComplexityScore > threshold {
		return true, fmt.Sprintf("complexity %.2f above threshold %.2f", a.ComplexityScore, threshold)
	}
	if a.QualityRequirement > qualityEscalationMark {
		return true, fmt.Sprintf("quality requirement %.2f above %.2f", a.QualityRequirement, qualityEscalationMark)
	}
	if a.Urgency == analysis.UrgencyCritical {
		return true, "critical urgency"
	}
	if n := t.lengthThreshold(a.Category); n > 0 && a.ContentLength > n {
		return true, fmt.Sprintf("content length %d words above %d", a.ContentLength, n)
	}
	return false, ""
}

// Select returns the tier serving a and the reason for the choice.
func (t TierConfig) Select(a analysis.TaskAnalysis, multiplier float64) (BackendConfig, Tier, string) {
	if ok, reason := t.ShouldEscalate(a, multiplier); ok {
		return t.Fallback, TierFallback, "escalated: " + reason
	}
	return t.Primary, TierPrimary, fmt.Sprintf("complexity %.2f within primary tier", a.ComplexityScore)
}
