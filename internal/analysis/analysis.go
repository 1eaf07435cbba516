// Package analysis scores how demanding an inference request is. Scoring is
// deterministic and does no I/O.
package analysis

import (
	"fmt"
	"strings"
)

// Category identifies a task category. The set is open: configuration may
// name categories beyond the built-in ones.
type Category string

// Built-in categories.
const (
	CategoryVision       Category = "vision_analysis"
	CategoryText         Category = "text_generation"
	CategoryConversation Category = "conversation"
)

// Urgency is the caller-declared urgency of a request.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyHigh
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyNormal:
		return "normal"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	default:
		return fmt.Sprintf("urgency(%d)", int(u))
	}
}

// ParseUrgency parses an urgency name. The empty string is normal.
func ParseUrgency(s string) (Urgency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return UrgencyLow, nil
	case "", "normal":
		return UrgencyNormal, nil
	case "high":
		return UrgencyHigh, nil
	case "critical":
		return UrgencyCritical, nil
	default:
		return UrgencyNormal, fmt.Errorf("unknown urgency %q", s)
	}
}

// TaskAnalysis is the per-request scoring result. It is a value and is never
// mutated after Analyze returns.
type TaskAnalysis struct {
	Category           Category `json:"category"`
	ComplexityScore    float64  `json:"complexity_score"`
	ContentLength      int      `json:"content_length"`
	QualityRequirement float64  `json:"quality_requirement"`
	CostSensitivity    float64  `json:"cost_sensitivity"`
	Urgency            Urgency  `json:"urgency"`
	MatchedIndicators  []string `json:"matched_indicators,omitempty"`
}

// Scoring constants.
const (
	baseComplexity       = 0.5
	indicatorWeight      = 0.3
	longContentWords     = 1000
	veryLongContentWords = 2000
	longContentBonus     = 0.1
	veryLongContentBonus = 0.2
	highQualityMark      = 0.9
	highQualityBonus     = 0.2
	urgencyBonus         = 0.1
)

// Analyzer scores requests. The zero value is not usable; use NewAnalyzer.
type Analyzer struct {
	custom map[Category][]string
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithIndicators replaces the hard-task indicators for category. It is how
// configured categories outside the built-in set get their own signals.
func WithIndicators(category Category, indicators []string) Option {
	return func(a *Analyzer) {
		norm := make([]string, 0, len(indicators))
		for _, ind := range indicators {
			if ind = strings.ToLower(strings.TrimSpace(ind)); ind != "" {
				norm = append(norm, ind)
			}
		}
		a.custom[category] = norm
	}
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{custom: make(map[Category][]string)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze scores a request. qualityRequirement and costSensitivity are
// clamped to [0,1].
func (a *Analyzer) Analyze(category Category, text string, qualityRequirement, costSensitivity float64, urgency Urgency) TaskAnalysis {
	qualityRequirement = clamp01(qualityRequirement)
	costSensitivity = clamp01(costSensitivity)
	words := CountWords(text)

	score := baseComplexity

	indicators := a.indicatorsFor(category)
	var matched []string
	if len(indicators) > 0 {
		lower := strings.ToLower(text)
		for _, ind := range indicators {
			if strings.Contains(lower, ind) {
				matched = append(matched, ind)
			}
		}
		score += indicatorWeight * float64(len(matched)) / float64(len(indicators))
	}

	switch {
	case words > veryLongContentWords:
		score += veryLongContentBonus
	case words > longContentWords:
		score += longContentBonus
	}

	if qualityRequirement > highQualityMark {
		score += highQualityBonus
	}
	if urgency >= UrgencyHigh {
		score += urgencyBonus
	}

	return TaskAnalysis{
		Category:           category,
		ComplexityScore:    clamp01(score),
		ContentLength:      words,
		QualityRequirement: qualityRequirement,
		CostSensitivity:    costSensitivity,
		Urgency:            urgency,
		MatchedIndicators:  matched,
	}
}

func (a *Analyzer) indicatorsFor(c Category) []string {
	if ind, ok := a.custom[c]; ok {
		return ind
	}
	return defaultIndicators(c)
}

// defaultIndicators returns the built-in hard-task keywords for c. Unknown
// categories share a generic profile.
func defaultIndicators(c Category) []string {
	switch c {
	case CategoryVision:
		return []string{
			"multiple objects", "text extraction", "ocr", "handwriting",
			"chart", "diagram", "fine detail", "low light",
		}
	case CategoryText:
		return []string{
			"technical", "legal", "medical", "research",
			"comprehensive", "multilingual", "citations", "compliance",
		}
	case CategoryConversation:
		return []string{
			"complaint", "refund", "dispute", "escalate",
			"negotiat", "frustrated", "cancel my", "lawyer",
		}
	default:
		return []string{"complex", "detailed", "analysis", "comprehensive"}
	}
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
