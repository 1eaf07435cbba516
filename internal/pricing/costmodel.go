// Package pricing estimates the cost of a backend call before dispatch and
// computes the actual cost from reported token counts afterwards. There is
// no built-in price list; every price comes from configuration.
package pricing

import (
	"fmt"

	"github.com/blueberrycongee/tiergate/internal/analysis"
)

// Kind selects how a backend bills.
type Kind string

const (
	// KindPerCall bills a flat amount per call (image backends).
	KindPerCall Kind = "per_call"
	// KindPerToken bills per 1K input and output tokens (text backends).
	KindPerToken Kind = "per_token"
)

// DefaultOutputRatio inflates input length into an expected output length.
const DefaultOutputRatio = 1.3

// CostModel is the billing model configured for one backend.
type CostModel struct {
	Kind        Kind    `yaml:"kind" json:"kind"`
	PerCall     float64 `yaml:"per_call" json:"per_call,omitempty"`
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k,omitempty"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k,omitempty"`
	OutputRatio float64 `yaml:"output_ratio" json:"output_ratio,omitempty"`
}

// KindFor returns the billing kind used for category when none is configured.
func KindFor(category analysis.Category) Kind {
	if category == analysis.CategoryVision {
		return KindPerCall
	}
	return KindPerToken
}

// Resolve fills defaults: an empty Kind is derived from category and a zero
// OutputRatio becomes DefaultOutputRatio.
func (m CostModel) Resolve(category analysis.Category) CostModel {
	if m.Kind == "" {
		m.Kind = KindFor(category)
	}
	if m.OutputRatio <= 0 {
		m.OutputRatio = DefaultOutputRatio
	}
	return m
}

// Validate checks prices are non-negative and the kind is known.
func (m CostModel) Validate() error {
	switch m.Kind {
	case "", KindPerCall, KindPerToken:
	default:
		return fmt.Errorf("unknown cost model kind %q", m.Kind)
	}
	if m.PerCall < 0 || m.InputPer1K < 0 || m.OutputPer1K < 0 || m.OutputRatio < 0 {
		return fmt.Errorf("cost model prices must be non-negative")
	}
	return nil
}

// Estimate returns the expected cost in USD of serving a under model.
func Estimate(model CostModel, a analysis.TaskAnalysis) float64 {
	model = model.Resolve(a.Category)

	if model.Kind == KindPerCall {
		return model.PerCall
	}
	input := float64(a.ContentLength)
	output := input * model.OutputRatio
	return input/1000.0*model.InputPer1K + output/1000.0*model.OutputPer1K
}
