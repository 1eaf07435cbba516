package api

import (
	"fmt"
	"time"

	"github.com/blueberrycongee/tiergate"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// executeRequest is the body of /v1/execute and /v1/route.
type executeRequest struct {
	Category           string  `json:"category"`
	Context            string  `json:"context"`
	AgentID            string  `json:"agent_id"`
	QualityRequirement float64 `json:"quality_requirement"`
	CostSensitivity    float64 `json:"cost_sensitivity"`
	Urgency            string  `json:"urgency"`
	Priority           string  `json:"priority"`
	TimeoutSeconds     float64 `json:"timeout_seconds"`
}

func (b executeRequest) toRequest() (tiergate.Request, error) {
	urgency, err := tiergate.ParseUrgency(b.Urgency)
	if err != nil {
		return tiergate.Request{}, tgerrors.NewInvalidRequest(err.Error())
	}
	priority, err := tiergate.ParsePriority(b.Priority)
	if err != nil {
		return tiergate.Request{}, tgerrors.NewInvalidRequest(err.Error())
	}
	if b.TimeoutSeconds < 0 {
		return tiergate.Request{}, tgerrors.NewInvalidRequest("timeout_seconds cannot be negative")
	}
	return tiergate.Request{
		Category:           tiergate.Category(b.Category),
		Context:            b.Context,
		AgentID:            b.AgentID,
		QualityRequirement: b.QualityRequirement,
		CostSensitivity:    b.CostSensitivity,
		Urgency:            urgency,
		Priority:           priority,
		Timeout:            time.Duration(b.TimeoutSeconds * float64(time.Second)),
	}, nil
}

type executeResponse struct {
	RequestID  string             `json:"request_id"`
	Output     string             `json:"output"`
	Backend    string             `json:"backend"`
	Tier       tiergate.Tier      `json:"tier"`
	Cost       float64            `json:"cost"`
	TokensIn   int                `json:"tokens_in,omitempty"`
	TokensOut  int                `json:"tokens_out,omitempty"`
	Confidence *float64           `json:"confidence,omitempty"`
	LatencyMS  int64              `json:"latency_ms"`
	Retried    bool               `json:"retried,omitempty"`
	Decision   *tiergate.Decision `json:"decision"`
}

func newExecuteResponse(res *tiergate.BackendResult) executeResponse {
	return executeResponse{
		RequestID:  res.RequestID,
		Output:     res.Output,
		Backend:    res.Backend,
		Tier:       res.Tier,
		Cost:       res.Cost,
		TokensIn:   res.TokensIn,
		TokensOut:  res.TokensOut,
		Confidence: res.Confidence,
		LatencyMS:  res.Latency.Milliseconds(),
		Retried:    res.Retried,
		Decision:   res.Decision,
	}
}

// qualityRequest is the body of /v1/quality.
type qualityRequest struct {
	Category       string  `json:"category"`
	Backend        string  `json:"backend"`
	AgentID        string  `json:"agent_id"`
	Score          float64 `json:"score"`
	Expected       float64 `json:"expected"`
	Actual         float64 `json:"actual"`
	ResponseTimeMS int64   `json:"response_time_ms"`
}

func (b qualityRequest) toEntry() (tiergate.QualityEntry, error) {
	if b.Backend == "" {
		return tiergate.QualityEntry{}, tgerrors.NewInvalidRequest("backend is required")
	}
	if b.ResponseTimeMS < 0 {
		return tiergate.QualityEntry{}, tgerrors.NewInvalidRequest(fmt.Sprintf("response_time_ms %d cannot be negative", b.ResponseTimeMS))
	}
	return tiergate.QualityEntry{
		Category:     b.Category,
		Backend:      b.Backend,
		AgentID:      b.AgentID,
		Score:        b.Score,
		Expected:     b.Expected,
		Actual:       b.Actual,
		ResponseTime: time.Duration(b.ResponseTimeMS) * time.Millisecond,
	}, nil
}

type qualityResponse struct {
	Valid bool `json:"valid"`
}
