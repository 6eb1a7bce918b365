package models

import "time"

// ResourceUsage is the per-PID rolling usage record kept by the governor.
// All counters are monotonically non-decreasing; EstimatedCost is recomputed
// on every record.
type ResourceUsage struct {
	PID           int       `json:"pid"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	Steps         int       `json:"steps"`
	StartedAt     time.Time `json:"started_at"`
	EstimatedCost float64   `json:"estimated_cost_usd"`
	Provider      string    `json:"provider,omitempty"`
}

// Quota is a per-PID override over the governor defaults. Nil fields inherit
// the default.
type Quota struct {
	MaxTokensPerSession *int64 `json:"max_tokens_per_session,omitempty"`
	MaxTokensPerDay     *int64 `json:"max_tokens_per_day,omitempty"`
	MaxSteps            *int   `json:"max_steps,omitempty"`
	MaxWallClockMS      *int64 `json:"max_wall_clock_ms,omitempty"`
}

// QuotaCheck is the result of a quota evaluation.
type QuotaCheck struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}
