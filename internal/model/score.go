package model

import "time"

// CallScore is a caller-trait score for one parameter on one call. There is at
// most one row per (CallID, ParameterID); re-scoring overwrites it.
type CallScore struct {
	CallID      string    `json:"call_id"`
	ParameterID string    `json:"parameter_id"`
	Score       float64   `json:"score"`
	Confidence  float64   `json:"confidence"`
	Evidence    string    `json:"evidence,omitempty"`
	SpecID      string    `json:"spec_id,omitempty"`
	ScorerID    string    `json:"scorer_id,omitempty"`
	ScoredAt    time.Time `json:"scored_at"`
}

// BehaviorMeasurement is what the agent actually did on one parameter during a call.
type BehaviorMeasurement struct {
	CallID      string    `json:"call_id"`
	ParameterID string    `json:"parameter_id"`
	ActualValue float64   `json:"actual_value"`
	Evidence    string    `json:"evidence,omitempty"`
	MeasuredAt  time.Time `json:"measured_at"`
}

// TargetScope identifies who a behavior target applies to.
type TargetScope string

// ScopeSystem is the system-wide target scope.
const ScopeSystem TargetScope = "SYSTEM"

// BehaviorTarget is the desired agent behavior on one parameter.
type BehaviorTarget struct {
	Scope       TargetScope `json:"scope"`
	ParameterID string      `json:"parameter_id"`
	TargetValue float64     `json:"target_value"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ParameterDiff compares target and actual behavior on one parameter.
type ParameterDiff struct {
	ParameterID string  `json:"parameter_id"`
	Target      float64 `json:"target"`
	Actual      float64 `json:"actual"`
	Diff        float64 `json:"diff"`
}

// RewardScore is the single reward row for a call.
type RewardScore struct {
	CallID       string          `json:"call_id"`
	OverallScore float64         `json:"overall_score"`
	Diffs        []ParameterDiff `json:"diffs"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// CallerPersonality holds time-decayed trait scores aggregated across a caller's calls.
type CallerPersonality struct {
	CallerID  string             `json:"caller_id"`
	Traits    map[string]float64 `json:"traits"`
	CallsUsed int                `json:"calls_used"`
	UpdatedAt time.Time          `json:"updated_at"`
}
