package model

import "time"

// Engine selects how stages obtain judgments: through the completion service
// or through deterministic offline heuristics.
type Engine string

const (
	EngineAI      Engine = "ai"
	EngineOffline Engine = "offline"
)

// Stage names, in execution order.
const (
	StageMeasure      = "measure"
	StageLearn        = "learn"
	StageMeasureAgent = "measure_agent"
	StagePersonality  = "personality"
	StageReward       = "reward"
	StageAdapt        = "adapt"
	StageCurriculum   = "curriculum"
	StageCompose      = "compose"
)

// RunStatus is the overall outcome of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult records what a stage did, with enough detail to diagnose
// without re-running it.
type StageResult struct {
	Name       string         `json:"name"`
	Status     StageStatus    `json:"status"`
	Duration   int64          `json:"duration_ms"`
	Counts     map[string]int `json:"counts,omitempty"`
	TokenUsage TokenUsage     `json:"token_usage"`
	Error      string         `json:"error,omitempty"`
	Logs       []string       `json:"logs,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Count returns the named counter, or zero.
func (r StageResult) Count(name string) int {
	return r.Counts[name]
}

// OK reports whether the stage did not fail.
func (r StageResult) OK() bool {
	return r.Status != StageStatusFailed
}

// Counter names reported by stages.
const (
	CountScoresCreated       = "scores_created"
	CountMemoriesCreated     = "memories_created"
	CountMeasurementsCreated = "measurements_created"
	CountParametersCompared  = "parameters_compared"
	CountDeltasCreated       = "deltas_created"
	CountTargetsAdjusted     = "targets_adjusted"
	CountGoalsUpdated        = "goals_updated"
	CountTraits              = "traits"
	CountFallbacks           = "fallbacks"
)

// PipelineRun is the persisted record of one orchestrator invocation.
type PipelineRun struct {
	ID          string        `json:"id"`
	CallID      string        `json:"call_id"`
	CallerID    string        `json:"caller_id"`
	Engine      Engine        `json:"engine"`
	Status      RunStatus     `json:"status"`
	Stages      []StageResult `json:"stages,omitempty"`
	TotalTokens int           `json:"total_tokens"`
	TotalCost   float64       `json:"total_cost"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TokenUsage tracks completion token consumption.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}
