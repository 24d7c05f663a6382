// Package store persists callers, calls, analysis output and configuration.
package store

import (
	"context"
	"encoding/json"

	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/registry"
	"github.com/sells-group/callcoach/internal/settings"
)

// Store defines the persistence interface for the personalization pipeline.
// Lookups of a single missing row return an error wrapping model.ErrNotFound.
type Store interface {
	registry.SpecStore
	settings.Source

	// Callers and calls
	UpsertCaller(ctx context.Context, c *model.Caller) error
	GetCaller(ctx context.Context, id string) (*model.Caller, error)
	StartCall(ctx context.Context, callerID string) (*model.Call, error)
	CompleteCall(ctx context.Context, callID, transcript string) (*model.Call, error)
	GetCall(ctx context.Context, id string) (*model.Call, error)
	PreviousCall(ctx context.Context, callID string) (*model.Call, error)
	ListRecentCalls(ctx context.Context, callerID string, limit int) ([]model.Call, error)

	// Caller-trait scores
	UpsertCallScore(ctx context.Context, s *model.CallScore) error
	ListCallScores(ctx context.Context, callID string) ([]model.CallScore, error)
	ListCallerScores(ctx context.Context, callerID string) ([]model.CallScore, error)

	// Memories
	CurrentMemory(ctx context.Context, callerID, key string) (*model.CallerMemory, error)
	ListCurrentMemories(ctx context.Context, callerID string) ([]model.CallerMemory, error)
	ListMemoryHistory(ctx context.Context, callerID, key string) ([]model.CallerMemory, error)
	SaveMemory(ctx context.Context, m *model.CallerMemory) error

	// Agent behavior
	UpsertBehaviorMeasurement(ctx context.Context, m *model.BehaviorMeasurement) error
	ListBehaviorMeasurements(ctx context.Context, callID string) ([]model.BehaviorMeasurement, error)
	GetBehaviorTarget(ctx context.Context, scope model.TargetScope, parameterID string) (*model.BehaviorTarget, error)
	ListBehaviorTargets(ctx context.Context, scope model.TargetScope) ([]model.BehaviorTarget, error)
	UpsertBehaviorTarget(ctx context.Context, t *model.BehaviorTarget) error
	UpsertRewardScore(ctx context.Context, r *model.RewardScore) error
	GetRewardScore(ctx context.Context, callID string) (*model.RewardScore, error)

	// Personality
	GetPersonality(ctx context.Context, callerID string) (*model.CallerPersonality, error)
	SavePersonality(ctx context.Context, p *model.CallerPersonality) error

	// Goals and attributes
	GetGoal(ctx context.Context, callerID string, t model.GoalType, contentSpecID string) (*model.Goal, error)
	ListGoals(ctx context.Context, callerID string) ([]model.Goal, error)
	SaveGoal(ctx context.Context, g *model.Goal) error
	GetAttribute(ctx context.Context, callerID, scope, key string) (*model.CallerAttribute, error)
	ListAttributes(ctx context.Context, callerID, scope string) ([]model.CallerAttribute, error)
	SetAttribute(ctx context.Context, a *model.CallerAttribute) error

	// Prompts
	SavePrompt(ctx context.Context, p *model.ComposedPrompt) error
	GetActivePrompt(ctx context.Context, callerID string) (*model.ComposedPrompt, error)
	ListPrompts(ctx context.Context, callerID string) ([]model.ComposedPrompt, error)

	// Settings
	SetSetting(ctx context.Context, key string, value json.RawMessage) error

	// Pipeline runs
	CreateRun(ctx context.Context, r *model.PipelineRun) error
	UpdateRun(ctx context.Context, r *model.PipelineRun) error
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
