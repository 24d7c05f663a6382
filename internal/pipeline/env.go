package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/completion"
	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/curriculum"
	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/registry"
	"github.com/sells-group/callcoach/internal/settings"
	"github.com/sells-group/callcoach/internal/store"
)

// Env is everything a stage reads besides the call itself. Settings is
// loaded once per run and never changes while stages execute.
type Env struct {
	Store       store.Store
	Registry    *registry.Registry
	Curriculum  *curriculum.Tracker
	Completer   completion.Completer
	Settings    settings.Snapshot
	Config      config.PipelineConfig
	Personality config.PersonalityConfig
	Engine      model.Engine
	Now         func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Env) offline() bool {
	return e.Engine == model.EngineOffline
}

func (e *Env) specLimit() int {
	if e.Config.MaxSpecConcurrency > 0 {
		return e.Config.MaxSpecConcurrency
	}
	return 4
}

func (e *Env) completionLimit() int {
	if e.Config.MaxCompletionConcurrency > 0 {
		return e.Config.MaxCompletionConcurrency
	}
	return 8
}

// excerpt bounds the transcript by the spec's limit, or the pipeline default.
func (e *Env) excerpt(transcript string, specLimit int) string {
	limit := e.Config.TranscriptExcerptChars
	if specLimit > 0 {
		limit = specLimit
	}
	if limit <= 0 {
		limit = 4000
	}
	return completion.Truncate(transcript, limit)
}

// activeSpecs wraps ErrConfigMissing with the stage name.
func (e *Env) activeSpecs(ctx context.Context, t model.OutputType) ([]model.AnalysisSpec, error) {
	specs, err := e.Registry.ActiveSpecs(ctx, t)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: %s specs", t)
	}
	return specs, nil
}

// optionalSpecs is activeSpecs for stages that run with defaults when no spec
// is configured.
func (e *Env) optionalSpecs(ctx context.Context, t model.OutputType) ([]model.AnalysisSpec, error) {
	specs, err := e.Registry.ActiveSpecs(ctx, t)
	if errors.Is(err, model.ErrConfigMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: %s specs", t)
	}
	return specs, nil
}

func newResult(name string) *model.StageResult {
	return &model.StageResult{Name: name, Counts: map[string]int{}}
}

func note(r *model.StageResult, format string, args ...any) {
	r.Logs = append(r.Logs, fmt.Sprintf(format, args...))
}
