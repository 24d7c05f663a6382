// Package pipeline runs the post-call analysis stages for a caller and
// chains them into a full personalization run.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/callcoach/internal/completion"
	"github.com/sells-group/callcoach/internal/compose"
	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/cost"
	"github.com/sells-group/callcoach/internal/curriculum"
	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/registry"
	"github.com/sells-group/callcoach/internal/settings"
	"github.com/sells-group/callcoach/internal/store"
	"github.com/sells-group/callcoach/internal/telemetry"
)

// TriggerPostCall marks prompts composed at the end of a pipeline run.
const TriggerPostCall = "post_call"

// StageFunc is the signature every stage shares.
type StageFunc func(ctx context.Context, env *Env, call *model.Call) (*model.StageResult, error)

// CallInput identifies the call to analyze. An empty CallID starts and
// completes a new call for CallerID with Transcript.
type CallInput struct {
	CallID     string       `json:"call_id,omitempty"`
	CallerID   string       `json:"caller_id"`
	Transcript string       `json:"transcript,omitempty"`
	Engine     model.Engine `json:"engine,omitempty"`
}

// RunResult is the outcome of a full run. Stage failures are reported per
// stage and never abort the run.
type RunResult struct {
	RunID       string                `json:"run_id,omitempty"`
	CallID      string                `json:"call_id"`
	CallerID    string                `json:"caller_id"`
	Engine      model.Engine          `json:"engine"`
	Status      model.RunStatus       `json:"status"`
	Stages      []model.StageResult   `json:"stages"`
	Prompt      *model.ComposedPrompt `json:"prompt,omitempty"`
	TotalTokens int                   `json:"total_tokens"`
	TotalCost   float64               `json:"total_cost"`
}

// Stage returns the named stage result, if it ran.
func (r *RunResult) Stage(name string) (model.StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return model.StageResult{}, false
}

type instruments struct {
	tracer    trace.Tracer
	runs      metric.Int64Counter
	fallbacks metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments() instruments {
	meter := telemetry.Meter("callcoach/pipeline")
	runs, _ := meter.Int64Counter("pipeline.stage.runs",
		metric.WithDescription("Stage executions by name and status"))
	fallbacks, _ := meter.Int64Counter("pipeline.completion.fallbacks",
		metric.WithDescription("Completion results replaced by defaults"))
	duration, _ := meter.Float64Histogram("pipeline.stage.duration_ms",
		metric.WithDescription("Stage wall time"), metric.WithUnit("ms"))
	return instruments{
		tracer:    telemetry.Tracer("callcoach/pipeline"),
		runs:      runs,
		fallbacks: fallbacks,
		duration:  duration,
	}
}

// Pipeline orchestrates the analysis stages over a shared store.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	registry  *registry.Registry
	tracker   *curriculum.Tracker
	composer  *compose.Composer
	completer completion.Completer
	base      settings.Snapshot
	locks     *callLocks
	inst      instruments
	now       func() time.Time
}

// New creates a Pipeline. A nil completer runs every stage offline.
func New(cfg *config.Config, st store.Store, completer completion.Completer) *Pipeline {
	if completer == nil {
		completer = completion.Offline{}
	}
	reg := registry.New(st)
	tracker := curriculum.NewTracker(st, registry.DefaultContracts())
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		tracker:   tracker,
		composer:  compose.New(st, reg, tracker),
		completer: completer,
		base:      settings.FromConfig(cfg.Settings),
		locks:     newCallLocks(),
		inst:      newInstruments(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the spec registry the pipeline reads.
func (p *Pipeline) Registry() *registry.Registry { return p.registry }

// Tracker returns the curriculum tracker.
func (p *Pipeline) Tracker() *curriculum.Tracker { return p.tracker }

// Gate returns an exam gate reading settings the same way runs do.
func (p *Pipeline) Gate() *curriculum.Gate {
	return curriculum.NewGate(p.tracker, p.registry, p.Settings)
}

// Settings loads the current settings snapshot.
func (p *Pipeline) Settings(ctx context.Context) (settings.Snapshot, error) {
	return settings.Load(ctx, p.store, p.base)
}

func (p *Pipeline) engine(e model.Engine) model.Engine {
	switch {
	case e != "":
		return e
	case p.cfg.Completion.Offline:
		return model.EngineOffline
	default:
		return model.EngineAI
	}
}

func (p *Pipeline) env(snap settings.Snapshot, engine model.Engine) *Env {
	completer := p.completer
	if engine == model.EngineOffline {
		completer = completion.Offline{}
	}
	return &Env{
		Store:       p.store,
		Registry:    p.registry,
		Curriculum:  p.tracker,
		Completer:   completer,
		Settings:    snap,
		Config:      p.cfg.Pipeline,
		Personality: p.cfg.Personality,
		Engine:      engine,
		Now:         p.now,
	}
}

// prepareCall resolves the call to analyze, creating or completing it as needed.
func (p *Pipeline) prepareCall(ctx context.Context, in CallInput) (*model.Call, error) {
	if in.CallID == "" {
		if in.CallerID == "" {
			return nil, eris.New("pipeline: caller id is required")
		}
		call, err := p.store.StartCall(ctx, in.CallerID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: start call")
		}
		return p.completeCall(ctx, call.ID, in.Transcript)
	}

	call, err := p.store.GetCall(ctx, in.CallID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: call %s", in.CallID)
	}
	if in.CallerID != "" && in.CallerID != call.CallerID {
		return nil, eris.Errorf("pipeline: call %s belongs to caller %s, not %s", call.ID, call.CallerID, in.CallerID)
	}
	if !call.Completed() {
		transcript := in.Transcript
		if transcript == "" {
			transcript = call.Transcript
		}
		return p.completeCall(ctx, call.ID, transcript)
	}
	return call, nil
}

func (p *Pipeline) completeCall(ctx context.Context, callID, transcript string) (*model.Call, error) {
	call, err := p.store.CompleteCall(ctx, callID, transcript)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: complete call %s", callID)
	}
	return call, nil
}

// runner tracks stage results for one run. It is safe for concurrent stages.
type runner struct {
	p      *Pipeline
	env    *Env
	call   *model.Call
	log    *zap.Logger
	mu     sync.Mutex
	stages []model.StageResult
}

func (r *runner) track(ctx context.Context, name string, fn StageFunc) *model.StageResult {
	ctx, span := r.p.inst.tracer.Start(ctx, "pipeline."+name, trace.WithAttributes(
		attribute.String("call_id", r.call.ID),
		attribute.String("engine", string(r.env.Engine)),
	))
	defer span.End()

	start := time.Now()
	res, err := fn(ctx, r.env, r.call)
	duration := time.Since(start).Milliseconds()

	if res == nil {
		res = newResult(name)
	}
	res.Name = name
	res.Duration = duration

	if err != nil {
		res.Status = model.StageStatusFailed
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("pipeline: stage failed",
			zap.String("stage", name),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
	} else {
		if res.Status == "" {
			res.Status = model.StageStatusComplete
		}
		r.log.Info("pipeline: stage complete",
			zap.String("stage", name),
			zap.Int64("duration_ms", duration),
			zap.Any("counts", res.Counts),
		)
	}

	attrs := metric.WithAttributes(attribute.String("stage", name), attribute.String("status", string(res.Status)))
	r.p.inst.runs.Add(ctx, 1, attrs)
	r.p.inst.duration.Record(ctx, float64(duration), attrs)
	if n := res.Count(model.CountFallbacks); n > 0 {
		r.p.inst.fallbacks.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", name)))
	}

	r.mu.Lock()
	r.stages = append(r.stages, *res)
	r.mu.Unlock()
	return res
}

func (r *runner) skip(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, model.StageResult{
		Name:   name,
		Status: model.StageStatusSkipped,
		Logs:   []string{reason},
	})
}

// Run executes every stage for one call: MEASURE, LEARN and MEASURE_AGENT
// concurrently, then personality, reward, adapt, curriculum and compose.
func (p *Pipeline) Run(ctx context.Context, in CallInput) (*RunResult, error) {
	call, release, err := p.lockCall(ctx, in)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := p.Settings(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load settings")
	}
	engine := p.engine(in.Engine)
	log := zap.L().With(
		zap.String("call_id", call.ID),
		zap.String("caller_id", call.CallerID),
		zap.String("engine", string(engine)),
	)
	log.Info("pipeline: starting run", zap.Int("sequence", call.Sequence))

	ctx, span := p.inst.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("call_id", call.ID),
		attribute.String("caller_id", call.CallerID),
	))
	defer span.End()

	run := &model.PipelineRun{CallID: call.ID, CallerID: call.CallerID, Engine: engine, Status: model.RunStatusRunning}
	recording := p.cfg.Pipeline.RecordRuns
	if recording {
		if err := p.store.CreateRun(ctx, run); err != nil {
			log.Warn("pipeline: failed to create run record", zap.Error(err))
			recording = false
		}
	}

	r := &runner{p: p, env: p.env(snap, engine), call: call, log: log}

	// Analysis stages share the transcript and write disjoint rows.
	var (
		measure *model.StageResult
		g       errgroup.Group
	)
	g.Go(func() error { measure = r.track(ctx, model.StageMeasure, MeasureStage); return nil })
	g.Go(func() error { r.track(ctx, model.StageLearn, LearnStage); return nil })
	g.Go(func() error { r.track(ctx, model.StageMeasureAgent, MeasureAgentStage); return nil })
	_ = g.Wait()

	if measure.OK() {
		r.track(ctx, model.StagePersonality, PersonalityStage)
	} else {
		r.skip(model.StagePersonality, "measure failed")
	}
	r.track(ctx, model.StageReward, RewardStage)
	r.track(ctx, model.StageAdapt, AdaptStage)
	r.track(ctx, model.StageCurriculum, CurriculumStage)

	var prompt *model.ComposedPrompt
	r.track(ctx, model.StageCompose, func(ctx context.Context, env *Env, call *model.Call) (*model.StageResult, error) {
		res := newResult(model.StageCompose)
		cp, err := p.composer.Compose(ctx, call.CallerID, TriggerPostCall, call.ID, env.Settings)
		if err != nil {
			return res, err
		}
		prompt = cp
		res.Metadata = map[string]any{"prompt_id": cp.ID, "format": string(cp.Format)}
		return res, nil
	})

	result := &RunResult{
		RunID:    run.ID,
		CallID:   call.ID,
		CallerID: call.CallerID,
		Engine:   engine,
		Stages:   orderStages(r.stages),
		Prompt:   prompt,
	}
	result.Status = runStatus(result.Stages)
	result.TotalTokens, result.TotalCost = cost.RunTotals(result.Stages)

	if result.Status != model.RunStatusComplete {
		span.SetStatus(codes.Error, string(result.Status))
	}
	if recording {
		run.Status = result.Status
		run.Stages = result.Stages
		run.TotalTokens = result.TotalTokens
		run.TotalCost = result.TotalCost
		if err := p.store.UpdateRun(ctx, run); err != nil {
			log.Warn("pipeline: failed to update run record", zap.Error(err))
		}
	} else {
		result.RunID = ""
	}

	log.Info("pipeline: run complete",
		zap.String("status", string(result.Status)),
		zap.Int("total_tokens", result.TotalTokens),
		zap.Float64("total_cost_usd", result.TotalCost),
	)
	return result, nil
}

// lockCall resolves the call and holds its run lock. A new call is locked
// after it is created; an existing one before it is touched.
func (p *Pipeline) lockCall(ctx context.Context, in CallInput) (*model.Call, func(), error) {
	if in.CallID != "" {
		release, ok := p.locks.tryAcquire(in.CallID)
		if !ok {
			return nil, nil, eris.Wrapf(model.ErrRunInProgress, "pipeline: call %s", in.CallID)
		}
		call, err := p.prepareCall(ctx, in)
		if err != nil {
			release()
			return nil, nil, err
		}
		return call, release, nil
	}

	call, err := p.prepareCall(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	release, ok := p.locks.tryAcquire(call.ID)
	if !ok {
		return nil, nil, eris.Wrapf(model.ErrRunInProgress, "pipeline: call %s", call.ID)
	}
	return call, release, nil
}

// RunStage runs a single stage against an existing call under the same
// per-call lock as a full run.
func (p *Pipeline) RunStage(ctx context.Context, stage, callID, callerID string, engine model.Engine) (*model.StageResult, error) {
	name, fn, ok := stageFunc(stage)
	if !ok {
		return nil, eris.Errorf("pipeline: unknown stage %q", stage)
	}
	if strings.TrimSpace(callID) == "" {
		return nil, eris.Errorf("pipeline: %s: call id is required", name)
	}
	call, release, err := p.lockCall(ctx, CallInput{CallID: callID, CallerID: callerID})
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := p.Settings(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load settings")
	}
	engine = p.engine(engine)
	r := &runner{
		p:    p,
		env:  p.env(snap, engine),
		call: call,
		log:  zap.L().With(zap.String("call_id", call.ID), zap.String("engine", string(engine))),
	}
	res := r.track(ctx, name, fn)
	if !res.OK() {
		return res, eris.Errorf("pipeline: %s: %s", name, res.Error)
	}
	return res, nil
}

// stageFunc resolves a stage name case-insensitively to its canonical name.
func stageFunc(stage string) (string, StageFunc, bool) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(stage)), "-", "_")
	fn, ok := stageFuncs[name]
	return name, fn, ok
}

var stageFuncs = map[string]StageFunc{
	model.StageMeasure:      MeasureStage,
	model.StageLearn:        LearnStage,
	model.StageMeasureAgent: MeasureAgentStage,
	model.StagePersonality:  PersonalityStage,
	model.StageReward:       RewardStage,
	model.StageAdapt:        AdaptStage,
	model.StageCurriculum:   CurriculumStage,
}

// RunMeasure scores caller traits for one call.
func (p *Pipeline) RunMeasure(ctx context.Context, callID, callerID string, engine model.Engine) (*model.StageResult, error) {
	return p.RunStage(ctx, model.StageMeasure, callID, callerID, engine)
}

// RunLearn extracts caller memories from one call.
func (p *Pipeline) RunLearn(ctx context.Context, callID, callerID string, engine model.Engine) (*model.StageResult, error) {
	return p.RunStage(ctx, model.StageLearn, callID, callerID, engine)
}

// RunMeasureAgent measures the agent's behavior on one call.
func (p *Pipeline) RunMeasureAgent(ctx context.Context, callID, callerID string, engine model.Engine) (*model.StageResult, error) {
	return p.RunStage(ctx, model.StageMeasureAgent, callID, callerID, engine)
}

// RunReward computes the call's reward.
func (p *Pipeline) RunReward(ctx context.Context, callID, callerID string, engine model.Engine) (*model.StageResult, error) {
	return p.RunStage(ctx, model.StageReward, callID, callerID, engine)
}

// RunAdapt adapts targets and deltas after the call.
func (p *Pipeline) RunAdapt(ctx context.Context, callID, callerID string, engine model.Engine) (*model.StageResult, error) {
	return p.RunStage(ctx, model.StageAdapt, callID, callerID, engine)
}

// ComposePrompt composes and saves the caller's next prompt.
func (p *Pipeline) ComposePrompt(ctx context.Context, callerID, triggerType, triggerCallID string) (*model.ComposedPrompt, error) {
	snap, err := p.Settings(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load settings")
	}
	return p.composer.Compose(ctx, callerID, triggerType, triggerCallID, snap)
}

var stageOrder = map[string]int{
	model.StageMeasure:      0,
	model.StageLearn:        1,
	model.StageMeasureAgent: 2,
	model.StagePersonality:  3,
	model.StageReward:       4,
	model.StageAdapt:        5,
	model.StageCurriculum:   6,
	model.StageCompose:      7,
}

// orderStages sorts results into execution order; concurrent stages finish
// in any order.
func orderStages(stages []model.StageResult) []model.StageResult {
	out := make([]model.StageResult, len(stages))
	copy(out, stages)
	sort.SliceStable(out, func(i, j int) bool { return stageOrder[out[i].Name] < stageOrder[out[j].Name] })
	return out
}

func runStatus(stages []model.StageResult) model.RunStatus {
	failed := 0
	for _, s := range stages {
		if s.Status == model.StageStatusFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return model.RunStatusComplete
	case failed == len(stages):
		return model.RunStatusFailed
	default:
		return model.RunStatusPartial
	}
}

// KnownStage reports whether RunStage accepts the stage name.
func KnownStage(stage string) bool {
	_, _, ok := stageFunc(stage)
	return ok
}
