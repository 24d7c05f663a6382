// Package compose assembles what the pipeline knows about a caller into the
// instruction prompt for their next call.
package compose

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/callcoach/internal/curriculum"
	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/settings"
)

// Store is the persistence the composer reads and writes.
type Store interface {
	GetCaller(ctx context.Context, id string) (*model.Caller, error)
	ListCurrentMemories(ctx context.Context, callerID string) ([]model.CallerMemory, error)
	GetPersonality(ctx context.Context, callerID string) (*model.CallerPersonality, error)
	ListBehaviorTargets(ctx context.Context, scope model.TargetScope) ([]model.BehaviorTarget, error)
	ListRecentCalls(ctx context.Context, callerID string, limit int) ([]model.Call, error)
	GetRewardScore(ctx context.Context, callID string) (*model.RewardScore, error)
	ListGoals(ctx context.Context, callerID string) ([]model.Goal, error)
	SavePrompt(ctx context.Context, p *model.ComposedPrompt) error
}

// Registry resolves specs, parameters and curricula.
type Registry interface {
	ActiveSpecs(ctx context.Context, t model.OutputType) ([]model.AnalysisSpec, error)
	Parameters(ctx context.Context) (map[string]model.Parameter, error)
	Curriculum(ctx context.Context, specSlug string) (*model.Curriculum, error)
}

// Composer builds and saves composed prompts.
type Composer struct {
	store    Store
	registry Registry
	tracker  *curriculum.Tracker
	now      func() time.Time
}

// New creates a Composer. tracker may be nil, which leaves curriculum state
// out of the prompt.
func New(st Store, reg Registry, tracker *curriculum.Tracker) *Composer {
	return &Composer{store: st, registry: reg, tracker: tracker, now: func() time.Time { return time.Now().UTC() }}
}

// Context is everything a prompt is rendered from. It is also the JSON
// payload format.
type Context struct {
	Caller      CallerInfo        `json:"caller"`
	Preamble    string            `json:"preamble,omitempty"`
	Memories    []MemoryGroup     `json:"memories"`
	Personality []Trait           `json:"personality,omitempty"`
	Behavior    []TargetBucket    `json:"behavior"`
	Curricula   []CurriculumState `json:"curricula,omitempty"`
	RecentCalls []RecentCall      `json:"recent_calls,omitempty"`
	Thresholds  Thresholds        `json:"thresholds"`
}

// CallerInfo identifies who the prompt is for.
type CallerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// MemoryGroup holds the current memories of one category.
type MemoryGroup struct {
	Category string   `json:"category"`
	Heading  string   `json:"heading"`
	Items    []Memory `json:"items"`
}

// Memory is one remembered fact about the caller.
type Memory struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Trait is a personality score classified against the thresholds.
type Trait struct {
	ParameterID string  `json:"parameter_id"`
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	Level       Level   `json:"level"`
}

// TargetBucket groups behavior targets by parameter bucket.
type TargetBucket struct {
	Bucket  string   `json:"bucket"`
	Heading string   `json:"heading"`
	Targets []Target `json:"targets"`
}

// Target is the agent behavior to aim for on one parameter.
type Target struct {
	ParameterID string  `json:"parameter_id"`
	Name        string  `json:"name"`
	Value       float64 `json:"value"`
	Level       Level   `json:"level"`
	Guidance    string  `json:"guidance,omitempty"`
}

// CurriculumState is the caller's position in one curriculum.
type CurriculumState struct {
	SpecSlug       string                    `json:"spec_slug"`
	Name           string                    `json:"name,omitempty"`
	CurrentModule  string                    `json:"current_module,omitempty"`
	ModuleTitle    string                    `json:"module_title,omitempty"`
	ModuleMastery  float64                   `json:"module_mastery"`
	AverageMastery float64                   `json:"average_mastery"`
	Readiness      float64                   `json:"readiness"`
	ReadinessLevel curriculum.ReadinessLevel `json:"readiness_level"`
	GoalStatus     model.GoalStatus          `json:"goal_status"`
}

// RecentCall summarizes one earlier call.
type RecentCall struct {
	Sequence int       `json:"sequence"`
	Date     time.Time `json:"date"`
	Reward   *float64  `json:"reward,omitempty"`
}

// Thresholds are the HIGH and LOW cut-offs used for classification.
type Thresholds struct {
	High float64 `json:"high"`
	Low  float64 `json:"low"`
}

var heading = cases.Title(language.English)

func headingFor(s string) string {
	return heading.String(strings.ReplaceAll(strings.ToLower(s), "_", " "))
}

// Options merges the snapshot thresholds with any COMPOSE specs.
func (c *Composer) Options(ctx context.Context, snap settings.Snapshot) (model.ComposeOptions, error) {
	opts := model.DefaultComposeOptions()
	opts.HighThreshold = snap.ComposeHighThreshold
	opts.LowThreshold = snap.ComposeLowThreshold

	specs, err := c.registry.ActiveSpecs(ctx, model.OutputCompose)
	if err != nil && !errors.Is(err, model.ErrConfigMissing) {
		return opts, eris.Wrap(err, "compose: specs")
	}
	for _, s := range specs {
		opts = s.Config.ResolveCompose(opts)
	}
	return opts, nil
}

// Build gathers the prompt context for a caller.
func (c *Composer) Build(ctx context.Context, callerID string, opts model.ComposeOptions, snap settings.Snapshot) (*Context, error) {
	caller, err := c.store.GetCaller(ctx, callerID)
	if err != nil {
		return nil, eris.Wrapf(err, "compose: caller %s", callerID)
	}
	params, err := c.registry.Parameters(ctx)
	if err != nil {
		return nil, err
	}

	out := &Context{
		Caller:     CallerInfo{ID: caller.ID, Name: caller.Name},
		Preamble:   opts.Preamble,
		Thresholds: Thresholds{High: opts.HighThreshold, Low: opts.LowThreshold},
	}

	if out.Memories, err = c.memories(ctx, callerID, opts); err != nil {
		return nil, err
	}
	if out.Personality, err = c.personality(ctx, callerID, params, opts); err != nil {
		return nil, err
	}
	if out.Behavior, err = c.behavior(ctx, params, opts); err != nil {
		return nil, err
	}
	if out.Curricula, err = c.curricula(ctx, callerID, snap); err != nil {
		return nil, err
	}
	if out.RecentCalls, err = c.recentCalls(ctx, callerID, opts.RecentCalls); err != nil {
		return nil, err
	}
	return out, nil
}

// Compose renders and saves the caller's next prompt, superseding the
// previous active one.
func (c *Composer) Compose(ctx context.Context, callerID, triggerType, triggerCallID string, snap settings.Snapshot) (*model.ComposedPrompt, error) {
	opts, err := c.Options(ctx, snap)
	if err != nil {
		return nil, err
	}
	pc, err := c.Build(ctx, callerID, opts, snap)
	if err != nil {
		return nil, err
	}
	content, err := Render(pc, opts.Format)
	if err != nil {
		return nil, err
	}

	p := &model.ComposedPrompt{
		CallerID:      callerID,
		TriggerType:   triggerType,
		TriggerCallID: triggerCallID,
		Format:        formatOrText(opts.Format),
		Content:       content,
		CreatedAt:     c.now(),
	}
	if err := c.store.SavePrompt(ctx, p); err != nil {
		return nil, eris.Wrap(err, "compose: save prompt")
	}
	zap.L().Info("compose: prompt saved",
		zap.String("caller_id", callerID),
		zap.String("prompt_id", p.ID),
		zap.String("format", string(p.Format)),
		zap.Int("chars", len(content)),
	)
	return p, nil
}

func (c *Composer) memories(ctx context.Context, callerID string, opts model.ComposeOptions) ([]MemoryGroup, error) {
	all, err := c.store.ListCurrentMemories(ctx, callerID)
	if err != nil {
		return nil, eris.Wrap(err, "compose: memories")
	}
	var (
		groups []MemoryGroup
		index  = map[string]int{}
		total  int
	)
	for _, m := range all {
		if opts.MemoriesLimit > 0 && total >= opts.MemoriesLimit {
			break
		}
		i, ok := index[m.Category]
		if !ok {
			i = len(groups)
			index[m.Category] = i
			groups = append(groups, MemoryGroup{Category: m.Category, Heading: headingFor(m.Category)})
		}
		if opts.MemoriesPerCategory > 0 && len(groups[i].Items) >= opts.MemoriesPerCategory {
			continue
		}
		groups[i].Items = append(groups[i].Items, Memory{Key: m.Key, Value: m.Value, Confidence: m.Confidence})
		total++
	}
	return groups, nil
}

func (c *Composer) personality(ctx context.Context, callerID string, params map[string]model.Parameter, opts model.ComposeOptions) ([]Trait, error) {
	p, err := c.store.GetPersonality(ctx, callerID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "compose: personality")
	}
	traits := make([]Trait, 0, len(p.Traits))
	for id, v := range p.Traits {
		if model.IsDeltaParameter(id) {
			continue
		}
		traits = append(traits, Trait{
			ParameterID: id,
			Name:        parameterName(params, id),
			Value:       v,
			Level:       ClassifyValue(v, opts.HighThreshold, opts.LowThreshold),
		})
	}
	sort.Slice(traits, func(i, j int) bool { return traits[i].ParameterID < traits[j].ParameterID })
	return traits, nil
}

func (c *Composer) behavior(ctx context.Context, params map[string]model.Parameter, opts model.ComposeOptions) ([]TargetBucket, error) {
	targets, err := c.store.ListBehaviorTargets(ctx, model.ScopeSystem)
	if err != nil {
		return nil, eris.Wrap(err, "compose: targets")
	}
	byBucket := map[string][]Target{}
	for _, t := range targets {
		p := params[t.ParameterID]
		level := ClassifyValue(t.TargetValue, opts.HighThreshold, opts.LowThreshold)
		bucket := p.Bucket
		if bucket == "" {
			bucket = "general"
		}
		byBucket[bucket] = append(byBucket[bucket], Target{
			ParameterID: t.ParameterID,
			Name:        parameterName(params, t.ParameterID),
			Value:       t.TargetValue,
			Level:       level,
			Guidance:    guidance(p, level),
		})
	}

	names := make([]string, 0, len(byBucket))
	for b := range byBucket {
		names = append(names, b)
	}
	sort.Strings(names)
	out := make([]TargetBucket, 0, len(names))
	for _, b := range names {
		out = append(out, TargetBucket{Bucket: b, Heading: headingFor(b), Targets: byBucket[b]})
	}
	return out, nil
}

func guidance(p model.Parameter, level Level) string {
	switch level {
	case LevelHigh:
		return p.HighLabel
	case LevelLow:
		return p.LowLabel
	}
	if p.LowLabel != "" && p.HighLabel != "" {
		return "balance between " + strings.ToLower(p.LowLabel) + " and " + strings.ToLower(p.HighLabel)
	}
	return ""
}

func (c *Composer) curricula(ctx context.Context, callerID string, snap settings.Snapshot) ([]CurriculumState, error) {
	if c.tracker == nil {
		return nil, nil
	}
	goals, err := c.store.ListGoals(ctx, callerID)
	if err != nil {
		return nil, eris.Wrap(err, "compose: goals")
	}
	var out []CurriculumState
	for _, g := range goals {
		if g.Type != model.GoalLearn {
			continue
		}
		cur, err := c.registry.Curriculum(ctx, g.ContentSpecID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		progress, err := c.tracker.Progress(ctx, callerID, cur, snap)
		if err != nil {
			return nil, err
		}
		var formative *float64
		if f, ok, err := c.tracker.FormativeScore(ctx, callerID, cur.SpecSlug); err != nil {
			return nil, err
		} else if ok {
			formative = &f
		}
		readiness := curriculum.Readiness(progress.Average, formative, snap)

		st := CurriculumState{
			SpecSlug:       cur.SpecSlug,
			Name:           cur.Name,
			CurrentModule:  progress.CurrentModule,
			AverageMastery: progress.Average,
			Readiness:      readiness,
			ReadinessLevel: curriculum.Classify(readiness, snap.Exam),
			GoalStatus:     g.Status,
		}
		for _, m := range progress.Modules {
			if m.ModuleID == progress.CurrentModule {
				st.ModuleTitle = m.Title
				st.ModuleMastery = m.Mastery
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func (c *Composer) recentCalls(ctx context.Context, callerID string, limit int) ([]RecentCall, error) {
	if limit <= 0 {
		return nil, nil
	}
	calls, err := c.store.ListRecentCalls(ctx, callerID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "compose: recent calls")
	}
	out := make([]RecentCall, 0, len(calls))
	for _, call := range calls {
		rc := RecentCall{Sequence: call.Sequence, Date: call.CreatedAt}
		r, err := c.store.GetRewardScore(ctx, call.ID)
		switch {
		case err == nil:
			rc.Reward = &r.OverallScore
		case !errors.Is(err, model.ErrNotFound):
			return nil, eris.Wrap(err, "compose: reward")
		}
		out = append(out, rc)
	}
	return out, nil
}

func parameterName(params map[string]model.Parameter, id string) string {
	if p, ok := params[id]; ok && p.Name != "" {
		return p.Name
	}
	return id
}

func formatOrText(f model.PromptFormat) model.PromptFormat {
	if f == model.PromptFormatJSON {
		return f
	}
	return model.PromptFormatText
}
