// Package curriculum tracks per-caller progress through content modules and
// decides exam readiness.
package curriculum

import (
	"context"
	"errors"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/registry"
	"github.com/sells-group/callcoach/internal/settings"
)

// Store is the persistence the tracker needs.
type Store interface {
	GetAttribute(ctx context.Context, callerID, scope, key string) (*model.CallerAttribute, error)
	SetAttribute(ctx context.Context, a *model.CallerAttribute) error
	GetGoal(ctx context.Context, callerID string, t model.GoalType, contentSpecID string) (*model.Goal, error)
	ListGoals(ctx context.Context, callerID string) ([]model.Goal, error)
	SaveGoal(ctx context.Context, g *model.Goal) error
}

// Tracker reads and writes curriculum state as caller attributes. Every key
// goes through the contract registry.
type Tracker struct {
	store     Store
	contracts *registry.Contracts
	now       func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(st Store, contracts *registry.Contracts) *Tracker {
	return &Tracker{store: st, contracts: contracts, now: func() time.Time { return time.Now().UTC() }}
}

// ModuleProgress is one module's state for a caller.
type ModuleProgress struct {
	ModuleID  string           `json:"module_id"`
	Title     string           `json:"title,omitempty"`
	Mastery   float64          `json:"mastery"`
	Trust     model.TrustLevel `json:"trust_level"`
	Weight    float64          `json:"trust_weight"`
	Certified bool             `json:"certified"`
	Completed bool             `json:"completed"`
}

// Progress summarizes a caller's state in one curriculum.
type Progress struct {
	SpecSlug             string           `json:"spec_slug"`
	CurrentModule        string           `json:"current_module,omitempty"`
	Modules              []ModuleProgress `json:"modules"`
	Average              float64          `json:"average"`
	CertifiedMastery     float64          `json:"certified_mastery"`
	SupplementaryMastery float64          `json:"supplementary_mastery"`
}

func (t *Tracker) resolve(scope, specSlug, name, moduleID string) (registry.ResolvedKey, error) {
	return t.contracts.Resolve(registry.AttributeKey{Scope: scope, SpecSlug: specSlug, Name: name, ModuleID: moduleID})
}

// get returns the stored value, or nil when the attribute is unset.
func (t *Tracker) get(ctx context.Context, callerID string, key registry.ResolvedKey) (*model.AttributeValue, error) {
	a, err := t.store.GetAttribute(ctx, callerID, key.Scope, key.Key)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "curriculum: read %s", key.Key)
	}
	if a.Value.Kind != key.Kind {
		return nil, eris.Errorf("curriculum: %s holds %s, contract wants %s", key.Key, a.Value.Kind, key.Kind)
	}
	return &a.Value, nil
}

func (t *Tracker) set(ctx context.Context, callerID string, key registry.ResolvedKey, v model.AttributeValue) error {
	if v.Kind != key.Kind {
		return eris.Errorf("curriculum: %s takes %s, got %s", key.Key, key.Kind, v.Kind)
	}
	err := t.store.SetAttribute(ctx, &model.CallerAttribute{CallerID: callerID, Scope: key.Scope, Key: key.Key, Value: v})
	return eris.Wrapf(err, "curriculum: write %s", key.Key)
}

func (t *Tracker) number(ctx context.Context, callerID, scope, specSlug, name, moduleID string) (float64, bool, error) {
	key, err := t.resolve(scope, specSlug, name, moduleID)
	if err != nil {
		return 0, false, err
	}
	v, err := t.get(ctx, callerID, key)
	if err != nil || v == nil {
		return 0, false, err
	}
	return v.Number, true, nil
}

func (t *Tracker) setNumber(ctx context.Context, callerID, scope, specSlug, name, moduleID string, n float64) error {
	key, err := t.resolve(scope, specSlug, name, moduleID)
	if err != nil {
		return err
	}
	return t.set(ctx, callerID, key, model.NumberValue(n))
}

// CurrentModule returns the caller's current module, or "" when none is set.
func (t *Tracker) CurrentModule(ctx context.Context, callerID, specSlug string) (string, error) {
	key, err := t.resolve(registry.ScopeCurriculum, specSlug, registry.NameCurrentModule, "")
	if err != nil {
		return "", err
	}
	v, err := t.get(ctx, callerID, key)
	if err != nil || v == nil {
		return "", err
	}
	return v.String, nil
}

// SetCurrentModule records the module the caller is working on.
func (t *Tracker) SetCurrentModule(ctx context.Context, callerID, specSlug, moduleID string) error {
	if moduleID == "" {
		return eris.New("curriculum: module id is required")
	}
	key, err := t.resolve(registry.ScopeCurriculum, specSlug, registry.NameCurrentModule, "")
	if err != nil {
		return err
	}
	return t.set(ctx, callerID, key, model.StringValue(moduleID))
}

// Mastery returns the stored mastery of a module, zero when unset.
func (t *Tracker) Mastery(ctx context.Context, callerID, specSlug, moduleID string) (float64, error) {
	m, _, err := t.number(ctx, callerID, registry.ScopeCurriculum, specSlug, registry.NameMastery, moduleID)
	return m, err
}

// RecordMastery stores a clamped mastery score. Without overwrite the higher
// of the existing and new score is kept. It returns the stored value.
func (t *Tracker) RecordMastery(ctx context.Context, callerID, specSlug, moduleID string, score float64, overwrite bool) (float64, error) {
	score = model.Clamp01(score)
	if !overwrite {
		existing, err := t.Mastery(ctx, callerID, specSlug, moduleID)
		if err != nil {
			return 0, err
		}
		if existing > score {
			return existing, nil
		}
	}
	if err := t.setNumber(ctx, callerID, registry.ScopeCurriculum, specSlug, registry.NameMastery, moduleID, score); err != nil {
		return 0, err
	}
	return score, nil
}

// CompleteModule sets the module's mastery to 1, stamps its completion time
// and, when advanceTo is set, moves the caller to that module.
func (t *Tracker) CompleteModule(ctx context.Context, callerID, specSlug, moduleID, advanceTo string) error {
	if _, err := t.RecordMastery(ctx, callerID, specSlug, moduleID, 1.0, true); err != nil {
		return err
	}
	key, err := t.resolve(registry.ScopeCurriculum, specSlug, registry.NameCompletedAt, moduleID)
	if err != nil {
		return err
	}
	if err := t.set(ctx, callerID, key, model.StringValue(t.now().Format(time.RFC3339))); err != nil {
		return err
	}
	if advanceTo != "" {
		return t.SetCurrentModule(ctx, callerID, specSlug, advanceTo)
	}
	return nil
}

func (t *Tracker) completed(ctx context.Context, callerID, specSlug, moduleID string) (bool, error) {
	key, err := t.resolve(registry.ScopeCurriculum, specSlug, registry.NameCompletedAt, moduleID)
	if err != nil {
		return false, err
	}
	v, err := t.get(ctx, callerID, key)
	return v != nil && v.String != "", err
}

// FormativeScore returns the caller's formative assessment score, if any.
func (t *Tracker) FormativeScore(ctx context.Context, callerID, specSlug string) (float64, bool, error) {
	return t.number(ctx, callerID, registry.ScopeCurriculum, specSlug, registry.NameFormativeScore, "")
}

// RecordFormativeScore stores a clamped formative assessment score.
func (t *Tracker) RecordFormativeScore(ctx context.Context, callerID, specSlug string, score float64) error {
	return t.setNumber(ctx, callerID, registry.ScopeCurriculum, specSlug, registry.NameFormativeScore, "", model.Clamp01(score))
}

// Enroll creates an ACTIVE LEARN goal for the curriculum and points the caller
// at its first module. Enrolling twice is harmless.
func (t *Tracker) Enroll(ctx context.Context, callerID string, cur *model.Curriculum) (*model.Goal, error) {
	goal, err := t.store.GetGoal(ctx, callerID, model.GoalLearn, cur.SpecSlug)
	switch {
	case errors.Is(err, model.ErrNotFound):
		goal = &model.Goal{CallerID: callerID, Type: model.GoalLearn, ContentSpecID: cur.SpecSlug, Status: model.GoalIdle}
	case err != nil:
		return nil, eris.Wrap(err, "curriculum: enroll")
	}
	if goal.Status == model.GoalIdle {
		if err := goal.Transition(model.GoalActive, t.now()); err != nil {
			return nil, err
		}
		if err := t.store.SaveGoal(ctx, goal); err != nil {
			return nil, eris.Wrap(err, "curriculum: save goal")
		}
	}

	current, err := t.CurrentModule(ctx, callerID, cur.SpecSlug)
	if err != nil {
		return nil, err
	}
	if current == "" && len(cur.Modules) > 0 {
		if err := t.SetCurrentModule(ctx, callerID, cur.SpecSlug, cur.Modules[0].ID); err != nil {
			return nil, err
		}
	}
	return goal, nil
}

// Progress reports per-module mastery with trust weighting from snap.
func (t *Tracker) Progress(ctx context.Context, callerID string, cur *model.Curriculum, snap settings.Snapshot) (*Progress, error) {
	current, err := t.CurrentModule(ctx, callerID, cur.SpecSlug)
	if err != nil {
		return nil, err
	}
	p := &Progress{SpecSlug: cur.SpecSlug, CurrentModule: current}

	masteries := make([]float64, 0, len(cur.Modules))
	for _, m := range cur.Modules {
		mastery, err := t.Mastery(ctx, callerID, cur.SpecSlug, m.ID)
		if err != nil {
			return nil, err
		}
		done, err := t.completed(ctx, callerID, cur.SpecSlug, m.ID)
		if err != nil {
			return nil, err
		}
		trust := m.EffectiveTrust()
		weight := snap.TrustWeight(trust)
		p.Modules = append(p.Modules, ModuleProgress{
			ModuleID:  m.ID,
			Title:     m.Title,
			Mastery:   mastery,
			Trust:     trust,
			Weight:    weight,
			Certified: weight >= snap.CertificationMin,
			Completed: done,
		})
		masteries = append(masteries, mastery)
	}

	if len(masteries) > 0 {
		avg, err := stats.Mean(masteries)
		if err != nil {
			return nil, eris.Wrap(err, "curriculum: mean mastery")
		}
		p.Average = avg
	}
	p.CertifiedMastery = CertifiedMastery(p.Modules, snap.CertificationMin)
	p.SupplementaryMastery = SupplementaryMastery(p.Modules)
	return p, nil
}
