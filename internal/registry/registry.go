// Package registry resolves analysis specs, parameters, curricula and the
// typed storage-key contracts used for caller attributes.
package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/model"
)

// SpecStore is the persistence the registry reads and writes.
type SpecStore interface {
	ListActiveSpecs(ctx context.Context, outputType model.OutputType) ([]model.AnalysisSpec, error)
	ListSpecs(ctx context.Context) ([]model.AnalysisSpec, error)
	GetSpec(ctx context.Context, slug string) (*model.AnalysisSpec, error)
	SaveSpec(ctx context.Context, spec *model.AnalysisSpec) error
	ListParameters(ctx context.Context) ([]model.Parameter, error)
	SaveParameter(ctx context.Context, p *model.Parameter) error
	GetCurriculum(ctx context.Context, specSlug string) (*model.Curriculum, error)
	SaveCurriculum(ctx context.Context, c *model.Curriculum) error
}

// Registry serves specs and parameters to the pipeline and manages the
// spec lifecycle.
type Registry struct {
	store SpecStore
	now   func() time.Time
}

// New creates a Registry backed by store.
func New(store SpecStore) *Registry {
	return &Registry{store: store, now: time.Now}
}

// ActiveSpecs returns the usable specs of type t in ascending (priority, slug)
// order. Later specs win when several score the same parameter. No usable
// spec yields model.ErrConfigMissing.
func (r *Registry) ActiveSpecs(ctx context.Context, t model.OutputType) ([]model.AnalysisSpec, error) {
	specs, err := r.store.ListActiveSpecs(ctx, t)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: list active %s specs", t)
	}

	usable := specs[:0]
	for _, s := range specs {
		if !s.Usable() {
			continue
		}
		if err := s.Config.Check(t); err != nil {
			zap.L().Warn("registry: skipping spec with mismatched config",
				zap.String("spec", s.Slug),
				zap.Error(err),
			)
			continue
		}
		usable = append(usable, s)
	}
	if len(usable) == 0 {
		return nil, eris.Wrapf(model.ErrConfigMissing, "registry: %s", t)
	}

	SortSpecs(usable)
	return usable, nil
}

// SortSpecs orders specs by ascending priority, then slug.
func SortSpecs(specs []model.AnalysisSpec) {
	sort.SliceStable(specs, func(i, j int) bool {
		if specs[i].Priority != specs[j].Priority {
			return specs[i].Priority < specs[j].Priority
		}
		return specs[i].Slug < specs[j].Slug
	})
}

// Parameters returns every parameter indexed by id.
func (r *Registry) Parameters(ctx context.Context) (map[string]model.Parameter, error) {
	params, err := r.store.ListParameters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "registry: list parameters")
	}
	out := make(map[string]model.Parameter, len(params))
	for _, p := range params {
		out[p.ID] = p
	}
	return out, nil
}

// Curriculum returns the curriculum of a content spec.
func (r *Registry) Curriculum(ctx context.Context, specSlug string) (*model.Curriculum, error) {
	c, err := r.store.GetCurriculum(ctx, specSlug)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: curriculum %s", specSlug)
	}
	return c, nil
}

// ImportSummary reports what Import wrote.
type ImportSummary struct {
	Parameters int      `json:"parameters"`
	Specs      int      `json:"specs"`
	Compiled   int      `json:"compiled"`
	Curricula  int      `json:"curricula"`
	Failed     []string `json:"failed,omitempty"`
}

// Import stores every definition in b. Specs that already exist keep their id
// and get the next version; imported specs are dirty until compiled. With
// compile set, each spec is compiled right away and failures are reported in
// the summary rather than aborting the import.
func (r *Registry) Import(ctx context.Context, b *Bundle, compile bool) (*ImportSummary, error) {
	sum := &ImportSummary{}

	for i := range b.Parameters {
		if err := r.store.SaveParameter(ctx, &b.Parameters[i]); err != nil {
			return sum, eris.Wrapf(err, "registry: save parameter %s", b.Parameters[i].ID)
		}
		sum.Parameters++
	}

	for i := range b.Curricula {
		if err := r.store.SaveCurriculum(ctx, &b.Curricula[i]); err != nil {
			return sum, eris.Wrapf(err, "registry: save curriculum %s", b.Curricula[i].SpecSlug)
		}
		sum.Curricula++
	}

	for i := range b.Specs {
		spec := b.Specs[i]
		wantPublished := spec.Status == model.SpecStatusPublished

		existing, err := r.store.GetSpec(ctx, spec.Slug)
		switch {
		case err == nil:
			spec.ID = existing.ID
			spec.Version = existing.Version + 1
		case errors.Is(err, model.ErrNotFound):
			if spec.ID == "" {
				spec.ID = uuid.NewString()
			}
		default:
			return sum, eris.Wrapf(err, "registry: lookup spec %s", spec.Slug)
		}

		spec.Compiled = false
		spec.Status = model.SpecStatusDraft
		spec.UpdatedAt = r.now()
		if err := r.store.SaveSpec(ctx, &spec); err != nil {
			return sum, eris.Wrapf(err, "registry: save spec %s", spec.Slug)
		}
		sum.Specs++

		if !compile {
			continue
		}
		if _, err := r.Compile(ctx, spec.Slug); err != nil {
			zap.L().Warn("registry: spec failed to compile", zap.String("spec", spec.Slug), zap.Error(err))
			sum.Failed = append(sum.Failed, spec.Slug)
			continue
		}
		sum.Compiled++
		if wantPublished {
			if err := r.Publish(ctx, spec.Slug); err != nil {
				return sum, err
			}
		}
	}

	return sum, nil
}

// Compile validates a spec against the known parameters and marks it
// compiled. A spec that fails validation stays dirty.
func (r *Registry) Compile(ctx context.Context, slug string) (*model.AnalysisSpec, error) {
	spec, err := r.store.GetSpec(ctx, slug)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: compile %s", slug)
	}
	params, err := r.Parameters(ctx)
	if err != nil {
		return nil, err
	}

	known := func(id string) bool {
		_, ok := params[id]
		return ok
	}
	if err := spec.Validate(known); err != nil {
		return nil, eris.Wrap(err, "registry: compile")
	}

	spec.Compiled = true
	if spec.Status != model.SpecStatusPublished {
		spec.Status = model.SpecStatusCompiled
	}
	spec.UpdatedAt = r.now()
	if err := r.store.SaveSpec(ctx, spec); err != nil {
		return nil, eris.Wrapf(err, "registry: save compiled %s", slug)
	}
	return spec, nil
}

// MarkDirty clears the compiled flag and bumps the version, taking the spec
// out of pipeline runs until it is compiled again.
func (r *Registry) MarkDirty(ctx context.Context, slug string) error {
	spec, err := r.store.GetSpec(ctx, slug)
	if err != nil {
		return eris.Wrapf(err, "registry: mark dirty %s", slug)
	}
	spec.Compiled = false
	spec.Version++
	spec.Status = model.SpecStatusDraft
	spec.UpdatedAt = r.now()
	return eris.Wrapf(r.store.SaveSpec(ctx, spec), "registry: save dirty %s", slug)
}

// Publish activates a compiled spec.
func (r *Registry) Publish(ctx context.Context, slug string) error {
	spec, err := r.store.GetSpec(ctx, slug)
	if err != nil {
		return eris.Wrapf(err, "registry: publish %s", slug)
	}
	if !spec.Compiled {
		return eris.Errorf("registry: publish %s: spec is not compiled", slug)
	}
	spec.Status = model.SpecStatusPublished
	spec.Active = true
	spec.UpdatedAt = r.now()
	return eris.Wrapf(r.store.SaveSpec(ctx, spec), "registry: save published %s", slug)
}

// Archive deactivates a spec permanently.
func (r *Registry) Archive(ctx context.Context, slug string) error {
	spec, err := r.store.GetSpec(ctx, slug)
	if err != nil {
		return eris.Wrapf(err, "registry: archive %s", slug)
	}
	spec.Status = model.SpecStatusArchived
	spec.Active = false
	spec.UpdatedAt = r.now()
	return eris.Wrapf(r.store.SaveSpec(ctx, spec), "registry: save archived %s", slug)
}
