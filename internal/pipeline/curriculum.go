package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/model"
)

// CurriculumStage keeps every open LEARN goal moving: it activates idle
// goals, places the caller on the first module and completes the current
// module once its mastery reaches the certification minimum.
func CurriculumStage(ctx context.Context, env *Env, call *model.Call) (*model.StageResult, error) {
	result := newResult(model.StageCurriculum)
	if env.Curriculum == nil {
		note(result, "curriculum tracking disabled")
		return result, nil
	}

	goals, err := env.Store.ListGoals(ctx, call.CallerID)
	if err != nil {
		return result, eris.Wrap(err, "pipeline: list goals")
	}

	for _, g := range goals {
		if g.Type != model.GoalLearn || g.Status == model.GoalCompleted {
			continue
		}
		cur, err := env.Registry.Curriculum(ctx, g.ContentSpecID)
		if errors.Is(err, model.ErrNotFound) {
			note(result, "goal %s: no curriculum %s", g.ID, g.ContentSpecID)
			continue
		}
		if err != nil {
			return result, err
		}

		changed := g.Status == model.GoalIdle
		before, err := env.Curriculum.CurrentModule(ctx, call.CallerID, cur.SpecSlug)
		if err != nil {
			return result, err
		}
		if _, err := env.Curriculum.Enroll(ctx, call.CallerID, cur); err != nil {
			return result, err
		}

		progress, err := env.Curriculum.Progress(ctx, call.CallerID, cur, env.Settings)
		if err != nil {
			return result, err
		}
		changed = changed || progress.CurrentModule != before

		for _, m := range progress.Modules {
			if m.ModuleID != progress.CurrentModule || m.Completed || m.Mastery < env.Settings.CertificationMin {
				continue
			}
			next, _ := cur.Next(m.ModuleID)
			if err := env.Curriculum.CompleteModule(ctx, call.CallerID, cur.SpecSlug, m.ModuleID, next); err != nil {
				return result, err
			}
			zap.L().Info("pipeline: module completed",
				zap.String("caller_id", call.CallerID),
				zap.String("spec", cur.SpecSlug),
				zap.String("module", m.ModuleID),
				zap.String("next", next),
			)
			changed = true
		}

		if changed {
			result.Counts[model.CountGoalsUpdated]++
		}
	}
	return result, nil
}
