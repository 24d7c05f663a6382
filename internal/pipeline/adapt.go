package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/model"
)

const scorerDelta = "delta"

// adaptPlan is the merged ADAPT configuration for a run. An empty parameter
// set means every parameter may adapt.
type adaptPlan struct {
	opts   model.AdaptOptions
	params map[string]bool
	slug   string
}

func planAdapt(env *Env, specs []model.AnalysisSpec) adaptPlan {
	plan := adaptPlan{opts: env.Settings.Adapt, params: map[string]bool{}}
	for _, s := range specs {
		plan.opts = s.Config.ResolveAdapt(plan.opts)
		plan.slug = s.Slug
		for _, ta := range s.ParameterActions() {
			plan.params[ta.Action.ParameterID] = true
		}
	}
	return plan
}

func (p adaptPlan) allows(parameterID string) bool {
	return len(p.params) == 0 || p.params[parameterID]
}

// AdaptStage records call-over-call deltas, moves behavior targets toward
// what worked on a well-rewarded call and nudges active learning goals toward
// current mastery.
func AdaptStage(ctx context.Context, env *Env, call *model.Call) (*model.StageResult, error) {
	result := newResult(model.StageAdapt)

	specs, err := env.optionalSpecs(ctx, model.OutputAdapt)
	if err != nil {
		return result, err
	}
	plan := planAdapt(env, specs)

	deltas, err := trackDeltas(ctx, env, call, plan, result)
	if err != nil {
		return result, err
	}
	result.Counts[model.CountDeltasCreated] = deltas

	adjusted, err := adjustTargets(ctx, env, call, plan, result)
	if err != nil {
		return result, err
	}
	result.Counts[model.CountTargetsAdjusted] = adjusted

	nudged, err := nudgeGoals(ctx, env, call, plan)
	if err != nil {
		return result, err
	}
	result.Counts[model.CountGoalsUpdated] = nudged
	return result, nil
}

// trackDeltas stores (current - previous + 1) / 2 as the synthetic delta
// parameter for every parameter scored on both calls. Deltas whose synthetic
// parameter is not registered are skipped.
func trackDeltas(ctx context.Context, env *Env, call *model.Call, plan adaptPlan, result *model.StageResult) (int, error) {
	prev, err := env.Store.PreviousCall(ctx, call.ID)
	if errors.Is(err, model.ErrNotFound) {
		note(result, "no previous call")
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: previous call")
	}

	params, err := env.Registry.Parameters(ctx)
	if err != nil {
		return 0, err
	}
	current, err := env.Store.ListCallScores(ctx, call.ID)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list call scores")
	}
	previous, err := env.Store.ListCallScores(ctx, prev.ID)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list previous scores")
	}
	before := make(map[string]model.CallScore, len(previous))
	for _, s := range previous {
		before[s.ParameterID] = s
	}

	created := 0
	for _, s := range current {
		if model.IsDeltaParameter(s.ParameterID) {
			continue
		}
		old, ok := before[s.ParameterID]
		if !ok {
			continue
		}
		deltaID := model.DeltaParameterID(s.ParameterID)
		if _, ok := params[deltaID]; !ok {
			continue
		}
		delta := s.Score - old.Score
		if err := env.Store.UpsertCallScore(ctx, &model.CallScore{
			CallID:      call.ID,
			ParameterID: deltaID,
			Score:       model.Clamp01((delta + 1) / 2),
			Confidence:  min(s.Confidence, old.Confidence),
			Evidence:    fmt.Sprintf("%+.2f since call %d", delta, prev.Sequence),
			SpecID:      plan.slug,
			ScorerID:    scorerDelta,
			ScoredAt:    env.now(),
		}); err != nil {
			return created, eris.Wrapf(err, "pipeline: save delta %s", deltaID)
		}
		created++
	}
	return created, nil
}

// adjustTargets moves a target a learning-rate step toward the actual value
// when the call was rewarded above threshold yet missed that target by more
// than the diff threshold.
func adjustTargets(ctx context.Context, env *Env, call *model.Call, plan adaptPlan, result *model.StageResult) (int, error) {
	reward, err := env.Store.GetRewardScore(ctx, call.ID)
	if errors.Is(err, model.ErrNotFound) {
		note(result, "no reward score")
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: reward score")
	}
	if reward.OverallScore <= plan.opts.RewardThreshold {
		return 0, nil
	}

	adjusted := 0
	for _, d := range reward.Diffs {
		if d.Diff <= plan.opts.DiffThreshold || !plan.allows(d.ParameterID) {
			continue
		}
		next := model.Clamp01(d.Target + (d.Actual-d.Target)*plan.opts.LearningRate)
		if err := env.Store.UpsertBehaviorTarget(ctx, &model.BehaviorTarget{
			Scope:       model.ScopeSystem,
			ParameterID: d.ParameterID,
			TargetValue: next,
			UpdatedAt:   env.now(),
		}); err != nil {
			return adjusted, eris.Wrapf(err, "pipeline: save target %s", d.ParameterID)
		}
		zap.L().Info("pipeline: target adjusted",
			zap.String("parameter", d.ParameterID),
			zap.Float64("from", d.Target),
			zap.Float64("to", next),
			zap.Float64("reward", reward.OverallScore),
		)
		adjusted++
	}
	return adjusted, nil
}

// nudgeGoals raises each ACTIVE LEARN goal's progress a learning-rate step
// toward the caller's average mastery of that curriculum.
func nudgeGoals(ctx context.Context, env *Env, call *model.Call, plan adaptPlan) (int, error) {
	if env.Curriculum == nil {
		return 0, nil
	}
	goals, err := env.Store.ListGoals(ctx, call.CallerID)
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list goals")
	}

	updated := 0
	for i := range goals {
		g := &goals[i]
		if g.Type != model.GoalLearn || g.Status != model.GoalActive {
			continue
		}
		cur, err := env.Registry.Curriculum(ctx, g.ContentSpecID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return updated, err
		}
		progress, err := env.Curriculum.Progress(ctx, call.CallerID, cur, env.Settings)
		if err != nil {
			return updated, err
		}
		if progress.Average <= g.Progress {
			continue
		}
		g.Progress = model.Clamp01(g.Progress + (progress.Average-g.Progress)*plan.opts.LearningRate)
		g.UpdatedAt = env.now()
		if err := env.Store.SaveGoal(ctx, g); err != nil {
			return updated, eris.Wrap(err, "pipeline: save goal")
		}
		updated++
	}
	return updated, nil
}
