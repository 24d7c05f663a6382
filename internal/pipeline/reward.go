package pipeline

import (
	"context"
	"errors"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/model"
)

// errNoMeasurements fails the reward stage without touching stored state.
var errNoMeasurements = eris.New("no behavior measurements for call")

// RewardStage compares each behavior measurement to its SYSTEM target and
// stores overall = max(0, 1 - mean |actual - target|).
func RewardStage(ctx context.Context, env *Env, call *model.Call) (*model.StageResult, error) {
	result := newResult(model.StageReward)

	measurements, err := env.Store.ListBehaviorMeasurements(ctx, call.ID)
	if err != nil {
		return result, eris.Wrap(err, "pipeline: list measurements")
	}
	if len(measurements) == 0 {
		return result, errNoMeasurements
	}

	specs, err := env.optionalSpecs(ctx, model.OutputReward)
	if err != nil {
		return result, err
	}
	opts := model.DefaultRewardOptions()
	for _, s := range specs {
		opts = s.Config.ResolveReward(opts)
	}

	reward := &model.RewardScore{CallID: call.ID, ComputedAt: env.now()}
	diffs := make([]float64, 0, len(measurements))
	for _, m := range measurements {
		target := opts.DefaultTarget
		t, err := env.Store.GetBehaviorTarget(ctx, model.ScopeSystem, m.ParameterID)
		switch {
		case err == nil:
			target = t.TargetValue
		case !errors.Is(err, model.ErrNotFound):
			return result, eris.Wrapf(err, "pipeline: target %s", m.ParameterID)
		}
		d := math.Abs(m.ActualValue - target)
		reward.Diffs = append(reward.Diffs, model.ParameterDiff{
			ParameterID: m.ParameterID,
			Target:      target,
			Actual:      m.ActualValue,
			Diff:        d,
		})
		diffs = append(diffs, d)
	}

	mean, err := stats.Mean(diffs)
	if err != nil {
		return result, eris.Wrap(err, "pipeline: mean diff")
	}
	reward.OverallScore = math.Max(0, 1-mean)

	if err := env.Store.UpsertRewardScore(ctx, reward); err != nil {
		return result, eris.Wrap(err, "pipeline: save reward")
	}
	result.Counts[model.CountParametersCompared] = len(diffs)
	result.Metadata = map[string]any{"reward_score": reward.OverallScore}
	return result, nil
}
