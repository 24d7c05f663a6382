package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/model"
)

func scoreCall(t *testing.T, env *Env, callID, paramID string, score float64) {
	t.Helper()
	require.NoError(t, env.Store.UpsertCallScore(context.Background(), &model.CallScore{
		CallID: callID, ParameterID: paramID, Score: score, Confidence: 0.8, ScoredAt: env.now(),
	}))
}

func TestAdaptStage_DeltaWhenDefined(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	saveParams(t, env, warmthParam(), customParam(model.DeltaParameterID("B5-W")), customParam("B5-O"))
	ctx := context.Background()

	first := newCall(t, env, "Caller: hi")
	scoreCall(t, env, first.ID, "B5-W", 0.4)
	scoreCall(t, env, first.ID, "B5-O", 0.5)
	second := newCall(t, env, "Caller: hi again")
	scoreCall(t, env, second.ID, "B5-W", 0.7)
	scoreCall(t, env, second.ID, "B5-O", 0.9)

	res, err := AdaptStage(ctx, env, second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(model.CountDeltasCreated))

	scores, err := env.Store.ListCallScores(ctx, second.ID)
	require.NoError(t, err)
	var delta *model.CallScore
	for i := range scores {
		if scores[i].ParameterID == "B5-W-DELTA" {
			delta = &scores[i]
		}
		assert.NotEqual(t, "B5-O-DELTA", scores[i].ParameterID)
	}
	require.NotNil(t, delta)
	assert.InDelta(t, 0.65, delta.Score, 1e-9)
	assert.Equal(t, scorerDelta, delta.ScorerID)
	assert.Equal(t, "+0.30 since call 1", delta.Evidence)
}

func TestAdaptStage_FirstCallHasNoDeltas(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	call := newCall(t, env, "Caller: hi")

	res, err := AdaptStage(context.Background(), env, call)
	require.NoError(t, err)
	assert.Zero(t, res.Count(model.CountDeltasCreated))
	assert.Contains(t, res.Logs, "no previous call")
	assert.Contains(t, res.Logs, "no reward score")
}

func TestAdaptStage_AdjustsTargetsOnGoodCalls(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	ctx := context.Background()
	call := newCall(t, env, "Caller: hi")

	require.NoError(t, env.Store.UpsertRewardScore(ctx, &model.RewardScore{
		CallID:       call.ID,
		OverallScore: 0.8,
		Diffs: []model.ParameterDiff{
			{ParameterID: "B5-W", Target: 0.5, Actual: 0.8, Diff: 0.3},
			{ParameterID: "B5-P", Target: 0.5, Actual: 0.6, Diff: 0.1},
		},
	}))

	res, err := AdaptStage(ctx, env, call)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(model.CountTargetsAdjusted))

	target, err := env.Store.GetBehaviorTarget(ctx, model.ScopeSystem, "B5-W")
	require.NoError(t, err)
	assert.InDelta(t, 0.53, target.TargetValue, 1e-9)

	_, err = env.Store.GetBehaviorTarget(ctx, model.ScopeSystem, "B5-P")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAdaptStage_LowRewardLeavesTargets(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	ctx := context.Background()
	call := newCall(t, env, "Caller: hi")
	require.NoError(t, env.Store.UpsertRewardScore(ctx, &model.RewardScore{
		CallID:       call.ID,
		OverallScore: 0.6,
		Diffs:        []model.ParameterDiff{{ParameterID: "B5-W", Target: 0.5, Actual: 0.9, Diff: 0.4}},
	}))

	res, err := AdaptStage(ctx, env, call)
	require.NoError(t, err)
	assert.Zero(t, res.Count(model.CountTargetsAdjusted))
}

func TestAdaptStage_SpecRestrictsParameters(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	ctx := context.Background()
	spec := parameterSpec("adapt", model.OutputAdapt, 0, "B5-P")
	spec.Config.Adapt = &model.AdaptOptions{LearningRate: 0.5}
	saveSpec(t, env, spec)
	call := newCall(t, env, "Caller: hi")
	require.NoError(t, env.Store.UpsertRewardScore(ctx, &model.RewardScore{
		CallID:       call.ID,
		OverallScore: 0.9,
		Diffs: []model.ParameterDiff{
			{ParameterID: "B5-W", Target: 0.5, Actual: 0.9, Diff: 0.4},
			{ParameterID: "B5-P", Target: 0.2, Actual: 0.6, Diff: 0.4},
		},
	}))

	res, err := AdaptStage(ctx, env, call)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(model.CountTargetsAdjusted))
	target, err := env.Store.GetBehaviorTarget(ctx, model.ScopeSystem, "B5-P")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, target.TargetValue, 1e-9)
}

func TestAdaptStage_NudgesActiveGoals(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	ctx := context.Background()
	cur := stageCurriculum(t, env)
	_, err := env.Curriculum.Enroll(ctx, "c1", cur)
	require.NoError(t, err)
	_, err = env.Curriculum.RecordMastery(ctx, "c1", cur.SpecSlug, "m1", 0.8, false)
	require.NoError(t, err)
	call := newCall(t, env, "Caller: hi")

	res, err := AdaptStage(ctx, env, call)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(model.CountGoalsUpdated))

	goal, err := env.Store.GetGoal(ctx, "c1", model.GoalLearn, cur.SpecSlug)
	require.NoError(t, err)
	// average mastery 0.4, one 0.1 step from zero
	assert.InDelta(t, 0.04, goal.Progress, 1e-9)
}
