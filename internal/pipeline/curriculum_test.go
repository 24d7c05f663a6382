package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/model"
)

func stageCurriculum(t *testing.T, env *Env) *model.Curriculum {
	t.Helper()
	cur := &model.Curriculum{
		SpecSlug: "food-safety",
		Name:     "Food Safety",
		Modules: []model.ContentModule{
			{ID: "m1", Title: "Handwashing", SourceRef: "fda-2022", TrustLevel: model.TrustRegulatoryStandard},
			{ID: "m2", Title: "Storage", SourceRef: "fda-2022", TrustLevel: model.TrustRegulatoryStandard},
		},
	}
	require.NoError(t, env.Store.SaveCurriculum(context.Background(), cur))
	return cur
}

func TestCurriculumStage_ActivatesIdleGoal(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	ctx := context.Background()
	cur := stageCurriculum(t, env)
	require.NoError(t, env.Store.SaveGoal(ctx, &model.Goal{
		CallerID: "c1", Type: model.GoalLearn, ContentSpecID: cur.SpecSlug, Status: model.GoalIdle,
	}))
	call := newCall(t, env, "Caller: hi")

	res, err := CurriculumStage(ctx, env, call)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(model.CountGoalsUpdated))

	goal, err := env.Store.GetGoal(ctx, "c1", model.GoalLearn, cur.SpecSlug)
	require.NoError(t, err)
	assert.Equal(t, model.GoalActive, goal.Status)
	module, err := env.Curriculum.CurrentModule(ctx, "c1", cur.SpecSlug)
	require.NoError(t, err)
	assert.Equal(t, "m1", module)
}

func TestCurriculumStage_AdvancesOnMastery(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	ctx := context.Background()
	cur := stageCurriculum(t, env)
	_, err := env.Curriculum.Enroll(ctx, "c1", cur)
	require.NoError(t, err)
	_, err = env.Curriculum.RecordMastery(ctx, "c1", cur.SpecSlug, "m1", 0.9, false)
	require.NoError(t, err)
	call := newCall(t, env, "Caller: hi")

	res, err := CurriculumStage(ctx, env, call)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(model.CountGoalsUpdated))

	module, err := env.Curriculum.CurrentModule(ctx, "c1", cur.SpecSlug)
	require.NoError(t, err)
	assert.Equal(t, "m2", module)
	mastery, err := env.Curriculum.Mastery(ctx, "c1", cur.SpecSlug, "m1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, mastery, 1e-9)

	// nothing left to do on a second pass
	res, err = CurriculumStage(ctx, env, call)
	require.NoError(t, err)
	assert.Zero(t, res.Count(model.CountGoalsUpdated))
}

func TestCurriculumStage_BelowMinimumStays(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	ctx := context.Background()
	cur := stageCurriculum(t, env)
	_, err := env.Curriculum.Enroll(ctx, "c1", cur)
	require.NoError(t, err)
	_, err = env.Curriculum.RecordMastery(ctx, "c1", cur.SpecSlug, "m1", 0.79, false)
	require.NoError(t, err)

	res, err := CurriculumStage(ctx, env, newCall(t, env, "Caller: hi"))
	require.NoError(t, err)
	assert.Zero(t, res.Count(model.CountGoalsUpdated))
	module, err := env.Curriculum.CurrentModule(ctx, "c1", cur.SpecSlug)
	require.NoError(t, err)
	assert.Equal(t, "m1", module)
}

func TestCurriculumStage_MissingCurriculumIsNoted(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	ctx := context.Background()
	require.NoError(t, env.Store.SaveGoal(ctx, &model.Goal{
		CallerID: "c1", Type: model.GoalLearn, ContentSpecID: "ghost", Status: model.GoalActive,
	}))

	res, err := CurriculumStage(ctx, env, newCall(t, env, "Caller: hi"))
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)
	assert.Contains(t, res.Logs[0], "no curriculum ghost")
}
