package curriculum

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/registry"
	"github.com/sells-group/callcoach/internal/settings"
	"github.com/sells-group/callcoach/internal/store"
)

type curricula map[string]*model.Curriculum

func (c curricula) Curriculum(_ context.Context, slug string) (*model.Curriculum, error) {
	cur, ok := c[slug]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cur, nil
}

func testCurriculum() *model.Curriculum {
	return &model.Curriculum{
		SpecSlug: "food-safety",
		Modules: []model.ContentModule{
			{ID: "m1", Title: "Hygiene", SourceRef: "FDA-2022", TrustLevel: model.TrustRegulatoryStandard},
			{ID: "m2", Title: "Storage", SourceRef: "textbook", TrustLevel: model.TrustPublishedReference},
			{ID: "m3", Title: "Tips"},
		},
	}
}

func newTestTracker(t *testing.T) (*Tracker, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.UpsertCaller(context.Background(), &model.Caller{ID: "c1", Name: "Alex"}))
	return NewTracker(st, registry.DefaultContracts()), st
}

func newTestGate(t *testing.T, snap settings.Snapshot) (*Gate, *Tracker, *store.SQLiteStore) {
	t.Helper()
	tr, st := newTestTracker(t)
	g := NewGate(tr, curricula{"food-safety": testCurriculum()}, func(context.Context) (settings.Snapshot, error) {
		return snap, nil
	})
	return g, tr, st
}

func TestTracker_MasteryKeepsHigher(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	got, err := tr.RecordMastery(ctx, "c1", "food-safety", "m1", 0.7, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got, 1e-9)

	got, err = tr.RecordMastery(ctx, "c1", "food-safety", "m1", 0.4, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got, 1e-9)

	got, err = tr.RecordMastery(ctx, "c1", "food-safety", "m1", 0.4, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got, 1e-9)

	got, err = tr.RecordMastery(ctx, "c1", "food-safety", "m1", 1.7, true)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestTracker_MasteryUnsetIsZero(t *testing.T) {
	tr, _ := newTestTracker(t)
	m, err := tr.Mastery(context.Background(), "c1", "food-safety", "m2")
	require.NoError(t, err)
	assert.Zero(t, m)
}

func TestTracker_CompleteModuleAdvances(t *testing.T) {
	tr, st := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetCurrentModule(ctx, "c1", "food-safety", "m1"))
	require.NoError(t, tr.CompleteModule(ctx, "c1", "food-safety", "m1", "m2"))

	cur, err := tr.CurrentModule(ctx, "c1", "food-safety")
	require.NoError(t, err)
	assert.Equal(t, "m2", cur)

	m, err := tr.Mastery(ctx, "c1", "food-safety", "m1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m, 1e-9)

	a, err := st.GetAttribute(ctx, "c1", registry.ScopeCurriculum, "curriculum:food-safety:completed_at:m1")
	require.NoError(t, err)
	assert.Equal(t, model.AttrString, a.Value.Kind)
	assert.NotEmpty(t, a.Value.String)
}

func TestTracker_RejectsKindMismatch(t *testing.T) {
	tr, st := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, st.SetAttribute(ctx, &model.CallerAttribute{
		CallerID: "c1", Scope: registry.ScopeCurriculum,
		Key: "curriculum:food-safety:current_module", Value: model.NumberValue(3),
	}))

	_, err := tr.CurrentModule(ctx, "c1", "food-safety")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contract wants string")
}

func TestTracker_Enroll(t *testing.T) {
	tr, st := newTestTracker(t)
	ctx := context.Background()

	goal, err := tr.Enroll(ctx, "c1", testCurriculum())
	require.NoError(t, err)
	assert.Equal(t, model.GoalActive, goal.Status)
	assert.NotEmpty(t, goal.ID)

	cur, err := tr.CurrentModule(ctx, "c1", "food-safety")
	require.NoError(t, err)
	assert.Equal(t, "m1", cur)

	// second enroll keeps the same goal and module
	require.NoError(t, tr.SetCurrentModule(ctx, "c1", "food-safety", "m2"))
	again, err := tr.Enroll(ctx, "c1", testCurriculum())
	require.NoError(t, err)
	assert.Equal(t, goal.ID, again.ID)
	cur, err = tr.CurrentModule(ctx, "c1", "food-safety")
	require.NoError(t, err)
	assert.Equal(t, "m2", cur)

	goals, err := st.ListGoals(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, goals, 1)
}

func TestTracker_Progress(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	_, err := tr.RecordMastery(ctx, "c1", "food-safety", "m1", 0.9, true)
	require.NoError(t, err)
	_, err = tr.RecordMastery(ctx, "c1", "food-safety", "m2", 0.6, true)
	require.NoError(t, err)
	_, err = tr.RecordMastery(ctx, "c1", "food-safety", "m3", 0.3, true)
	require.NoError(t, err)

	p, err := tr.Progress(ctx, "c1", testCurriculum(), settings.Defaults())
	require.NoError(t, err)
	require.Len(t, p.Modules, 3)
	assert.InDelta(t, 0.6, p.Average, 1e-9)

	assert.True(t, p.Modules[0].Certified)
	assert.True(t, p.Modules[1].Certified)
	assert.False(t, p.Modules[2].Certified)
	assert.Equal(t, model.TrustUnverified, p.Modules[2].Trust)

	// certified: (0.9*1.0 + 0.6*0.8) / 1.8
	assert.InDelta(t, (0.9+0.48)/1.8, p.CertifiedMastery, 1e-9)
	// supplementary adds m3 at weight 0.05
	assert.InDelta(t, (0.9+0.48+0.015)/1.85, p.SupplementaryMastery, 1e-9)
}

func TestCertifiedMastery(t *testing.T) {
	uniform := []ModuleProgress{
		{Mastery: 0.2, Weight: 0.9},
		{Mastery: 0.8, Weight: 0.9},
	}
	assert.InDelta(t, 0.5, CertifiedMastery(uniform, 0.8), 1e-9)
	assert.InDelta(t, CertifiedMastery(uniform, 0.8), SupplementaryMastery(uniform), 1e-9)

	mixed := append(uniform, ModuleProgress{Mastery: 1.0, Weight: 0.3})
	assert.InDelta(t, 0.5, CertifiedMastery(mixed, 0.8), 1e-9)
	assert.NotEqual(t, CertifiedMastery(mixed, 0.8), SupplementaryMastery(mixed))

	assert.Zero(t, CertifiedMastery([]ModuleProgress{{Mastery: 1, Weight: 0.1}}, 0.8))
	assert.Zero(t, SupplementaryMastery(nil))
}

func TestClassify(t *testing.T) {
	th := settings.Defaults().Exam
	tests := []struct {
		score float64
		want  ReadinessLevel
	}{
		{0.2, LevelNotReady},
		{0.49, LevelNotReady},
		{0.50, LevelBorderline},
		{0.66, LevelReady},
		{0.80, LevelStrong},
		{1.0, LevelStrong},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.score, th), "score %v", tt.score)
	}
}

func TestReadiness(t *testing.T) {
	snap := settings.Defaults()
	assert.InDelta(t, 0.7, Readiness(0.7, nil, snap), 1e-9)
	f := 0.5
	assert.InDelta(t, 0.7*0.6+0.5*0.4, Readiness(0.7, &f, snap), 1e-9)
}

func TestCheckExamGate_Inclusive(t *testing.T) {
	tests := []struct {
		name    string
		mastery float64
		allowed bool
	}{
		{"at threshold", 0.5, true},
		{"just below", 0.49, false},
		{"well above", 0.9, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t)
			ctx := context.Background()
			cur := &model.Curriculum{SpecSlug: "solo", Modules: []model.ContentModule{{ID: "only"}}}
			g := NewGate(tr, curricula{"solo": cur}, func(context.Context) (settings.Snapshot, error) {
				return settings.Defaults(), nil
			})

			_, err := tr.RecordMastery(ctx, "c1", "solo", "only", tt.mastery, true)
			require.NoError(t, err)

			d, err := g.CheckExamGate(ctx, "c1", "solo")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
			assert.InDelta(t, tt.mastery, d.Readiness, 1e-9)
		})
	}
}

func TestCheckExamGate_UsesFormative(t *testing.T) {
	g, tr, _ := newTestGate(t, settings.Defaults())
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := tr.RecordMastery(ctx, "c1", "food-safety", id, 0.4, true)
		require.NoError(t, err)
	}

	d, err := g.CheckExamGate(ctx, "c1", "food-safety")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, LevelNotReady, d.Level)

	require.NoError(t, g.RecordFormativeScore(ctx, "c1", "food-safety", 1.0))
	d, err = g.CheckExamGate(ctx, "c1", "food-safety")
	require.NoError(t, err)
	// 0.4*0.6 + 1.0*0.4
	assert.InDelta(t, 0.64, d.Readiness, 1e-9)
	assert.True(t, d.Allowed)
	assert.Equal(t, LevelBorderline, d.Level)
}

func TestCheckExamGate_UnknownCurriculum(t *testing.T) {
	g, _, _ := newTestGate(t, settings.Defaults())
	_, err := g.CheckExamGate(context.Background(), "c1", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecordExamResult(t *testing.T) {
	g, _, st := newTestGate(t, settings.Defaults())
	ctx := context.Background()

	res, err := g.RecordExamResult(ctx, "c1", "food-safety", 0, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.InDelta(t, 0.5, res.LastScore, 1e-9)
	assert.False(t, res.Passed)
	assert.False(t, res.GoalCompleted)

	_, err = st.GetGoal(ctx, "c1", model.GoalLearn, "food-safety")
	assert.ErrorIs(t, err, model.ErrNotFound)

	res, err = g.RecordExamResult(ctx, "c1", "food-safety", 0.85, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.InDelta(t, 0.85, res.BestScore, 1e-9)
	assert.True(t, res.Passed)
	assert.True(t, res.GoalCompleted)

	goal, err := st.GetGoal(ctx, "c1", model.GoalLearn, "food-safety")
	require.NoError(t, err)
	assert.Equal(t, model.GoalCompleted, goal.Status)
	assert.InDelta(t, 1.0, goal.Progress, 1e-9)
	require.NotNil(t, goal.CompletedAt)

	// a later weak attempt keeps best score and pass
	res, err = g.RecordExamResult(ctx, "c1", "food-safety", 0.3, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.InDelta(t, 0.85, res.BestScore, 1e-9)
	assert.InDelta(t, 0.3, res.LastScore, 1e-9)
	assert.True(t, res.Passed)

	passed, err := st.GetAttribute(ctx, "c1", registry.ScopeExam, "exam:food-safety:passed")
	require.NoError(t, err)
	assert.True(t, passed.Value.Bool)
}

func TestRecordExamResult_CompletesExistingGoal(t *testing.T) {
	g, tr, st := newTestGate(t, settings.Defaults())
	ctx := context.Background()
	goal, err := tr.Enroll(ctx, "c1", testCurriculum())
	require.NoError(t, err)

	_, err = g.RecordExamResult(ctx, "c1", "food-safety", 0.7, 0, 0)
	require.NoError(t, err)

	got, err := st.GetGoal(ctx, "c1", model.GoalLearn, "food-safety")
	require.NoError(t, err)
	assert.Equal(t, goal.ID, got.ID)
	assert.Equal(t, model.GoalCompleted, got.Status)
}

func TestRecordExamResult_InvalidCounts(t *testing.T) {
	g, _, _ := newTestGate(t, settings.Defaults())
	_, err := g.RecordExamResult(context.Background(), "c1", "food-safety", 0, 3, 5)
	require.Error(t, err)
}
