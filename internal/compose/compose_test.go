package compose

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/curriculum"
	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/registry"
	"github.com/sells-group/callcoach/internal/settings"
	"github.com/sells-group/callcoach/internal/store"
)

func TestClassifyValue(t *testing.T) {
	tests := []struct {
		v, high, low float64
		want         Level
	}{
		{0.9, 0.65, 0.35, LevelHigh},
		{0.65, 0.65, 0.35, LevelHigh},
		{0.5, 0.65, 0.35, LevelModerate},
		{0.35, 0.65, 0.35, LevelLow},
		{0.1, 0.65, 0.35, LevelLow},
		// same value, different thresholds
		{0.5, 0.45, 0.2, LevelHigh},
		{0.5, 0.9, 0.6, LevelLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyValue(tt.v, tt.high, tt.low), "v=%v high=%v low=%v", tt.v, tt.high, tt.low)
	}
}

func TestClassifyValue_Monotonic(t *testing.T) {
	rank := map[Level]int{LevelLow: 0, LevelModerate: 1, LevelHigh: 2}
	prev := -1
	for v := 0.0; v <= 1.0; v += 0.01 {
		r := rank[ClassifyValue(v, 0.65, 0.35)]
		assert.GreaterOrEqual(t, r, prev, "v=%v", v)
		prev = r
	}
}

type fixture struct {
	st       *store.SQLiteStore
	reg      *registry.Registry
	tracker  *curriculum.Tracker
	composer *Composer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.UpsertCaller(ctx, &model.Caller{ID: "c1", Name: "Alex"}))

	for _, p := range []model.Parameter{
		{ID: "B5-W", Name: "Warmth", Family: model.FamilyWarmth, Bucket: "rapport", LowLabel: "Keep it businesslike", HighLabel: "Be warm and personal"},
		{ID: "B5-P", Name: "Pace", Family: model.FamilyPace, Bucket: "delivery", LowLabel: "Slow down", HighLabel: "Keep it brisk"},
		{ID: "B5-E", Name: "Empathy", Family: model.FamilyEmpathy, Bucket: "rapport"},
	} {
		require.NoError(t, st.SaveParameter(ctx, &p))
	}

	reg := registry.New(st)
	tr := curriculum.NewTracker(st, registry.DefaultContracts())
	return &fixture{st: st, reg: reg, tracker: tr, composer: New(st, reg, tr)}
}

func (f *fixture) memory(t *testing.T, key, value, category string, conf float64) {
	t.Helper()
	require.NoError(t, f.st.SaveMemory(context.Background(), &model.CallerMemory{
		CallerID: "c1", Key: key, Value: value, Category: category, Confidence: conf,
	}))
}

func TestBuild_GroupsMemories(t *testing.T) {
	f := newFixture(t)
	f.memory(t, "name", "Alex", model.CategoryFact, 0.9)
	f.memory(t, "location", "Boston", model.CategoryFact, 0.8)
	f.memory(t, "occupation", "Nurse", model.CategoryFact, 0.7)
	f.memory(t, "preference", "morning calls", model.CategoryPreference, 0.75)

	opts := model.DefaultComposeOptions()
	opts.MemoriesPerCategory = 2
	pc, err := f.composer.Build(context.Background(), "c1", opts, settings.Defaults())
	require.NoError(t, err)

	require.Len(t, pc.Memories, 2)
	assert.Equal(t, model.CategoryFact, pc.Memories[0].Category)
	assert.Equal(t, "Fact", pc.Memories[0].Heading)
	require.Len(t, pc.Memories[0].Items, 2)
	assert.Equal(t, "name", pc.Memories[0].Items[0].Key)
	assert.Equal(t, "location", pc.Memories[0].Items[1].Key)
	assert.Equal(t, "Preference", pc.Memories[1].Heading)
}

func TestBuild_BehaviorBucketsAndPersonality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for id, v := range map[string]float64{"B5-W": 0.8, "B5-P": 0.2, "B5-E": 0.5} {
		require.NoError(t, f.st.UpsertBehaviorTarget(ctx, &model.BehaviorTarget{Scope: model.ScopeSystem, ParameterID: id, TargetValue: v}))
	}
	require.NoError(t, f.st.SavePersonality(ctx, &model.CallerPersonality{
		CallerID: "c1", Traits: map[string]float64{"B5-W": 0.7, "B5-W-DELTA": 0.6}, CallsUsed: 2,
	}))

	pc, err := f.composer.Build(ctx, "c1", model.DefaultComposeOptions(), settings.Defaults())
	require.NoError(t, err)

	require.Len(t, pc.Behavior, 2)
	assert.Equal(t, "delivery", pc.Behavior[0].Bucket)
	assert.Equal(t, LevelLow, pc.Behavior[0].Targets[0].Level)
	assert.Equal(t, "Slow down", pc.Behavior[0].Targets[0].Guidance)
	assert.Equal(t, "Rapport", pc.Behavior[1].Heading)
	assert.Len(t, pc.Behavior[1].Targets, 2)

	require.Len(t, pc.Personality, 1)
	assert.Equal(t, "Warmth", pc.Personality[0].Name)
	assert.Equal(t, LevelHigh, pc.Personality[0].Level)
}

func TestCompose_SupersedesActivePrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.memory(t, "name", "Alex", model.CategoryFact, 0.9)

	first, err := f.composer.Compose(ctx, "c1", "manual", "", settings.Defaults())
	require.NoError(t, err)
	assert.Equal(t, model.PromptFormatText, first.Format)
	assert.Contains(t, first.Content, "You are speaking with Alex.")
	assert.Contains(t, first.Content, "- name: Alex")

	second, err := f.composer.Compose(ctx, "c1", "post_call", "", settings.Defaults())
	require.NoError(t, err)

	active, err := f.st.GetActivePrompt(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	prompts, err := f.st.ListPrompts(ctx, "c1")
	require.NoError(t, err)
	activeCount := 0
	for _, p := range prompts {
		if p.Status == model.PromptActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestCompose_UnknownCaller(t *testing.T) {
	f := newFixture(t)
	_, err := f.composer.Compose(context.Background(), "nobody", "manual", "", settings.Defaults())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCompose_IncludesCurriculum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cur := &model.Curriculum{SpecSlug: "food-safety", Name: "Food Safety", Modules: []model.ContentModule{
		{ID: "m1", Title: "Hygiene"}, {ID: "m2", Title: "Storage"},
	}}
	require.NoError(t, f.st.SaveCurriculum(ctx, cur))
	_, err := f.tracker.Enroll(ctx, "c1", cur)
	require.NoError(t, err)
	_, err = f.tracker.RecordMastery(ctx, "c1", "food-safety", "m1", 0.6, true)
	require.NoError(t, err)

	p, err := f.composer.Compose(ctx, "c1", "manual", "", settings.Defaults())
	require.NoError(t, err)
	assert.Contains(t, p.Content, "Food Safety: working on Hygiene, module mastery 60%, overall 30%, exam readiness not ready")
}

func TestRender_JSON(t *testing.T) {
	pc := &Context{
		Caller:     CallerInfo{ID: "c1", Name: "Alex"},
		Memories:   []MemoryGroup{{Category: "FACT", Heading: "Fact", Items: []Memory{{Key: "name", Value: "Alex", Confidence: 0.9}}}},
		Behavior:   []TargetBucket{{Bucket: "rapport", Heading: "Rapport", Targets: []Target{{ParameterID: "B5-W", Value: 0.8, Level: LevelHigh}}}},
		Thresholds: Thresholds{High: 0.65, Low: 0.35},
	}
	out, err := Render(pc, model.PromptFormatJSON)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "Alex", decoded["caller"].(map[string]any)["name"])
	assert.True(t, strings.Contains(out, `"level": "HIGH"`))
}

func TestRender_TextOmitsEmptySections(t *testing.T) {
	out, err := Render(&Context{Caller: CallerInfo{ID: "c1"}, Preamble: "Be concise."}, model.PromptFormatText)
	require.NoError(t, err)
	assert.Equal(t, "Be concise.\n\nYou are speaking with a returning caller.", out)
}
