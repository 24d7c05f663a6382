package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/completion"
	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/curriculum"
	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/registry"
	"github.com/sells-group/callcoach/internal/settings"
	"github.com/sells-group/callcoach/internal/store"
)

const sampleTranscript = `Agent: Hello, thank you for calling! How can I help you today?
Caller: Hi, my name is Alex. I live in Boston.
Caller: I have a dog and I prefer morning calls.
Agent: That's great, I understand. Glad to help, please let me know anything else.`

// mockCompleter implements completion.Completer for testing.
type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*completion.Response), args.Error(1)
}

func textResponse(content string) *completion.Response {
	return &completion.Response{
		Content: content,
		Model:   "claude-haiku-4-5-20251001",
		Usage:   model.TokenUsage{InputTokens: 100, OutputTokens: 10, Cost: 0.001},
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.UpsertCaller(context.Background(), &model.Caller{ID: "c1", Name: "Alex"}))
	return st
}

func newTestEnv(t *testing.T, engine model.Engine, completer completion.Completer) *Env {
	t.Helper()
	st := newTestStore(t)
	if completer == nil {
		completer = completion.Offline{}
	}
	return &Env{
		Store:       st,
		Registry:    registry.New(st),
		Curriculum:  curriculum.NewTracker(st, registry.DefaultContracts()),
		Completer:   completer,
		Settings:    settings.Defaults(),
		Config:      config.PipelineConfig{TranscriptExcerptChars: 4000, MaxSpecConcurrency: 2, MaxCompletionConcurrency: 2},
		Personality: config.PersonalityConfig{HalfLifeDays: 30, DecayFloor: 0.05},
		Engine:      engine,
		Now:         func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func saveParams(t *testing.T, env *Env, params ...model.Parameter) {
	t.Helper()
	for i := range params {
		require.NoError(t, env.Store.SaveParameter(context.Background(), &params[i]))
	}
}

func saveSpec(t *testing.T, env *Env, spec model.AnalysisSpec) {
	t.Helper()
	spec.Active = true
	spec.Compiled = true
	spec.Status = model.SpecStatusPublished
	require.NoError(t, env.Store.SaveSpec(context.Background(), &spec))
}

func newMeasureSpec(slug string, priority int, paramIDs ...string) model.AnalysisSpec {
	return parameterSpec(slug, model.OutputMeasure, priority, paramIDs...)
}

func parameterSpec(slug string, t model.OutputType, priority int, paramIDs ...string) model.AnalysisSpec {
	trig := model.Trigger{Name: "always", Condition: "every call"}
	for _, id := range paramIDs {
		trig.Actions = append(trig.Actions, model.Action{ID: slug + "-" + id, ParameterID: id})
	}
	return model.AnalysisSpec{Slug: slug, Name: slug, Version: 1, OutputType: t, Priority: priority, Triggers: []model.Trigger{trig}}
}

func newLearnSpec(slug string, actions ...model.Action) model.AnalysisSpec {
	return model.AnalysisSpec{
		Slug: slug, Name: slug, Version: 1, OutputType: model.OutputLearn,
		Triggers: []model.Trigger{{Name: "always", Actions: actions}},
	}
}

func warmthParam() model.Parameter {
	return model.Parameter{ID: "B5-W", Name: "Warmth", Family: model.FamilyWarmth, Bucket: "rapport"}
}

func customParam(id string) model.Parameter {
	return model.Parameter{ID: id, Name: id, Family: model.FamilyCustom, Definition: "how " + id}
}

func newCall(t *testing.T, env *Env, transcript string) *model.Call {
	t.Helper()
	ctx := context.Background()
	call, err := env.Store.StartCall(ctx, "c1")
	require.NoError(t, err)
	call, err = env.Store.CompleteCall(ctx, call.ID, transcript)
	require.NoError(t, err)
	return call
}
