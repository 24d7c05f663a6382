package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/model"
)

func TestDecayWeight(t *testing.T) {
	tests := []struct {
		name    string
		conf    float64
		ageDays float64
		want    float64
	}{
		{"fresh", 0.8, 0, 0.8},
		{"one half-life", 1.0, 30, 0.5},
		{"two half-lives", 1.0, 60, 0.25},
		{"floored", 1.0, 3650, 0.05},
		{"future clamps to fresh", 0.6, -2, 0.6},
		{"zero confidence", 0, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, decayWeight(tt.conf, tt.ageDays, 30, 0.05), 1e-9)
		})
	}
}

func TestPersonalityStage_WeightsRecentScores(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	ctx := context.Background()
	now := env.now()

	old := newCall(t, env, "Caller: hello")
	recent := newCall(t, env, "Caller: hello again")
	for _, s := range []model.CallScore{
		{CallID: old.ID, ParameterID: "B5-W", Score: 0.2, Confidence: 1, ScoredAt: now.AddDate(0, 0, -30)},
		{CallID: recent.ID, ParameterID: "B5-W", Score: 0.8, Confidence: 1, ScoredAt: now},
		{CallID: recent.ID, ParameterID: "B5-O", Score: 0.4, Confidence: 0.5, ScoredAt: now},
		{CallID: recent.ID, ParameterID: model.DeltaParameterID("B5-W"), Score: 0.9, Confidence: 1, ScoredAt: now},
	} {
		require.NoError(t, env.Store.UpsertCallScore(ctx, &s))
	}

	res, err := PersonalityStage(ctx, env, recent)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(model.CountTraits))

	p, err := env.Store.GetPersonality(ctx, "c1")
	require.NoError(t, err)
	// (0.2*0.5 + 0.8*1) / 1.5
	assert.InDelta(t, 0.6, p.Traits["B5-W"], 1e-6)
	assert.InDelta(t, 0.4, p.Traits["B5-O"], 1e-9)
	assert.NotContains(t, p.Traits, model.DeltaParameterID("B5-W"))
	assert.Equal(t, 2, p.CallsUsed)
}

func TestPersonalityStage_NoScores(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	call := newCall(t, env, "Caller: hi")

	res, err := PersonalityStage(context.Background(), env, call)
	require.NoError(t, err)
	assert.Zero(t, res.Count(model.CountTraits))
}
