package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callcoach/internal/completion"
	"github.com/sells-group/callcoach/internal/model"
)

func measurementsByParam(t *testing.T, env *Env, callID string) map[string]model.BehaviorMeasurement {
	t.Helper()
	list, err := env.Store.ListBehaviorMeasurements(context.Background(), callID)
	require.NoError(t, err)
	out := make(map[string]model.BehaviorMeasurement, len(list))
	for _, m := range list {
		out[m.ParameterID] = m
	}
	return out
}

func TestMeasureAgentStage_NoSpecMeasuresAllParameters(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	saveParams(t, env, warmthParam(), customParam("B5-O"), customParam(model.DeltaParameterID("B5-W")))
	call := newCall(t, env, sampleTranscript)

	res, err := MeasureAgentStage(context.Background(), env, call)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(model.CountMeasurementsCreated))

	got := measurementsByParam(t, env, call.ID)
	require.Len(t, got, 2)
	// thank, great, glad
	assert.InDelta(t, 0.3, got["B5-W"].ActualValue, 1e-9)
	assert.Contains(t, got["B5-W"].Evidence, "lexical:")
	assert.InDelta(t, 0.5, got["B5-O"].ActualValue, 1e-9)
	assert.Contains(t, got["B5-O"].Evidence, "default:")
}

func TestMeasureAgentStage_SpecLimitsParameters(t *testing.T) {
	comp := &mockCompleter{}
	comp.On("Complete", mock.Anything, mock.Anything).
		Return(textResponse(`{"score": 0.8, "confidence": 0.9, "reasoning": " patient throughout "}`), nil).Once()

	env := newTestEnv(t, model.EngineAI, comp)
	saveParams(t, env, warmthParam(), customParam("B5-O"), customParam("B5-P"))
	saveSpec(t, env, parameterSpec("agent", model.OutputMeasureAgent, 0, "B5-W", "B5-P"))
	call := newCall(t, env, sampleTranscript)

	res, err := MeasureAgentStage(context.Background(), env, call)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(model.CountMeasurementsCreated))
	assert.Equal(t, 100, res.TokenUsage.InputTokens)

	got := measurementsByParam(t, env, call.ID)
	assert.NotContains(t, got, "B5-O")
	assert.InDelta(t, 0.8, got["B5-P"].ActualValue, 1e-9)
	assert.Equal(t, "patient throughout", got["B5-P"].Evidence)
	comp.AssertNumberOfCalls(t, "Complete", 1)
}

func TestMeasureAgentStage_LexicalOnlySkipsCompletions(t *testing.T) {
	comp := &mockCompleter{}
	env := newTestEnv(t, model.EngineAI, comp)
	saveParams(t, env, customParam("B5-P"))
	spec := parameterSpec("agent", model.OutputMeasureAgent, 0, "B5-P")
	spec.Config.MeasureAgent = &model.MeasureAgentOptions{LexicalOnly: true}
	saveSpec(t, env, spec)
	call := newCall(t, env, sampleTranscript)

	_, err := MeasureAgentStage(context.Background(), env, call)
	require.NoError(t, err)
	got := measurementsByParam(t, env, call.ID)
	assert.InDelta(t, 0.5, got["B5-P"].ActualValue, 1e-9)
	comp.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestMeasureAgentStage_NoParameters(t *testing.T) {
	env := newTestEnv(t, model.EngineOffline, nil)
	call := newCall(t, env, sampleTranscript)

	res, err := MeasureAgentStage(context.Background(), env, call)
	require.NoError(t, err)
	assert.Zero(t, res.Count(model.CountMeasurementsCreated))
	assert.Equal(t, []string{"no parameters to measure"}, res.Logs)
}

func TestMeasureAgentStage_FallbackOnMissingScore(t *testing.T) {
	bodies := map[string]string{
		"B5-O": `{"reasoning": "unclear"}`,
		"B5-C": `{"score": null, "confidence": null}`,
		"B5-P": `{"score": 0.2, "reasoning": "rushed"}`,
	}
	comp := &mockCompleter{}
	for id, body := range bodies {
		comp.On("Complete", mock.Anything, mock.MatchedBy(func(r completion.Request) bool { return r.Operation == "measure_agent:"+id })).
			Return(textResponse(body), nil)
	}

	env := newTestEnv(t, model.EngineAI, comp)
	saveParams(t, env, customParam("B5-O"), customParam("B5-C"), customParam("B5-P"))
	call := newCall(t, env, sampleTranscript)

	res, err := MeasureAgentStage(context.Background(), env, call)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(model.CountFallbacks))

	got := measurementsByParam(t, env, call.ID)
	for _, id := range []string{"B5-O", "B5-C"} {
		assert.InDelta(t, 0.5, got[id].ActualValue, 1e-9, id)
		assert.Contains(t, got[id].Evidence, "fallback: ", id)
	}
	// Confidence is optional for agent measurements.
	assert.InDelta(t, 0.2, got["B5-P"].ActualValue, 1e-9)
	assert.Equal(t, "rushed", got["B5-P"].Evidence)
}
