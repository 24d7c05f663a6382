package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func measureSpec() AnalysisSpec {
	return AnalysisSpec{
		Slug:       "caller-traits",
		OutputType: OutputMeasure,
		Active:     true,
		Compiled:   true,
		Status:     SpecStatusCompiled,
		Triggers: []Trigger{{
			Name: "every-call",
			Actions: []Action{
				{ID: "a1", ParameterID: "openness"},
				{ID: "a2", Description: "note only"},
				{ID: "a3", ParameterID: "patience"},
			},
		}},
	}
}

func TestAnalysisSpec_Usable(t *testing.T) {
	s := measureSpec()
	assert.True(t, s.Usable())

	s.Compiled = false
	assert.False(t, s.Usable())

	s = measureSpec()
	s.Status = SpecStatusArchived
	assert.False(t, s.Usable())
}

func TestAnalysisSpec_ParameterActions(t *testing.T) {
	actions := measureSpec().ParameterActions()
	require.Len(t, actions, 2)
	assert.Equal(t, "openness", actions[0].Action.ParameterID)
	assert.Equal(t, "patience", actions[1].Action.ParameterID)
	assert.Equal(t, "every-call", actions[0].Trigger.Name)
}

func TestAnalysisSpec_Validate(t *testing.T) {
	known := func(id string) bool { return id == "openness" || id == "patience" }

	s := measureSpec()
	s.Triggers[0].Actions = parameterActionsOnly(s)
	assert.NoError(t, s.Validate(known))

	s.Triggers[0].Actions = append(s.Triggers[0].Actions, Action{ID: "a4", ParameterID: "ghost"})
	err := s.Validate(known)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown parameter ghost")
}

func TestAnalysisSpec_Validate_LearnNeedsCategory(t *testing.T) {
	s := AnalysisSpec{
		Slug:       "facts",
		OutputType: OutputLearn,
		Triggers:   []Trigger{{Name: "t", Actions: []Action{{ID: "x"}}}},
	}
	err := s.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no learn_category")
}

func TestAnalysisSpec_Validate_MismatchedConfig(t *testing.T) {
	s := measureSpec()
	s.Triggers[0].Actions = parameterActionsOnly(s)
	s.Config = SpecConfig{Adapt: &AdaptOptions{LearningRate: 0.2}}
	err := s.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match output type")
}

func TestSpecConfig_ResolveMeasure(t *testing.T) {
	base := DefaultMeasureOptions()

	assert.Equal(t, base, SpecConfig{}.ResolveMeasure(base))

	got := SpecConfig{Measure: &MeasureOptions{TranscriptLimit: 1200}}.ResolveMeasure(base)
	assert.Equal(t, 1200, got.TranscriptLimit)
	assert.Equal(t, base.MaxTokens, got.MaxTokens)
	assert.InDelta(t, 0.5, got.DefaultScore, 1e-9)
	assert.InDelta(t, 0.3, got.DefaultConfidence, 1e-9)
}

func TestSpecConfig_ResolveCompose(t *testing.T) {
	got := SpecConfig{Compose: &ComposeOptions{Format: PromptFormatJSON, HighThreshold: 0.8}}.
		ResolveCompose(DefaultComposeOptions())
	assert.Equal(t, PromptFormatJSON, got.Format)
	assert.InDelta(t, 0.8, got.HighThreshold, 1e-9)
	assert.InDelta(t, 0.35, got.LowThreshold, 1e-9)
	assert.Equal(t, 5, got.MemoriesPerCategory)
}

// parameterActionsOnly drops actions without a parameter id.
func parameterActionsOnly(s AnalysisSpec) []Action {
	var out []Action
	for _, ta := range s.ParameterActions() {
		out = append(out, ta.Action)
	}
	return out
}
