package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/callcoach/internal/model"
)

func TestSplitTurns(t *testing.T) {
	tt := splitTurns(sampleTranscript)
	assert.True(t, tt.labeled)
	assert.Len(t, tt.agent, 2)
	assert.Len(t, tt.caller, 2)
	assert.Equal(t, "Hi, my name is Alex. I live in Boston.", tt.caller[0])
}

func TestSplitTurns_ContinuationAndAliases(t *testing.T) {
	tt := splitTurns("AI: first line\nsecond line\nAssistant: again\nJordan: hello")
	assert.Equal(t, []string{"first line second line", "again"}, tt.agent)
	assert.Equal(t, []string{"hello"}, tt.caller)
}

func TestSplitTurns_Unlabeled(t *testing.T) {
	tt := splitTurns("just some words\nwith no speakers")
	assert.False(t, tt.labeled)
	assert.Equal(t, tt.agent, tt.caller)
	assert.Len(t, tt.agent, 1)

	empty := splitTurns("")
	assert.Empty(t, empty.agent)
	assert.Empty(t, empty.caller)
}

func TestLexicalScore(t *testing.T) {
	tests := []struct {
		name   string
		family model.ParameterFamily
		turns  []string
		want   float64
	}{
		{"warmth counts markers", model.FamilyWarmth, []string{"Thanks so much, I appreciate it. Glad to hear."}, 0.3},
		{"warmth caps at one", model.FamilyWarmth, []string{"thanks thanks thanks thanks thanks thanks thanks thanks thanks thanks thanks"}, 1.0},
		{"empathy", model.FamilyEmpathy, []string{"I understand. That sounds hard."}, 0.4},
		{"directness short sentences", model.FamilyDirectness, []string{"Yes. Done. Sending now."}, 0.9},
		{"directness long sentence", model.FamilyDirectness, []string{"well I was thinking that maybe we could possibly look into the matter a bit more before we go and decide anything at all today"}, 0.3},
		{"directness no words", model.FamilyDirectness, nil, 0.5},
		{"pace short turns", model.FamilyPace, []string{"ok", "sure thing"}, 0.9},
		{"pace no turns", model.FamilyPace, nil, 0.5},
		{"formality all formal", model.FamilyFormality, []string{"Could you please confirm, sir?"}, 1.0},
		{"formality mixed", model.FamilyFormality, []string{"Hey, please hold. Yeah."}, 1.0 / 3.0},
		{"formality no markers", model.FamilyFormality, []string{"the weather"}, 0.5},
		{"empty transcript warmth", model.FamilyWarmth, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, evidence := lexicalScore(tt.family, tt.turns)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Contains(t, evidence, "lexical:")
		})
	}
}

func TestBucket(t *testing.T) {
	bounds := []float64{8, 14, 20, 28}
	assert.InDelta(t, 0.9, bucket(8, bounds), 1e-9)
	assert.InDelta(t, 0.7, bucket(8.5, bounds), 1e-9)
	assert.InDelta(t, 0.5, bucket(20, bounds), 1e-9)
	assert.InDelta(t, 0.3, bucket(28, bounds), 1e-9)
	assert.InDelta(t, 0.1, bucket(29, bounds), 1e-9)
}
