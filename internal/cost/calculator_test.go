package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/model"
)

func testRates() Rates {
	return Rates{
		"haiku":  {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"sonnet": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
	}
}

func TestCompletion(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name  string
		model string
		usage model.TokenUsage
		want  float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			usage: model.TokenUsage{InputTokens: 1_000_000, OutputTokens: 100_000},
			want:  1.00 + 0.50,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			usage: model.TokenUsage{InputTokens: 500_000, OutputTokens: 50_000, CacheCreationTokens: 200_000, CacheReadTokens: 300_000},
			// 0.50 + 0.25 + 0.25 + 0.03
			want: 1.03,
		},
		{
			name:  "sonnet",
			model: "sonnet",
			usage: model.TokenUsage{InputTokens: 100_000, OutputTokens: 10_000},
			want:  0.30 + 0.15,
		},
		{
			name:  "unknown model",
			model: "gpt",
			usage: model.TokenUsage{InputTokens: 1_000_000},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Completion(tt.model, tt.usage), 1e-9)
		})
	}
}

func TestCompletion_NilCalculator(t *testing.T) {
	var calc *Calculator
	assert.Zero(t, calc.Completion("haiku", model.TokenUsage{InputTokens: 10}))
}

func TestRatesFromConfig(t *testing.T) {
	rates := RatesFromConfig(config.PricingConfig{
		Anthropic: map[string]config.ModelPricing{"custom": {Input: 2, Output: 8}},
	})
	assert.Contains(t, rates, "claude-haiku-4-5-20251001")
	assert.InDelta(t, 1.25, rates["custom"].CacheWriteMul, 1e-9)
	assert.InDelta(t, 0.1, rates["custom"].CacheReadMul, 1e-9)
}

func TestRunTotals(t *testing.T) {
	tokens, usd := RunTotals([]model.StageResult{
		{TokenUsage: model.TokenUsage{InputTokens: 100, OutputTokens: 10, Cost: 0.01}},
		{TokenUsage: model.TokenUsage{InputTokens: 50, CacheReadTokens: 5, Cost: 0.002}},
		{},
	})
	assert.Equal(t, 165, tokens)
	assert.InDelta(t, 0.012, usd, 1e-9)
}
