// Package cost prices completion token usage.
package cost

import (
	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/model"
)

// ModelRate is per-model pricing in USD per million tokens. Cache multipliers
// apply to the input rate.
type ModelRate struct {
	Input         float64
	Output        float64
	CacheWriteMul float64
	CacheReadMul  float64
}

// Rates maps model ids to their pricing.
type Rates map[string]ModelRate

// DefaultRates returns list pricing for the models the pipeline uses.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-opus-4-6":            {Input: 5.00, Output: 25.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
	}
}

// RatesFromConfig overlays configured pricing on the defaults.
func RatesFromConfig(cfg config.PricingConfig) Rates {
	rates := DefaultRates()
	for name, p := range cfg.Anthropic {
		r := ModelRate{Input: p.Input, Output: p.Output, CacheWriteMul: p.CacheWriteMul, CacheReadMul: p.CacheReadMul}
		if r.CacheWriteMul == 0 {
			r.CacheWriteMul = 1.25
		}
		if r.CacheReadMul == 0 {
			r.CacheReadMul = 0.1
		}
		rates[name] = r
	}
	return rates
}

// Calculator prices token usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Completion returns the USD cost of usage on modelID. Unknown models cost 0.
func (c *Calculator) Completion(modelID string, usage model.TokenUsage) float64 {
	if c == nil {
		return 0
	}
	rate, ok := c.rates[modelID]
	if !ok {
		return 0
	}
	in := float64(usage.InputTokens) / 1e6 * rate.Input
	out := float64(usage.OutputTokens) / 1e6 * rate.Output
	cw := float64(usage.CacheCreationTokens) / 1e6 * rate.Input * rate.CacheWriteMul
	cr := float64(usage.CacheReadTokens) / 1e6 * rate.Input * rate.CacheReadMul
	return in + out + cw + cr
}

// RunTotals sums token counts and cost across stage results.
func RunTotals(stages []model.StageResult) (tokens int, usd float64) {
	for _, s := range stages {
		u := s.TokenUsage
		tokens += u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
		usd += u.Cost
	}
	return tokens, usd
}
