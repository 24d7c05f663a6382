// Package completion is the pipeline's view of the text-completion service.
package completion

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/cost"
	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/resilience"
	"github.com/sells-group/callcoach/pkg/anthropic"
)

// Request is one completion exchange. Shared is a system prefix that stays
// the same across many requests of a stage and can be cached.
type Request struct {
	Shared      string
	System      string
	User        string
	MaxTokens   int64
	Temperature float64
	// Operation labels the request in logs, e.g. "measure:B5-O".
	Operation string
}

// Response is the completion text with its usage.
type Response struct {
	Content string
	Model   string
	Usage   model.TokenUsage
}

// Completer sends a request to the completion service.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Completer.
type Func func(ctx context.Context, req Request) (*Response, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// AnthropicCompleter sends requests through an anthropic.Client under a
// resilience.Guard and prices each response.
type AnthropicCompleter struct {
	client    anthropic.Client
	guard     *resilience.Guard
	model     string
	maxTokens int64
	calc      *cost.Calculator
}

// NewAnthropicCompleter wires the client with guard settings from cfg.
func NewAnthropicCompleter(client anthropic.Client, modelID string, cfg config.CompletionConfig, calc *cost.Calculator) *AnthropicCompleter {
	return &AnthropicCompleter{
		client:    client,
		guard:     resilience.NewGuard(resilience.GuardConfigFrom("anthropic", cfg)),
		model:     modelID,
		maxTokens: cfg.MaxTokens,
		calc:      calc,
	}
}

// Complete implements Completer. An empty response yields
// model.ErrCompletionMalformed.
func (c *AnthropicCompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Temperature

	msgReq := anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      anthropic.SystemPrompt(req.Shared, req.System),
		Messages:    []anthropic.Message{{Role: "user", Content: req.User}},
		Temperature: &temp,
	}

	resp, err := resilience.Call(ctx, c.guard, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return c.client.CreateMessage(ctx, msgReq)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "completion: %s", req.Operation)
	}

	out := &Response{
		Content: strings.TrimSpace(resp.Text()),
		Model:   resp.Model,
		Usage: model.TokenUsage{
			InputTokens:         int(resp.Usage.InputTokens),
			OutputTokens:        int(resp.Usage.OutputTokens),
			CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
		},
	}
	if out.Model == "" {
		out.Model = c.model
	}
	out.Usage.Cost = c.calc.Completion(out.Model, out.Usage)

	zap.L().Debug("completion: cost attribution",
		zap.String("operation", req.Operation),
		zap.String("model", out.Model),
		zap.Int("input_tokens", out.Usage.InputTokens),
		zap.Int("output_tokens", out.Usage.OutputTokens),
		zap.Int("cache_write_tokens", out.Usage.CacheCreationTokens),
		zap.Int("cache_read_tokens", out.Usage.CacheReadTokens),
		zap.Float64("estimated_cost_usd", out.Usage.Cost),
	)

	if out.Content == "" {
		return out, eris.Wrapf(model.ErrCompletionMalformed, "completion: %s: empty response", req.Operation)
	}
	return out, nil
}

// ErrOffline is returned by Offline for every request.
var ErrOffline = eris.New("completion: offline engine makes no completion calls")

// Offline is the Completer used by the offline engine. Stages never need it
// for lexical work; anything that reaches it falls back to defaults.
type Offline struct{}

// Complete implements Completer.
func (Offline) Complete(context.Context, Request) (*Response, error) {
	return nil, ErrOffline
}

// Truncate returns at most limit runes of s.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
