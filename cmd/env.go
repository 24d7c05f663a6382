package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/completion"
	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/cost"
	"github.com/sells-group/callcoach/internal/pipeline"
	"github.com/sells-group/callcoach/internal/store"
	"github.com/sells-group/callcoach/pkg/anthropic"
)

// appEnv holds the store and pipeline shared by the serve, run, exam and
// prompt commands.
type appEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("store: close failed", zap.Error(err))
		}
	}
}

// initEnv validates cfg for mode, opens the store and wires the pipeline.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, eris.Wrap(err, "invalid config")
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	return &appEnv{
		Store:    st,
		Pipeline: pipeline.New(cfg, st, newCompleter(cfg)),
	}, nil
}

// newCompleter returns nil in offline mode, which the pipeline treats as the
// offline engine.
func newCompleter(c *config.Config) completion.Completer {
	if c.Completion.Offline {
		return nil
	}
	client := anthropic.NewClient(c.Anthropic.Key)
	calc := cost.NewCalculator(cost.RatesFromConfig(c.Pricing))
	return completion.NewAnthropicCompleter(client, c.Anthropic.Model, c.Completion, calc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
