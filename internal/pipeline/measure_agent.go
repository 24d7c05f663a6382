package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/callcoach/internal/completion"
	"github.com/sells-group/callcoach/internal/model"
)

const agentInstructions = `You rate how the voice agent behaved in a call transcript on a scale from 0.0 to 1.0.
Judge only the agent's turns. Respond with a valid JSON object:
{"score": <0.0-1.0>, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

// agentPlan is the parameter set to measure and the merged options.
type agentPlan struct {
	params []model.Parameter
	opts   model.MeasureAgentOptions
}

func planAgentMeasurement(specs []model.AnalysisSpec, params map[string]model.Parameter) agentPlan {
	plan := agentPlan{opts: model.DefaultMeasureAgentOptions()}
	if len(specs) == 0 {
		for _, p := range params {
			if !model.IsDeltaParameter(p.ID) {
				plan.params = append(plan.params, p)
			}
		}
		sort.Slice(plan.params, func(i, j int) bool { return plan.params[i].ID < plan.params[j].ID })
		return plan
	}

	seen := make(map[string]bool)
	for _, spec := range specs {
		plan.opts = spec.Config.ResolveMeasureAgent(plan.opts)
		for _, ta := range spec.ParameterActions() {
			if seen[ta.Action.ParameterID] {
				continue
			}
			seen[ta.Action.ParameterID] = true
			plan.params = append(plan.params, lookupParameter(params, ta.Action.ParameterID))
		}
	}
	return plan
}

// MeasureAgentStage measures the agent's own behavior on each parameter.
// Lexical families are scored from marker counts in the agent's turns; other
// families need a completion and default to 0.5 without one. With no
// MEASURE_AGENT spec every registered parameter is measured.
func MeasureAgentStage(ctx context.Context, env *Env, call *model.Call) (*model.StageResult, error) {
	result := newResult(model.StageMeasureAgent)

	specs, err := env.optionalSpecs(ctx, model.OutputMeasureAgent)
	if err != nil {
		return result, err
	}
	params, err := env.Registry.Parameters(ctx)
	if err != nil {
		return result, err
	}
	plan := planAgentMeasurement(specs, params)
	if len(plan.params) == 0 {
		note(result, "no parameters to measure")
		return result, nil
	}

	agentTurns := splitTurns(call.Transcript).agent
	shared := agentInstructions + "\n\nTranscript:\n" + env.excerpt(call.Transcript, plan.opts.TranscriptLimit)
	measurements := make([]model.BehaviorMeasurement, len(plan.params))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.completionLimit())
	for i, p := range plan.params {
		g.Go(func() error {
			m := model.BehaviorMeasurement{CallID: call.ID, ParameterID: p.ID, MeasuredAt: env.now()}
			switch {
			case p.Family.Lexical():
				m.ActualValue, m.Evidence = lexicalScore(p.Family, agentTurns)
			case env.offline() || plan.opts.LexicalOnly:
				m.ActualValue, m.Evidence = 0.5, "default: no lexical scorer for family "+familyName(p)
			default:
				resp, err := env.Completer.Complete(gctx, completion.Request{
					Shared:    shared,
					User:      parameterPrompt(p, model.Trigger{}),
					MaxTokens: plan.opts.MaxTokens,
					Operation: "measure_agent:" + p.ID,
				})
				var parsed measureOutput
				if err == nil {
					err = parsed.parse(resp.Content, false)
				}
				mu.Lock()
				if resp != nil {
					result.TokenUsage.Add(resp.Usage)
				}
				if err != nil {
					result.Counts[model.CountFallbacks]++
				}
				mu.Unlock()
				if err != nil {
					m.ActualValue = 0.5
					m.Evidence = "fallback: " + completion.Truncate(err.Error(), 200)
				} else {
					m.ActualValue = model.Clamp01(float64(*parsed.Score))
					m.Evidence = strings.TrimSpace(parsed.Reasoning)
				}
			}
			measurements[i] = m
			return nil
		})
	}
	_ = g.Wait()

	for i := range measurements {
		if err := env.Store.UpsertBehaviorMeasurement(ctx, &measurements[i]); err != nil {
			return result, eris.Wrapf(err, "pipeline: save measurement %s", measurements[i].ParameterID)
		}
	}
	result.Counts[model.CountMeasurementsCreated] = len(measurements)

	zap.L().Debug("pipeline: agent behavior measured",
		zap.String("call_id", call.ID),
		zap.Int("parameters", len(measurements)),
	)
	return result, nil
}
