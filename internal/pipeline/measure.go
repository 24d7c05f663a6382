package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/callcoach/internal/completion"
	"github.com/sells-group/callcoach/internal/model"
)

const measureInstructions = `You score one trait of the caller in a voice call transcript on a scale from 0.0 to 1.0.
Judge only the caller's own turns. Respond with a valid JSON object:
{"score": <0.0-1.0>, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

const measureParameterPrompt = `Parameter: %s (%s)
Definition: %s
0.0 means: %s
1.0 means: %s%s`

// Offline scores carry this confidence whether lexical or defaulted.
const offlineConfidence = 0.3

const (
	scorerLexical  = "lexical"
	scorerDefault  = "default"
	scorerFallback = "fallback"
)

type measureOutput struct {
	Score      *completion.Number `json:"score"`
	Confidence *completion.Number `json:"confidence"`
	Reasoning  string             `json:"reasoning"`
}

// parse decodes content and requires a score, plus a confidence when
// withConfidence is set. A missing or null field is malformed.
func (o *measureOutput) parse(content string, withConfidence bool) error {
	if err := completion.ParseJSON(content, o); err != nil {
		return err
	}
	if o.Score == nil {
		return eris.Wrap(model.ErrCompletionMalformed, "missing score")
	}
	if withConfidence && o.Confidence == nil {
		return eris.Wrap(model.ErrCompletionMalformed, "missing confidence")
	}
	return nil
}

// specScores is what one spec produced before anything is written.
type specScores struct {
	scores    []model.CallScore
	usage     model.TokenUsage
	fallbacks int
}

// MeasureStage scores the caller's traits for every parameter action of the
// active MEASURE specs. Specs are scored concurrently and written in
// (priority, slug) order so the last spec wins for a shared parameter.
func MeasureStage(ctx context.Context, env *Env, call *model.Call) (*model.StageResult, error) {
	result := newResult(model.StageMeasure)

	specs, err := env.activeSpecs(ctx, model.OutputMeasure)
	if err != nil {
		return result, err
	}
	params, err := env.Registry.Parameters(ctx)
	if err != nil {
		return result, err
	}
	tt := splitTurns(call.Transcript)

	outputs := make([]specScores, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.specLimit())
	for i := range specs {
		g.Go(func() error {
			outputs[i] = measureSpec(gctx, env, call, specs[i], params, tt)
			return nil
		})
	}
	_ = g.Wait()

	written := make(map[string]bool)
	for i, out := range outputs {
		result.TokenUsage.Add(out.usage)
		result.Counts[model.CountFallbacks] += out.fallbacks
		for j := range out.scores {
			s := &out.scores[j]
			if err := env.Store.UpsertCallScore(ctx, s); err != nil {
				return result, eris.Wrapf(err, "pipeline: save score %s from %s", s.ParameterID, specs[i].Slug)
			}
			written[s.ParameterID] = true
		}
	}
	result.Counts[model.CountScoresCreated] = len(written)

	zap.L().Debug("pipeline: measure scored",
		zap.String("call_id", call.ID),
		zap.Int("specs", len(specs)),
		zap.Int("parameters", len(written)),
		zap.Int("fallbacks", result.Counts[model.CountFallbacks]),
	)
	return result, nil
}

func measureSpec(ctx context.Context, env *Env, call *model.Call, spec model.AnalysisSpec, params map[string]model.Parameter, tt turns) specScores {
	opts := spec.Config.ResolveMeasure(model.DefaultMeasureOptions())
	actions := spec.ParameterActions()
	shared := measureInstructions + "\n\nTranscript:\n" + env.excerpt(call.Transcript, opts.TranscriptLimit)

	var (
		out = specScores{scores: make([]model.CallScore, len(actions))}
		mu  sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.completionLimit())
	for i, ta := range actions {
		g.Go(func() error {
			p := lookupParameter(params, ta.Action.ParameterID)
			score := model.CallScore{
				CallID:      call.ID,
				ParameterID: p.ID,
				SpecID:      spec.Slug,
				ScoredAt:    env.now(),
			}

			if env.offline() {
				score.Confidence = offlineConfidence
				if p.Family.Lexical() {
					score.Score, score.Evidence = lexicalScore(p.Family, tt.caller)
					score.ScorerID = scorerLexical
				} else {
					score.Score = opts.DefaultScore
					score.Evidence = "offline: no lexical scorer for family " + familyName(p)
					score.ScorerID = scorerDefault
				}
				out.scores[i] = score
				return nil
			}

			resp, err := env.Completer.Complete(gctx, completion.Request{
				Shared:      shared,
				User:        parameterPrompt(p, ta.Trigger),
				MaxTokens:   opts.MaxTokens,
				Temperature: opts.Temperature,
				Operation:   "measure:" + p.ID,
			})
			if resp != nil {
				mu.Lock()
				out.usage.Add(resp.Usage)
				mu.Unlock()
			}

			var parsed measureOutput
			if err == nil {
				err = parsed.parse(resp.Content, true)
			}
			if err != nil {
				zap.L().Warn("pipeline: measure fallback",
					zap.String("call_id", call.ID),
					zap.String("parameter", p.ID),
					zap.Error(err),
				)
				score.Score = opts.DefaultScore
				score.Confidence = opts.DefaultConfidence
				score.Evidence = "fallback: " + completion.Truncate(err.Error(), 200)
				score.ScorerID = scorerFallback
				mu.Lock()
				out.fallbacks++
				mu.Unlock()
				out.scores[i] = score
				return nil
			}

			score.Score = model.Clamp01(float64(*parsed.Score))
			score.Confidence = model.Clamp01(float64(*parsed.Confidence))
			score.Evidence = parsed.Reasoning
			score.ScorerID = resp.Model
			out.scores[i] = score
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// lookupParameter returns the registered parameter, or a bare one named by
// its id when the registry does not know it.
func lookupParameter(params map[string]model.Parameter, id string) model.Parameter {
	if p, ok := params[id]; ok {
		return p
	}
	return model.Parameter{ID: id, Name: id, Family: model.FamilyCustom}
}

func familyName(p model.Parameter) string {
	if p.Family == "" {
		return string(model.FamilyCustom)
	}
	return string(p.Family)
}

func parameterPrompt(p model.Parameter, trigger model.Trigger) string {
	var when string
	if c := strings.TrimSpace(trigger.Condition); c != "" {
		when = "\nApplies when: " + c
	}
	return fmt.Sprintf(measureParameterPrompt,
		p.Name, p.ID,
		orDash(p.Definition),
		orDash(p.LowLabel),
		orDash(p.HighLabel),
		when,
	)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
