package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/callcoach/internal/completion"
	"github.com/sells-group/callcoach/internal/model"
)

const learnInstructions = `You extract one fact about the caller from a voice call transcript.
Only report what the caller actually said about themselves. Respond with a valid JSON object:
{"found": <true|false>, "key": "<snake_case key>", "value": "<short value>", "confidence": <0.0-1.0>, "evidence": "<quote>"}`

const learnActionPrompt = `Category: %s
Look for: %s%s%s`

type learnOutput struct {
	Found      bool              `json:"found"`
	Key        string            `json:"key"`
	Value      string            `json:"value"`
	Confidence completion.Number `json:"confidence"`
	Evidence   string            `json:"evidence"`
}

var (
	lowerKey   = cases.Lower(language.Und)
	foldValue  = cases.Fold()
	nonKeyRune = regexp.MustCompile(`[^a-z0-9]+`)
)

// normalizeKey lower-cases k and collapses everything that is not a letter or
// digit into single underscores.
func normalizeKey(k string) string {
	return strings.Trim(nonKeyRune.ReplaceAllString(lowerKey.String(k), "_"), "_")
}

// memoryKey applies the action's prefix to the extracted key, falling back to
// the key hint and then to the category.
func memoryKey(a model.Action, extracted string) string {
	key := normalizeKey(extracted)
	if key == "" {
		key = normalizeKey(a.LearnKeyHint)
	}
	if key == "" {
		key = normalizeKey(a.LearnCategory)
	}
	prefix := normalizeKey(a.LearnKeyPrefix)
	if prefix == "" || key == prefix || strings.HasPrefix(key, prefix+"_") {
		return key
	}
	return prefix + "_" + key
}

func sameValue(a, b string) bool {
	return foldValue.String(strings.TrimSpace(a)) == foldValue.String(strings.TrimSpace(b))
}

// LearnStage extracts caller memories for every learn action of the active
// LEARN specs. Extraction runs concurrently; writes are sequential so a
// later action sees an earlier one's memory as current.
func LearnStage(ctx context.Context, env *Env, call *model.Call) (*model.StageResult, error) {
	result := newResult(model.StageLearn)

	specs, err := env.activeSpecs(ctx, model.OutputLearn)
	if err != nil {
		return result, err
	}

	var found [][]model.CallerMemory
	if env.offline() {
		found = learnOffline(call, specs)
	} else {
		found = learnWithCompletions(ctx, env, call, specs, result)
	}

	for _, memories := range found {
		for i := range memories {
			created, err := saveMemory(ctx, env, &memories[i])
			if err != nil {
				return result, err
			}
			if created {
				result.Counts[model.CountMemoriesCreated]++
			}
		}
	}
	return result, nil
}

// saveMemory writes m unless the caller's current memory for the key already
// holds the same value.
func saveMemory(ctx context.Context, env *Env, m *model.CallerMemory) (bool, error) {
	current, err := env.Store.CurrentMemory(ctx, m.CallerID, m.Key)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return false, eris.Wrapf(err, "pipeline: current memory %s", m.Key)
	case sameValue(current.Value, m.Value):
		return false, nil
	}
	if err := env.Store.SaveMemory(ctx, m); err != nil {
		return false, eris.Wrapf(err, "pipeline: save memory %s", m.Key)
	}
	return true, nil
}

func learnWithCompletions(ctx context.Context, env *Env, call *model.Call, specs []model.AnalysisSpec, result *model.StageResult) [][]model.CallerMemory {
	var (
		out = make([][]model.CallerMemory, len(specs))
		mu  sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(env.specLimit())
	for i, spec := range specs {
		g.Go(func() error {
			opts := spec.Config.ResolveLearn(model.DefaultLearnOptions())
			shared := learnInstructions + "\n\nTranscript:\n" + env.excerpt(call.Transcript, opts.TranscriptLimit)
			actions := spec.LearnActions()
			memories := make([]*model.CallerMemory, len(actions))

			ag, actx := errgroup.WithContext(gctx)
			ag.SetLimit(env.completionLimit())
			for j, ta := range actions {
				ag.Go(func() error {
					resp, err := env.Completer.Complete(actx, completion.Request{
						Shared:      shared,
						User:        learnPrompt(ta),
						MaxTokens:   opts.MaxTokens,
						Temperature: opts.Temperature,
						Operation:   "learn:" + ta.Action.LearnCategory,
					})
					var parsed learnOutput
					if err == nil {
						err = completion.ParseJSON(resp.Content, &parsed)
					}

					mu.Lock()
					defer mu.Unlock()
					if resp != nil {
						result.TokenUsage.Add(resp.Usage)
					}
					if err != nil {
						result.Counts[model.CountFallbacks]++
						note(result, "learn %s/%s: %v", spec.Slug, ta.Action.ID, err)
						zap.L().Warn("pipeline: learn extraction failed",
							zap.String("call_id", call.ID),
							zap.String("action", ta.Action.ID),
							zap.Error(err),
						)
						return nil
					}
					conf := model.Clamp01(float64(parsed.Confidence))
					if !parsed.Found || strings.TrimSpace(parsed.Value) == "" || conf < opts.MinConfidence {
						return nil
					}
					memories[j] = &model.CallerMemory{
						CallerID:     call.CallerID,
						Key:          memoryKey(ta.Action, parsed.Key),
						Value:        strings.TrimSpace(parsed.Value),
						Category:     strings.ToUpper(ta.Action.LearnCategory),
						Confidence:   conf,
						Evidence:     parsed.Evidence,
						SourceCallID: call.ID,
					}
					return nil
				})
			}
			_ = ag.Wait()

			for _, m := range memories {
				if m != nil {
					out[i] = append(out[i], *m)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func learnPrompt(ta model.TriggeredAction) string {
	var when, hint string
	if c := strings.TrimSpace(ta.Trigger.Condition); c != "" {
		when = "\nApplies when: " + c
	}
	if h := strings.TrimSpace(ta.Action.LearnKeyHint); h != "" {
		hint = "\nSuggested key: " + h
	}
	return fmt.Sprintf(learnActionPrompt, ta.Action.LearnCategory, orDash(ta.Action.Description), when, hint)
}
