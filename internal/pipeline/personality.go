package pipeline

import (
	"context"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/model"
)

const (
	defaultHalfLifeDays = 30.0
	defaultDecayFloor   = 0.05
)

// decayWeight is confidence scaled by exponential age decay, never below the floor.
func decayWeight(confidence, ageDays, halfLife, floor float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	return confidence * math.Max(floor, math.Pow(0.5, ageDays/halfLife))
}

// PersonalityStage recomputes the caller's time-decayed trait profile from
// every non-delta score the caller has.
func PersonalityStage(ctx context.Context, env *Env, call *model.Call) (*model.StageResult, error) {
	result := newResult(model.StagePersonality)

	scores, err := env.Store.ListCallerScores(ctx, call.CallerID)
	if err != nil {
		return result, eris.Wrap(err, "pipeline: list caller scores")
	}

	halfLife := env.Personality.HalfLifeDays
	if halfLife <= 0 {
		halfLife = defaultHalfLifeDays
	}
	floor := env.Personality.DecayFloor
	if floor <= 0 {
		floor = defaultDecayFloor
	}
	now := env.now()

	type series struct{ weighted, weights []float64 }
	byParam := make(map[string]*series)
	calls := make(map[string]bool)
	for _, s := range scores {
		if model.IsDeltaParameter(s.ParameterID) {
			continue
		}
		w := decayWeight(s.Confidence, now.Sub(s.ScoredAt).Hours()/24, halfLife, floor)
		if w <= 0 {
			continue
		}
		ser, ok := byParam[s.ParameterID]
		if !ok {
			ser = &series{}
			byParam[s.ParameterID] = ser
		}
		ser.weighted = append(ser.weighted, s.Score*w)
		ser.weights = append(ser.weights, w)
		calls[s.CallID] = true
	}

	traits := make(map[string]float64, len(byParam))
	for id, ser := range byParam {
		num, err := stats.Sum(ser.weighted)
		if err != nil {
			return result, eris.Wrapf(err, "pipeline: personality %s", id)
		}
		den, err := stats.Sum(ser.weights)
		if err != nil {
			return result, eris.Wrapf(err, "pipeline: personality %s", id)
		}
		traits[id] = model.Clamp01(num / den)
	}

	if err := env.Store.SavePersonality(ctx, &model.CallerPersonality{
		CallerID:  call.CallerID,
		Traits:    traits,
		CallsUsed: len(calls),
		UpdatedAt: now,
	}); err != nil {
		return result, eris.Wrap(err, "pipeline: save personality")
	}
	result.Counts[model.CountTraits] = len(traits)
	return result, nil
}
