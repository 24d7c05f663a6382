package curriculum

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/model"
	"github.com/sells-group/callcoach/internal/registry"
	"github.com/sells-group/callcoach/internal/settings"
)

// ReadinessLevel buckets a readiness score.
type ReadinessLevel string

// Readiness levels, lowest first.
const (
	LevelNotReady   ReadinessLevel = "not_ready"
	LevelBorderline ReadinessLevel = "borderline"
	LevelReady      ReadinessLevel = "ready"
	LevelStrong     ReadinessLevel = "strong"
)

// Classify buckets score against the exam thresholds. Each threshold is the
// exclusive upper bound of its level.
func Classify(score float64, th settings.ExamThresholds) ReadinessLevel {
	switch {
	case score < th.NotReadyMax:
		return LevelNotReady
	case score < th.BorderlineMax:
		return LevelBorderline
	case score < th.ReadyMax:
		return LevelReady
	default:
		return LevelStrong
	}
}

// Readiness combines average module mastery with the formative score. When
// there is no formative score the mastery average stands alone.
func Readiness(masteryAvg float64, formative *float64, snap settings.Snapshot) float64 {
	if formative == nil {
		return model.Clamp01(masteryAvg)
	}
	mw, fw := snap.ExamMasteryWeight, snap.ExamFormativeWeight
	if mw+fw <= 0 {
		return model.Clamp01(masteryAvg)
	}
	return model.Clamp01((masteryAvg*mw + *formative*fw) / (mw + fw))
}

// GateDecision is the answer to "may this caller take the exam now".
type GateDecision struct {
	Allowed   bool           `json:"allowed"`
	Readiness float64        `json:"readiness"`
	Level     ReadinessLevel `json:"level"`
	Reason    string         `json:"reason"`
}

// ExamReadinessResult is the caller's exam state after a recorded attempt.
type ExamReadinessResult struct {
	SpecSlug       string         `json:"spec_slug"`
	Readiness      float64        `json:"readiness"`
	Level          ReadinessLevel `json:"level"`
	MasteryAverage float64        `json:"mastery_average"`
	FormativeScore *float64       `json:"formative_score,omitempty"`
	Attempts       int            `json:"attempts"`
	BestScore      float64        `json:"best_score"`
	LastScore      float64        `json:"last_score"`
	Passed         bool           `json:"passed"`
	GoalCompleted  bool           `json:"goal_completed"`
}

// CurriculumSource looks up curricula by content spec slug.
type CurriculumSource interface {
	Curriculum(ctx context.Context, specSlug string) (*model.Curriculum, error)
}

// SettingsFunc loads the settings snapshot for one request.
type SettingsFunc func(ctx context.Context) (settings.Snapshot, error)

// Gate decides exam eligibility and records exam outcomes.
type Gate struct {
	tracker   *Tracker
	curricula CurriculumSource
	settings  SettingsFunc
}

// NewGate creates a Gate.
func NewGate(tracker *Tracker, curricula CurriculumSource, load SettingsFunc) *Gate {
	return &Gate{tracker: tracker, curricula: curricula, settings: load}
}

type readinessInput struct {
	snap      settings.Snapshot
	progress  *Progress
	formative *float64
	score     float64
}

func (g *Gate) readiness(ctx context.Context, callerID, specSlug string) (*readinessInput, error) {
	cur, err := g.curricula.Curriculum(ctx, specSlug)
	if err != nil {
		return nil, eris.Wrapf(err, "curriculum: load %s", specSlug)
	}
	snap, err := g.settings(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "curriculum: load settings")
	}
	progress, err := g.tracker.Progress(ctx, callerID, cur, snap)
	if err != nil {
		return nil, err
	}
	in := &readinessInput{snap: snap, progress: progress}
	if f, ok, err := g.tracker.FormativeScore(ctx, callerID, specSlug); err != nil {
		return nil, err
	} else if ok {
		in.formative = &f
	}
	in.score = Readiness(progress.Average, in.formative, snap)
	return in, nil
}

// CheckExamGate allows the exam when readiness reaches the not-ready ceiling.
// The comparison is inclusive.
func (g *Gate) CheckExamGate(ctx context.Context, callerID, specSlug string) (*GateDecision, error) {
	in, err := g.readiness(ctx, callerID, specSlug)
	if err != nil {
		return nil, err
	}
	floor := in.snap.Exam.NotReadyMax
	d := &GateDecision{
		Allowed:   in.score >= floor,
		Readiness: in.score,
		Level:     Classify(in.score, in.snap.Exam),
	}
	if d.Allowed {
		d.Reason = fmt.Sprintf("readiness %.2f (%s) meets minimum %.2f", in.score, d.Level, floor)
	} else {
		d.Reason = fmt.Sprintf("readiness %.2f is below minimum %.2f", in.score, floor)
	}
	return d, nil
}

// RecordFormativeScore stores a formative assessment score for the curriculum.
func (g *Gate) RecordFormativeScore(ctx context.Context, callerID, specSlug string, score float64) error {
	if math.IsNaN(score) {
		return eris.New("curriculum: formative score is NaN")
	}
	return g.tracker.RecordFormativeScore(ctx, callerID, specSlug, score)
}

// RecordExamResult stores one exam attempt. A zero score with a positive
// question count is derived from correct/total. A passing attempt completes
// the caller's LEARN goal, creating it when absent.
func (g *Gate) RecordExamResult(ctx context.Context, callerID, specSlug string, score float64, totalQuestions, correctAnswers int) (*ExamReadinessResult, error) {
	if totalQuestions < 0 || correctAnswers < 0 || correctAnswers > totalQuestions {
		return nil, eris.Errorf("curriculum: invalid answer counts %d/%d", correctAnswers, totalQuestions)
	}
	if score == 0 && totalQuestions > 0 {
		score = float64(correctAnswers) / float64(totalQuestions)
	}
	if math.IsNaN(score) {
		return nil, eris.New("curriculum: exam score is NaN")
	}
	score = model.Clamp01(score)

	t := g.tracker
	in, err := g.readiness(ctx, callerID, specSlug)
	if err != nil {
		return nil, err
	}

	attempts, _, err := t.number(ctx, callerID, registry.ScopeExam, specSlug, registry.NameExamAttempts, "")
	if err != nil {
		return nil, err
	}
	best, _, err := t.number(ctx, callerID, registry.ScopeExam, specSlug, registry.NameExamBestScore, "")
	if err != nil {
		return nil, err
	}
	attempts++
	best = math.Max(best, score)
	passed := best >= in.snap.ExamPassMark

	for name, v := range map[string]float64{
		registry.NameExamAttempts:  attempts,
		registry.NameExamBestScore: best,
		registry.NameExamLastScore: score,
	} {
		if err := t.setNumber(ctx, callerID, registry.ScopeExam, specSlug, name, "", v); err != nil {
			return nil, err
		}
	}
	passedKey, err := t.resolve(registry.ScopeExam, specSlug, registry.NameExamPassed, "")
	if err != nil {
		return nil, err
	}
	if err := t.set(ctx, callerID, passedKey, model.BoolValue(passed)); err != nil {
		return nil, err
	}

	res := &ExamReadinessResult{
		SpecSlug:       specSlug,
		Readiness:      in.score,
		Level:          Classify(in.score, in.snap.Exam),
		MasteryAverage: in.progress.Average,
		FormativeScore: in.formative,
		Attempts:       int(attempts),
		BestScore:      best,
		LastScore:      score,
		Passed:         passed,
	}

	if score >= in.snap.ExamPassMark {
		if err := g.completeGoal(ctx, callerID, specSlug); err != nil {
			return nil, err
		}
		res.GoalCompleted = true
	}

	zap.L().Info("curriculum: exam recorded",
		zap.String("caller_id", callerID),
		zap.String("spec", specSlug),
		zap.Float64("score", score),
		zap.Int("attempts", res.Attempts),
		zap.Bool("passed", passed),
	)
	return res, nil
}

func (g *Gate) completeGoal(ctx context.Context, callerID, specSlug string) error {
	st := g.tracker.store
	goal, err := st.GetGoal(ctx, callerID, model.GoalLearn, specSlug)
	switch {
	case errors.Is(err, model.ErrNotFound):
		goal = &model.Goal{CallerID: callerID, Type: model.GoalLearn, ContentSpecID: specSlug, Status: model.GoalActive}
	case err != nil:
		return eris.Wrap(err, "curriculum: load goal")
	case goal.Status == model.GoalCompleted:
		return nil
	}
	if err := goal.Transition(model.GoalCompleted, g.tracker.now()); err != nil {
		return err
	}
	return eris.Wrap(st.SaveGoal(ctx, goal), "curriculum: save goal")
}
