// Package settings resolves the runtime thresholds and weights used by the
// pipeline. A Snapshot is loaded once per run and never mutated afterwards.
package settings

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callcoach/internal/config"
	"github.com/sells-group/callcoach/internal/model"
)

// Keys of the settings table.
const (
	KeyTrustWeights         = "trust_weights"
	KeyCertificationMin     = "certification_min"
	KeyExamNotReadyMax      = "exam_not_ready_max"
	KeyExamBorderlineMax    = "exam_borderline_max"
	KeyExamReadyMax         = "exam_ready_max"
	KeyExamMasteryWeight    = "exam_mastery_weight"
	KeyExamFormativeWeight  = "exam_formative_weight"
	KeyExamPassMark         = "exam_pass_mark"
	KeyComposeHighThreshold = "compose_high_threshold"
	KeyComposeLowThreshold  = "compose_low_threshold"
	KeyAdaptDiffThreshold   = "adapt_diff_threshold"
	KeyAdaptRewardThreshold = "adapt_reward_threshold"
	KeyAdaptLearningRate    = "adapt_learning_rate"
)

// Source reads raw setting values keyed by name.
type Source interface {
	ListSettings(ctx context.Context) (map[string]json.RawMessage, error)
}

// ExamThresholds are the readiness level boundaries.
type ExamThresholds struct {
	NotReadyMax   float64 `json:"not_ready_max"`
	BorderlineMax float64 `json:"borderline_max"`
	ReadyMax      float64 `json:"ready_max"`
}

// Snapshot is an immutable view of the runtime settings.
type Snapshot struct {
	trustWeights map[model.TrustLevel]float64

	CertificationMin     float64
	Exam                 ExamThresholds
	ExamMasteryWeight    float64
	ExamFormativeWeight  float64
	ExamPassMark         float64
	ComposeHighThreshold float64
	ComposeLowThreshold  float64
	Adapt                model.AdaptOptions
}

// Defaults returns the built-in settings.
func Defaults() Snapshot {
	return Snapshot{
		trustWeights: map[model.TrustLevel]float64{
			model.TrustRegulatoryStandard: 1.0,
			model.TrustAccreditedMaterial: 0.95,
			model.TrustPublishedReference: 0.80,
			model.TrustExpertCurated:      0.60,
			model.TrustAIAssisted:         0.30,
			model.TrustUnverified:         0.05,
		},
		CertificationMin:     0.80,
		Exam:                 ExamThresholds{NotReadyMax: 0.50, BorderlineMax: 0.66, ReadyMax: 0.80},
		ExamMasteryWeight:    0.6,
		ExamFormativeWeight:  0.4,
		ExamPassMark:         0.70,
		ComposeHighThreshold: 0.65,
		ComposeLowThreshold:  0.35,
		Adapt:                model.DefaultAdaptOptions(),
	}
}

// FromConfig overlays configured defaults on the built-in ones. Zero values
// in cfg leave the built-in value in place.
func FromConfig(cfg config.SettingsConfig) Snapshot {
	s := Defaults()
	for name, w := range cfg.TrustWeights {
		// viper lower-cases map keys
		s.trustWeights[model.TrustLevel(strings.ToUpper(name))] = w
	}
	s.CertificationMin = pick(cfg.CertificationMin, s.CertificationMin)
	s.Exam.NotReadyMax = pick(cfg.ExamNotReadyMax, s.Exam.NotReadyMax)
	s.Exam.BorderlineMax = pick(cfg.ExamBorderlineMax, s.Exam.BorderlineMax)
	s.Exam.ReadyMax = pick(cfg.ExamReadyMax, s.Exam.ReadyMax)
	s.ExamMasteryWeight = pick(cfg.ExamMasteryWeight, s.ExamMasteryWeight)
	s.ExamFormativeWeight = pick(cfg.ExamFormativeWeight, s.ExamFormativeWeight)
	s.ExamPassMark = pick(cfg.ExamPassMark, s.ExamPassMark)
	s.ComposeHighThreshold = pick(cfg.ComposeHighThreshold, s.ComposeHighThreshold)
	s.ComposeLowThreshold = pick(cfg.ComposeLowThreshold, s.ComposeLowThreshold)
	s.Adapt.DiffThreshold = pick(cfg.AdaptDiffThreshold, s.Adapt.DiffThreshold)
	s.Adapt.RewardThreshold = pick(cfg.AdaptRewardThreshold, s.Adapt.RewardThreshold)
	s.Adapt.LearningRate = pick(cfg.AdaptLearningRate, s.Adapt.LearningRate)
	return s
}

// Load reads stored overrides from src on top of base. Unknown keys are
// logged and ignored; a malformed value for a known key is an error.
func Load(ctx context.Context, src Source, base Snapshot) (Snapshot, error) {
	raw, err := src.ListSettings(ctx)
	if err != nil {
		return Snapshot{}, eris.Wrap(err, "settings: list")
	}

	s := base.clone()
	floats := map[string]*float64{
		KeyCertificationMin:     &s.CertificationMin,
		KeyExamNotReadyMax:      &s.Exam.NotReadyMax,
		KeyExamBorderlineMax:    &s.Exam.BorderlineMax,
		KeyExamReadyMax:         &s.Exam.ReadyMax,
		KeyExamMasteryWeight:    &s.ExamMasteryWeight,
		KeyExamFormativeWeight:  &s.ExamFormativeWeight,
		KeyExamPassMark:         &s.ExamPassMark,
		KeyComposeHighThreshold: &s.ComposeHighThreshold,
		KeyComposeLowThreshold:  &s.ComposeLowThreshold,
		KeyAdaptDiffThreshold:   &s.Adapt.DiffThreshold,
		KeyAdaptRewardThreshold: &s.Adapt.RewardThreshold,
		KeyAdaptLearningRate:    &s.Adapt.LearningRate,
	}

	for key, val := range raw {
		if key == KeyTrustWeights {
			var weights map[string]float64
			if err := json.Unmarshal(val, &weights); err != nil {
				return Snapshot{}, eris.Wrapf(err, "settings: decode %s", key)
			}
			for level, w := range weights {
				s.trustWeights[model.TrustLevel(strings.ToUpper(level))] = w
			}
			continue
		}
		dst, ok := floats[key]
		if !ok {
			zap.L().Debug("settings: ignoring unknown key", zap.String("key", key))
			continue
		}
		if err := json.Unmarshal(val, dst); err != nil {
			return Snapshot{}, eris.Wrapf(err, "settings: decode %s", key)
		}
	}

	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Validate checks ordering and range constraints between settings.
func (s Snapshot) Validate() error {
	if s.Exam.NotReadyMax > s.Exam.BorderlineMax || s.Exam.BorderlineMax > s.Exam.ReadyMax {
		return eris.Errorf("settings: exam thresholds out of order: %.2f/%.2f/%.2f",
			s.Exam.NotReadyMax, s.Exam.BorderlineMax, s.Exam.ReadyMax)
	}
	if s.ComposeLowThreshold > s.ComposeHighThreshold {
		return eris.Errorf("settings: compose low threshold %.2f above high %.2f",
			s.ComposeLowThreshold, s.ComposeHighThreshold)
	}
	if s.ExamMasteryWeight < 0 || s.ExamFormativeWeight < 0 {
		return eris.New("settings: exam weights must be >= 0")
	}
	return nil
}

// TrustWeight returns the weight for level. Unknown levels weigh as UNVERIFIED.
func (s Snapshot) TrustWeight(level model.TrustLevel) float64 {
	if w, ok := s.trustWeights[level]; ok {
		return w
	}
	return s.trustWeights[model.TrustUnverified]
}

// TrustWeights returns a copy of the weight table.
func (s Snapshot) TrustWeights() map[model.TrustLevel]float64 {
	out := make(map[model.TrustLevel]float64, len(s.trustWeights))
	for k, v := range s.trustWeights {
		out[k] = v
	}
	return out
}

// WithTrustWeights returns a copy of s using weights.
func (s Snapshot) WithTrustWeights(weights map[model.TrustLevel]float64) Snapshot {
	c := s.clone()
	c.trustWeights = make(map[model.TrustLevel]float64, len(weights))
	for k, v := range weights {
		c.trustWeights[k] = v
	}
	return c
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.trustWeights = s.TrustWeights()
	return c
}

func pick(v, d float64) float64 {
	if v != 0 {
		return v
	}
	return d
}
