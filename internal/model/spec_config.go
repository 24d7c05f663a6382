package model

import "github.com/rotisserie/eris"

// SpecConfig carries the per-stage options of a spec. At most one variant is
// set and it must match the spec's OutputType. Defaults are applied by the
// Resolve* methods, never by callers.
type SpecConfig struct {
	Measure      *MeasureOptions      `json:"measure,omitempty" yaml:"measure,omitempty"`
	Learn        *LearnOptions        `json:"learn,omitempty" yaml:"learn,omitempty"`
	MeasureAgent *MeasureAgentOptions `json:"measure_agent,omitempty" yaml:"measure_agent,omitempty"`
	Reward       *RewardOptions       `json:"reward,omitempty" yaml:"reward,omitempty"`
	Adapt        *AdaptOptions        `json:"adapt,omitempty" yaml:"adapt,omitempty"`
	Compose      *ComposeOptions      `json:"compose,omitempty" yaml:"compose,omitempty"`
}

// MeasureOptions configures caller-trait scoring.
type MeasureOptions struct {
	TranscriptLimit   int     `json:"transcript_limit,omitempty" yaml:"transcript_limit,omitempty"`
	MaxTokens         int64   `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	DefaultScore      float64 `json:"default_score,omitempty" yaml:"default_score,omitempty"`
	DefaultConfidence float64 `json:"default_confidence,omitempty" yaml:"default_confidence,omitempty"`
}

// LearnOptions configures memory extraction.
type LearnOptions struct {
	TranscriptLimit int     `json:"transcript_limit,omitempty" yaml:"transcript_limit,omitempty"`
	MaxTokens       int64   `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MinConfidence   float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
}

// MeasureAgentOptions configures agent-behavior measurement.
type MeasureAgentOptions struct {
	TranscriptLimit int   `json:"transcript_limit,omitempty" yaml:"transcript_limit,omitempty"`
	MaxTokens       int64 `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	// LexicalOnly disables completion calls for non-lexical parameter families.
	LexicalOnly bool `json:"lexical_only,omitempty" yaml:"lexical_only,omitempty"`
}

// RewardOptions configures reward computation.
type RewardOptions struct {
	DefaultTarget float64 `json:"default_target,omitempty" yaml:"default_target,omitempty"`
}

// AdaptOptions configures target adaptation.
type AdaptOptions struct {
	DiffThreshold   float64 `json:"diff_threshold,omitempty" yaml:"diff_threshold,omitempty"`
	RewardThreshold float64 `json:"reward_threshold,omitempty" yaml:"reward_threshold,omitempty"`
	LearningRate    float64 `json:"learning_rate,omitempty" yaml:"learning_rate,omitempty"`
}

// ComposeOptions configures prompt composition.
type ComposeOptions struct {
	Format              PromptFormat `json:"format,omitempty" yaml:"format,omitempty"`
	MemoriesPerCategory int          `json:"memories_per_category,omitempty" yaml:"memories_per_category,omitempty"`
	MemoriesLimit       int          `json:"memories_limit,omitempty" yaml:"memories_limit,omitempty"`
	RecentCalls         int          `json:"recent_calls,omitempty" yaml:"recent_calls,omitempty"`
	HighThreshold       float64      `json:"high_threshold,omitempty" yaml:"high_threshold,omitempty"`
	LowThreshold        float64      `json:"low_threshold,omitempty" yaml:"low_threshold,omitempty"`
	Preamble            string       `json:"preamble,omitempty" yaml:"preamble,omitempty"`
}

// Stage option defaults.
func DefaultMeasureOptions() MeasureOptions {
	return MeasureOptions{TranscriptLimit: 4000, MaxTokens: 512, Temperature: 0.2, DefaultScore: 0.5, DefaultConfidence: 0.3}
}

func DefaultLearnOptions() LearnOptions {
	return LearnOptions{TranscriptLimit: 4000, MaxTokens: 512, Temperature: 0.1, MinConfidence: 0.5}
}

func DefaultMeasureAgentOptions() MeasureAgentOptions {
	return MeasureAgentOptions{TranscriptLimit: 4000, MaxTokens: 384}
}

func DefaultRewardOptions() RewardOptions {
	return RewardOptions{DefaultTarget: 0.5}
}

func DefaultAdaptOptions() AdaptOptions {
	return AdaptOptions{DiffThreshold: 0.2, RewardThreshold: 0.7, LearningRate: 0.1}
}

func DefaultComposeOptions() ComposeOptions {
	return ComposeOptions{
		Format:              PromptFormatText,
		MemoriesPerCategory: 5,
		MemoriesLimit:       50,
		RecentCalls:         3,
		HighThreshold:       0.65,
		LowThreshold:        0.35,
	}
}

// Check verifies that at most one variant is set and that it matches t.
func (c SpecConfig) Check(t OutputType) error {
	set := c.setVariants()
	if len(set) > 1 {
		return eris.Errorf("config sets %d variants, want at most one", len(set))
	}
	if len(set) == 1 && set[0] != t {
		return eris.Errorf("config variant %s does not match output type %s", set[0], t)
	}
	return nil
}

func (c SpecConfig) setVariants() []OutputType {
	var out []OutputType
	if c.Measure != nil {
		out = append(out, OutputMeasure)
	}
	if c.Learn != nil {
		out = append(out, OutputLearn)
	}
	if c.MeasureAgent != nil {
		out = append(out, OutputMeasureAgent)
	}
	if c.Reward != nil {
		out = append(out, OutputReward)
	}
	if c.Adapt != nil {
		out = append(out, OutputAdapt)
	}
	if c.Compose != nil {
		out = append(out, OutputCompose)
	}
	return out
}

// ResolveMeasure merges the spec's measure options over base.
func (c SpecConfig) ResolveMeasure(base MeasureOptions) MeasureOptions {
	if c.Measure == nil {
		return base
	}
	o := *c.Measure
	return MeasureOptions{
		TranscriptLimit:   pickInt(o.TranscriptLimit, base.TranscriptLimit),
		MaxTokens:         pickInt64(o.MaxTokens, base.MaxTokens),
		Temperature:       pickFloat(o.Temperature, base.Temperature),
		DefaultScore:      pickFloat(o.DefaultScore, base.DefaultScore),
		DefaultConfidence: pickFloat(o.DefaultConfidence, base.DefaultConfidence),
	}
}

// ResolveLearn merges the spec's learn options over base.
func (c SpecConfig) ResolveLearn(base LearnOptions) LearnOptions {
	if c.Learn == nil {
		return base
	}
	o := *c.Learn
	return LearnOptions{
		TranscriptLimit: pickInt(o.TranscriptLimit, base.TranscriptLimit),
		MaxTokens:       pickInt64(o.MaxTokens, base.MaxTokens),
		Temperature:     pickFloat(o.Temperature, base.Temperature),
		MinConfidence:   pickFloat(o.MinConfidence, base.MinConfidence),
	}
}

// ResolveMeasureAgent merges the spec's agent measurement options over base.
func (c SpecConfig) ResolveMeasureAgent(base MeasureAgentOptions) MeasureAgentOptions {
	if c.MeasureAgent == nil {
		return base
	}
	o := *c.MeasureAgent
	return MeasureAgentOptions{
		TranscriptLimit: pickInt(o.TranscriptLimit, base.TranscriptLimit),
		MaxTokens:       pickInt64(o.MaxTokens, base.MaxTokens),
		LexicalOnly:     o.LexicalOnly || base.LexicalOnly,
	}
}

// ResolveReward merges the spec's reward options over base.
func (c SpecConfig) ResolveReward(base RewardOptions) RewardOptions {
	if c.Reward == nil {
		return base
	}
	return RewardOptions{DefaultTarget: pickFloat(c.Reward.DefaultTarget, base.DefaultTarget)}
}

// ResolveAdapt merges the spec's adapt options over base.
func (c SpecConfig) ResolveAdapt(base AdaptOptions) AdaptOptions {
	if c.Adapt == nil {
		return base
	}
	o := *c.Adapt
	return AdaptOptions{
		DiffThreshold:   pickFloat(o.DiffThreshold, base.DiffThreshold),
		RewardThreshold: pickFloat(o.RewardThreshold, base.RewardThreshold),
		LearningRate:    pickFloat(o.LearningRate, base.LearningRate),
	}
}

// ResolveCompose merges the spec's compose options over base.
func (c SpecConfig) ResolveCompose(base ComposeOptions) ComposeOptions {
	if c.Compose == nil {
		return base
	}
	o := *c.Compose
	format := base.Format
	if o.Format != "" {
		format = o.Format
	}
	preamble := base.Preamble
	if o.Preamble != "" {
		preamble = o.Preamble
	}
	return ComposeOptions{
		Format:              format,
		MemoriesPerCategory: pickInt(o.MemoriesPerCategory, base.MemoriesPerCategory),
		MemoriesLimit:       pickInt(o.MemoriesLimit, base.MemoriesLimit),
		RecentCalls:         pickInt(o.RecentCalls, base.RecentCalls),
		HighThreshold:       pickFloat(o.HighThreshold, base.HighThreshold),
		LowThreshold:        pickFloat(o.LowThreshold, base.LowThreshold),
		Preamble:            preamble,
	}
}

func pickInt(v, d int) int {
	if v > 0 {
		return v
	}
	return d
}

func pickInt64(v, d int64) int64 {
	if v > 0 {
		return v
	}
	return d
}

func pickFloat(v, d float64) float64 {
	if v > 0 {
		return v
	}
	return d
}
