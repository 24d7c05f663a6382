package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// OutputType names the pipeline stage a spec configures.
type OutputType string

const (
	OutputMeasure      OutputType = "MEASURE"
	OutputLearn        OutputType = "LEARN"
	OutputMeasureAgent OutputType = "MEASURE_AGENT"
	OutputAdapt        OutputType = "ADAPT"
	OutputReward       OutputType = "REWARD"
	OutputCompose      OutputType = "COMPOSE"
)

// Valid reports whether t is a known output type.
func (t OutputType) Valid() bool {
	switch t {
	case OutputMeasure, OutputLearn, OutputMeasureAgent, OutputAdapt, OutputReward, OutputCompose:
		return true
	default:
		return false
	}
}

// SpecStatus is the authoring lifecycle of a spec.
type SpecStatus string

const (
	SpecStatusDraft     SpecStatus = "draft"
	SpecStatusCompiled  SpecStatus = "compiled"
	SpecStatusPublished SpecStatus = "published"
	SpecStatusArchived  SpecStatus = "archived"
)

// AnalysisSpec is a versioned configuration unit for one pipeline stage.
// Only specs that are Active and Compiled take part in a run; editing a spec
// clears Compiled until it is compiled again.
type AnalysisSpec struct {
	ID          string     `json:"id" yaml:"id"`
	Slug        string     `json:"slug" yaml:"slug"`
	Version     int        `json:"version" yaml:"version"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	OutputType  OutputType `json:"output_type" yaml:"output_type"`
	Status      SpecStatus `json:"status" yaml:"status"`
	Active      bool       `json:"active" yaml:"active"`
	Compiled    bool       `json:"compiled" yaml:"compiled"`
	Priority    int        `json:"priority" yaml:"priority"`
	Triggers    []Trigger  `json:"triggers" yaml:"triggers"`
	Config      SpecConfig `json:"config" yaml:"config"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"-"`
}

// Trigger is a condition owning a set of actions.
type Trigger struct {
	Name      string   `json:"name" yaml:"name"`
	Condition string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	Actions   []Action `json:"actions" yaml:"actions"`
}

// Action is a unit of work inside a trigger. ParameterID is set for
// parameter-bearing stages; the Learn* fields are set for LEARN specs.
type Action struct {
	ID             string  `json:"id" yaml:"id"`
	Description    string  `json:"description,omitempty" yaml:"description,omitempty"`
	ParameterID    string  `json:"parameter_id,omitempty" yaml:"parameter_id,omitempty"`
	LearnCategory  string  `json:"learn_category,omitempty" yaml:"learn_category,omitempty"`
	LearnKeyPrefix string  `json:"learn_key_prefix,omitempty" yaml:"learn_key_prefix,omitempty"`
	LearnKeyHint   string  `json:"learn_key_hint,omitempty" yaml:"learn_key_hint,omitempty"`
	Weight         float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// TriggeredAction pairs an action with the trigger that owns it.
type TriggeredAction struct {
	Trigger Trigger
	Action  Action
}

// Usable reports whether the spec may take part in a pipeline run.
func (s AnalysisSpec) Usable() bool {
	return s.Active && s.Compiled && s.Status != SpecStatusArchived
}

// ParameterActions returns every action that targets a parameter, in
// declaration order.
func (s AnalysisSpec) ParameterActions() []TriggeredAction {
	var out []TriggeredAction
	for _, t := range s.Triggers {
		for _, a := range t.Actions {
			if a.ParameterID != "" {
				out = append(out, TriggeredAction{Trigger: t, Action: a})
			}
		}
	}
	return out
}

// LearnActions returns every action that declares a memory category.
func (s AnalysisSpec) LearnActions() []TriggeredAction {
	var out []TriggeredAction
	for _, t := range s.Triggers {
		for _, a := range t.Actions {
			if a.LearnCategory != "" {
				out = append(out, TriggeredAction{Trigger: t, Action: a})
			}
		}
	}
	return out
}

// Validate checks the structural rules a spec must satisfy before it can be
// compiled. knownParameter reports whether a parameter id exists; it may be nil.
func (s AnalysisSpec) Validate(knownParameter func(id string) bool) error {
	var errs []string
	if strings.TrimSpace(s.Slug) == "" {
		errs = append(errs, "slug is required")
	}
	if !s.OutputType.Valid() {
		errs = append(errs, "unknown output type "+string(s.OutputType))
	}
	if err := s.Config.Check(s.OutputType); err != nil {
		errs = append(errs, err.Error())
	}

	needsTriggers := s.OutputType == OutputMeasure || s.OutputType == OutputLearn || s.OutputType == OutputMeasureAgent
	if needsTriggers && len(s.Triggers) == 0 {
		errs = append(errs, "at least one trigger is required")
	}

	for _, t := range s.Triggers {
		for _, a := range t.Actions {
			switch s.OutputType {
			case OutputMeasure, OutputMeasureAgent:
				if a.ParameterID == "" {
					errs = append(errs, "action "+a.ID+" has no parameter_id")
				} else if knownParameter != nil && !knownParameter(a.ParameterID) {
					errs = append(errs, "action "+a.ID+" references unknown parameter "+a.ParameterID)
				}
			case OutputLearn:
				if a.LearnCategory == "" {
					errs = append(errs, "action "+a.ID+" has no learn_category")
				}
			}
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("spec %s: %s", s.Slug, strings.Join(errs, "; "))
	}
	return nil
}
