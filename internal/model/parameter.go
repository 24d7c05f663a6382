package model

import "strings"

// ParameterFamily selects how the behavior measurer scores a parameter.
type ParameterFamily string

const (
	FamilyWarmth     ParameterFamily = "warmth"
	FamilyDirectness ParameterFamily = "directness"
	FamilyEmpathy    ParameterFamily = "empathy"
	FamilyPace       ParameterFamily = "pace"
	FamilyFormality  ParameterFamily = "formality"
	FamilyCustom     ParameterFamily = "custom"
)

// Lexical reports whether the family is scored from transcript markers
// without a completion call.
func (f ParameterFamily) Lexical() bool {
	switch f {
	case FamilyWarmth, FamilyDirectness, FamilyEmpathy, FamilyPace, FamilyFormality:
		return true
	default:
		return false
	}
}

// DeltaSuffix marks the synthetic parameters that hold call-over-call changes.
const DeltaSuffix = "-DELTA"

// Parameter is a named axis scored on [0,1].
type Parameter struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Definition string          `json:"definition,omitempty" yaml:"definition,omitempty"`
	LowLabel   string          `json:"low_label,omitempty" yaml:"low_label,omitempty"`
	HighLabel  string          `json:"high_label,omitempty" yaml:"high_label,omitempty"`
	Family     ParameterFamily `json:"family,omitempty" yaml:"family,omitempty"`
	Bucket     string          `json:"bucket,omitempty" yaml:"bucket,omitempty"`
}

// DeltaParameterID returns the synthetic delta parameter id for id.
func DeltaParameterID(id string) string {
	return id + DeltaSuffix
}

// IsDeltaParameter reports whether id names a synthetic delta parameter.
func IsDeltaParameter(id string) bool {
	return strings.HasSuffix(id, DeltaSuffix)
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
