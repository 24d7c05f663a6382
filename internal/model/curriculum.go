package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// GoalType classifies a caller's objective.
type GoalType string

const (
	GoalLearn    GoalType = "LEARN"
	GoalPractice GoalType = "PRACTICE"
	GoalConnect  GoalType = "CONNECT"
)

// GoalStatus is the goal state machine: IDLE -> ACTIVE -> COMPLETED.
// COMPLETED is terminal.
type GoalStatus string

const (
	GoalIdle      GoalStatus = "IDLE"
	GoalActive    GoalStatus = "ACTIVE"
	GoalCompleted GoalStatus = "COMPLETED"
)

// Goal tracks a caller's learning objective for a content spec.
type Goal struct {
	ID            string     `json:"id"`
	CallerID      string     `json:"caller_id"`
	Type          GoalType   `json:"type"`
	ContentSpecID string     `json:"content_spec_id"`
	Progress      float64    `json:"progress"`
	Status        GoalStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Transition moves the goal to next, rejecting moves out of COMPLETED and
// backwards moves to IDLE. Moving to the current status is a no-op.
func (g *Goal) Transition(next GoalStatus, at time.Time) error {
	if g.Status == next {
		return nil
	}
	switch {
	case g.Status == GoalCompleted:
		return eris.Wrapf(ErrInvalidTransition, "goal %s: %s -> %s", g.ID, g.Status, next)
	case next == GoalIdle:
		return eris.Wrapf(ErrInvalidTransition, "goal %s: %s -> %s", g.ID, g.Status, next)
	}
	g.Status = next
	g.UpdatedAt = at
	if next == GoalCompleted {
		g.Progress = 1.0
		g.CompletedAt = &at
	}
	return nil
}

// AttributeKind is the type tag of a caller attribute value.
type AttributeKind string

const (
	AttrNumber AttributeKind = "number"
	AttrString AttributeKind = "string"
	AttrBool   AttributeKind = "bool"
	AttrJSON   AttributeKind = "json"
)

// AttributeValue is a tagged value. Exactly the field matching Kind is meaningful.
type AttributeValue struct {
	Kind   AttributeKind   `json:"kind"`
	Number float64         `json:"number,omitempty"`
	String string          `json:"string,omitempty"`
	Bool   bool            `json:"bool,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
}

// NumberValue builds a numeric attribute value.
func NumberValue(v float64) AttributeValue { return AttributeValue{Kind: AttrNumber, Number: v} }

// StringValue builds a string attribute value.
func StringValue(v string) AttributeValue { return AttributeValue{Kind: AttrString, String: v} }

// BoolValue builds a boolean attribute value.
func BoolValue(v bool) AttributeValue { return AttributeValue{Kind: AttrBool, Bool: v} }

// CallerAttribute is a typed value stored under (CallerID, Scope, Key).
// Keys are produced by the contract registry, never assembled by hand.
type CallerAttribute struct {
	CallerID  string         `json:"caller_id"`
	Scope     string         `json:"scope"`
	Key       string         `json:"key"`
	Value     AttributeValue `json:"value"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TrustLevel is the provenance tier of a content module.
type TrustLevel string

const (
	TrustRegulatoryStandard TrustLevel = "REGULATORY_STANDARD"
	TrustAccreditedMaterial TrustLevel = "ACCREDITED_MATERIAL"
	TrustPublishedReference TrustLevel = "PUBLISHED_REFERENCE"
	TrustExpertCurated      TrustLevel = "EXPERT_CURATED"
	TrustAIAssisted         TrustLevel = "AI_ASSISTED"
	TrustUnverified         TrustLevel = "UNVERIFIED"
)

// TrustLevels lists the levels from most to least trusted.
var TrustLevels = []TrustLevel{
	TrustRegulatoryStandard,
	TrustAccreditedMaterial,
	TrustPublishedReference,
	TrustExpertCurated,
	TrustAIAssisted,
	TrustUnverified,
}

// ContentModule is a unit of a curriculum with its provenance.
type ContentModule struct {
	ID         string     `json:"id" yaml:"id"`
	Title      string     `json:"title,omitempty" yaml:"title,omitempty"`
	SourceRef  string     `json:"source_ref,omitempty" yaml:"source_ref,omitempty"`
	TrustLevel TrustLevel `json:"trust_level,omitempty" yaml:"trust_level,omitempty"`
}

// EffectiveTrust returns the module's trust level, treating modules without a
// source reference or level as UNVERIFIED.
func (m ContentModule) EffectiveTrust() TrustLevel {
	if m.SourceRef == "" || m.TrustLevel == "" {
		return TrustUnverified
	}
	return m.TrustLevel
}

// Curriculum is the ordered list of content modules taught under a content spec.
type Curriculum struct {
	SpecSlug string          `json:"spec_slug" yaml:"spec_slug"`
	Name     string          `json:"name,omitempty" yaml:"name,omitempty"`
	Modules  []ContentModule `json:"modules" yaml:"modules"`
}

// Module looks up a module by id.
func (c Curriculum) Module(id string) (ContentModule, bool) {
	for _, m := range c.Modules {
		if m.ID == id {
			return m, true
		}
	}
	return ContentModule{}, false
}

// Next returns the module after id, if any.
func (c Curriculum) Next(id string) (string, bool) {
	for i, m := range c.Modules {
		if m.ID == id && i+1 < len(c.Modules) {
			return c.Modules[i+1].ID, true
		}
	}
	return "", false
}
