package model

import "time"

// CallerMemory is a fact, preference or event learned about a caller.
// Memories are never updated in place: a newer value is inserted and the old
// row's SupersededByID points at it. Exactly one row per (CallerID, Key) has
// an empty SupersededByID.
type CallerMemory struct {
	ID             string    `json:"id"`
	CallerID       string    `json:"caller_id"`
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	Category       string    `json:"category"`
	Confidence     float64   `json:"confidence"`
	Evidence       string    `json:"evidence,omitempty"`
	SourceCallID   string    `json:"source_call_id,omitempty"`
	SupersededByID string    `json:"superseded_by_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Current reports whether the memory has not been superseded.
func (m CallerMemory) Current() bool {
	return m.SupersededByID == ""
}

// Common memory categories.
const (
	CategoryFact       = "FACT"
	CategoryPreference = "PREFERENCE"
	CategoryEvent      = "EVENT"
	CategoryTopic      = "TOPIC"
	CategoryRelation   = "RELATIONSHIP"
	CategoryContext    = "CONTEXT"
)
