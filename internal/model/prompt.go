package model

import "time"

// PromptStatus tracks whether a composed prompt is the caller's active one.
type PromptStatus string

const (
	PromptActive     PromptStatus = "active"
	PromptSuperseded PromptStatus = "superseded"
)

// PromptFormat selects the composer's renderer.
type PromptFormat string

const (
	PromptFormatText PromptFormat = "text"
	PromptFormatJSON PromptFormat = "json"
)

// ComposedPrompt is the instruction payload for a caller's next call. Each
// caller has exactly one active prompt; saving a new one supersedes the old.
type ComposedPrompt struct {
	ID            string       `json:"id"`
	CallerID      string       `json:"caller_id"`
	TriggerType   string       `json:"trigger_type"`
	TriggerCallID string       `json:"trigger_call_id,omitempty"`
	Format        PromptFormat `json:"format"`
	Content       string       `json:"content"`
	Status        PromptStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}
