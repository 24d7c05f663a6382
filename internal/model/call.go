package model

import "time"

// CallStatus is the lifecycle state of a call.
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
)

// Caller is a person who calls the voice agent repeatedly.
type Caller struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Call is one voice interaction. Sequence increases strictly per caller and
// PreviousCallID points at the caller's prior call, if any.
type Call struct {
	ID             string     `json:"id"`
	CallerID       string     `json:"caller_id"`
	Transcript     string     `json:"transcript"`
	Sequence       int        `json:"sequence"`
	PreviousCallID string     `json:"previous_call_id,omitempty"`
	Status         CallStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Completed reports whether the call has ended.
func (c Call) Completed() bool {
	return c.Status == CallStatusCompleted
}
