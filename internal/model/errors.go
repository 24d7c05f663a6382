package model

import "github.com/rotisserie/eris"

// Sentinel errors shared across the pipeline. Wrap with eris and match with errors.Is.
var (
	// ErrNotFound reports a missing caller, call, spec, parameter or row.
	ErrNotFound = eris.New("not found")

	// ErrConfigMissing reports that no active, compiled spec of a required output type exists.
	ErrConfigMissing = eris.New("no active compiled specs")

	// ErrCompletionMalformed reports an empty or non-JSON completion. Stages recover from it
	// with a default value.
	ErrCompletionMalformed = eris.New("completion malformed")

	// ErrConfigContractMissing reports that a storage-key or threshold contract is not loaded.
	// Computations depending on it must stop rather than invent a key.
	ErrConfigContractMissing = eris.New("config contract missing")

	// ErrRunInProgress is returned when a pipeline run for the same call is already in flight.
	ErrRunInProgress = eris.New("pipeline run already in progress for call")

	// ErrCallInProgress is returned when a caller already has an in-progress call.
	ErrCallInProgress = eris.New("caller already has an in-progress call")

	// ErrInvalidTransition is returned for a disallowed goal status change.
	ErrInvalidTransition = eris.New("invalid status transition")
)
