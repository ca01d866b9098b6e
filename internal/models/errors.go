package models

import "errors"

// Core error taxonomy. Handlers map these to HTTP status codes at the API
// edge; internal callers branch with errors.Is.
var (
	// ErrInvalidParameter marks a schema violation at the API edge. Never retried.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrNotFound marks an unknown ID. The caller usually resyncs.
	ErrNotFound = errors.New("not found")
	// ErrSlotOccupied marks a scheduling conflict that could not be resolved
	// by preemption. The caller may retry with a different priority.
	ErrSlotOccupied = errors.New("slot occupied")
	// ErrRateLimited marks backpressure on device sync calls.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransientStorage marks a retryable storage failure. The core retries
	// up to 3x with exponential backoff before surfacing it.
	ErrTransientStorage = errors.New("transient storage failure")
	// ErrPolicyRejected marks a creative that failed verification.
	ErrPolicyRejected = errors.New("policy rejected")
	// ErrNoFittingSlot marks a creative whose duration exceeds every available slot.
	ErrNoFittingSlot = errors.New("no fitting slot")
	// ErrStateConflict marks a delivery transition whose precondition state no
	// longer holds. The losing writer must re-read before acting again.
	ErrStateConflict = errors.New("delivery state conflict")
)
