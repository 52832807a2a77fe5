package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned by Resume and lookups when no
	// checkpoint exists for the session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidFeedback is returned by Resume when the session is not
	// awaiting human input or the feedback is malformed.
	ErrInvalidFeedback = errors.New("invalid feedback")

	// ErrNoReviewPending is returned by ReviewContext when the session has
	// no outstanding review request.
	ErrNoReviewPending = errors.New("no review pending")
)

// EngineError marks an infrastructure failure of the engine itself, distinct
// from a stage failure. Stage failures are recorded on the processing record
// and never abort the run loop; an EngineError does.
type EngineError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s failed for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func engineErr(op, sessionID string, err error) *EngineError {
	return &EngineError{Op: op, SessionID: sessionID, Err: err}
}
