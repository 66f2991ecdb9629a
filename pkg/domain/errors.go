package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionNotFound is returned when a session ID cannot be found in the store.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned by CreateSession when the id is already taken.
var ErrSessionExists = errors.New("session already exists")

var (
	// ErrInvalidTransition means the target is not a graph edge out of the current stage.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMissingRequiredData means the target stage requires fields the session lacks.
	ErrMissingRequiredData = errors.New("missing required data")

	// ErrStageViolation means a gated tool was called outside its stages and skip-ahead did not apply.
	ErrStageViolation = errors.New("stage violation")

	// ErrRefinementLimit means the bounded refinement counter is exhausted.
	ErrRefinementLimit = errors.New("refinement limit reached")

	// ErrInvalidArgument means a call argument could not be accepted.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConcurrentModification means the stored record changed under an optimistic write.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// TransitionError describes why a move was refused.
type TransitionError struct {
	Kind    error
	From    Stage
	To      Stage
	Missing []Field
	Reason  string
}

func (e *TransitionError) Error() string {
	return e.Reason
}

func (e *TransitionError) Unwrap() error {
	return e.Kind
}

// PersistenceError wraps a store failure. It is the only error kind that
// aborts a call outright.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence failure during %s of session %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func refinementLimit(f Fields) *TransitionError {
	return &TransitionError{
		Kind:   ErrRefinementLimit,
		To:     StageQueryRefinement,
		Reason: fmt.Sprintf("refinement limit reached (%d/%d)", f.RefinementCount, f.MaxRefinements),
	}
}

// JoinFields renders a field list for messages.
func JoinFields(fields []Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}
