package queue

import (
	"errors"
	"fmt"

	"buildline/internal/domain"
)

// ErrTerminal is wrapped by TransitionError when the build already finished.
var ErrTerminal = errors.New("build already finished")

var validTransitions = map[domain.Status]map[domain.Status]bool{
	domain.StatusQueued: {
		domain.StatusRunning:   true,
		domain.StatusCancelled: true,
	},
	domain.StatusRunning: {
		domain.StatusSuccess:   true,
		domain.StatusFailure:   true,
		domain.StatusCancelled: true, // agent confirmed a cancel request
	},
}

type TransitionError struct {
	ID   int64
	From domain.Status
	To   domain.Status
	Err  error
}

func (e *TransitionError) Error() string {
	if errors.Is(e.Err, ErrTerminal) {
		return fmt.Sprintf("build %d: cannot transition from terminal status %s", e.ID, e.From)
	}
	return fmt.Sprintf("build %d: invalid transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// ValidateTransition returns a *TransitionError unless from -> to is allowed.
func ValidateTransition(id int64, from, to domain.Status) error {
	if from.Terminal() {
		return &TransitionError{ID: id, From: from, To: to, Err: ErrTerminal}
	}
	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		return &TransitionError{ID: id, From: from, To: to}
	}
	return nil
}
