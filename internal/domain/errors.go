package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidReference  = errors.New("invalid reference: connection does not exist")
	ErrAlreadyRunning    = errors.New("session is already running")
	ErrInvalidState      = errors.New("invalid session state")
	ErrConflict          = errors.New("session already exists")
	ErrCapacity          = errors.New("session capacity exhausted")
	ErrValidation        = errors.New("invalid session request")
	ErrStoreWriteFailure = errors.New("captured record write failed")
)

// ClientError wraps a failure of the underlying log client. Sessions hitting
// one move to ERROR and are not retried automatically.
type ClientError struct {
	Op  string
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("log client %s: %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

func NewClientError(op string, err error) error {
	return &ClientError{Op: op, Err: err}
}

// TransitionError reports a lifecycle call that the state table rejects.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid session state: cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidState
}
