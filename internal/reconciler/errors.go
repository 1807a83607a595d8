package reconciler

import (
	"errors"
	"fmt"
)

var (
	ErrRetriesExhausted  = errors.New("push retries exhausted")
	ErrUnknownMutation   = errors.New("unknown journal mutation shape")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SyncError is a surfaced, recoverable failure: the UI shows it with a
// manual retry action while the last good cached state stays displayed.
type SyncError struct {
	EntityType string
	EntityID   string
	Err        error
}

func (e SyncError) Error() string {
	return fmt.Sprintf("sync %s %s: %v", e.EntityType, e.EntityID, e.Err)
}

func (e SyncError) Unwrap() error {
	return e.Err
}
