package requests

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyTitle       = errors.New("title must not be empty")
	ErrRateLimited      = errors.New("rate limited")
	ErrAlreadyActive    = errors.New("an active request for this title already exists")
	ErrNotFound         = errors.New("request not found")
	ErrNotOwner         = errors.New("request belongs to another user")
	ErrInvalidState     = errors.New("operation not valid in the request's current state")
	ErrInvalidSelection = errors.New("selection index out of range")
	ErrBusy             = errors.New("a selection is already being processed")
	ErrAlreadyFinished  = errors.New("request already finished")
)

// RateLimitError wraps ErrRateLimited with the wait hint for the
// client.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry in %s", e.Action, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
