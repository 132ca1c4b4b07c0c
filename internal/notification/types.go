// Package notification delivers request progress and outcome messages
// to the requesting user.
package notification

import "context"

// ProgressEvent reports download progress for an active request.
type ProgressEvent struct {
	RequestID string
	UserID    string
	Title     string
	Progress  float64
}

// OutcomeEvent reports the terminal state of a request.
type OutcomeEvent struct {
	RequestID string
	UserID    string
	Title     string
	State     string
	Reason    string
	File      string
}

// Notifier delivers events to a single channel (Telegram, log, ...).
type Notifier interface {
	OnProgress(ctx context.Context, event ProgressEvent) error
	OnOutcome(ctx context.Context, event OutcomeEvent) error
}
