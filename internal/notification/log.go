package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes events to the application log. It is always
// registered so outcomes are visible even without a chat channel.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("notifier", "log").Logger()}
}

func (n *LogNotifier) OnProgress(_ context.Context, event ProgressEvent) error {
	n.logger.Info().
		Str("request_id", event.RequestID).
		Str("user_id", event.UserID).
		Str("title", event.Title).
		Float64("progress", event.Progress).
		Msg("download progress")
	return nil
}

func (n *LogNotifier) OnOutcome(_ context.Context, event OutcomeEvent) error {
	n.logger.Info().
		Str("request_id", event.RequestID).
		Str("user_id", event.UserID).
		Str("title", event.Title).
		Str("state", event.State).
		Str("reason", event.Reason).
		Str("file", event.File).
		Msg("request finished")
	return nil
}
