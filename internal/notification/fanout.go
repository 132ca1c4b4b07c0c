package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// Fanout delivers each event to every configured notifier. A failing
// notifier is logged and skipped; delivery problems never surface to
// the workflow that produced the event.
type Fanout struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

func NewFanout(logger zerolog.Logger, notifiers ...Notifier) *Fanout {
	return &Fanout{
		notifiers: notifiers,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

func (f *Fanout) OnProgress(ctx context.Context, event ProgressEvent) error {
	for _, n := range f.notifiers {
		if err := n.OnProgress(ctx, event); err != nil {
			f.logger.Warn().Err(err).Str("request_id", event.RequestID).Msg("progress notification failed")
		}
	}
	return nil
}

func (f *Fanout) OnOutcome(ctx context.Context, event OutcomeEvent) error {
	for _, n := range f.notifiers {
		if err := n.OnOutcome(ctx, event); err != nil {
			f.logger.Warn().Err(err).Str("request_id", event.RequestID).Msg("outcome notification failed")
		}
	}
	return nil
}
