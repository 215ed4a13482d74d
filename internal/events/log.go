package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes every event to the logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	n.Logger.Info().
		Str("event_id", ev.ID.String()).
		Str("topic", ev.Topic).
		Str("aggregate_id", ev.AggregateID.String()).
		Time("occurred_at", ev.OccurredAt).
		Msg("domain_event")
	return nil
}
