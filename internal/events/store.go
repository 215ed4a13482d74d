package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DBTX is the subset of pgx used by PGStore; satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists events in the domain_events table.
type PGStore struct {
	DB DBTX
}

const insertEventSQL = `INSERT INTO domain_events (id, topic, aggregate_id, payload)
VALUES ($1, $2, $3, $4)
RETURNING id, topic, aggregate_id, payload, occurred_at`

// InsertEvent stores ev and returns the row as written.
func (s PGStore) InsertEvent(ctx context.Context, ev Event) (Event, error) {
	var out Event
	var payload []byte
	err := s.DB.QueryRow(ctx, insertEventSQL, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload)).
		Scan(&out.ID, &out.Topic, &out.AggregateID, &payload, &out.OccurredAt)
	if err != nil {
		return Event{}, fmt.Errorf("insert domain event: %w", err)
	}
	out.Payload = payload
	return out, nil
}
