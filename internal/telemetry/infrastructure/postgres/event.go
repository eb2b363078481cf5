package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// EventRepository stores instance events.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs an event repository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// InsertEvent writes an event. Re-inserting the same id is ignored.
func (r *EventRepository) InsertEvent(ctx context.Context, e telemetry.Event) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if e.ID == "" || e.InstanceID == "" || e.Type == "" {
		return errors.New("event repo: invalid event")
	}
	var metadata any
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		metadata = string(raw)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO instance_events (id, instance_id, type, kind, message, severity, metadata, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`,
		e.ID, e.InstanceID, e.Type, e.EventType, e.Message, e.Severity, metadata, e.Timestamp.UTC())
	return err
}

// ListEvents returns matching events, newest first.
func (r *EventRepository) ListEvents(ctx context.Context, f telemetry.EventFilter) ([]telemetry.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, instance_id, type, kind, message, severity, metadata, ts
FROM instance_events
WHERE ($1 = '' OR instance_id = $1)
	AND ($2 = '' OR type = $2)
	AND ($3::timestamptz IS NULL OR ts >= $3)
	AND ($4::timestamptz IS NULL OR ts < $4)
ORDER BY ts DESC, id ASC
LIMIT $5`, f.InstanceID, f.Type, nullableTime(f.From), nullableTime(f.To), nullLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]telemetry.Event, 0)
	for rows.Next() {
		var (
			e        telemetry.Event
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Type, &e.EventType, &e.Message, &e.Severity, &metadata, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents removes events with ts < before.
func (r *EventRepository) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("event repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM instance_events WHERE ts < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
