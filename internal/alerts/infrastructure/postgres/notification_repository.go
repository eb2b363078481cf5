package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/database/postgres"
)

// NotificationRepository appends delivery attempts.
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository constructs a repository.
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// InsertNotification appends a delivery record.
func (r *NotificationRepository) InsertNotification(ctx context.Context, n alerts.AlertNotification) error {
	if r == nil || r.db == nil {
		return errors.New("notification repo: nil db")
	}
	var payload any
	if len(n.Payload) > 0 {
		payload = string(n.Payload)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alert_notifications (id, alert_id, channel_id, channel_type, event, sent_at, success, error, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.AlertID, n.ChannelID, string(n.ChannelType), n.Event, n.SentAt.UTC(), n.Success,
		nullableString(n.Error), payload)
	if postgres.IsForeignKeyViolation(err) {
		return alerts.ErrNotFound
	}
	return err
}

// ListNotifications returns delivery records newest first.
func (r *NotificationRepository) ListNotifications(ctx context.Context, filter alerts.NotificationFilter) ([]alerts.AlertNotification, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("notification repo: nil db")
	}
	var success sql.NullBool
	if filter.Success != nil {
		success = sql.NullBool{Bool: *filter.Success, Valid: true}
	}
	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, alert_id, channel_id, channel_type, event, sent_at, success, error, payload
FROM alert_notifications
WHERE ($1 = '' OR alert_id = $1)
	AND ($2 = '' OR channel_id = $2)
	AND ($3::boolean IS NULL OR success = $3)
	AND ($4::timestamptz IS NULL OR sent_at >= $4)
	AND ($5::timestamptz IS NULL OR sent_at < $5)
ORDER BY sent_at DESC, id ASC
LIMIT $6`,
		filter.AlertID, filter.ChannelID, success, nullableTime(from), nullableTime(to), nullLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]alerts.AlertNotification, 0)
	for rows.Next() {
		var (
			n       alerts.AlertNotification
			typ     string
			errText sql.NullString
			payload []byte
		)
		if err := rows.Scan(&n.ID, &n.AlertID, &n.ChannelID, &typ, &n.Event, &n.SentAt, &n.Success, &errText, &payload); err != nil {
			return nil, err
		}
		n.ChannelType = alerts.ChannelType(typ)
		n.SentAt = n.SentAt.UTC()
		n.Error = errText.String
		if len(payload) > 0 {
			n.Payload = append([]byte(nil), payload...)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CooldownRepository claims notification slots per dedupe key.
type CooldownRepository struct {
	db *sql.DB
}

// NewCooldownRepository constructs a repository.
func NewCooldownRepository(db *sql.DB) *CooldownRepository {
	return &CooldownRepository{db: db}
}

// ClaimCooldown atomically records now as the last notification time unless a
// notification for the key was recorded within cooldown of now.
func (r *CooldownRepository) ClaimCooldown(ctx context.Context, dedupeKey string, now time.Time, cooldown time.Duration) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("cooldown repo: nil db")
	}
	if cooldown < 0 {
		cooldown = 0
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO alert_cooldowns (dedupe_key, last_notified_at) VALUES ($1, $2)
ON CONFLICT (dedupe_key) DO UPDATE SET last_notified_at = EXCLUDED.last_notified_at
WHERE alert_cooldowns.last_notified_at <= $3`,
		dedupeKey, now.UTC(), now.Add(-cooldown).UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
