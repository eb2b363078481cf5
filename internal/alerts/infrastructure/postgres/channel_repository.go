package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/database/postgres"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// ChannelRepository persists notification channels.
type ChannelRepository struct {
	db *sql.DB
}

// NewChannelRepository constructs a repository.
func NewChannelRepository(db *sql.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// CreateChannel inserts a channel.
func (r *ChannelRepository) CreateChannel(ctx context.Context, channel alerts.NotificationChannel) error {
	if r == nil || r.db == nil {
		return errors.New("channel repo: nil db")
	}
	config, err := json.Marshal(channel.Config)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO notification_channels (id, name, type, config, enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		channel.ID, channel.Name, string(channel.Type), string(config), channel.Enabled,
		channel.CreatedAt.UTC(), channel.UpdatedAt.UTC())
	if postgres.IsUniqueViolation(err) {
		return telemetry.NewValidationError("id", "channel %q already exists", channel.ID)
	}
	return err
}

// UpdateChannel replaces a channel's mutable fields.
func (r *ChannelRepository) UpdateChannel(ctx context.Context, channel alerts.NotificationChannel) error {
	if r == nil || r.db == nil {
		return errors.New("channel repo: nil db")
	}
	config, err := json.Marshal(channel.Config)
	if err != nil {
		return err
	}
	return rowsAffected(r.db.ExecContext(ctx, `
UPDATE notification_channels
SET name = $2, type = $3, config = $4, enabled = $5, updated_at = $6
WHERE id = $1`,
		channel.ID, channel.Name, string(channel.Type), string(config), channel.Enabled, channel.UpdatedAt.UTC()))
}

// GetChannel returns nil when the channel does not exist.
func (r *ChannelRepository) GetChannel(ctx context.Context, id string) (*alerts.NotificationChannel, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("channel repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, type, config, enabled, created_at, updated_at
FROM notification_channels
WHERE id = $1`, id)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// DeleteChannel removes a channel. Rule links and delivery records cascade.
func (r *ChannelRepository) DeleteChannel(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("channel repo: nil db")
	}
	return rowsAffected(r.db.ExecContext(ctx, `DELETE FROM notification_channels WHERE id = $1`, id))
}

// ListChannels returns channels ordered by id.
func (r *ChannelRepository) ListChannels(ctx context.Context) ([]alerts.NotificationChannel, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("channel repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, type, config, enabled, created_at, updated_at
FROM notification_channels
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChannels(rows)
}

func scanChannels(rows *sql.Rows) ([]alerts.NotificationChannel, error) {
	out := make([]alerts.NotificationChannel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func scanChannel(row scanner) (alerts.NotificationChannel, error) {
	var (
		ch     alerts.NotificationChannel
		typ    string
		config []byte
	)
	if err := row.Scan(&ch.ID, &ch.Name, &typ, &config, &ch.Enabled, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return alerts.NotificationChannel{}, err
	}
	ch.Type = alerts.ChannelType(typ)
	ch.CreatedAt = ch.CreatedAt.UTC()
	ch.UpdatedAt = ch.UpdatedAt.UTC()
	ch.Config = map[string]string{}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &ch.Config); err != nil {
			return alerts.NotificationChannel{}, err
		}
	}
	return ch, nil
}
