package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Options tune the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// DefaultOptions returns pool settings for a single server process.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Open opens a pgx-backed *sql.DB and verifies connectivity.
func Open(ctx context.Context, dsn string, opts Options) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// Migrate creates every table and index if missing. Statements are
// idempotent so Migrate runs on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("postgres: nil db")
	}
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate step %d: %w", i, err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolation reports whether err is a Postgres foreign_key_violation.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS metric_samples (
		instance_id TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL,
		cpu_percent DOUBLE PRECISION NOT NULL,
		mem_used NUMERIC(20,0) NOT NULL,
		mem_total NUMERIC(20,0) NOT NULL,
		disk_used NUMERIC(20,0) NOT NULL,
		disk_total NUMERIC(20,0) NOT NULL,
		load_avg_1 DOUBLE PRECISION,
		load_avg_5 DOUBLE PRECISION,
		load_avg_15 DOUBLE PRECISION,
		net_bytes_sent NUMERIC(20,0),
		net_bytes_recv NUMERIC(20,0),
		net_packets_sent NUMERIC(20,0),
		net_packets_recv NUMERIC(20,0),
		swap_used NUMERIC(20,0),
		swap_total NUMERIC(20,0),
		disk_read_bps DOUBLE PRECISION,
		disk_write_bps DOUBLE PRECISION,
		core_count NUMERIC(20,0),
		process_count NUMERIC(20,0),
		PRIMARY KEY (instance_id, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS metric_samples_ingested_at_idx ON metric_samples (ingested_at)`,
	`CREATE INDEX IF NOT EXISTS metric_samples_ts_idx ON metric_samples (ts)`,
	`CREATE TABLE IF NOT EXISTS metric_rollups (
		instance_id TEXT NOT NULL,
		resolution TEXT NOT NULL,
		bucket_start TIMESTAMPTZ NOT NULL,
		sample_count BIGINT NOT NULL,
		stats JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (instance_id, resolution, bucket_start)
	)`,
	`CREATE INDEX IF NOT EXISTS metric_rollups_resolution_bucket_idx ON metric_rollups (resolution, bucket_start)`,
	`CREATE TABLE IF NOT EXISTS rollup_watermarks (
		name TEXT PRIMARY KEY,
		value TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instance_events (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		type TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS instance_events_instance_ts_idx ON instance_events (instance_id, ts)`,
	`CREATE INDEX IF NOT EXISTS instance_events_ts_idx ON instance_events (ts)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		instance_id TEXT,
		conditions JSONB NOT NULL,
		cooldown_sec INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notification_channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		config JSONB NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alert_rule_channels (
		rule_id TEXT NOT NULL REFERENCES alert_rules(id) ON DELETE CASCADE,
		channel_id TEXT NOT NULL REFERENCES notification_channels(id) ON DELETE CASCADE,
		PRIMARY KEY (rule_id, channel_id)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL REFERENCES alert_rules(id) ON DELETE CASCADE,
		rule_name TEXT NOT NULL DEFAULT '',
		rule_type TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		metric TEXT,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		last_value DOUBLE PRECISION,
		fired_at TIMESTAMPTZ NOT NULL,
		acknowledged_at TIMESTAMPTZ,
		resolved_at TIMESTAMPTZ,
		silenced_until TIMESTAMPTZ,
		last_evaluated_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_dedupe_key_idx ON alerts (dedupe_key)
		WHERE status IN ('ACTIVE','ACKNOWLEDGED','SILENCED')`,
	`CREATE INDEX IF NOT EXISTS alerts_fired_at_idx ON alerts (fired_at)`,
	`CREATE INDEX IF NOT EXISTS alerts_silenced_until_idx ON alerts (silenced_until) WHERE status = 'SILENCED'`,
	`CREATE TABLE IF NOT EXISTS alert_notifications (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
		channel_id TEXT NOT NULL REFERENCES notification_channels(id) ON DELETE CASCADE,
		channel_type TEXT NOT NULL,
		event TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL,
		success BOOLEAN NOT NULL,
		error TEXT,
		payload JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS alert_notifications_alert_idx ON alert_notifications (alert_id, sent_at)`,
	`CREATE TABLE IF NOT EXISTS alert_cooldowns (
		dedupe_key TEXT PRIMARY KEY,
		last_notified_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		instance_id TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		payload_digest TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
}
