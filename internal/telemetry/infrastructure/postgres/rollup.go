package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const defaultRollupTable = "metric_rollups"

// RollupRepository stores rollup buckets with per-metric stats as JSONB.
type RollupRepository struct {
	db    *sql.DB
	table string
}

// NewRollupRepository constructs a rollup repository.
func NewRollupRepository(db *sql.DB) *RollupRepository {
	return &RollupRepository{db: db, table: defaultRollupTable}
}

// UpsertRollups replaces buckets by (instance, resolution, bucket start).
func (r *RollupRepository) UpsertRollups(ctx context.Context, rollups []telemetry.Rollup) error {
	if r == nil || r.db == nil {
		return errors.New("rollup repo: nil db")
	}
	if len(rollups) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (instance_id, resolution, bucket_start, sample_count, stats, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (instance_id, resolution, bucket_start)
DO UPDATE SET
	sample_count = EXCLUDED.sample_count,
	stats = EXCLUDED.stats,
	updated_at = EXCLUDED.updated_at`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rollup := range rollups {
		if rollup.InstanceID == "" || !rollup.Resolution.Valid() || rollup.Resolution == telemetry.ResolutionRaw {
			_ = tx.Rollback()
			return errors.New("rollup repo: invalid rollup")
		}
		stats, err := json.Marshal(rollup.Stats)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		updated := rollup.UpdatedAt
		if updated.IsZero() {
			updated = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			rollup.InstanceID,
			string(rollup.Resolution),
			rollup.BucketStart.UTC(),
			rollup.SampleCount,
			string(stats),
			updated.UTC(),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RangeRollups returns buckets lying entirely inside [From, To).
func (r *RollupRepository) RangeRollups(ctx context.Context, q telemetry.RollupRange) ([]telemetry.Rollup, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rollup repo: nil db")
	}
	period := q.Resolution.Period()
	if period == 0 {
		return nil, telemetry.ErrInvalidResolution
	}
	query := fmt.Sprintf(`
SELECT instance_id, resolution, bucket_start, sample_count, stats, updated_at
FROM %s
WHERE resolution = $1
	AND ($2 = '' OR instance_id = $2)
	AND bucket_start >= $3
	AND bucket_start <= $4
ORDER BY bucket_start ASC, instance_id ASC
LIMIT $5`, r.table)

	rows, err := r.db.QueryContext(ctx, query,
		string(q.Resolution), q.InstanceID, q.From.UTC(), q.To.Add(-period).UTC(), nullLimit(q.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]telemetry.Rollup, 0)
	for rows.Next() {
		rollup, err := scanRollup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rollup)
	}
	return out, rows.Err()
}

// PruneRollups removes buckets of res that end at or before before.
func (r *RollupRepository) PruneRollups(ctx context.Context, res telemetry.Resolution, before time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("rollup repo: nil db")
	}
	result, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE resolution = $1 AND bucket_start <= $2`, r.table),
		string(res), before.Add(-res.Period()).UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRollup(row scanner) (telemetry.Rollup, error) {
	var (
		rollup telemetry.Rollup
		res    string
		stats  []byte
	)
	if err := row.Scan(&rollup.InstanceID, &res, &rollup.BucketStart, &rollup.SampleCount, &stats, &rollup.UpdatedAt); err != nil {
		return telemetry.Rollup{}, err
	}
	rollup.Resolution = telemetry.Resolution(res)
	rollup.BucketStart = rollup.BucketStart.UTC()
	rollup.UpdatedAt = rollup.UpdatedAt.UTC()
	if err := json.Unmarshal(stats, &rollup.Stats); err != nil {
		return telemetry.Rollup{}, fmt.Errorf("rollup repo: decode stats: %w", err)
	}
	return rollup, nil
}

// WatermarkRepository stores named progress markers.
type WatermarkRepository struct {
	db *sql.DB
}

// NewWatermarkRepository constructs a watermark repository.
func NewWatermarkRepository(db *sql.DB) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

// Watermark returns the zero time when name was never stored.
func (r *WatermarkRepository) Watermark(ctx context.Context, name string) (time.Time, error) {
	if r == nil || r.db == nil {
		return time.Time{}, errors.New("watermark repo: nil db")
	}
	var value time.Time
	err := r.db.QueryRowContext(ctx, `SELECT value FROM rollup_watermarks WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return value.UTC(), nil
}

// SetWatermark upserts a watermark.
func (r *WatermarkRepository) SetWatermark(ctx context.Context, name string, value time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("watermark repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO rollup_watermarks (name, value) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`, name, value.UTC())
	return err
}
