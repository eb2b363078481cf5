package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const defaultSampleTable = "metric_samples"

var _ telemetry.Store = (*Store)(nil)

// Store bundles the Postgres telemetry repositories.
type Store struct {
	*SampleRepository
	*RollupRepository
	*WatermarkRepository
	*EventRepository
}

// NewStore constructs every telemetry repository over one db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		SampleRepository:    NewSampleRepository(db),
		RollupRepository:    NewRollupRepository(db),
		WatermarkRepository: NewWatermarkRepository(db),
		EventRepository:     NewEventRepository(db),
	}
}

// SampleRepository is a Postgres implementation for raw metric samples.
type SampleRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*SampleRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *SampleRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewSampleRepository constructs a repository with default table name.
func NewSampleRepository(db *sql.DB, opts ...RepositoryOption) *SampleRepository {
	repo := &SampleRepository{db: db, table: defaultSampleTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const sampleColumns = `instance_id, ts, ingested_at, cpu_percent, mem_used, mem_total, disk_used, disk_total,
	load_avg_1, load_avg_5, load_avg_15, net_bytes_sent, net_bytes_recv, net_packets_sent, net_packets_recv,
	swap_used, swap_total, disk_read_bps, disk_write_bps, core_count, process_count`

// InsertSample writes a sample. Replays of the same (instance, ts) are ignored.
func (r *SampleRepository) InsertSample(ctx context.Context, s telemetry.MetricSample) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("sample repo: nil db")
	}
	if s.InstanceID == "" || s.Timestamp.IsZero() {
		return false, errors.New("sample repo: invalid sample")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
)
ON CONFLICT (instance_id, ts) DO NOTHING`, r.table, sampleColumns)

	res, err := r.db.ExecContext(ctx, query,
		s.InstanceID,
		s.Timestamp.UTC(),
		s.IngestedAt.UTC(),
		s.CPUPercent,
		formatUint(s.MemUsed),
		formatUint(s.MemTotal),
		formatUint(s.DiskUsed),
		formatUint(s.DiskTotal),
		nullFloat(s.LoadAvg1),
		nullFloat(s.LoadAvg5),
		nullFloat(s.LoadAvg15),
		nullUint(s.NetBytesSent),
		nullUint(s.NetBytesRecv),
		nullUint(s.NetPacketsSent),
		nullUint(s.NetPacketsRecv),
		nullUint(s.SwapUsed),
		nullUint(s.SwapTotal),
		nullFloat(s.DiskReadBps),
		nullFloat(s.DiskWriteBps),
		nullUint(s.CoreCount),
		nullUint(s.ProcessCount),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RangeSamples returns samples with From <= ts < To ordered by time.
func (r *SampleRepository) RangeSamples(ctx context.Context, q telemetry.SampleRange) ([]telemetry.MetricSample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1 = '' OR instance_id = $1)
	AND ts >= $2
	AND ts < $3
ORDER BY ts ASC, instance_id ASC
LIMIT $4`, sampleColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query, q.InstanceID, q.From.UTC(), q.To.UTC(), nullLimit(q.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSamples(rows)
}

// LatestSamples returns the newest sample per instance.
func (r *SampleRepository) LatestSamples(ctx context.Context, instanceIDs []string) ([]telemetry.MetricSample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT DISTINCT ON (instance_id) %s
FROM %s
WHERE (cardinality($1::text[]) = 0 OR instance_id = ANY($1::text[]))
ORDER BY instance_id ASC, ts DESC`, sampleColumns, r.table)

	if instanceIDs == nil {
		instanceIDs = []string{}
	}
	rows, err := r.db.QueryContext(ctx, query, instanceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSamples(rows)
}

// DirtyMinuteBuckets lists 1m buckets of samples ingested in (after, until].
func (r *SampleRepository) DirtyMinuteBuckets(ctx context.Context, after, until time.Time) ([]telemetry.BucketKey, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT DISTINCT instance_id, to_timestamp(floor(extract(epoch FROM ts) / 60) * 60) AS bucket
FROM %s
WHERE ingested_at > $1 AND ingested_at <= $2
ORDER BY instance_id ASC, bucket ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, after.UTC(), until.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]telemetry.BucketKey, 0)
	for rows.Next() {
		var key telemetry.BucketKey
		if err := rows.Scan(&key.InstanceID, &key.Start); err != nil {
			return nil, err
		}
		key.Start = key.Start.UTC()
		out = append(out, key)
	}
	return out, rows.Err()
}

// PruneSamples removes samples with ts < before.
func (r *SampleRepository) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("sample repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ts < $1`, r.table), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSamples(rows *sql.Rows) ([]telemetry.MetricSample, error) {
	out := make([]telemetry.MetricSample, 0)
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSample(row scanner) (telemetry.MetricSample, error) {
	var (
		s                                          telemetry.MetricSample
		memUsed, memTotal, diskUsed, diskTotal     string
		load1, load5, load15, readBps, writeBps    sql.NullFloat64
		bytesSent, bytesRecv, pktSent, pktRecv     sql.NullString
		swapUsed, swapTotal, coreCount, procCount  sql.NullString
	)
	if err := row.Scan(
		&s.InstanceID, &s.Timestamp, &s.IngestedAt, &s.CPUPercent,
		&memUsed, &memTotal, &diskUsed, &diskTotal,
		&load1, &load5, &load15,
		&bytesSent, &bytesRecv, &pktSent, &pktRecv,
		&swapUsed, &swapTotal, &readBps, &writeBps,
		&coreCount, &procCount,
	); err != nil {
		return telemetry.MetricSample{}, err
	}
	s.Timestamp = s.Timestamp.UTC()
	s.IngestedAt = s.IngestedAt.UTC()

	var err error
	for _, f := range []struct {
		dst *uint64
		src string
	}{{&s.MemUsed, memUsed}, {&s.MemTotal, memTotal}, {&s.DiskUsed, diskUsed}, {&s.DiskTotal, diskTotal}} {
		if *f.dst, err = parseUint(f.src); err != nil {
			return telemetry.MetricSample{}, err
		}
	}
	s.LoadAvg1, s.LoadAvg5, s.LoadAvg15 = floatPtr(load1), floatPtr(load5), floatPtr(load15)
	s.DiskReadBps, s.DiskWriteBps = floatPtr(readBps), floatPtr(writeBps)
	for _, f := range []struct {
		dst **uint64
		src sql.NullString
	}{
		{&s.NetBytesSent, bytesSent}, {&s.NetBytesRecv, bytesRecv},
		{&s.NetPacketsSent, pktSent}, {&s.NetPacketsRecv, pktRecv},
		{&s.SwapUsed, swapUsed}, {&s.SwapTotal, swapTotal},
		{&s.CoreCount, coreCount}, {&s.ProcessCount, procCount},
	} {
		if *f.dst, err = uintPtr(f.src); err != nil {
			return telemetry.MetricSample{}, err
		}
	}
	return s, nil
}

// NUMERIC(20,0) columns round-trip through decimal strings so that values
// above 2^63 survive the driver.
func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func parseUint(v string) (uint64, error) {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	return strconv.ParseUint(v, 10, 64)
}

func nullUint(v *uint64) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatUint(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func uintPtr(v sql.NullString) (*uint64, error) {
	if !v.Valid {
		return nil, nil
	}
	u, err := parseUint(v.String)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func nullLimit(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}
