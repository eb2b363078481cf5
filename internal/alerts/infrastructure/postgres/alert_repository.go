package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/database/postgres"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const alertColumns = `id, rule_id, rule_name, rule_type, instance_id, dedupe_key, metric, severity, status,
	message, last_value, fired_at, acknowledged_at, resolved_at, silenced_until, last_evaluated_at, updated_at`

// AlertRepository is a Postgres repository for alerts. The partial unique
// index on dedupe_key keeps at most one open alert per key.
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateAlert inserts a new alert.
func (r *AlertRepository) CreateAlert(ctx context.Context, alert alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if alert.ID == "" || alert.RuleID == "" || alert.DedupeKey == "" {
		return errors.New("alert repo: missing fields")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alerts (`+alertColumns+`) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9,
	$10, $11, $12, $13, $14, $15, $16, $17
)`, alertArgs(alert)...)
	switch {
	case postgres.IsUniqueViolation(err):
		return alerts.ErrOpenAlertExists
	case postgres.IsForeignKeyViolation(err):
		return alerts.ErrNotFound
	}
	return err
}

// TransitionAlert writes the lifecycle fields while the row still has status
// from. acknowledged_at and resolved_at keep their first value.
func (r *AlertRepository) TransitionAlert(ctx context.Context, alert alerts.Alert, from alerts.Status) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if !from.Open() {
		return alerts.ErrInvalidTransition
	}
	var lastValue sql.NullFloat64
	if alert.LastValue != nil {
		lastValue = sql.NullFloat64{Float64: *alert.LastValue, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET status = $3,
	acknowledged_at = COALESCE(acknowledged_at, $4),
	resolved_at = COALESCE(resolved_at, $5),
	silenced_until = $6,
	last_value = COALESCE($7, last_value),
	last_evaluated_at = GREATEST(last_evaluated_at, $8),
	updated_at = $9
WHERE id = $1 AND status = $2`,
		alert.ID, string(from), string(alert.Status),
		nullableTime(alert.AcknowledgedAt), nullableTime(alert.ResolvedAt), nullableTime(alert.SilencedUntil),
		lastValue, alert.LastEvaluatedAt.UTC(), alert.UpdatedAt.UTC())
	if postgres.IsUniqueViolation(err) {
		return alerts.ErrOpenAlertExists
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, alert.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return alerts.ErrNotFound
	}
	return alerts.ErrConflict
}

// RefreshAlert stamps the latest evaluation on an open alert.
func (r *AlertRepository) RefreshAlert(ctx context.Context, id string, value *float64, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alert repo: nil db")
	}
	var lastValue sql.NullFloat64
	if value != nil {
		lastValue = sql.NullFloat64{Float64: *value, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET last_value = COALESCE($2, last_value),
	last_evaluated_at = GREATEST(last_evaluated_at, $3),
	updated_at = GREATEST(updated_at, $3)
WHERE id = $1 AND status IN ('ACTIVE', 'ACKNOWLEDGED', 'SILENCED')`, id, lastValue, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetAlert returns nil when the alert does not exist.
func (r *AlertRepository) GetAlert(ctx context.Context, id string) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

// FindOpen returns the open alert holding the dedupe key, or nil.
func (r *AlertRepository) FindOpen(ctx context.Context, dedupeKey string) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE dedupe_key = $1 AND status IN ('ACTIVE', 'ACKNOWLEDGED', 'SILENCED')
LIMIT 1`, dedupeKey)
	return scanAlert(row)
}

// ListAlerts returns alerts newest first.
func (r *AlertRepository) ListAlerts(ctx context.Context, filter alerts.AlertFilter) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE ($1 = '' OR rule_id = $1)
	AND ($2 = '' OR instance_id = $2)
	AND ($3 = '' OR severity = $3)
	AND (cardinality($4::text[]) = 0 OR status = ANY($4::text[]))
	AND ($5::timestamptz IS NULL OR fired_at >= $5)
	AND ($6::timestamptz IS NULL OR fired_at < $6)
ORDER BY fired_at DESC, id ASC
LIMIT $7`,
		filter.RuleID, filter.InstanceID, string(filter.Severity), statuses,
		nullableTime(from), nullableTime(to), nullLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// ListSilenceExpired returns silenced alerts whose silence ended at or before now.
func (r *AlertRepository) ListSilenceExpired(ctx context.Context, now time.Time) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE status = 'SILENCED' AND silenced_until IS NOT NULL AND silenced_until <= $1
ORDER BY id ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlerts(rows)
}

func alertArgs(a alerts.Alert) []any {
	var lastValue sql.NullFloat64
	if a.LastValue != nil {
		lastValue = sql.NullFloat64{Float64: *a.LastValue, Valid: true}
	}
	return []any{
		a.ID,
		a.RuleID,
		a.RuleName,
		string(a.RuleType),
		a.InstanceID,
		a.DedupeKey,
		nullableString(string(a.Metric)),
		string(a.Severity),
		string(a.Status),
		a.Message,
		lastValue,
		a.FiredAt.UTC(),
		nullableTime(a.AcknowledgedAt),
		nullableTime(a.ResolvedAt),
		nullableTime(a.SilencedUntil),
		a.LastEvaluatedAt.UTC(),
		a.UpdatedAt.UTC(),
	}
}

func scanAlerts(rows *sql.Rows) ([]alerts.Alert, error) {
	out := make([]alerts.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *alert)
	}
	return out, rows.Err()
}

func scanAlert(row scanner) (*alerts.Alert, error) {
	var (
		a                         alerts.Alert
		ruleType, sev, status     string
		metric                    sql.NullString
		lastValue                 sql.NullFloat64
		ackedAt, resolvedAt, silU sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.RuleID,
		&a.RuleName,
		&ruleType,
		&a.InstanceID,
		&a.DedupeKey,
		&metric,
		&sev,
		&status,
		&a.Message,
		&lastValue,
		&a.FiredAt,
		&ackedAt,
		&resolvedAt,
		&silU,
		&a.LastEvaluatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.RuleType = alerts.RuleType(ruleType)
	a.Severity = alerts.Severity(sev)
	a.Status = alerts.Status(status)
	a.Metric = telemetry.Metric(metric.String)
	if lastValue.Valid {
		v := lastValue.Float64
		a.LastValue = &v
	}
	a.FiredAt = a.FiredAt.UTC()
	a.AcknowledgedAt = timePtr(ackedAt)
	a.ResolvedAt = timePtr(resolvedAt)
	a.SilencedUntil = timePtr(silU)
	a.LastEvaluatedAt = a.LastEvaluatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
