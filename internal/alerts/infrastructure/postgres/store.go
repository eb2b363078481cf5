package postgres

import (
	"database/sql"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
)

var _ alerts.Store = (*Store)(nil)

// Store bundles the Postgres alerts repositories.
type Store struct {
	*RuleRepository
	*ChannelRepository
	*AlertRepository
	*NotificationRepository
	*CooldownRepository
}

// NewStore constructs every alerts repository over one db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		RuleRepository:         NewRuleRepository(db),
		ChannelRepository:      NewChannelRepository(db),
		AlertRepository:        NewAlertRepository(db),
		NotificationRepository: NewNotificationRepository(db),
		CooldownRepository:     NewCooldownRepository(db),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullLimit(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

func rowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return alerts.ErrNotFound
	}
	return nil
}
