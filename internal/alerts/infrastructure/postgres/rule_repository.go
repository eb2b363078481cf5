package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/database/postgres"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// RuleRepository persists alert rules and their channel links.
type RuleRepository struct {
	db *sql.DB
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, name, type, severity, enabled, instance_id, conditions, cooldown_sec, created_at, updated_at`

// CreateRule inserts a rule.
func (r *RuleRepository) CreateRule(ctx context.Context, rule alerts.AlertRule) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alert_rules (`+ruleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rule.ID,
		rule.Name,
		string(rule.Type),
		string(rule.Severity),
		rule.Enabled,
		nullableString(rule.InstanceID),
		string(conditions),
		rule.CooldownSec,
		rule.CreatedAt.UTC(),
		rule.UpdatedAt.UTC(),
	)
	if postgres.IsUniqueViolation(err) {
		return telemetry.NewValidationError("id", "rule %q already exists", rule.ID)
	}
	return err
}

// UpdateRule replaces a rule's mutable fields.
func (r *RuleRepository) UpdateRule(ctx context.Context, rule alerts.AlertRule) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return err
	}
	return rowsAffected(r.db.ExecContext(ctx, `
UPDATE alert_rules
SET name = $2, type = $3, severity = $4, enabled = $5, instance_id = $6,
	conditions = $7, cooldown_sec = $8, updated_at = $9
WHERE id = $1`,
		rule.ID,
		rule.Name,
		string(rule.Type),
		string(rule.Severity),
		rule.Enabled,
		nullableString(rule.InstanceID),
		string(conditions),
		rule.CooldownSec,
		rule.UpdatedAt.UTC(),
	))
}

// GetRule returns nil when the rule does not exist.
func (r *RuleRepository) GetRule(ctx context.Context, id string) (*alerts.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id)
	return scanRule(row)
}

// DeleteRule removes a rule. Alerts and channel links cascade.
func (r *RuleRepository) DeleteRule(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	return rowsAffected(r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id))
}

// ListRules returns rules ordered by id.
func (r *RuleRepository) ListRules(ctx context.Context, filter alerts.RuleFilter) ([]alerts.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	var enabled sql.NullBool
	if filter.Enabled != nil {
		enabled = sql.NullBool{Bool: *filter.Enabled, Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+ruleColumns+`
FROM alert_rules
WHERE ($1 = '' OR type = $1)
	AND ($2 = '' OR instance_id = $2)
	AND ($3::boolean IS NULL OR enabled = $3)
ORDER BY id ASC`, string(filter.Type), filter.InstanceID, enabled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]alerts.AlertRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// SetRuleChannels replaces the rule's channel links in one transaction.
func (r *RuleRepository) SetRuleChannels(ctx context.Context, ruleID string, channelIDs []string) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM alert_rules WHERE id = $1)`, ruleID).Scan(&exists); err != nil {
		_ = tx.Rollback()
		return err
	}
	if !exists {
		_ = tx.Rollback()
		return alerts.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alert_rule_channels WHERE rule_id = $1`, ruleID); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO alert_rule_channels (rule_id, channel_id) VALUES ($1, $2)
ON CONFLICT (rule_id, channel_id) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, channelID := range channelIDs {
		if _, err := stmt.ExecContext(ctx, ruleID, channelID); err != nil {
			_ = tx.Rollback()
			if postgres.IsForeignKeyViolation(err) {
				return alerts.ErrNotFound
			}
			return err
		}
	}
	return tx.Commit()
}

// RuleChannels returns the channels linked to a rule.
func (r *RuleRepository) RuleChannels(ctx context.Context, ruleID string) ([]alerts.NotificationChannel, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT c.id, c.name, c.type, c.config, c.enabled, c.created_at, c.updated_at
FROM alert_rule_channels rc
JOIN notification_channels c ON c.id = rc.channel_id
WHERE rc.rule_id = $1
ORDER BY c.id ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChannels(rows)
}

func scanRule(row scanner) (*alerts.AlertRule, error) {
	var (
		rule       alerts.AlertRule
		typ, sev   string
		instanceID sql.NullString
		conditions []byte
	)
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&typ,
		&sev,
		&rule.Enabled,
		&instanceID,
		&conditions,
		&rule.CooldownSec,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rule.Type = alerts.RuleType(typ)
	rule.Severity = alerts.Severity(sev)
	rule.InstanceID = instanceID.String
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("rule repo: decode conditions for %s: %w", rule.ID, err)
	}
	return &rule, nil
}
