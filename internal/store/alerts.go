package store

import (
	"errors"
	"time"

	"context"

	"github.com/jackc/pgx/v5"

	"github.com/kljama/netmon/internal/device"
)

// Severity levels for alert rules and instances.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Instance status values.
const (
	StatusFiring       = "firing"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
)

// RuleRow is a persisted alert rule: a (predicate_kind, params, scope) tuple.
// Params and Scope are JSON documents interpreted by the alert package; no
// free-form SQL ever reaches this layer.
type RuleRow struct {
	ID              string
	Name            string
	Severity        Severity
	PredicateKind   string
	Params          []byte // JSONB
	Scope           []byte // JSONB
	ConfirmationSec int
	HysteresisSec   int
	Enabled         bool
	LastTriggeredAt *time.Time
	Triggered24h    int
	Triggered7d     int
}

// InstanceRow is one alert instance. The deduplication key is
// (rule_id, device_id, open_epoch).
type InstanceRow struct {
	ID              string
	RuleID          string
	DeviceID        device.ID
	OpenEpoch       int64
	Severity        Severity
	Status          string
	OpenedAt        time.Time
	ResolvedAt      *time.Time
	AckedAt         *time.Time
	AckedBy         string
	DurationSeconds *float64
}

// EnabledRules loads all enabled rules.
func (r *Relational) EnabledRules(ctx context.Context) ([]RuleRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, severity, predicate_kind, params, scope,
		       confirmation_sec, hysteresis_sec, enabled,
		       last_triggered_at, triggered_24h, triggered_7d
		FROM alert_rules WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RuleRow
	for rows.Next() {
		var rr RuleRow
		if err := rows.Scan(&rr.ID, &rr.Name, &rr.Severity, &rr.PredicateKind,
			&rr.Params, &rr.Scope, &rr.ConfirmationSec, &rr.HysteresisSec,
			&rr.Enabled, &rr.LastTriggeredAt, &rr.Triggered24h, &rr.Triggered7d); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// EnsureRule inserts a rule if absent, keyed by name. Used for the built-in
// operational rules; user-managed rules come from the dashboard surface.
func (r *Relational) EnsureRule(ctx context.Context, rule RuleRow) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alert_rules (id, name, severity, predicate_kind, params, scope, confirmation_sec, hysteresis_sec, enabled)
		VALUES ($1, $2, $3, $4, COALESCE($5, '{}'::jsonb), COALESCE($6, '{}'::jsonb), $7, $8, $9)
		ON CONFLICT (name) DO NOTHING`,
		rule.ID, rule.Name, rule.Severity, rule.PredicateKind, rule.Params, rule.Scope,
		rule.ConfirmationSec, rule.HysteresisSec, rule.Enabled)
	return err
}

// FiringInstances loads every unresolved instance, for evaluator startup and
// per-cycle reconciliation. Uses the partial index on resolved_at IS NULL.
func (r *Relational) FiringInstances(ctx context.Context) ([]InstanceRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, rule_id, device_id, open_epoch, severity, status,
		       opened_at, resolved_at, acked_at, acked_by, duration_seconds
		FROM alert_history WHERE resolved_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InstanceRow
	for rows.Next() {
		var ir InstanceRow
		if err := rows.Scan(&ir.ID, &ir.RuleID, &ir.DeviceID, &ir.OpenEpoch,
			&ir.Severity, &ir.Status, &ir.OpenedAt, &ir.ResolvedAt,
			&ir.AckedAt, &ir.AckedBy, &ir.DurationSeconds); err != nil {
			return nil, err
		}
		out = append(out, ir)
	}
	return out, rows.Err()
}

// OpenInstance inserts a new firing instance and bumps the rule's trigger
// statistics in the same transaction. A duplicate deduplication key is a
// committed no-op (the instance already fired).
func (r *Relational) OpenInstance(ctx context.Context, inst InstanceRow) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO alert_history (id, rule_id, device_id, open_epoch, severity, status, opened_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (rule_id, device_id, open_epoch) DO NOTHING`,
			inst.ID, inst.RuleID, inst.DeviceID, inst.OpenEpoch, inst.Severity, StatusFiring, inst.OpenedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE alert_rules SET
				last_triggered_at = $2,
				triggered_24h = triggered_24h + 1,
				triggered_7d = triggered_7d + 1
			WHERE id = $1`,
			inst.RuleID, inst.OpenedAt)
		return err
	})
}

// ResolveInstance closes a firing instance and records its duration.
func (r *Relational) ResolveInstance(ctx context.Context, id string, resolvedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE alert_history SET
			status = $2,
			resolved_at = $3,
			duration_seconds = EXTRACT(EPOCH FROM ($3 - opened_at))
		WHERE id = $1 AND resolved_at IS NULL`,
		id, StatusResolved, resolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("instance already resolved or unknown")
	}
	return nil
}

// AcknowledgeInstance annotates a firing instance. Acknowledgement never
// closes an instance.
func (r *Relational) AcknowledgeInstance(ctx context.Context, id, by string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alert_history SET status = $2, acked_at = $3, acked_by = $4
		WHERE id = $1 AND resolved_at IS NULL`,
		id, StatusAcknowledged, at, by)
	return err
}

// ResetDailyCounters zeroes the 24h trigger counters (daily rollover job).
func (r *Relational) ResetDailyCounters(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `UPDATE alert_rules SET triggered_24h = 0`)
	return err
}

// ResetWeeklyCounters zeroes the 7d trigger counters (weekly rollover job).
func (r *Relational) ResetWeeklyCounters(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `UPDATE alert_rules SET triggered_7d = 0`)
	return err
}

// SweepAlertHistory deletes resolved instances older than the retention
// cutoff. Runs on the maintenance queue's daily cleanup task.
func (r *Relational) SweepAlertHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM alert_history WHERE resolved_at IS NOT NULL AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DependencyEdges loads the upstream-dependency graph as (device, upstream)
// pairs. Cycle detection happens at load time in the alert package.
func (r *Relational) DependencyEdges(ctx context.Context) (map[device.ID][]device.ID, error) {
	rows, err := r.pool.Query(ctx, `SELECT device_id, upstream_id FROM device_dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[device.ID][]device.ID)
	for rows.Next() {
		var dev, up device.ID
		if err := rows.Scan(&dev, &up); err != nil {
			return nil, err
		}
		out[dev] = append(out[dev], up)
	}
	return out, rows.Err()
}
