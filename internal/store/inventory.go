package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kljama/netmon/internal/device"
)

// UpsertInterfaces replaces discovered interface rows for a device.
func (r *Relational) UpsertInterfaces(ctx context.Context, ifaces []device.Interface) error {
	if len(ifaces) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx pgx.Tx) error {
		for _, i := range ifaces {
			_, err := tx.Exec(ctx, `
				INSERT INTO interfaces
					(device_id, if_index, if_name, if_alias, admin_status, oper_status,
					 speed_mbps, interface_type, isp_provider, is_critical)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (device_id, if_index) DO UPDATE SET
					if_name = EXCLUDED.if_name,
					if_alias = EXCLUDED.if_alias,
					admin_status = EXCLUDED.admin_status,
					oper_status = EXCLUDED.oper_status,
					speed_mbps = EXCLUDED.speed_mbps,
					interface_type = EXCLUDED.interface_type,
					isp_provider = EXCLUDED.isp_provider,
					is_critical = EXCLUDED.is_critical`,
				i.DeviceID, i.IfIndex, i.IfName, i.IfAlias, i.AdminStatus, i.OperStatus,
				i.SpeedMbps, i.Type, i.ISPProvider, i.IsCritical)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateInterfaceOperStatus records a collected oper status change.
func (r *Relational) UpdateInterfaceOperStatus(ctx context.Context, id device.ID, ifIndex, operStatus int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE interfaces SET oper_status = $3 WHERE device_id = $1 AND if_index = $2`,
		id, ifIndex, operStatus)
	return err
}

// InterfacesOf loads the interface rows for one device.
func (r *Relational) InterfacesOf(ctx context.Context, id device.ID) ([]device.Interface, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT device_id, if_index, if_name, if_alias, admin_status, oper_status,
		       speed_mbps, interface_type, isp_provider, is_critical
		FROM interfaces WHERE device_id = $1 ORDER BY if_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInterfaces(rows)
}

// CriticalInterfaces loads every interface flagged is_critical, for the
// SNMP collection task and the dashboard's ISP status snapshot.
func (r *Relational) CriticalInterfaces(ctx context.Context) ([]device.Interface, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT device_id, if_index, if_name, if_alias, admin_status, oper_status,
		       speed_mbps, interface_type, isp_provider, is_critical
		FROM interfaces WHERE is_critical ORDER BY device_id, if_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInterfaces(rows)
}

func scanInterfaces(rows pgx.Rows) ([]device.Interface, error) {
	var out []device.Interface
	for rows.Next() {
		var i device.Interface
		if err := rows.Scan(&i.DeviceID, &i.IfIndex, &i.IfName, &i.IfAlias,
			&i.AdminStatus, &i.OperStatus, &i.SpeedMbps, &i.Type,
			&i.ISPProvider, &i.IsCritical); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// LastFire reads a scheduled task's persisted fire/completion times.
// Missing rows mean the task has never fired.
func (r *Relational) LastFire(ctx context.Context, task string) (fired, completed *time.Time, err error) {
	err = r.pool.QueryRow(ctx,
		`SELECT last_fired_at, last_completed_at FROM scheduler_state WHERE task_name = $1`,
		task).Scan(&fired, &completed)
	if err == pgx.ErrNoRows {
		return nil, nil, nil
	}
	return fired, completed, err
}

// MarkFired persists a task's fire time so a restart does not double-fire.
func (r *Relational) MarkFired(ctx context.Context, task string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scheduler_state (task_name, last_fired_at) VALUES ($1, $2)
		ON CONFLICT (task_name) DO UPDATE SET last_fired_at = EXCLUDED.last_fired_at`,
		task, at)
	return err
}

// MarkCompleted persists a task's completion time; the scheduler refuses to
// re-emit a batch whose previous instance has not completed within 2x its
// cadence.
func (r *Relational) MarkCompleted(ctx context.Context, task string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scheduler_state (task_name, last_completed_at) VALUES ($1, $2)
		ON CONFLICT (task_name) DO UPDATE SET last_completed_at = EXCLUDED.last_completed_at`,
		task, at)
	return err
}
