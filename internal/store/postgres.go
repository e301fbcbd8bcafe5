package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/config"
	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/metrics"
)

// ErrNotFound is returned by single-row reads with no matching row.
var ErrNotFound = errors.New("not found")

// bulkChunk caps the number of operands in one bulk statement. Unbounded IN
// lists produce pathological SQL/URL sizes on both backends, so bulk reads
// window their input.
const bulkChunk = 50

// chunks windows in into sub-slices of at most n elements. Every element
// appears in exactly one window, in input order.
func chunks[T any](in []T, n int) [][]T {
	if len(in) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(in)+n-1)/n)
	for start := 0; start < len(in); start += n {
		end := start + n
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}

// Relational is the authoritative store for current state: device rows,
// latest_ping rows, rules, alert history, interfaces, scheduler state.
type Relational struct {
	pool *pgxpool.Pool
}

// NewRelational opens the pgx pool with statement and idle-in-transaction
// timeouts configured server-side as a safety net.
func NewRelational(ctx context.Context, cfg config.RelationalConfig) (*Relational, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse relational dsn: %w", err)
	}
	pc.MaxConns = int32(cfg.PoolSize + cfg.Overflow)
	pc.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.StatementTimeoutMs)
	pc.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = strconv.Itoa(cfg.IdleInTxTimeoutMs)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relational store unreachable: %w", err)
	}
	return &Relational{pool: pool}, nil
}

// Pool exposes the underlying pool for collaborators that own their queries
// (credential store).
func (r *Relational) Pool() *pgxpool.Pool { return r.pool }

func (r *Relational) Close() { r.pool.Close() }

// Ping reports store reachability for health checks.
func (r *Relational) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

// withTx runs fn in a transaction that is committed on success and rolled
// back on error. Read-only callers still commit: closing without commit
// leaks server-side idle-in-transaction slots.
func (r *Relational) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// ApplyProbe records one probe in a single short transaction: the latest_ping
// row is updated in place under a last-timestamp-wins guard, and the device
// row flips when the probe changes reachability. A stale probe (older than
// the stored one) is a committed no-op. The transaction is retried up to 3
// times with backoff on store failure.
//
// Returns the resulting transition (if any) and whether the probe was applied.
func (r *Relational) ApplyProbe(ctx context.Context, res device.ProbeResult) (device.Transition, bool, error) {
	var (
		tr      device.Transition
		flipped bool
		applied bool
	)
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			metrics.RelationalRetries.Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return device.Transition{}, false, ctx.Err()
			}
			backoff *= 2
		}
		tr, flipped, applied = device.Transition{}, false, false
		lastErr = r.withTx(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				INSERT INTO latest_ping
					(device_id, device_ip, probe_at, probe_seq, reachable, rtt_avg_ms, rtt_min_ms, rtt_max_ms, packet_loss, reason)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (device_id) DO UPDATE SET
					device_ip = EXCLUDED.device_ip,
					probe_at = EXCLUDED.probe_at,
					probe_seq = EXCLUDED.probe_seq,
					reachable = EXCLUDED.reachable,
					rtt_avg_ms = EXCLUDED.rtt_avg_ms,
					rtt_min_ms = EXCLUDED.rtt_min_ms,
					rtt_max_ms = EXCLUDED.rtt_max_ms,
					packet_loss = EXCLUDED.packet_loss,
					reason = EXCLUDED.reason
				WHERE latest_ping.probe_at < EXCLUDED.probe_at
				   OR (latest_ping.probe_at = EXCLUDED.probe_at AND latest_ping.probe_seq < EXCLUDED.probe_seq)`,
				res.DeviceID, res.DeviceIP, res.Timestamp, res.Seq, res.Reachable,
				res.RTTAvgMs, res.RTTMinMs, res.RTTMaxMs, res.PacketLoss, res.Reason)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				// Out-of-order arrival; in-order application already covered it.
				return nil
			}
			applied = true

			var downSince *time.Time
			err = tx.QueryRow(ctx,
				`SELECT down_since FROM devices WHERE id = $1 FOR UPDATE`,
				res.DeviceID).Scan(&downSince)
			if errors.Is(err, pgx.ErrNoRows) {
				metrics.InvariantViolations.WithLabelValues("unknown_device").Inc()
				log.Error().Str("device_id", string(res.DeviceID)).Msg("Probe result for unknown device, skipping")
				return nil
			}
			if err != nil {
				return err
			}

			switch {
			case res.Reachable && downSince != nil:
				dur := res.Timestamp.Sub(downSince.UTC())
				if dur < 0 {
					metrics.InvariantViolations.WithLabelValues("negative_downtime").Inc()
					log.Error().
						Str("device_id", string(res.DeviceID)).
						Time("down_since", *downSince).
						Time("probe_at", res.Timestamp).
						Msg("Negative downtime duration, skipping transition")
					return nil
				}
				if _, err := tx.Exec(ctx,
					`UPDATE devices SET down_since = NULL WHERE id = $1`, res.DeviceID); err != nil {
					return err
				}
				flipped = true
				tr = device.Transition{
					DeviceID:  res.DeviceID,
					DeviceIP:  res.DeviceIP,
					Direction: device.Recovered,
					At:        res.Timestamp,
					Duration:  dur,
				}
			case !res.Reachable && downSince == nil:
				if _, err := tx.Exec(ctx,
					`UPDATE devices SET down_since = $2 WHERE id = $1`,
					res.DeviceID, res.Timestamp); err != nil {
					return err
				}
				flipped = true
				tr = device.Transition{
					DeviceID:  res.DeviceID,
					DeviceIP:  res.DeviceIP,
					Direction: device.WentDown,
					At:        res.Timestamp,
				}
			}
			return nil
		})
		if lastErr == nil {
			if flipped {
				tr.ISPLink = device.LastOctetIsFive(res.DeviceIP)
				return tr, applied, nil
			}
			return device.Transition{}, applied, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return device.Transition{}, false, fmt.Errorf("apply probe for %s: %w", res.DeviceID, lastErr)
}

// UpdateFlapState persists the state machine's flap classification.
func (r *Relational) UpdateFlapState(ctx context.Context, id device.ID, fs device.FlapState, until *time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE devices SET flap_state = $2, flap_until = $3 WHERE id = $1`,
		id, fs, until)
	return err
}

// LatestState is the relational snapshot of one device's current state.
type LatestState struct {
	DeviceID   device.ID        `json:"device_id"`
	DeviceIP   string           `json:"device_ip"`
	Reachable  bool             `json:"reachable"`
	ProbeAt    device.UTCTime   `json:"probe_at"`
	ProbeSeq   uint64           `json:"-"`
	RTTAvgMs   *float64         `json:"rtt_avg_ms"`
	RTTMinMs   *float64         `json:"rtt_min_ms"`
	RTTMaxMs   *float64         `json:"rtt_max_ms"`
	PacketLoss float64          `json:"packet_loss"`
	Reason     string           `json:"reason,omitempty"`
	DownSince  *device.UTCTime  `json:"down_since"`
	FlapState  device.FlapState `json:"flap_state"`
	FlapUntil  *device.UTCTime  `json:"flap_until"`
}

const latestStateQuery = `
	SELECT p.device_id, p.device_ip, p.reachable, p.probe_at, p.probe_seq,
	       p.rtt_avg_ms, p.rtt_min_ms, p.rtt_max_ms, p.packet_loss, p.reason,
	       d.down_since, d.flap_state, d.flap_until
	FROM latest_ping p
	JOIN devices d ON d.id = p.device_id`

func scanLatestState(row pgx.Row) (LatestState, error) {
	var (
		s         LatestState
		probeAt   time.Time
		downSince *time.Time
		flapUntil *time.Time
	)
	err := row.Scan(&s.DeviceID, &s.DeviceIP, &s.Reachable, &probeAt, &s.ProbeSeq,
		&s.RTTAvgMs, &s.RTTMinMs, &s.RTTMaxMs, &s.PacketLoss, &s.Reason,
		&downSince, &s.FlapState, &flapUntil)
	if err != nil {
		return LatestState{}, err
	}
	s.ProbeAt = device.NewUTCTime(probeAt)
	if downSince != nil {
		t := device.NewUTCTime(*downSince)
		s.DownSince = &t
	}
	if flapUntil != nil {
		t := device.NewUTCTime(*flapUntil)
		s.FlapUntil = &t
	}
	return s, nil
}

// LatestStateOf reads one device's current state. Relational only.
func (r *Relational) LatestStateOf(ctx context.Context, id device.ID) (LatestState, error) {
	s, err := scanLatestState(r.pool.QueryRow(ctx, latestStateQuery+` WHERE p.device_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return LatestState{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return s, err
}

// LatestStateBulk reads current state for many devices, windowing the input
// into chunks of at most 50 ids per statement.
func (r *Relational) LatestStateBulk(ctx context.Context, ids []device.ID) (map[device.ID]LatestState, error) {
	out := make(map[device.ID]LatestState, len(ids))
	for _, window := range chunks(ids, bulkChunk) {
		rows, err := r.pool.Query(ctx, latestStateQuery+` WHERE p.device_id = ANY($1)`, window)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			s, err := scanLatestState(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[s.DeviceID] = s
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LatestPingByIPs serves the dashboard's bulk lookup keyed by address.
func (r *Relational) LatestPingByIPs(ctx context.Context, ips []string) (map[string]LatestState, error) {
	out := make(map[string]LatestState, len(ips))
	for _, window := range chunks(ips, bulkChunk) {
		rows, err := r.pool.Query(ctx, latestStateQuery+` WHERE p.device_ip = ANY($1)`, window)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			s, err := scanLatestState(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[s.DeviceIP] = s
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const deviceColumns = `
	id, ip, name, device_type, branch, region, enabled, snmp_profile_id,
	monitoring_mode, is_isp_link, down_since, flap_state, flap_until`

func scanDevice(rows pgx.Rows) (device.Device, error) {
	var d device.Device
	err := rows.Scan(&d.ID, &d.IP, &d.Name, &d.DeviceType, &d.Branch, &d.Region,
		&d.Enabled, &d.SNMPProfileID, &d.MonitoringMode, &d.ISPLinkOverride,
		&d.DownSince, &d.FlapState, &d.FlapUntil)
	return d, err
}

// EnabledDevices loads the full enabled inventory.
func (r *Relational) EnabledDevices(ctx context.Context) ([]device.Device, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DevicesByIDs loads specific inventory rows, chunked.
func (r *Relational) DevicesByIDs(ctx context.Context, ids []device.ID) ([]device.Device, error) {
	var out []device.Device
	for _, window := range chunks(ids, bulkChunk) {
		rows, err := r.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ANY($1)`, window)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ScopeFilter is the closed device-attribute filter attached to alert rules.
// No free-form expressions: a filter is equality on these fields only.
type ScopeFilter struct {
	ISPLink     *bool  `json:"is_isp_link,omitempty"`
	DeviceType  string `json:"device_type,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Region      string `json:"region,omitempty"`
	CustomKey   string `json:"custom_key,omitempty"`
	CustomValue string `json:"custom_value,omitempty"`
}

// CacheKey is a stable identity for the filter, keying cached scope
// resolutions.
func (s ScopeFilter) CacheKey() string {
	isp := ""
	if s.ISPLink != nil {
		isp = strconv.FormatBool(*s.ISPLink)
	}
	return fmt.Sprintf("scope|%s|%s|%s|%s|%s|%s", isp, s.DeviceType, s.Branch, s.Region, s.CustomKey, s.CustomValue)
}

// DevicesForScope resolves a rule's device set in one bulk query.
func (r *Relational) DevicesForScope(ctx context.Context, scope ScopeFilter) ([]device.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE enabled`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if scope.ISPLink != nil {
		query += ` AND COALESCE(is_isp_link, split_part(ip, '.', 4) = '5') = ` + arg(*scope.ISPLink)
	}
	if scope.DeviceType != "" {
		query += ` AND device_type = ` + arg(scope.DeviceType)
	}
	if scope.Branch != "" {
		query += ` AND branch = ` + arg(scope.Branch)
	}
	if scope.Region != "" {
		query += ` AND region = ` + arg(scope.Region)
	}
	if scope.CustomKey != "" {
		query += ` AND custom_tags->>` + arg(scope.CustomKey) + ` = ` + arg(scope.CustomValue)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
