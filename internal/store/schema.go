package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the authoritative description of persisted relational state.
// Every timestamp column is TIMESTAMPTZ; no naive local-time column exists.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
	id              TEXT PRIMARY KEY,
	ip              TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL DEFAULT '',
	device_type     TEXT NOT NULL DEFAULT '',
	branch          TEXT NOT NULL DEFAULT '',
	region          TEXT NOT NULL DEFAULT '',
	enabled         BOOLEAN NOT NULL DEFAULT TRUE,
	snmp_profile_id TEXT NOT NULL DEFAULT '',
	monitoring_mode TEXT NOT NULL DEFAULT 'both',
	is_isp_link     BOOLEAN,          -- NULL means "derive from the address convention"
	custom_tags     JSONB NOT NULL DEFAULT '{}',
	down_since      TIMESTAMPTZ,
	flap_state      TEXT NOT NULL DEFAULT 'stable',
	flap_until      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_devices_enabled_branch ON devices (enabled, branch);

CREATE TABLE IF NOT EXISTS latest_ping (
	device_id   TEXT PRIMARY KEY REFERENCES devices(id),
	device_ip   TEXT NOT NULL,
	probe_at    TIMESTAMPTZ NOT NULL,
	probe_seq   BIGINT NOT NULL DEFAULT 0,
	reachable   BOOLEAN NOT NULL,
	rtt_avg_ms  DOUBLE PRECISION,
	rtt_min_ms  DOUBLE PRECISION,
	rtt_max_ms  DOUBLE PRECISION,
	packet_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
	reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_latest_ping_ip ON latest_ping (device_ip);

CREATE TABLE IF NOT EXISTS snmp_credentials (
	id               TEXT PRIMARY KEY,
	profile_id       TEXT NOT NULL DEFAULT '',
	version          TEXT NOT NULL,
	priority         INT NOT NULL DEFAULT 100,
	is_default       BOOLEAN NOT NULL DEFAULT FALSE,
	community_cipher BYTEA,
	v3_user          TEXT NOT NULL DEFAULT '',
	v3_auth_proto    TEXT NOT NULL DEFAULT '',
	v3_auth_cipher   BYTEA,
	v3_priv_proto    TEXT NOT NULL DEFAULT '',
	v3_priv_cipher   BYTEA
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_snmp_credentials_default
	ON snmp_credentials (is_default) WHERE is_default;

CREATE TABLE IF NOT EXISTS interfaces (
	device_id      TEXT NOT NULL REFERENCES devices(id),
	if_index       INT NOT NULL,
	if_name        TEXT NOT NULL DEFAULT '',
	if_alias       TEXT NOT NULL DEFAULT '',
	admin_status   INT NOT NULL DEFAULT 0,
	oper_status    INT NOT NULL DEFAULT 0,
	speed_mbps     BIGINT NOT NULL DEFAULT 0,
	interface_type TEXT NOT NULL DEFAULT 'unknown',
	isp_provider   TEXT NOT NULL DEFAULT '',
	is_critical    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (device_id, if_index)
);

CREATE TABLE IF NOT EXISTS alert_rules (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL UNIQUE,
	severity            TEXT NOT NULL,
	predicate_kind      TEXT NOT NULL,
	params              JSONB NOT NULL DEFAULT '{}',
	scope               JSONB NOT NULL DEFAULT '{}',
	confirmation_sec    INT NOT NULL DEFAULT 0,
	hysteresis_sec      INT NOT NULL DEFAULT 0,
	enabled             BOOLEAN NOT NULL DEFAULT TRUE,
	last_triggered_at   TIMESTAMPTZ,
	triggered_24h       INT NOT NULL DEFAULT 0,
	triggered_7d        INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS alert_history (
	id               TEXT PRIMARY KEY,
	rule_id          TEXT NOT NULL REFERENCES alert_rules(id),
	device_id        TEXT NOT NULL REFERENCES devices(id),
	open_epoch       BIGINT NOT NULL,
	severity         TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'firing',
	opened_at        TIMESTAMPTZ NOT NULL,
	resolved_at      TIMESTAMPTZ,
	acked_at         TIMESTAMPTZ,
	acked_by         TEXT NOT NULL DEFAULT '',
	duration_seconds DOUBLE PRECISION,
	UNIQUE (rule_id, device_id, open_epoch)
);
CREATE INDEX IF NOT EXISTS idx_alert_history_device_rule_at
	ON alert_history (device_id, rule_id, opened_at DESC);
CREATE INDEX IF NOT EXISTS idx_alert_history_firing
	ON alert_history (device_id, rule_id) WHERE resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS device_dependencies (
	device_id   TEXT NOT NULL REFERENCES devices(id),
	upstream_id TEXT NOT NULL REFERENCES devices(id),
	PRIMARY KEY (device_id, upstream_id)
);

CREATE TABLE IF NOT EXISTS scheduler_state (
	task_name         TEXT PRIMARY KEY,
	last_fired_at     TIMESTAMPTZ,
	last_completed_at TIMESTAMPTZ
);
`

// Migrate applies the schema. Statements are idempotent; external migration
// tooling owns anything beyond bootstrap.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
