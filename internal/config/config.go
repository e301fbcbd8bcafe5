package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ICMPConfig controls the ping cadence and per-probe deadline.
type ICMPConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	TimeoutMs   int `yaml:"timeout_ms"`
}

func (c ICMPConfig) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }
func (c ICMPConfig) Timeout() time.Duration  { return time.Duration(c.TimeoutMs) * time.Millisecond }

// SNMPConfig controls the SNMP poll cadence and per-operation deadlines.
type SNMPConfig struct {
	IntervalSec   int `yaml:"interval_sec"`
	Port          int `yaml:"port"`
	TimeoutMs     int `yaml:"timeout_ms"`
	WalkTimeoutMs int `yaml:"walk_timeout_ms"`
	Retries       int `yaml:"retries"`
}

func (c SNMPConfig) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }
func (c SNMPConfig) Timeout() time.Duration  { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c SNMPConfig) WalkTimeout() time.Duration {
	return time.Duration(c.WalkTimeoutMs) * time.Millisecond
}

// AlertConfig controls the evaluator cadence.
type AlertConfig struct {
	IntervalSec       int `yaml:"interval_sec"`
	RuleRefreshSec    int `yaml:"rule_refresh_sec"`
	PersistFailures   int `yaml:"persist_failures"`    // consecutive persistent probe failures before an operational alert
	PersistBackoffSec int `yaml:"persist_backoff_sec"` // SNMP poll suspension window once the failure threshold is reached
}

func (c AlertConfig) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }
func (c AlertConfig) RuleRefresh() time.Duration {
	return time.Duration(c.RuleRefreshSec) * time.Second
}
func (c AlertConfig) PersistBackoff() time.Duration {
	return time.Duration(c.PersistBackoffSec) * time.Second
}

// BatchConfig clamps the batch planner.
type BatchConfig struct {
	MinSize     int `yaml:"min_size"`
	MaxSize     int `yaml:"max_size"`
	TargetCount int `yaml:"target_count"`
}

// WorkerConfig sizes the per-queue worker pools.
type WorkerConfig struct {
	Pool struct {
		Alerts      int `yaml:"alerts"`
		Monitoring  int `yaml:"monitoring"`
		SNMP        int `yaml:"snmp"`
		Maintenance int `yaml:"maintenance"`
	} `yaml:"pool"`
	TasksPerChild   int `yaml:"tasks_per_child"`
	DrainTimeoutSec int `yaml:"drain_timeout_sec"`
	ProbesPerSec    int `yaml:"probes_per_sec"` // global probe launch rate
}

func (c WorkerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSec) * time.Second
}

// RelationalConfig configures the PostgreSQL pool.
type RelationalConfig struct {
	DSN                string `yaml:"dsn"`
	PoolSize           int    `yaml:"pool_size"`
	Overflow           int    `yaml:"overflow"`
	StatementTimeoutMs int    `yaml:"statement_timeout_ms"`
	IdleInTxTimeoutMs  int    `yaml:"idle_in_tx_timeout_ms"`
}

// TSDBConfig configures the InfluxDB client.
type TSDBConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	Org            string `yaml:"org"`
	Bucket         string `yaml:"bucket"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	QueryTimeoutMs int    `yaml:"query_timeout_ms"`
}

func (c TSDBConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}
func (c TSDBConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

// CacheConfig sets read-cache TTLs.
type CacheConfig struct {
	DeviceListTTLSec   int `yaml:"device_list_ttl_sec"`
	DeviceDetailTTLSec int `yaml:"device_detail_ttl_sec"`
	RuleListTTLSec     int `yaml:"rule_list_ttl_sec"`
	InterfaceTTLSec    int `yaml:"interface_ttl_sec"`
}

func (c CacheConfig) DeviceListTTL() time.Duration {
	return time.Duration(c.DeviceListTTLSec) * time.Second
}
func (c CacheConfig) DeviceDetailTTL() time.Duration {
	return time.Duration(c.DeviceDetailTTLSec) * time.Second
}
func (c CacheConfig) RuleListTTL() time.Duration {
	return time.Duration(c.RuleListTTLSec) * time.Second
}
func (c CacheConfig) InterfaceTTL() time.Duration {
	return time.Duration(c.InterfaceTTLSec) * time.Second
}

// RetentionConfig controls the daily cleanup sweep.
type RetentionConfig struct {
	PingHistoryDays  int `yaml:"ping_history_days"`
	AlertHistoryDays int `yaml:"alert_history_days"`
}

func (c RetentionConfig) AlertHistory() time.Duration {
	return time.Duration(c.AlertHistoryDays) * 24 * time.Hour
}

// FlapConfig sets flap-detection thresholds.
type FlapConfig struct {
	WindowSec      int `yaml:"window_sec"`
	Transitions    int `yaml:"transitions"`
	ISPTransitions int `yaml:"isp_transitions"`
	HoldSec        int `yaml:"hold_sec"`
}

func (c FlapConfig) Window() time.Duration { return time.Duration(c.WindowSec) * time.Second }
func (c FlapConfig) Hold() time.Duration   { return time.Duration(c.HoldSec) * time.Second }

// CredsConfig locates the credential encryption key. The key itself may be
// supplied via the NETMON_CREDS_KEY environment variable instead.
type CredsConfig struct {
	KeyHex string `yaml:"key_hex"`
}

// HealthConfig configures the health/metrics HTTP listener.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// Config is the full runtime configuration.
type Config struct {
	ICMP       ICMPConfig       `yaml:"icmp"`
	SNMP       SNMPConfig       `yaml:"snmp"`
	Alert      AlertConfig      `yaml:"alert"`
	Batch      BatchConfig      `yaml:"batch"`
	Worker     WorkerConfig     `yaml:"worker"`
	Relational RelationalConfig `yaml:"relational"`
	TSDB       TSDBConfig       `yaml:"tsdb"`
	Cache      CacheConfig      `yaml:"cache"`
	Retention  RetentionConfig  `yaml:"retention"`
	Flap       FlapConfig       `yaml:"flap"`
	Creds      CredsConfig      `yaml:"creds"`
	Health     HealthConfig     `yaml:"health"`
}

// LoadConfig reads, defaults, and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if key := os.Getenv("NETMON_CREDS_KEY"); key != "" {
		cfg.Creds.KeyHex = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero-valued options with the reference defaults.
func (c *Config) ApplyDefaults() {
	if c.ICMP.IntervalSec == 0 {
		c.ICMP.IntervalSec = 10
	}
	if c.ICMP.TimeoutMs == 0 {
		c.ICMP.TimeoutMs = 10000
	}
	if c.SNMP.IntervalSec == 0 {
		c.SNMP.IntervalSec = 60
	}
	if c.SNMP.Port == 0 {
		c.SNMP.Port = 161
	}
	if c.SNMP.TimeoutMs == 0 {
		c.SNMP.TimeoutMs = 5000
	}
	if c.SNMP.WalkTimeoutMs == 0 {
		c.SNMP.WalkTimeoutMs = 30000
	}
	if c.SNMP.Retries == 0 {
		c.SNMP.Retries = 2
	}
	if c.Alert.IntervalSec == 0 {
		c.Alert.IntervalSec = 10
	}
	if c.Alert.RuleRefreshSec == 0 {
		c.Alert.RuleRefreshSec = 60
	}
	if c.Alert.PersistFailures == 0 {
		c.Alert.PersistFailures = 10
	}
	if c.Alert.PersistBackoffSec == 0 {
		c.Alert.PersistBackoffSec = 300
	}
	if c.Batch.MinSize == 0 {
		c.Batch.MinSize = 50
	}
	if c.Batch.MaxSize == 0 {
		c.Batch.MaxSize = 500
	}
	if c.Batch.TargetCount == 0 {
		c.Batch.TargetCount = 10
	}
	if c.Worker.Pool.Alerts == 0 {
		c.Worker.Pool.Alerts = 6
	}
	if c.Worker.Pool.Monitoring == 0 {
		c.Worker.Pool.Monitoring = 15
	}
	if c.Worker.Pool.SNMP == 0 {
		c.Worker.Pool.SNMP = 10
	}
	if c.Worker.Pool.Maintenance == 0 {
		c.Worker.Pool.Maintenance = 2
	}
	if c.Worker.TasksPerChild == 0 {
		c.Worker.TasksPerChild = 1000
	}
	if c.Worker.DrainTimeoutSec == 0 {
		c.Worker.DrainTimeoutSec = 30
	}
	if c.Worker.ProbesPerSec == 0 {
		c.Worker.ProbesPerSec = 200
	}
	if c.Relational.PoolSize == 0 {
		c.Relational.PoolSize = 100
	}
	if c.Relational.Overflow == 0 {
		c.Relational.Overflow = 200
	}
	if c.Relational.StatementTimeoutMs == 0 {
		c.Relational.StatementTimeoutMs = 30000
	}
	if c.Relational.IdleInTxTimeoutMs == 0 {
		c.Relational.IdleInTxTimeoutMs = 60000
	}
	if c.TSDB.WriteTimeoutMs == 0 {
		c.TSDB.WriteTimeoutMs = 10000
	}
	if c.TSDB.QueryTimeoutMs == 0 {
		c.TSDB.QueryTimeoutMs = 2000
	}
	if c.Cache.DeviceListTTLSec == 0 {
		c.Cache.DeviceListTTLSec = 30
	}
	if c.Cache.DeviceDetailTTLSec == 0 {
		c.Cache.DeviceDetailTTLSec = 30
	}
	if c.Cache.RuleListTTLSec == 0 {
		c.Cache.RuleListTTLSec = 60
	}
	if c.Cache.InterfaceTTLSec == 0 {
		c.Cache.InterfaceTTLSec = 30
	}
	if c.Retention.PingHistoryDays == 0 {
		c.Retention.PingHistoryDays = 30
	}
	if c.Retention.AlertHistoryDays == 0 {
		c.Retention.AlertHistoryDays = 90
	}
	if c.Flap.WindowSec == 0 {
		c.Flap.WindowSec = 300
	}
	if c.Flap.Transitions == 0 {
		c.Flap.Transitions = 3
	}
	if c.Flap.ISPTransitions == 0 {
		c.Flap.ISPTransitions = 2
	}
	if c.Flap.HoldSec == 0 {
		c.Flap.HoldSec = 600
	}
	if c.Health.Port == 0 {
		c.Health.Port = 9090
	}
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	if c.Batch.MinSize <= 0 || c.Batch.MaxSize < c.Batch.MinSize {
		return fmt.Errorf("batch: min_size %d / max_size %d is not a valid clamp", c.Batch.MinSize, c.Batch.MaxSize)
	}
	if c.Batch.TargetCount <= 0 {
		return fmt.Errorf("batch: target_count must be positive, got %d", c.Batch.TargetCount)
	}
	for name, n := range map[string]int{
		"alerts":      c.Worker.Pool.Alerts,
		"monitoring":  c.Worker.Pool.Monitoring,
		"snmp":        c.Worker.Pool.SNMP,
		"maintenance": c.Worker.Pool.Maintenance,
	} {
		if n <= 0 {
			return fmt.Errorf("worker.pool.%s must be positive, got %d", name, n)
		}
	}
	if c.Worker.TasksPerChild <= 0 {
		return fmt.Errorf("worker.tasks_per_child must be positive, got %d", c.Worker.TasksPerChild)
	}
	if c.Relational.DSN == "" {
		return fmt.Errorf("relational.dsn is required")
	}
	totalWorkers := c.Worker.Pool.Alerts + c.Worker.Pool.Monitoring + c.Worker.Pool.SNMP + c.Worker.Pool.Maintenance
	// Pool must absorb every worker holding a handle plus evaluator/read traffic.
	if c.Relational.PoolSize*2 < totalWorkers*3 {
		return fmt.Errorf("relational.pool_size %d is too small for %d workers (need >= workers * 1.5)", c.Relational.PoolSize, totalWorkers)
	}
	if c.TSDB.URL == "" {
		return fmt.Errorf("tsdb.url is required")
	}
	if c.ICMP.IntervalSec <= 0 || c.SNMP.IntervalSec <= 0 || c.Alert.IntervalSec <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.Flap.Transitions < 1 || c.Flap.ISPTransitions < 1 {
		return fmt.Errorf("flap: transition thresholds must be >= 1")
	}
	return nil
}
