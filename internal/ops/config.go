package ops

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"agentrunner/internal/coord"
	"agentrunner/internal/heartbeat"
	"agentrunner/internal/janitor"
	"agentrunner/internal/ledger"
	"agentrunner/internal/reconcile"
	"agentrunner/internal/worker"
	"agentrunner/pkg/conn"
)

// Environment overrides applied after the file is read.
const (
	EnvDatabaseDSN = "AGENTD_DATABASE_DSN"
	EnvRedisURL    = "AGENTD_REDIS_URL"
)

const defaultSyncInterval = 15 * time.Second

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns the standard library value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string").With("value", string(b))
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) parse(s string) error {
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrap(err, "parse duration").With("value", s)
	}
	*d = Duration(v)
	return nil
}

// Config is the daemon configuration.
type Config struct {
	Instance  InstanceConfig   `yaml:"instance" json:"instance"`
	Database  conn.Option      `yaml:"database" json:"database"`
	Redis     conn.RedisOption `yaml:"redis" json:"redis"`
	Worker    WorkerConfig     `yaml:"worker" json:"worker"`
	Ledger    LedgerConfig     `yaml:"ledger" json:"ledger"`
	Janitor   JanitorConfig    `yaml:"janitor" json:"janitor"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics"`
	Profiling ProfilingConfig  `yaml:"profiling" json:"profiling"`
}

// InstanceConfig pins the instance id. Empty means generated at startup.
type InstanceConfig struct {
	ID string `yaml:"id" json:"id"`
}

// WorkerConfig tunes supervisors and coordination.
type WorkerConfig struct {
	Distributed        bool     `yaml:"distributed" json:"distributed"`
	LeaseTTL           Duration `yaml:"lease_ttl" json:"lease_ttl"`
	ExecLockTTL        Duration `yaml:"exec_lock_ttl" json:"exec_lock_ttl"`
	PositionLockTTL    Duration `yaml:"position_lock_ttl" json:"position_lock_ttl"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	CycleTimeout       Duration `yaml:"cycle_timeout" json:"cycle_timeout"`
	ErrorWarnThreshold int      `yaml:"error_warn_threshold" json:"error_warn_threshold"`
	ReconcileEachCycle bool     `yaml:"reconcile_each_cycle" json:"reconcile_each_cycle"`
	SyncInterval       Duration `yaml:"sync_interval" json:"sync_interval"`
	HeartbeatRetries   int      `yaml:"heartbeat_retries" json:"heartbeat_retries"`
}

// LedgerConfig tunes the ledger and reconciliation.
type LedgerConfig struct {
	ZombieGrace        Duration `yaml:"zombie_grace" json:"zombie_grace"`
	DriftEpsilon       float64  `yaml:"drift_epsilon" json:"drift_epsilon"`
	DefaultBaseCapital float64  `yaml:"default_base_capital" json:"default_base_capital"`
}

// JanitorConfig tunes the stale claim sweep.
type JanitorConfig struct {
	Interval      Duration `yaml:"interval" json:"interval"`
	MaxPendingAge Duration `yaml:"max_pending_age" json:"max_pending_age"`
}

// MetricsConfig exposes /metrics when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// ProfilingConfig enables continuous profiling when ServerAddress is set.
type ProfilingConfig struct {
	ServerAddress   string `yaml:"server_address" json:"server_address"`
	ApplicationName string `yaml:"application_name" json:"application_name"`
}

// Default returns a configuration for a single local instance.
func Default() *Config {
	return &Config{
		Database: conn.Option{Driver: conn.DriverPostgres},
		Worker: WorkerConfig{
			LeaseTTL:           Duration(coord.DefaultLeaseTTL),
			ExecLockTTL:        Duration(coord.DefaultExecLockTTL),
			PositionLockTTL:    Duration(coord.DefaultLockTTL),
			HeartbeatInterval:  Duration(worker.DefaultHeartbeatInterval),
			CycleTimeout:       Duration(worker.DefaultCycleTimeout),
			ErrorWarnThreshold: worker.DefaultErrorWarnThreshold,
			SyncInterval:       Duration(defaultSyncInterval),
			HeartbeatRetries:   heartbeat.DefaultAttempts,
		},
		Ledger: LedgerConfig{
			ZombieGrace:        Duration(reconcile.DefaultZombieGrace),
			DriftEpsilon:       reconcile.DefaultDriftEpsilon,
			DefaultBaseCapital: ledger.DefaultBaseCapital,
		},
		Janitor: JanitorConfig{
			Interval:      Duration(janitor.DefaultInterval),
			MaxPendingAge: Duration(janitor.DefaultMaxAge),
		},
		Profiling: ProfilingConfig{ApplicationName: "agentd"},
	}
}

// Load reads a YAML or JSON file over Default, applies environment overrides
// and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file").With("path", path)
		}
		if err := decode(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config").With("path", path)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// decode tries YAML first and falls back to JSON.
func decode(data []byte, cfg *Config) error {
	yamlErr := yaml.Unmarshal(data, cfg)
	if yamlErr == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return errors.Errorf("tried YAML and JSON: %v; %v", yamlErr, err)
	}
	return nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabaseDSN); ok && v != "" {
		c.Database.ConnString = v
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Redis.URL = v
	}
}

// Validate checks values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", conn.DriverPostgres:
	case conn.DriverSQLite:
		if c.Database.Path == "" && c.Database.ConnString == "" {
			return errors.New("database.path is required for sqlite")
		}
	default:
		return errors.Errorf("database.driver must be %q or %q", conn.DriverPostgres, conn.DriverSQLite)
	}

	w := c.Worker
	if w.LeaseTTL <= 0 || w.ExecLockTTL <= 0 || w.PositionLockTTL <= 0 {
		return errors.New("worker ttls must be positive")
	}
	if w.HeartbeatInterval <= 0 {
		return errors.New("worker.heartbeat_interval must be positive")
	}
	if w.Distributed && w.HeartbeatInterval >= w.LeaseTTL {
		return errors.New("worker.heartbeat_interval must be shorter than worker.lease_ttl")
	}
	if w.CycleTimeout <= 0 || w.CycleTimeout >= w.ExecLockTTL {
		return errors.New("worker.cycle_timeout must be positive and shorter than worker.exec_lock_ttl")
	}
	if w.ErrorWarnThreshold <= 0 {
		return errors.New("worker.error_warn_threshold must be positive")
	}
	if w.SyncInterval <= 0 {
		return errors.New("worker.sync_interval must be positive")
	}
	if w.HeartbeatRetries <= 0 {
		return errors.New("worker.heartbeat_retries must be positive")
	}

	if c.Ledger.ZombieGrace < 0 {
		return errors.New("ledger.zombie_grace must not be negative")
	}
	if c.Ledger.DriftEpsilon <= 0 {
		return errors.New("ledger.drift_epsilon must be positive")
	}
	if c.Ledger.DefaultBaseCapital <= 0 {
		return errors.New("ledger.default_base_capital must be positive")
	}

	if c.Janitor.Interval <= 0 || c.Janitor.MaxPendingAge <= 0 {
		return errors.New("janitor.interval and janitor.max_pending_age must be positive")
	}
	return nil
}

// CoordConfig returns the coordinator settings for instanceID.
func (c *Config) CoordConfig(instanceID string) coord.Config {
	return coord.Config{
		InstanceID:  instanceID,
		LeaseTTL:    c.Worker.LeaseTTL.Std(),
		ExecLockTTL: c.Worker.ExecLockTTL.Std(),
		LockTTL:     c.Worker.PositionLockTTL.Std(),
	}
}

// SupervisorConfig returns the settings shared by every supervisor.
func (c *Config) SupervisorConfig() worker.Config {
	return worker.Config{
		Distributed:        c.Worker.Distributed,
		HeartbeatInterval:  c.Worker.HeartbeatInterval.Std(),
		CycleTimeout:       c.Worker.CycleTimeout.Std(),
		ErrorWarnThreshold: c.Worker.ErrorWarnThreshold,
		ReconcileEachCycle: c.Worker.ReconcileEachCycle,
	}
}
