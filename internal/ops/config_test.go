package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrunner/pkg/conn"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Worker.LeaseTTL.Std())
	assert.Equal(t, 2*time.Minute, cfg.Worker.ExecLockTTL.Std())
	assert.Less(t, cfg.Worker.CycleTimeout, cfg.Worker.ExecLockTTL)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "agentd.yaml", `
instance:
  id: host-a
database:
  driver: sqlite
  path: /tmp/agentd.db
redis:
  addr: redis:6379
worker:
  distributed: true
  lease_ttl: 20s
  heartbeat_interval: 5s
  reconcile_each_cycle: true
ledger:
  zombie_grace: 90s
janitor:
  max_pending_age: 5m
metrics:
  listen: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "host-a", cfg.Instance.ID)
	assert.Equal(t, conn.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Worker.Distributed)
	assert.Equal(t, 20*time.Second, cfg.Worker.LeaseTTL.Std())
	assert.Equal(t, 90*time.Second, cfg.Ledger.ZombieGrace.Std())
	assert.Equal(t, 5*time.Minute, cfg.Janitor.MaxPendingAge.Std())
	assert.Equal(t, ":9100", cfg.Metrics.Listen)

	// Unset keys keep their defaults.
	assert.Equal(t, 2*time.Minute, cfg.Worker.ExecLockTTL.Std())
	assert.Equal(t, 3, cfg.Worker.ErrorWarnThreshold)

	sup := cfg.SupervisorConfig()
	assert.True(t, sup.Distributed)
	assert.True(t, sup.ReconcileEachCycle)
	assert.Equal(t, 5*time.Second, sup.HeartbeatInterval)

	cc := cfg.CoordConfig("host-a")
	assert.Equal(t, "host-a", cc.InstanceID)
	assert.Equal(t, 20*time.Second, cc.LeaseTTL)
}

func TestLoadJSONFallback(t *testing.T) {
	path := writeFile(t, "agentd.json", `{
	"worker": {"cycle_timeout": "45s", "heartbeat_retries": 5},
	"janitor": {"interval": "30s"}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Worker.CycleTimeout.Std())
	assert.Equal(t, 5, cfg.Worker.HeartbeatRetries)
	assert.Equal(t, 30*time.Second, cfg.Janitor.Interval.Std())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeFile(t, "agentd.yaml", "worker:\n  lease_ttl: soon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Setenv(EnvDatabaseDSN, "")
	t.Setenv(EnvRedisURL, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Worker, cfg.Worker)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		EnvDatabaseDSN: "postgres://u:p@db/agents",
		EnvRedisURL:    "redis://:pw@cache:6379/2",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "postgres://u:p@db/agents", cfg.Database.ConnString)
	assert.Equal(t, "redis://:pw@cache:6379/2", cfg.Redis.URL)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver":          func(c *Config) { c.Database.Driver = "mysql" },
		"sqlite without path":     func(c *Config) { c.Database.Driver = conn.DriverSQLite },
		"timeout beyond lock ttl": func(c *Config) { c.Worker.CycleTimeout = c.Worker.ExecLockTTL },
		"heartbeat beyond lease": func(c *Config) {
			c.Worker.Distributed = true
			c.Worker.HeartbeatInterval = c.Worker.LeaseTTL
		},
		"zero threshold":   func(c *Config) { c.Worker.ErrorWarnThreshold = 0 },
		"zero epsilon":     func(c *Config) { c.Ledger.DriftEpsilon = 0 },
		"zero base":        func(c *Config) { c.Ledger.DefaultBaseCapital = 0 },
		"zero janitor age": func(c *Config) { c.Janitor.MaxPendingAge = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
