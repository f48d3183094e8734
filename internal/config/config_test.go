package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "gamebench.db", cfg.Store.Path)
	assert.Equal(t, 10*time.Second, cfg.Store.Timeout())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://lichess.org", cfg.Sources.Game.BaseURL)
	assert.Equal(t, 1000, cfg.Sources.Game.MinIntervalMs)
	assert.Equal(t, 8, cfg.Sources.Game.FetchMultiplier)
	assert.False(t, cfg.Sources.Eval.Enabled)
	assert.Equal(t, "stockfish", cfg.Engine.Path)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 5, cfg.Scheduler.FailureThreshold)
	assert.Equal(t, 200, cfg.Tuner.MinSamples)
	assert.InDelta(t, 0.9, cfg.Tuner.DecayFactor, 0.001)
	assert.InDelta(t, 0.05, cfg.Tuner.SignificanceLevel, 0.001)
	assert.False(t, cfg.Tuner.AutoDeploy)

	assert.Equal(t, []string{"deep", "fast"}, cfg.PoolNames())
	assert.Equal(t, 50, cfg.Pools["fast"].BatchSize)
	assert.Equal(t, 22, cfg.Pools["deep"].Depth)
	assert.Equal(t, time.Minute, cfg.Pools["fast"].Interval())
	assert.NotEmpty(t, cfg.Pools["deep"].Players)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/gamebench
log:
  level: debug
  format: console
server:
  port: 9090
tuner:
  auto_deploy: true
pools:
  blitz:
    batch_size: 5
    depth: 8
    players: [alice]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Tuner.AutoDeploy)
	require.Contains(t, cfg.Pools, "blitz")
	assert.Equal(t, 5, cfg.Pools["blitz"].BatchSize)
	assert.Equal(t, []string{"alice"}, cfg.Pools["blitz"].Players)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("GAMEBENCH_STORE_DRIVER", "postgres")
	t.Setenv("GAMEBENCH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("GAMEBENCH_SERVER_PORT", "3000")
	t.Setenv("GAMEBENCH_ENGINE_MAX_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "test.db"
	cfg.Server.Port = 8080
	cfg.Engine.Path = "stockfish"
	cfg.Engine.MaxRetries = 3
	cfg.Tuner.DecayFactor = 0.9
	cfg.Tuner.DeployThreshold = 0.55
	cfg.Tuner.SignificanceLevel = 0.05
	cfg.Pools = map[string]PoolConfig{
		"fast": {BatchSize: 10, Depth: 10, Players: []string{"alice"}},
	}
	return cfg
}

func TestValidateServe_Valid(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// run does not need a port
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("migrate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/test"
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate("status")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidatePools(t *testing.T) {
	cfg := validDefaults()
	cfg.Pools["deep"] = PoolConfig{BatchSize: 0, Depth: 20}

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pools.deep: batch_size must be >= 1")
	assert.Contains(t, err.Error(), "players must not be empty")

	cfg.Pools = nil
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one pool")
}

func TestValidateEngineOptionalWithCloudEval(t *testing.T) {
	cfg := validDefaults()
	cfg.Engine.Path = ""
	assert.Error(t, cfg.Validate("serve"))

	cfg.Sources.Eval.Enabled = true
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateTunerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Tuner.DecayFactor = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "decay_factor")

	cfg.Tuner.DecayFactor = 1
	cfg.Tuner.DeployThreshold = 1.5
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "deploy_threshold")

	cfg.Tuner.DeployThreshold = 0.6
	cfg.Tuner.SignificanceLevel = 1
	err = cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "significance_level")
}
