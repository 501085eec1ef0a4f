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

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"siteOwner", "siteFullUser"}, cfg.Google.AllowedPermissions)
	assert.Equal(t, 3, cfg.Google.QueryRetries)
	assert.Equal(t, "GSC Radar", cfg.SendGrid.FromName)
	assert.Equal(t, "https://api.sendgrid.com", cfg.SendGrid.BaseURL)
	assert.Equal(t, 4, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 20*time.Minute, cfg.Scheduler.HeartbeatTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.HardTimeout)
	assert.Equal(t, 14, cfg.Ingest.AnalysisWindowDays)
	assert.Equal(t, 2, cfg.Ingest.LagDays)
	assert.Equal(t, 7, cfg.Ingest.SafetyBufferDays)
	assert.Equal(t, 25000, cfg.Ingest.PageSize)
	assert.Equal(t, 500, cfg.Ingest.BatchSize)
	assert.InDelta(t, 100, cfg.Alerts.NoiseFloor, 0.001)
	assert.InDelta(t, -10, cfg.Alerts.DropThresholdPct, 0.001)
	assert.Equal(t, 24*time.Hour, cfg.Alerts.DedupWindow)
	assert.InDelta(t, 40, cfg.Alerts.ClassifyThresholdPct, 0.001)
	assert.Equal(t, 72*time.Hour, cfg.Dispatch.Cooldown)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.Pacing)
	assert.Equal(t, 10*time.Minute, cfg.Dispatch.ClaimLease)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.SendTimeout)
	assert.Equal(t, 200, cfg.Dispatch.BatchLimit)
	assert.Equal(t, 5, cfg.Dispatch.BreakerFailures)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
scheduler:
  max_workers: 8
  heartbeat_timeout: 5m
dispatch:
  cooldown: 1h
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.HeartbeatTimeout)
	assert.Equal(t, time.Hour, cfg.Dispatch.Cooldown)
	// Defaults still apply for unset values
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.HardTimeout)
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

	t.Setenv("GSCRADAR_STORE_DRIVER", "postgres")
	t.Setenv("GSCRADAR_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("GSCRADAR_SERVER_PORT", "3000")
	t.Setenv("GSCRADAR_DISPATCH_PACING", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.Pacing)
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
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/gsc"
	cfg.Google.ClientID = "client"
	cfg.Google.ClientSecret = "secret"
	cfg.SendGrid.Key = "SG.key"
	cfg.SendGrid.FromEmail = "alerts@example.com"
	cfg.Scheduler.MaxWorkers = 4
	cfg.Scheduler.HeartbeatTimeout = 20 * time.Minute
	cfg.Scheduler.HardTimeout = 2 * time.Hour
	cfg.Ingest.AnalysisWindowDays = 14
	cfg.Ingest.LagDays = 2
	cfg.Ingest.SafetyBufferDays = 7
	cfg.Alerts.DropThresholdPct = -10
	cfg.Dispatch.Cooldown = 72 * time.Hour
	cfg.Dispatch.ClaimLease = 10 * time.Minute
	cfg.Dispatch.SendTimeout = 30 * time.Second
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"store", "run", "dispatch", "serve"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateRun_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Google.ClientID = ""
	cfg.Google.ClientSecret = ""

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "google.client_id is required")
	assert.Contains(t, err.Error(), "google.client_secret is required")
}

func TestValidateRun_DoesNotNeedSendGrid(t *testing.T) {
	cfg := validDefaults()
	cfg.SendGrid.Key = ""

	assert.NoError(t, cfg.Validate("run"))
	assert.Error(t, cfg.Validate("dispatch"))
}

func TestValidate_SQLiteNeedsNoURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = ""

	assert.NoError(t, cfg.Validate("store"))
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateSchedulerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Scheduler.MaxWorkers = 0
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_workers must be between 1 and 64")

	cfg.Scheduler.MaxWorkers = 4
	cfg.Scheduler.HardTimeout = time.Minute
	err = cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hard_timeout")
}

func TestValidateWindowMustBeEven(t *testing.T) {
	cfg := validDefaults()
	cfg.Ingest.AnalysisWindowDays = 13

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis_window_days")
}

func TestValidateDropThresholdMustBeNegative(t *testing.T) {
	cfg := validDefaults()
	cfg.Alerts.DropThresholdPct = 10

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drop_threshold_pct")
}

func TestValidateDispatch_SendTimeoutUnderHalfLease(t *testing.T) {
	cfg := validDefaults()
	cfg.Dispatch.SendTimeout = 6 * time.Minute

	err := cfg.Validate("dispatch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send_timeout")
}
