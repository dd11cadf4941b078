package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "roadworks.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "datasets.yaml", cfg.Ingest.Registry)
	assert.Equal(t, "roadworks-cli/1.0", cfg.Geocode.UserAgent)
	assert.Equal(t, 120, cfg.Geocode.ArcGISDelayMs)
	assert.Equal(t, 1100, cfg.Geocode.NominatimDelayMs)
	assert.Equal(t, 5, cfg.Geocode.MaxLocations)
	assert.Equal(t, "valhalla", cfg.Route.Engine)
	assert.Equal(t, 550, cfg.Route.DelayMs)
	assert.Equal(t, 1, cfg.Pipeline.Workers)
	assert.InDelta(t, 80, cfg.Pipeline.MinRepairScore, 0.001)
	assert.Equal(t, 10, cfg.Pipeline.OOBCandidates)
	assert.Equal(t, int64(42), cfg.Audit.Seed)
	assert.Equal(t, 15, cfg.Audit.SampleState)
	assert.Equal(t, 15, cfg.Audit.SampleFederal)
	assert.Equal(t, 20, cfg.Audit.SampleCounty)
	assert.Equal(t, 10, cfg.Audit.SampleLocal)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/roadworks
route:
  engine: osrm
pipeline:
  workers: 4
  min_repair_score: 70
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "osrm", cfg.Route.Engine)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.InDelta(t, 70, cfg.Pipeline.MinRepairScore, 0.001)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 550, cfg.Route.DelayMs)
	assert.Equal(t, int64(42), cfg.Audit.Seed)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
route:
  engine: osrm
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("ROADWORKS_ROUTE_ENGINE", "valhalla")
	t.Setenv("ROADWORKS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "valhalla", cfg.Route.Engine)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("ROADWORKS_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
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
	cfg.Store.DatabaseURL = "roadworks.db"
	cfg.Geocode.UserAgent = "roadworks-cli/1.0"
	cfg.Route.Engine = "valhalla"
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.MinRepairScore = 80
	cfg.Pipeline.OOBCandidates = 10
	cfg.Audit.SampleState = 15
	cfg.Audit.SampleFederal = 15
	cfg.Audit.SampleCounty = 20
	cfg.Audit.SampleLocal = 10
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("run"))
}

func TestValidateRun_BadEngine(t *testing.T) {
	cfg := validDefaults()
	cfg.Route.Engine = "dijkstra"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "route.engine must be valhalla or osrm")
}

func TestValidateRun_WorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Pipeline.Workers = 0
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.workers must be between 1 and 32")

	cfg.Pipeline.Workers = 33
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.workers must be between 1 and 32")

	cfg.Pipeline.Workers = 32
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_ScoreBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Pipeline.MinRepairScore = 101

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "min_repair_score")
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateAudit_NeedsUserAgent(t *testing.T) {
	cfg := validDefaults()
	cfg.Geocode.UserAgent = ""

	err := cfg.Validate("audit")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "geocode.user_agent is required")
}

func TestValidateAudit_QuotaSum(t *testing.T) {
	cfg := validDefaults()
	cfg.Audit.SampleState = 0
	cfg.Audit.SampleFederal = 0
	cfg.Audit.SampleCounty = 0
	cfg.Audit.SampleLocal = 0

	err := cfg.Validate("audit")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sample quotas")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
