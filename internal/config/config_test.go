package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGeometry(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 15*time.Minute, cfg.Market.Resolution)
	assert.Equal(t, 96, cfg.Market.HorizonSteps)
	assert.Equal(t, 24*time.Hour, cfg.Horizon())
	assert.Equal(t, 96, cfg.StepsPerDay())
	assert.Equal(t, 10, cfg.Market.GateClosureHour)
	assert.Equal(t, "CET", cfg.Market.GateTimezone)
}

func TestDefaultScoringAndKPI(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 6, cfg.Scoring.LookbackDays)
	assert.Equal(t, 7, cfg.Scoring.GracePeriodDays)
	assert.InDelta(t, 0.2, cfg.Scoring.WinklerAlpha, 1e-9)
	assert.InDelta(t, 0.001, cfg.Forecast.Beta, 1e-9)
	assert.InDelta(t, 999999, cfg.Forecast.DefaultScore, 1e-9)
	assert.InDelta(t, 0.75, cfg.KPI.PenaltyQuantile, 1e-9)
	assert.Equal(t, 5, cfg.KPI.EliteCutoff)
	assert.Equal(t, 10, cfg.KPI.ChallengerCutoff)
	assert.Equal(t, 11, cfg.KPI.RunnerUpRank)
	assert.Equal(t, 5, cfg.KPI.MaxMissingDays)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
market:
  gate_closure_hour: 9
  n_jobs: 4
forecast:
  default_strategy: median
  beta: 0.01
api:
  protocol: https
  host: market.example.com
  port: 443
database:
  host: db.internal
  user: castmarket
  password: secret
  name: market
log_level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Market.GateClosureHour)
	assert.Equal(t, 4, cfg.Market.NJobs)
	assert.Equal(t, "median", cfg.Forecast.DefaultStrategy)
	assert.InDelta(t, 0.01, cfg.Forecast.Beta, 1e-9)
	assert.Equal(t, "https://market.example.com:443", cfg.API.BaseURL())
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Database.DSN(), "dbname=market")
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched sections keep defaults.
	assert.Equal(t, 96, cfg.Market.HorizonSteps)
	assert.Equal(t, 3, cfg.API.Retries)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  host: from-file\n"), 0o644))

	t.Setenv("RESTAPI_HOST", "from-env")
	t.Setenv("RESTAPI_PORT", "8443")
	t.Setenv("MARKET_EMAIL", "ops@example.com")
	t.Setenv("N_JOBS", "8")
	t.Setenv("N_REQUEST_RETRIES", "5")
	t.Setenv("POSTGRES_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.API.Host)
	assert.Equal(t, 8443, cfg.API.Port)
	assert.Equal(t, "ops@example.com", cfg.API.Email)
	assert.Equal(t, 8, cfg.Market.NJobs)
	assert.Equal(t, 5, cfg.API.Retries)
	assert.Equal(t, "hunter2", cfg.Database.Password)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 96, cfg.Market.HorizonSteps)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"gate hour", func(c *Config) { c.Market.GateClosureHour = 24 }},
		{"timezone", func(c *Config) { c.Market.GateTimezone = "Nowhere/Invalid" }},
		{"n_jobs", func(c *Config) { c.Market.NJobs = -1 }},
		{"winkler alpha", func(c *Config) { c.Scoring.WinklerAlpha = 1.5 }},
		{"penalty quantile", func(c *Config) { c.KPI.PenaltyQuantile = 0 }},
		{"league order", func(c *Config) { c.KPI.EliteCutoff = 12 }},
		{"min days", func(c *Config) { c.Market.MinSubmissionDays = 9 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStrategiesFor(t *testing.T) {
	cfg := Default()
	cfg.Forecast.ResourceStrategies = map[string][]string{
		"wf-42": {"weighted_avg", "median"},
	}

	assert.Equal(t, []string{"weighted_avg", "median"}, cfg.Forecast.StrategiesFor("wf-42"))
	assert.Equal(t, []string{"weighted_avg"}, cfg.Forecast.StrategiesFor("unknown"))
}
