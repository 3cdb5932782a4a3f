// Package config loads the market maker configuration: an optional YAML
// file, environment overrides on top, then defaults for anything left
// unset. The resulting Config is a value threaded through constructors —
// no package keeps global settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/castmarket/castmarket/internal/market"
)

// Config is the full configuration tree for the castmarket process.
type Config struct {
	Market      MarketConfig   `yaml:"market"`
	Forecast    ForecastConfig `yaml:"forecast"`
	Scoring     ScoringConfig  `yaml:"scoring"`
	KPI         KPIConfig      `yaml:"kpi"`
	API         APIConfig      `yaml:"api"`
	Database    DatabaseConfig `yaml:"database"`
	Cache       CacheConfig    `yaml:"cache"`
	Monitor     MonitorConfig  `yaml:"monitor"`
	BackupDir   string         `yaml:"backup_dir"`
	SnapshotDir string         `yaml:"snapshot_dir"`
	LogLevel    string         `yaml:"log_level"`
}

// MarketConfig fixes the canonical market geometry.
type MarketConfig struct {
	Resolution             time.Duration `yaml:"resolution"`          // 15m
	HorizonSteps           int           `yaml:"horizon_steps"`       // 96 = day ahead
	GateClosureHour        int           `yaml:"gate_closure_hour"`   // local hour, 0-23
	GateTimezone           string        `yaml:"gate_timezone"`       // CET per market rules
	NJobs                  int           `yaml:"n_jobs"`              // per-resource forecast workers
	SnapshotSessions       bool          `yaml:"snapshot_sessions"`   // write session-input snapshots
	HistoryDays            int           `yaml:"history_days"`        // measurement/forecast history window
	MinSubmissionDays      int           `yaml:"min_submission_days"` // eligibility: full days required
	SubmissionLookbackDays int           `yaml:"submission_lookback_days"`
}

// Quantiles returns the canonical market quantiles.
func (m MarketConfig) Quantiles() []market.Quantile { return market.AllQuantiles() }

// GateLocation resolves the gate-closure timezone.
func (m MarketConfig) GateLocation() (*time.Location, error) {
	return time.LoadLocation(m.GateTimezone)
}

// ForecastConfig selects and parameterises ensemble strategies.
type ForecastConfig struct {
	DefaultStrategy       string              `yaml:"default_strategy"`
	ResourceStrategies    map[string][]string `yaml:"resource_strategies"`
	Beta                  float64             `yaml:"beta"`
	OutlierDetection      bool                `yaml:"outlier_detection"`
	OutlierAlpha          float64             `yaml:"outlier_alpha"`
	OutlierMinForecasters int                 `yaml:"outlier_min_forecasters"`
	DefaultScore          float64             `yaml:"default_score"`
	ScoreDays             int                 `yaml:"score_days"`
}

// StrategiesFor returns the strategy list configured for a resource, or the
// single default.
func (f ForecastConfig) StrategiesFor(resourceID string) []string {
	if list, ok := f.ResourceStrategies[resourceID]; ok && len(list) > 0 {
		return list
	}
	return []string{f.DefaultStrategy}
}

// ScoringConfig drives calculate-scores.
type ScoringConfig struct {
	LookbackDays    int     `yaml:"lookback_days"`
	GracePeriodDays int     `yaml:"grace_period_days"`
	WinklerAlpha    float64 `yaml:"winkler_alpha"`
}

// KPIConfig drives monthly aggregation.
type KPIConfig struct {
	PenaltyQuantile  float64 `yaml:"penalty_quantile"`
	EliteCutoff      int     `yaml:"elite_cutoff"`
	ChallengerCutoff int     `yaml:"challenger_cutoff"`
	RunnerUpRank     int     `yaml:"runner_up_rank"`
	MaxMissingDays   int     `yaml:"max_missing_days"`
	HistogramBins    int     `yaml:"histogram_bins"`
	PowerBins        int     `yaml:"power_bins"`
}

// APIConfig points at the market REST API.
type APIConfig struct {
	Protocol     string        `yaml:"protocol" env:"RESTAPI_PROTOCOL"`
	Host         string        `yaml:"host" env:"RESTAPI_HOST"`
	Port         int           `yaml:"port" env:"RESTAPI_PORT"`
	Email        string        `yaml:"email" env:"MARKET_EMAIL"`
	Password     string        `yaml:"password" env:"MARKET_PASSWORD"`
	Retries      int           `yaml:"retries" env:"N_REQUEST_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	RateBurst    int           `yaml:"rate_burst"`
}

// BaseURL assembles the API root, e.g. "https://market.example.com:443".
func (a APIConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", a.Protocol, a.Host, a.Port)
}

// DatabaseConfig points at the measurement/score store.
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"POSTGRES_HOST"`
	Port            int           `yaml:"port" env:"POSTGRES_PORT"`
	User            string        `yaml:"user" env:"POSTGRES_USER"`
	Password        string        `yaml:"password" env:"POSTGRES_PASSWORD"`
	Name            string        `yaml:"name" env:"POSTGRES_DB"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// CacheConfig drives the optional measurement cache.
type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB   int           `yaml:"redis_db"`
	TTL       time.Duration `yaml:"ttl"`
}

// MonitorConfig drives the operator HTTP surface.
type MonitorConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads an optional YAML file, applies environment overrides, fills
// defaults and validates. An empty path skips the file step.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration with no file and no env.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.API.Protocol, "RESTAPI_PROTOCOL")
	setStr(&c.API.Host, "RESTAPI_HOST")
	setInt(&c.API.Port, "RESTAPI_PORT")
	setStr(&c.API.Email, "MARKET_EMAIL")
	setStr(&c.API.Password, "MARKET_PASSWORD")
	setInt(&c.API.Retries, "N_REQUEST_RETRIES")

	setStr(&c.Database.Host, "POSTGRES_HOST")
	setInt(&c.Database.Port, "POSTGRES_PORT")
	setStr(&c.Database.User, "POSTGRES_USER")
	setStr(&c.Database.Password, "POSTGRES_PASSWORD")
	setStr(&c.Database.Name, "POSTGRES_DB")

	setInt(&c.Market.NJobs, "N_JOBS")
	setStr(&c.Cache.RedisAddr, "REDIS_ADDR")
	setStr(&c.LogLevel, "LOG_LEVEL")
}

func (c *Config) applyDefaults() {
	if c.Market.Resolution == 0 {
		c.Market.Resolution = 15 * time.Minute
	}
	if c.Market.HorizonSteps == 0 {
		c.Market.HorizonSteps = 96
	}
	if c.Market.GateClosureHour == 0 {
		c.Market.GateClosureHour = 10
	}
	if c.Market.GateTimezone == "" {
		c.Market.GateTimezone = "CET"
	}
	if c.Market.NJobs == 0 {
		c.Market.NJobs = 1
	}
	if c.Market.HistoryDays == 0 {
		c.Market.HistoryDays = 31
	}
	if c.Market.MinSubmissionDays == 0 {
		c.Market.MinSubmissionDays = 6
	}
	if c.Market.SubmissionLookbackDays == 0 {
		c.Market.SubmissionLookbackDays = 7
	}

	if c.Forecast.DefaultStrategy == "" {
		c.Forecast.DefaultStrategy = "weighted_avg"
	}
	if c.Forecast.Beta == 0 {
		c.Forecast.Beta = 0.001
	}
	if c.Forecast.OutlierAlpha == 0 {
		c.Forecast.OutlierAlpha = 20.0
		c.Forecast.OutlierDetection = true
	}
	if c.Forecast.OutlierMinForecasters == 0 {
		c.Forecast.OutlierMinForecasters = 4
	}
	if c.Forecast.DefaultScore == 0 {
		c.Forecast.DefaultScore = 999999
	}
	if c.Forecast.ScoreDays == 0 {
		c.Forecast.ScoreDays = 6
	}

	if c.Scoring.LookbackDays == 0 {
		c.Scoring.LookbackDays = 6
	}
	if c.Scoring.GracePeriodDays == 0 {
		c.Scoring.GracePeriodDays = 7
	}
	if c.Scoring.WinklerAlpha == 0 {
		c.Scoring.WinklerAlpha = 0.2
	}

	if c.KPI.PenaltyQuantile == 0 {
		c.KPI.PenaltyQuantile = 0.75
	}
	if c.KPI.EliteCutoff == 0 {
		c.KPI.EliteCutoff = 5
	}
	if c.KPI.ChallengerCutoff == 0 {
		c.KPI.ChallengerCutoff = 10
	}
	if c.KPI.RunnerUpRank == 0 {
		c.KPI.RunnerUpRank = 11
	}
	if c.KPI.MaxMissingDays == 0 {
		c.KPI.MaxMissingDays = 5
	}
	if c.KPI.HistogramBins == 0 {
		c.KPI.HistogramBins = 20
	}
	if c.KPI.PowerBins == 0 {
		c.KPI.PowerBins = 5
	}

	if c.API.Protocol == "" {
		c.API.Protocol = "http"
	}
	if c.API.Port == 0 {
		c.API.Port = 80
	}
	if c.API.Retries == 0 {
		c.API.Retries = 3
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = 500 * time.Millisecond
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.RateLimitRPS == 0 {
		c.API.RateLimitRPS = 10
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = 20
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.QueryTimeout == 0 {
		c.Database.QueryTimeout = 30 * time.Second
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = 2 * time.Hour
	}

	if c.Monitor.Host == "" {
		c.Monitor.Host = "0.0.0.0"
	}
	if c.Monitor.Port == 0 {
		c.Monitor.Port = 8080
	}

	if c.BackupDir == "" {
		c.BackupDir = "backups"
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "snapshots"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Market.GateClosureHour < 0 || c.Market.GateClosureHour > 23 {
		return fmt.Errorf("gate_closure_hour must be 0-23, got %d", c.Market.GateClosureHour)
	}
	if _, err := c.Market.GateLocation(); err != nil {
		return fmt.Errorf("gate_timezone %q: %w", c.Market.GateTimezone, err)
	}
	if c.Market.NJobs < 1 {
		return fmt.Errorf("n_jobs must be positive, got %d", c.Market.NJobs)
	}
	if c.Market.MinSubmissionDays > c.Market.SubmissionLookbackDays {
		return fmt.Errorf("min_submission_days %d exceeds lookback %d",
			c.Market.MinSubmissionDays, c.Market.SubmissionLookbackDays)
	}
	if c.Forecast.Beta < 0 {
		return fmt.Errorf("beta must be non-negative, got %f", c.Forecast.Beta)
	}
	if c.Scoring.WinklerAlpha <= 0 || c.Scoring.WinklerAlpha >= 1 {
		return fmt.Errorf("winkler_alpha must be in (0,1), got %f", c.Scoring.WinklerAlpha)
	}
	if c.KPI.PenaltyQuantile <= 0 || c.KPI.PenaltyQuantile > 1 {
		return fmt.Errorf("penalty_quantile must be in (0,1], got %f", c.KPI.PenaltyQuantile)
	}
	if !(c.KPI.EliteCutoff < c.KPI.ChallengerCutoff && c.KPI.ChallengerCutoff < c.KPI.RunnerUpRank+1) {
		return fmt.Errorf("league cutoffs must ascend: elite %d < challenger %d <= runner-up %d",
			c.KPI.EliteCutoff, c.KPI.ChallengerCutoff, c.KPI.RunnerUpRank)
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("max_idle_conns cannot exceed max_open_conns")
	}
	return nil
}

// Horizon returns the day-ahead window length.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.Market.HorizonSteps) * c.Market.Resolution
}

// StepsPerDay returns how many market intervals one day holds.
func (c *Config) StepsPerDay() int {
	return int(24 * time.Hour / c.Market.Resolution)
}
