package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Google    GoogleConfig    `yaml:"google" mapstructure:"google"`
	SendGrid  SendGridConfig  `yaml:"sendgrid" mapstructure:"sendgrid"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Alerts    AlertsConfig    `yaml:"alerts" mapstructure:"alerts"`
	Dispatch  DispatchConfig  `yaml:"dispatch" mapstructure:"dispatch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// GoogleConfig holds the OAuth client used to refresh account tokens and the
// Search Console endpoint.
type GoogleConfig struct {
	ClientID           string   `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret       string   `yaml:"client_secret" mapstructure:"client_secret"`
	Endpoint           string   `yaml:"endpoint" mapstructure:"endpoint"`
	AllowedPermissions []string `yaml:"allowed_permissions" mapstructure:"allowed_permissions"`
	QueryRetries       int      `yaml:"query_retries" mapstructure:"query_retries"`
}

// SendGridConfig holds SendGrid mail API settings.
type SendGridConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	FromEmail string `yaml:"from_email" mapstructure:"from_email"`
	FromName  string `yaml:"from_name" mapstructure:"from_name"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
}

// SchedulerConfig bounds run concurrency and liveness.
type SchedulerConfig struct {
	MaxWorkers       int           `yaml:"max_workers" mapstructure:"max_workers"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	HardTimeout      time.Duration `yaml:"hard_timeout" mapstructure:"hard_timeout"`
}

// IngestConfig configures the ingest window and write batching.
type IngestConfig struct {
	AnalysisWindowDays int `yaml:"analysis_window_days" mapstructure:"analysis_window_days"`
	LagDays            int `yaml:"lag_days" mapstructure:"lag_days"`
	SafetyBufferDays   int `yaml:"safety_buffer_days" mapstructure:"safety_buffer_days"`
	PageSize           int `yaml:"page_size" mapstructure:"page_size"`
	BatchSize          int `yaml:"batch_size" mapstructure:"batch_size"`
}

// AlertsConfig configures drop detection.
type AlertsConfig struct {
	NoiseFloor           float64       `yaml:"noise_floor" mapstructure:"noise_floor"`
	DropThresholdPct     float64       `yaml:"drop_threshold_pct" mapstructure:"drop_threshold_pct"`
	DedupWindow          time.Duration `yaml:"dedup_window" mapstructure:"dedup_window"`
	ClassifyThresholdPct float64       `yaml:"classify_threshold_pct" mapstructure:"classify_threshold_pct"`
}

// DispatchConfig configures alert delivery.
type DispatchConfig struct {
	Cooldown        time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	Pacing          time.Duration `yaml:"pacing" mapstructure:"pacing"`
	ClaimLease      time.Duration `yaml:"claim_lease" mapstructure:"claim_lease"`
	SendTimeout     time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
	BatchLimit      int           `yaml:"batch_limit" mapstructure:"batch_limit"`
	BreakerFailures int           `yaml:"breaker_failures" mapstructure:"breaker_failures"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GSCRADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("google.allowed_permissions", []string{"siteOwner", "siteFullUser"})
	v.SetDefault("google.query_retries", 3)
	v.SetDefault("sendgrid.from_name", "GSC Radar")
	v.SetDefault("sendgrid.base_url", "https://api.sendgrid.com")
	v.SetDefault("scheduler.max_workers", 4)
	v.SetDefault("scheduler.heartbeat_timeout", "20m")
	v.SetDefault("scheduler.hard_timeout", "2h")
	v.SetDefault("ingest.analysis_window_days", 14)
	v.SetDefault("ingest.lag_days", 2)
	v.SetDefault("ingest.safety_buffer_days", 7)
	v.SetDefault("ingest.page_size", 25000)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("alerts.noise_floor", 100)
	v.SetDefault("alerts.drop_threshold_pct", -10)
	v.SetDefault("alerts.dedup_window", "24h")
	v.SetDefault("alerts.classify_threshold_pct", 40)
	v.SetDefault("dispatch.cooldown", "72h")
	v.SetDefault("dispatch.pacing", "500ms")
	v.SetDefault("dispatch.claim_lease", "10m")
	v.SetDefault("dispatch.send_timeout", "30s")
	v.SetDefault("dispatch.batch_limit", 200)
	v.SetDefault("dispatch.breaker_failures", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are "run",
// "dispatch", "serve" and "store".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		add("store.driver must be postgres or sqlite")
	}

	switch mode {
	case "store":
	case "run":
		c.validateRun(add)
	case "dispatch":
		c.validateDispatch(add)
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
		c.validateRun(add)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateRun(add func(string)) {
	if c.Google.ClientID == "" {
		add("google.client_id is required")
	}
	if c.Google.ClientSecret == "" {
		add("google.client_secret is required")
	}
	if c.Scheduler.MaxWorkers < 1 || c.Scheduler.MaxWorkers > 64 {
		add("scheduler.max_workers must be between 1 and 64")
	}
	if c.Scheduler.HeartbeatTimeout <= 0 || c.Scheduler.HardTimeout <= 0 {
		add("scheduler timeouts must be > 0")
	}
	if c.Scheduler.HardTimeout < c.Scheduler.HeartbeatTimeout {
		add("scheduler.hard_timeout must be >= scheduler.heartbeat_timeout")
	}
	if c.Ingest.AnalysisWindowDays < 2 || c.Ingest.AnalysisWindowDays%2 != 0 {
		add("ingest.analysis_window_days must be an even number >= 2")
	}
	if c.Ingest.LagDays < 0 || c.Ingest.SafetyBufferDays < 0 {
		add("ingest lag and buffer days must be >= 0")
	}
	if c.Alerts.DropThresholdPct >= 0 {
		add("alerts.drop_threshold_pct must be negative")
	}
}

func (c *Config) validateDispatch(add func(string)) {
	if c.SendGrid.Key == "" {
		add("sendgrid.key is required")
	}
	if c.SendGrid.FromEmail == "" {
		add("sendgrid.from_email is required")
	}
	if c.Dispatch.Cooldown < 0 {
		add("dispatch.cooldown must be >= 0")
	}
	if c.Dispatch.ClaimLease <= 0 {
		add("dispatch.claim_lease must be > 0")
	}
	if c.Dispatch.SendTimeout <= 0 || c.Dispatch.SendTimeout > c.Dispatch.ClaimLease/2 {
		add("dispatch.send_timeout must be > 0 and at most half of dispatch.claim_lease")
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
