package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every server setting.
type Config struct {
	DatabaseURL      string `mapstructure:"database_url"`
	HTTPAddr         string `mapstructure:"http_addr"`
	JWTSecret        string `mapstructure:"auth_jwt_secret"`
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"`
	ProvisioningFile string `mapstructure:"provisioning_file"`
	NATSURL          string `mapstructure:"nats_url"`
	NATSPrefix       string `mapstructure:"nats_prefix"`

	HeartbeatStaleness     time.Duration `mapstructure:"heartbeat_staleness"`
	HeartbeatSweepInterval time.Duration `mapstructure:"heartbeat_sweep_interval"`
	MaxSampleAge           time.Duration `mapstructure:"max_sample_age"`
	MaxFutureSkew          time.Duration `mapstructure:"max_future_skew"`

	RollupInterval    time.Duration `mapstructure:"rollup_interval"`
	RollupGrace       time.Duration `mapstructure:"rollup_grace"`
	RollupOverlap     time.Duration `mapstructure:"rollup_overlap"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	RetentionRaw      time.Duration `mapstructure:"retention_raw"`
	Retention1m       time.Duration `mapstructure:"retention_1m"`
	Retention5m       time.Duration `mapstructure:"retention_5m"`
	Retention1h       time.Duration `mapstructure:"retention_1h"`
	Retention1d       time.Duration `mapstructure:"retention_1d"`
	RetentionEvents   time.Duration `mapstructure:"retention_events"`

	NotifyTimeout        time.Duration `mapstructure:"notify_timeout"`
	NotifyWorkers        int           `mapstructure:"notify_workers"`
	NotifyQueue          int           `mapstructure:"notify_queue"`
	RuleCacheTTL         time.Duration `mapstructure:"rule_cache_ttl"`
	SilenceSweepInterval time.Duration `mapstructure:"silence_sweep_interval"`

	SMTPHost      string `mapstructure:"smtp_host"`
	SMTPPort      int    `mapstructure:"smtp_port"`
	SMTPUsername  string `mapstructure:"smtp_username"`
	SMTPPassword  string `mapstructure:"smtp_password"`
	SMTPFrom      string `mapstructure:"smtp_from"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

var defaults = map[string]any{
	"database_url":             "",
	"http_addr":                ":8080",
	"auth_jwt_secret":          "",
	"log_level":                "info",
	"log_format":               "json",
	"provisioning_file":        "",
	"nats_url":                 "",
	"nats_prefix":              "fleet",
	"heartbeat_staleness":      90 * time.Second,
	"heartbeat_sweep_interval": 15 * time.Second,
	"max_sample_age":           24 * time.Hour,
	"max_future_skew":          5 * time.Minute,
	"rollup_interval":          time.Minute,
	"rollup_grace":             5 * time.Second,
	"rollup_overlap":           2 * time.Minute,
	"retention_interval":       time.Hour,
	"retention_raw":            168 * time.Hour,
	"retention_1m":             168 * time.Hour,
	"retention_5m":             720 * time.Hour,
	"retention_1h":             2160 * time.Hour,
	"retention_1d":             time.Duration(0),
	"retention_events":         720 * time.Hour,
	"notify_timeout":           10 * time.Second,
	"notify_workers":           4,
	"notify_queue":             256,
	"rule_cache_ttl":           10 * time.Second,
	"silence_sweep_interval":   30 * time.Second,
	"smtp_host":                "",
	"smtp_port":                587,
	"smtp_username":            "",
	"smtp_password":            "",
	"smtp_from":                "",
	"public_base_url":          "",
}

// Load reads flags, then the optional --config YAML file, then the environment.
// Precedence is flag over environment over file over default.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("fleet-telemetry", pflag.ContinueOnError)
	configFile := fs.String("config", "", "optional YAML config file")
	fs.String("database-url", "", "postgres DSN; empty selects in-memory storage")
	fs.String("http-addr", ":8080", "HTTP listen address")
	fs.String("log-level", "info", "debug|info|warn|error")
	fs.String("log-format", "json", "json|console")
	fs.String("provisioning-file", "", "YAML file seeding agent keys, channels and rules")
	fs.String("nats-url", "", "optional NATS server mirroring hub envelopes")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key := range defaults {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return Config{}, err
		}
	}
	if err := v.BindEnv("database_url", "DATABASE_URL", "PG_DSN"); err != nil {
		return Config{}, err
	}
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", *configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("auth_jwt_secret is required"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	positive := map[string]time.Duration{
		"heartbeat_staleness":      c.HeartbeatStaleness,
		"heartbeat_sweep_interval": c.HeartbeatSweepInterval,
		"rollup_interval":          c.RollupInterval,
		"retention_interval":       c.RetentionInterval,
		"notify_timeout":           c.NotifyTimeout,
		"silence_sweep_interval":   c.SilenceSweepInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.RollupGrace < 0 {
		errs = append(errs, errors.New("rollup_grace must not be negative"))
	}
	if c.RollupOverlap < 0 {
		errs = append(errs, errors.New("rollup_overlap must not be negative"))
	}
	if c.NotifyWorkers <= 0 {
		errs = append(errs, errors.New("notify_workers must be positive"))
	}
	if c.NotifyQueue <= 0 {
		errs = append(errs, errors.New("notify_queue must be positive"))
	}
	return errors.Join(errs...)
}

// InMemory reports whether the server runs without postgres.
func (c Config) InMemory() bool {
	return strings.TrimSpace(c.DatabaseURL) == ""
}
