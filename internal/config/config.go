package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/goprobe/internal/cron"
	otelPkg "github.com/basket/goprobe/internal/otel"
)

const DefaultAPIPrefix = "/api/v1/osquery"

type Config struct {
	HomeDir string `yaml:"-"`

	ServerURL          string `yaml:"server_url"`
	APIPrefix          string `yaml:"api_prefix"`
	EnrollSecret       string `yaml:"enroll_secret"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	IntervalSeconds            int    `yaml:"interval_seconds"`
	AcceleratedIntervalSeconds int    `yaml:"accelerated_interval_seconds"`
	KeepAliveSchedule          string `yaml:"keepalive_schedule"`
	GateWaitMs                 int    `yaml:"gate_wait_ms"`
	RequestTimeoutSeconds      int    `yaml:"request_timeout_seconds"`

	LogLevel string `yaml:"log_level"`
	// DBPath overrides the state database location; empty uses <home>/goprobe.db.
	DBPath string `yaml:"db_path"`

	OTel otelPkg.Config `yaml:"otel"`

	// NeedsSetup is true when no config.yaml was found.
	NeedsSetup bool `yaml:"-"`
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c Config) AcceleratedInterval() time.Duration {
	return time.Duration(c.AcceleratedIntervalSeconds) * time.Second
}

func (c Config) GateWait() time.Duration {
	return time.Duration(c.GateWaitMs) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StatePath is the state database location after defaults are applied.
func (c Config) StatePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "goprobe.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect check-ins.
// The enroll secret is excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "server=%s|prefix=%s|interval=%d|accel=%d|keepalive=%s|gate=%d|timeout=%d|log=%s",
		c.ServerURL, c.APIPrefix, c.IntervalSeconds, c.AcceleratedIntervalSeconds,
		c.KeepAliveSchedule, c.GateWaitMs, c.RequestTimeoutSeconds, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		APIPrefix:                  DefaultAPIPrefix,
		IntervalSeconds:            10,
		AcceleratedIntervalSeconds: 5,
		KeepAliveSchedule:          cron.DefaultSchedule,
		GateWaitMs:                 100,
		RequestTimeoutSeconds:      30,
		LogLevel:                   "info",
	}
}

func HomeDir() string {
	if override := os.Getenv("GOPROBE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goprobe")
}

// Load reads <home>/config.yaml, applies GOPROBE_* overrides and validates
// the result. A missing file is not an error; NeedsSetup is set instead.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goprobe home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsSetup = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = def.APIPrefix
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = def.IntervalSeconds
	}
	if cfg.AcceleratedIntervalSeconds <= 0 {
		cfg.AcceleratedIntervalSeconds = def.AcceleratedIntervalSeconds
	}
	if strings.TrimSpace(cfg.KeepAliveSchedule) == "" {
		cfg.KeepAliveSchedule = def.KeepAliveSchedule
	}
	if cfg.GateWaitMs <= 0 {
		cfg.GateWaitMs = def.GateWaitMs
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = def.RequestTimeoutSeconds
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "goprobe-agent"
	}
}

// Validate checks the fields a daemon cannot run without. An empty server
// URL is accepted so local commands work before setup.
func (c Config) Validate() error {
	var errs []error
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server_url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("server_url: scheme must be http or https, got %q", u.Scheme))
		case u.Host == "":
			errs = append(errs, errors.New("server_url: missing host"))
		}
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("api_prefix: must start with /, got %q", c.APIPrefix))
	}
	if err := cron.Validate(c.KeepAliveSchedule); err != nil {
		errs = append(errs, fmt.Errorf("keepalive_schedule: %w", err))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// ValidateForDaemon adds the requirements of a running agent.
func (c Config) ValidateForDaemon() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.EnrollSecret == "" {
		return errors.New("enroll_secret is required")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOPROBE_SERVER_URL"); raw != "" {
		cfg.ServerURL = raw
	}
	if raw := os.Getenv("GOPROBE_ENROLL_SECRET"); raw != "" {
		cfg.EnrollSecret = raw
	}
	if raw := os.Getenv("GOPROBE_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("GOPROBE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOPROBE_KEEPALIVE_SCHEDULE"); raw != "" {
		cfg.KeepAliveSchedule = raw
	}
	if raw := os.Getenv("GOPROBE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
}
