// Package config loads zergcore's runtime configuration from config.yaml
// plus environment overrides: a defaulted struct, an optional YAML file
// under a home directory, environment variables applied on top, then a
// normalize pass that fills in anything still zero-valued.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OTelConfig controls OpenTelemetry trace/metric export.
type OTelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// Config is zergcore's runtime configuration surface.
type Config struct {
	HomeDir string `yaml:"-"`

	// BindAddr is the address the HTTP/WebSocket listener binds to.
	BindAddr string `yaml:"bind_addr"`

	// DBPath is the SQLite database file path. Relative paths resolve
	// under HomeDir.
	DBPath string `yaml:"db_path"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// AuthToken is the shared bearer token accepted on the WebSocket
	// and REST surfaces. Token issuance itself is an external concern.
	// Empty means the token check fails closed for every request.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for
	// browser WebSocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses the default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// AgentLockStaleSeconds is how long an agent_locks row may be held
	// before RequeueExpiredLeases treats it as abandoned.
	AgentLockStaleSeconds int `yaml:"agent_lock_stale_seconds"`

	// RetentionRunEventsDays controls pruning of old agent_runs/messages.
	// 0 disables retention (keep forever).
	RetentionRunEventsDays int `yaml:"retention_run_events_days"`
	RetentionAuditLogDays  int `yaml:"retention_audit_log_days"`

	OTel OTelConfig `yaml:"otel"`

	NeedsInit bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18080",
		DBPath:                 "zergcore.db",
		LogLevel:               "info",
		DrainTimeoutSeconds:    5,
		AgentLockStaleSeconds:  600,
		RetentionRunEventsDays: 90,
		RetentionAuditLogDays:  365,
		OTel: OTelConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

// HomeDir returns the directory holding config.yaml, logs/, and the
// default database file, honoring the ZERGCORE_HOME override.
func HomeDir() string {
	if override := os.Getenv("ZERGCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".zergcore")
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir(), applies environment overrides,
// and normalizes the result. A missing config.yaml is not an error: the
// defaults apply and NeedsInit is set so the caller can log a first-run
// notice.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create zergcore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
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
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "zergcore.db"
	}
	if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.AgentLockStaleSeconds <= 0 {
		cfg.AgentLockStaleSeconds = 600
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = 1.0
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "zergcore"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZERGCORE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ZERGCORE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ZERGCORE_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("ZERGCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ZERGCORE_DRAIN_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DrainTimeoutSeconds = n
		}
	}
	if v := os.Getenv("ZERGCORE_ALLOW_ORIGINS"); v != "" {
		cfg.AllowOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("ZERGCORE_OTEL_ENABLED"); v != "" {
		cfg.OTel.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("ZERGCORE_OTEL_ENDPOINT"); v != "" {
		cfg.OTel.Endpoint = v
	}
}

// Fingerprint returns a stable hash of the effective config, useful for
// detecting drift between a running process and config.yaml on disk.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|log=%s|drain=%d|origins=%v|otel=%v",
		c.BindAddr, c.DBPath, c.LogLevel, c.DrainTimeoutSeconds, c.AllowOrigins, c.OTel.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RetentionWindow returns the cutoff before which run/message rows older
// than the configured retention period should be pruned. ok is false
// when retention is disabled.
func (c Config) RetentionWindow(now time.Time) (cutoff time.Time, ok bool) {
	if c.RetentionRunEventsDays <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -c.RetentionRunEventsDays), true
}
