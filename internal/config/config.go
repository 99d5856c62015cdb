// Package config loads the orchestrator's configuration from YAML with
// environment-variable expansion, defaulting, and validation, following the
// same Load -> applyEnvOverrides -> applyDefaults -> validateConfig pipeline
// as internal/config/config.go. This config surface is much smaller (no
// gateway, channels, RAG, skills, templates sections) but the loading idiom
// is unchanged.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orchestra-labs/issue-orchestrator/internal/engine/normalize"
)

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Engines   EnginesConfig   `yaml:"engines"`
	Process   ProcessConfig   `yaml:"process_manager"`
	Filters   FiltersConfig   `yaml:"filters"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the daemon's own listeners. The issue/log API
// itself is consumed in-process by an HTTP/WebSocket transport that is out
// of scope (spec.md §1); MetricsAddr is the only socket this package opens
// directly.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

// DatabaseConfig selects and tunes the persistence backend (storage.Store).
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "sqlite" or "postgres"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// EnginesConfig holds the per-engine binary overrides.
type EnginesConfig struct {
	Claude EngineBinaryConfig `yaml:"claude"`
	Codex  EngineBinaryConfig `yaml:"codex"`
}

// EngineBinaryConfig names the CLI binary an executor spawns. Empty means
// "use the engine package's own default" (claude.BinaryName / codex.BinaryName).
type EngineBinaryConfig struct {
	Binary string `yaml:"binary"`
}

// ProcessConfig tunes the process manager (spec.md §4.5).
type ProcessConfig struct {
	GroupLimit  int           `yaml:"group_limit"`
	GroupMaxAge time.Duration `yaml:"group_max_age"`
	GCInterval  time.Duration `yaml:"gc_interval"`
}

// FiltersConfig points at the operator-supplied write-filter-rule file
// (spec.md §4.2, "write filters"). Watch enables fsnotify-based reloading
// of the file into a FilterWatcher; the issue engine keeps the rule set
// loaded at startup, so reloaded rules do not reach new executions.
type FiltersConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// TelemetryConfig controls OpenTelemetry trace export. Metrics are always
// registered on the default prometheus registry and served at
// Server.MetricsAddr; tracing is opt-in since it requires a collector.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

// LoggingConfig controls log/slog's handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
}

// ConfigValidationError collects every validation failure found rather than
// failing fast on the first one.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "invalid configuration:\n- " + strings.Join(e.Issues, "\n- ")
}

// Load reads path, expands ${VAR}/$VAR references against the process
// environment, decodes YAML with unknown-field rejection, applies env
// overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err == nil {
		return nil, fmt.Errorf("config: %s contains more than one YAML document", path)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets a small set of high-value settings be overridden
// without editing the file, mirroring config.go's NEXUS_*/DATABASE_URL
// overrides.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_DATABASE_URL")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_DATABASE_DRIVER")); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_METRICS_ADDR")); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_CLAUDE_BINARY")); v != "" {
		cfg.Engines.Claude.Binary = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_CODEX_BINARY")); v != "" {
		cfg.Engines.Codex.Binary = v
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.TracingEnabled = true
	}
	if v := strings.TrimSpace(os.Getenv("ORCHESTRATOR_FILTERS_PATH")); v != "" {
		cfg.Filters.Path = v
	}
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyProcessDefaults(&cfg.Process)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(c *ServerConfig) {
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

func applyDatabaseDefaults(c *DatabaseConfig) {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" {
		c.DSN = "orchestrator.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 2 * time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

func applyProcessDefaults(c *ProcessConfig) {
	if c.GroupLimit == 0 {
		c.GroupLimit = 8
	}
	if c.GroupMaxAge == 0 {
		c.GroupMaxAge = 6 * time.Hour
	}
	if c.GCInterval == 0 {
		c.GCInterval = 30 * time.Second
	}
}

func applyTelemetryDefaults(c *TelemetryConfig) {
	if c.ServiceName == "" {
		c.ServiceName = "issue-orchestrator"
	}
	if c.SampleRatio == 0 {
		c.SampleRatio = 1.0
	}
}

func applyLoggingDefaults(c *LoggingConfig) {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	var issues []string

	if !validDriver(cfg.Database.Driver) {
		issues = append(issues, fmt.Sprintf("database.driver %q must be one of sqlite, postgres", cfg.Database.Driver))
	}
	if cfg.Database.DSN == "" {
		issues = append(issues, "database.dsn must not be empty")
	}
	if cfg.Database.MaxOpenConns < 0 {
		issues = append(issues, "database.max_open_conns must be >= 0")
	}
	if cfg.Process.GroupLimit < 0 {
		issues = append(issues, "process_manager.group_limit must be >= 0")
	}
	if !validLogLevel(cfg.Logging.Level) {
		issues = append(issues, fmt.Sprintf("logging.level %q must be one of debug, info, warn, error", cfg.Logging.Level))
	}
	if !validLogFormat(cfg.Logging.Format) {
		issues = append(issues, fmt.Sprintf("logging.format %q must be one of json, text", cfg.Logging.Format))
	}
	if cfg.Telemetry.TracingEnabled && cfg.Telemetry.OTLPEndpoint == "" {
		issues = append(issues, "telemetry.otlp_endpoint must be set when telemetry.tracing_enabled is true")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		issues = append(issues, "telemetry.sample_ratio must be between 0 and 1")
	}
	if cfg.Filters.Watch && cfg.Filters.Path == "" {
		issues = append(issues, "filters.path must be set when filters.watch is true")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func validDriver(s string) bool {
	return s == "sqlite" || s == "postgres"
}

func validLogLevel(s string) bool {
	switch s {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func validLogFormat(s string) bool {
	return s == "json" || s == "text"
}

// LoadFilterRules reads an operator write-filter-rule file. Format is a
// flat YAML list; unlike Load, unknown-field rejection is left off since
// this file is hand-edited by operators independently of the main config.
func LoadFilterRules(path string) ([]normalize.WriteFilterRule, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read filter rules %s: %w", path, err)
	}
	var rules []normalize.WriteFilterRule
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("config: parse filter rules %s: %w", path, err)
	}
	return rules, nil
}

// ParseBool is a small helper for boolean env-override flags; it wraps
// strconv.ParseBool.
func ParseBool(s string, fallback bool) bool {
	if s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}
