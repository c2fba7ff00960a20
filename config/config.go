// Package config provides YAML configuration parsing for ridecast.
//
// This package enables running ridecast as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	title: Club Ride
//	port: 8080
//
//	store:
//	  backend: redis
//	  addr: ${REDIS_ADDR:-localhost:6379}
//
//	pool:
//	  max_connections: 20
//
//	retention:
//	  window: 48h
//
//	admin:
//	  jwt_secret: ${RIDECAST_ADMIN_SECRET}
package config

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = 8080
	defaultBackend     = "memory"
	defaultKeyPattern  = "*"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultMaxSizeMB   = 100
	defaultMaxBackups  = 3
	minAdminSecretSize = 16
)

// Config is the root configuration structure for ridecast.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "ridecast" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	Store     StoreConfig     `yaml:"store"`
	Pool      PoolConfig      `yaml:"pool"`
	Registry  RegistryConfig  `yaml:"registry"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Retention RetentionConfig `yaml:"retention"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig selects and addresses the log store backend.
type StoreConfig struct {
	// Backend is "memory", "pebble" or "redis". Defaults to memory.
	Backend string `yaml:"backend"`

	// Addr is the Redis address (redis only).
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Addr string `yaml:"addr"`

	// Password is the Redis password (redis only). Supports substitution.
	Password string `yaml:"password"`

	// DB is the Redis database number (redis only).
	DB int `yaml:"db"`

	// DataDir is the Pebble data directory (pebble only). Supports substitution.
	DataDir string `yaml:"data_dir"`

	// Fsync is the Pebble WAL sync policy: always, interval or never.
	Fsync string `yaml:"fsync"`

	// KeyPattern restricts which keys are treated as telemetry streams.
	// Defaults to "*".
	KeyPattern string `yaml:"key_pattern"`
}

// PoolConfig bounds the log store connection pool. Zero values keep the
// SDK defaults.
type PoolConfig struct {
	MinConnections      int      `yaml:"min_connections"`
	MaxConnections      int      `yaml:"max_connections"`
	AcquireTimeout      Duration `yaml:"acquire_timeout"`
	IdleTimeout         Duration `yaml:"idle_timeout"`
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	ShutdownTimeout     Duration `yaml:"shutdown_timeout"`
}

// RegistryConfig tunes stream discovery.
type RegistryConfig struct {
	RefreshInterval Duration `yaml:"refresh_interval"`
	ScanCount       int64    `yaml:"scan_count"`
	TypeBatchSize   int      `yaml:"type_batch_size"`
}

// BroadcastConfig tunes the push loops.
type BroadcastConfig struct {
	Block             Duration `yaml:"block"`
	ReadCount         int64    `yaml:"read_count"`
	EmptyBackoff      Duration `yaml:"empty_backoff"`
	ErrorBackoff      Duration `yaml:"error_backoff"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	WriteTimeout      Duration `yaml:"write_timeout"`
}

// RetentionConfig controls deletion of inactive streams.
type RetentionConfig struct {
	// Window is how long a stream may go without entries before it is
	// deleted. Defaults to 24h.
	Window Duration `yaml:"window"`

	// Interval is the time between scheduled sweeps. Defaults to 1h.
	Interval Duration `yaml:"interval"`
}

// AdminConfig protects the admin routes.
type AdminConfig struct {
	// JWTSecret is the HS256 key admin bearer tokens must be signed with.
	// Empty leaves the admin routes open. Supports substitution.
	JWTSecret string `yaml:"jwt_secret"`
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	// Level is debug, info, warn or error. Defaults to info.
	Level string `yaml:"level"`

	// Format is text or json. Defaults to text.
	Format string `yaml:"format"`

	// File, when set, sends logs to a size-rotated file instead of stderr.
	File string `yaml:"file"`

	// MaxSizeMB is the size at which the log file is rotated. Defaults to 100.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is how many rotated files are kept. Defaults to 3.
	MaxBackups int `yaml:"max_backups"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in the store address, password and
// data directory, the admin secret and the log file path. Defaults are
// applied for Port (8080), the store backend (memory) and logging.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaultBackend
	}
	if c.Store.KeyPattern == "" {
		c.Store.KeyPattern = defaultKeyPattern
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = defaultMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = defaultMaxBackups
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if err := c.Store.expandAndValidate(); err != nil {
		return err
	}
	if err := c.Pool.validate(); err != nil {
		return err
	}

	if c.Registry.ScanCount < 0 {
		return fmt.Errorf("registry.scan_count cannot be negative, got %d", c.Registry.ScanCount)
	}
	if c.Registry.TypeBatchSize < 0 {
		return fmt.Errorf("registry.type_batch_size cannot be negative, got %d", c.Registry.TypeBatchSize)
	}
	if c.Broadcast.ReadCount < 0 {
		return fmt.Errorf("broadcast.read_count cannot be negative, got %d", c.Broadcast.ReadCount)
	}

	durations := []struct {
		name string
		d    Duration
	}{
		{"registry.refresh_interval", c.Registry.RefreshInterval},
		{"broadcast.block", c.Broadcast.Block},
		{"broadcast.empty_backoff", c.Broadcast.EmptyBackoff},
		{"broadcast.error_backoff", c.Broadcast.ErrorBackoff},
		{"broadcast.heartbeat_interval", c.Broadcast.HeartbeatInterval},
		{"broadcast.write_timeout", c.Broadcast.WriteTimeout},
		{"retention.window", c.Retention.Window},
		{"retention.interval", c.Retention.Interval},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s cannot be negative, got %s", d.name, d.d.Duration())
		}
	}
	if c.Retention.Interval != 0 && c.Retention.Interval.Duration() < time.Second {
		return fmt.Errorf("retention.interval must be at least 1s, got %s", c.Retention.Interval.Duration())
	}

	secret, err := expandEnvVars(c.Admin.JWTSecret)
	if err != nil {
		return fmt.Errorf("admin.jwt_secret: %w", err)
	}
	c.Admin.JWTSecret = secret
	if secret != "" && len(secret) < minAdminSecretSize {
		return fmt.Errorf("admin.jwt_secret must be at least %d bytes", minAdminSecretSize)
	}

	return c.Log.expandAndValidate()
}

func (s *StoreConfig) expandAndValidate() error {
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"addr", &s.Addr},
		{"password", &s.Password},
		{"data_dir", &s.DataDir},
	} {
		expanded, err := expandEnvVars(*f.v)
		if err != nil {
			return fmt.Errorf("store.%s: %w", f.name, err)
		}
		*f.v = expanded
	}

	switch s.Backend {
	case "memory":
	case "pebble":
		if s.DataDir == "" {
			return fmt.Errorf("store.data_dir is required for the pebble backend")
		}
		switch s.Fsync {
		case "", "always", "interval", "never":
		default:
			return fmt.Errorf("store.fsync must be always, interval or never, got %q", s.Fsync)
		}
	case "redis":
		if s.Addr == "" {
			return fmt.Errorf("store.addr is required for the redis backend")
		}
		if s.DB < 0 {
			return fmt.Errorf("store.db cannot be negative, got %d", s.DB)
		}
	default:
		return fmt.Errorf("store.backend must be memory, pebble or redis, got %q", s.Backend)
	}

	if _, err := path.Match(s.KeyPattern, ""); err != nil {
		return fmt.Errorf("store.key_pattern %q: %w", s.KeyPattern, err)
	}
	return nil
}

func (p *PoolConfig) validate() error {
	if p.MinConnections < 0 {
		return fmt.Errorf("pool.min_connections cannot be negative, got %d", p.MinConnections)
	}
	if p.MaxConnections < 0 {
		return fmt.Errorf("pool.max_connections cannot be negative, got %d", p.MaxConnections)
	}
	if p.MinConnections > 0 && p.MaxConnections > 0 && p.MaxConnections < p.MinConnections {
		return fmt.Errorf("pool.max_connections (%d) must not be below pool.min_connections (%d)",
			p.MaxConnections, p.MinConnections)
	}
	for _, d := range []struct {
		name string
		d    Duration
	}{
		{"pool.acquire_timeout", p.AcquireTimeout},
		{"pool.idle_timeout", p.IdleTimeout},
		{"pool.health_check_interval", p.HealthCheckInterval},
		{"pool.shutdown_timeout", p.ShutdownTimeout},
	} {
		if d.d < 0 {
			return fmt.Errorf("%s cannot be negative, got %s", d.name, d.d.Duration())
		}
	}
	return nil
}

func (l *LogConfig) expandAndValidate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}

	file, err := expandEnvVars(l.File)
	if err != nil {
		return fmt.Errorf("log.file: %w", err)
	}
	l.File = file

	if l.MaxSizeMB < 0 {
		return fmt.Errorf("log.max_size_mb cannot be negative, got %d", l.MaxSizeMB)
	}
	if l.MaxBackups < 0 {
		return fmt.Errorf("log.max_backups cannot be negative, got %d", l.MaxBackups)
	}
	return nil
}
