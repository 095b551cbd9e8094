package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Node     NodeConfig     `yaml:"node"`
	Auth     AuthConfig     `yaml:"auth"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// NodeConfig identifies this terminal within the fleet.
type NodeConfig struct {
	NodeID  string `yaml:"node_id"`
	StoreID string `yaml:"store_id"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// RemoteConfig contains back office endpoint settings.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains sync orchestrator settings.
type SyncConfig struct {
	Interval      Duration `yaml:"interval"`
	BatchSize     int      `yaml:"batch_size"`
	Workers       int      `yaml:"workers"`
	RemoteTimeout Duration `yaml:"remote_timeout"`
	MaxRetries    int      `yaml:"max_retries"`
	BackoffBase   Duration `yaml:"backoff_base"`
	BackoffCap    Duration `yaml:"backoff_cap"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

// ArchiveConfig contains audit archive settings. An empty bucket
// disables archiving.
type ArchiveConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	UseSSL    bool     `yaml:"use_ssl"`
	Interval  Duration `yaml:"interval"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SYNCD_CONFIG_PATH", "config/syncd.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit config paths.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values. The node ID is
// generated fresh; persist it in YAML so the node keeps its identity
// across restarts.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/syncd.db",
		},
		Node: NodeConfig{
			NodeID: uuid.NewString(),
		},
		Sync: SyncConfig{
			Interval:      Duration(2 * time.Minute),
			BatchSize:     100,
			Workers:       4,
			RemoteTimeout: Duration(30 * time.Second),
			MaxRetries:    5,
			BackoffBase:   Duration(1 * time.Second),
			BackoffCap:    Duration(5 * time.Minute),
			ProbeInterval: Duration(30 * time.Second),
		},
		Archive: ArchiveConfig{
			Interval: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("SYNCD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SYNCD_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("SYNCD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Node
	if v := os.Getenv("SYNCD_NODE_ID"); v != "" {
		cfg.Node.NodeID = v
	}
	if v := os.Getenv("SYNCD_STORE_ID"); v != "" {
		cfg.Node.StoreID = v
	}

	// Auth
	if v := os.Getenv("SYNCD_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Remote
	if v := os.Getenv("SYNCD_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("SYNCD_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}

	// Sync
	if v := os.Getenv("SYNCD_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BatchSize = n
		}
	}
	if v := os.Getenv("SYNCD_SYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.Workers = n
		}
	}
	if v := os.Getenv("SYNCD_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.RemoteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxRetries = n
		}
	}
	if v := os.Getenv("SYNCD_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BackoffBase = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_BACKOFF_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.BackoffCap = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ProbeInterval = Duration(d)
		}
	}

	// Archive
	if v := os.Getenv("SYNCD_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("SYNCD_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("SYNCD_ARCHIVE_USE_SSL"); v != "" {
		cfg.Archive.UseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCD_ARCHIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.Interval = Duration(d)
		}
	}
	if v := os.Getenv("SYNCD_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("SYNCD_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}

	// Log
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (SYNCD_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if c.Node.StoreID == "" {
		return errors.New("node.store_id is required")
	}
	if c.Sync.MaxRetries < 0 {
		return errors.New("sync.max_retries must be >= 0")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be > 0")
	}
	if c.Sync.Workers <= 0 {
		return errors.New("sync.workers must be > 0")
	}

	// Dev mode bypasses API key validation
	if os.Getenv("SYNCD_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("SYNCD_API_KEY is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	if c.Remote.APIKey == "" {
		return errors.New("SYNCD_REMOTE_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
