package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const envPrefix = "AUDIOQUEUE_"

// Config holds application configuration.
type Config struct {
	Port        int              `toml:"port"`
	LogLevel    string           `toml:"log_level"`
	ArtifactDir string           `toml:"artifact_dir"`
	Database    DatabaseConfig   `toml:"database"`
	Queue       QueueConfig      `toml:"queue"`
	HTTP        HTTPConfig       `toml:"http"`
	Providers   []ProviderConfig `toml:"providers"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // sqlite or postgres
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`

	// Pool settings apply to postgres. Zero keeps the driver default.
	MaxConns        int32         `toml:"max_conns"`
	MinConns        int32         `toml:"min_conns"`
	MaxConnLifetime time.Duration `toml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `toml:"max_conn_idle_time"`
	DialTimeout     time.Duration `toml:"dial_timeout"`
}

type QueueConfig struct {
	MaxConcurrent     int           `toml:"max_concurrent"`
	MaxRetries        int           `toml:"max_retries"`
	PollInterval      time.Duration `toml:"poll_interval"`
	ErrorBackoff      time.Duration `toml:"error_backoff"`
	ShutdownGrace     time.Duration `toml:"shutdown_grace"`
	IdempotencyTTL    time.Duration `toml:"idempotency_ttl"`
	Retention         time.Duration `toml:"retention"`
	PruneInterval     time.Duration `toml:"prune_interval"`
	// LeaseTTL is how long a claim survives without a heartbeat before
	// another instance requeues it.
	LeaseTTL          time.Duration `toml:"lease_ttl"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"` // 0 means lease_ttl/3
	InstanceID        string        `toml:"instance_id"`        // empty means a random ID per process
}

type HTTPConfig struct {
	RateLimit float64 `toml:"rate_limit"` // submissions per second per client, 0 disables
	RateBurst int     `toml:"rate_burst"`
}

// ProviderConfig describes an external command that fetches and converts
// media for URLs matching Pattern. Args may contain the placeholders
// {url}, {format}, {dir} and {name}.
type ProviderConfig struct {
	Name    string        `toml:"name"`
	Pattern string        `toml:"pattern"`
	Command string        `toml:"command"`
	Args    []string      `toml:"args"`
	Timeout time.Duration `toml:"timeout"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "audioqueue", "jobs.db")
}

// DefaultArtifactDir returns the default artifact directory using
// XDG_DATA_HOME.
func DefaultArtifactDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "audioqueue", "downloads")
}

// DefaultConfigPath returns the config file location using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "audioqueue", "config.toml")
}

// DefaultProvider converts with yt-dlp and accepts any http(s) URL.
func DefaultProvider() ProviderConfig {
	return ProviderConfig{
		Name:    "yt-dlp",
		Pattern: `^https?://`,
		Command: "yt-dlp",
		Args: []string{
			"-x", "--audio-format", "{format}", "--audio-quality", "0",
			"--newline", "--no-playlist", "--progress",
			"--print", `after_move:{"title":%(title)j,"artist":%(artist,uploader,channel)j,"duration":%(duration)j,"thumbnail":%(thumbnail)j}`,
			"-o", "{dir}/{name}.%(ext)s",
			"{url}",
		},
		Timeout: 30 * time.Minute,
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:        8080,
		LogLevel:    "info",
		ArtifactDir: DefaultArtifactDir(),
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   DefaultDBPath(),
		},
		Queue: QueueConfig{
			MaxConcurrent: 3,
			MaxRetries:    3,
			PollInterval:  2 * time.Second,
			ErrorBackoff:  5 * time.Second,
			ShutdownGrace: 30 * time.Second,
			PruneInterval: time.Hour,
			LeaseTTL:      time.Minute,
		},
		HTTP: HTTPConfig{
			RateLimit: 2,
			RateBurst: 10,
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path and
// AUDIOQUEUE_* environment variables, in that order. An empty path means
// DefaultConfigPath, which may be absent.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{DefaultProvider()}
	}
	cfg.ArtifactDir = ExpandPath(cfg.ArtifactDir)
	cfg.Database.Path = ExpandPath(cfg.Database.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
		return nil
	}
	float := func(key string, dst *float64) error {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			*dst = f
		}
		return nil
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("ARTIFACT_DIR", &c.ArtifactDir)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_PATH", &c.Database.Path)
	str("DB_DSN", &c.Database.DSN)
	str("INSTANCE_ID", &c.Queue.InstanceID)

	return errors.Join(
		num("PORT", &c.Port),
		num("MAX_CONCURRENT", &c.Queue.MaxConcurrent),
		num("MAX_RETRIES", &c.Queue.MaxRetries),
		dur("POLL_INTERVAL", &c.Queue.PollInterval),
		dur("ERROR_BACKOFF", &c.Queue.ErrorBackoff),
		dur("SHUTDOWN_GRACE", &c.Queue.ShutdownGrace),
		dur("IDEMPOTENCY_TTL", &c.Queue.IdempotencyTTL),
		dur("RETENTION", &c.Queue.Retention),
		dur("PRUNE_INTERVAL", &c.Queue.PruneInterval),
		dur("LEASE_TTL", &c.Queue.LeaseTTL),
		dur("HEARTBEAT_INTERVAL", &c.Queue.HeartbeatInterval),
		float("HTTP_RATE_LIMIT", &c.HTTP.RateLimit),
		num("HTTP_RATE_BURST", &c.HTTP.RateBurst),
	)
}

// Validate checks the configuration for values the queue cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 {
		errs = append(errs, errors.New("database pool sizes must not be negative"))
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("database.min_conns must not exceed database.max_conns"))
	}
	if c.Queue.MaxConcurrent < 1 {
		errs = append(errs, errors.New("queue.max_concurrent must be at least 1"))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries must not be negative"))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if c.Queue.LeaseTTL <= 0 {
		errs = append(errs, errors.New("queue.lease_ttl must be positive"))
	} else if c.Queue.HeartbeatInterval >= c.Queue.LeaseTTL {
		errs = append(errs, errors.New("queue.heartbeat_interval must be shorter than queue.lease_ttl"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}
	if c.ArtifactDir == "" {
		errs = append(errs, errors.New("artifact_dir is required"))
	}
	for i, p := range c.Providers {
		if p.Name == "" || p.Command == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name and command are required", i))
		}
	}
	return errors.Join(errs...)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
