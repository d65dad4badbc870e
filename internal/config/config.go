// Package config loads offsync settings.
//
// Priority, lowest first: defaults, TOML file, .env file, OFFSYNC_*
// environment variables, CLI flags. Flags are applied by the cli package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultConfigFile is read when no --config is given and it exists.
const DefaultConfigFile = "offsync.toml"

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all offsync settings.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Store    StoreConfig    `toml:"store"`
	Cache    CacheConfig    `toml:"cache"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig holds proxy listener settings.
type ServerConfig struct {
	Listen         string   `toml:"listen"`
	AllowedOrigins []string `toml:"allowed_origins"` // empty allows all
}

// UpstreamConfig holds the remote origins.
type UpstreamConfig struct {
	API           string   `toml:"api"`
	Site          string   `toml:"site"`
	Timeout       Duration `toml:"timeout"`
	ProbeInterval Duration `toml:"probe_interval"` // 0 disables probing while offline
}

// StoreConfig holds persistent store settings.
type StoreConfig struct {
	Path string `toml:"path"`
}

// CacheConfig holds resource cache settings.
type CacheConfig struct {
	Backend   string   `toml:"backend"` // "sqlite", "memory", "redis"
	RedisAddr string   `toml:"redis_addr"`
	Manifest  []string `toml:"manifest"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"` // "debug", "info", "warn", "error"
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultManifest is the app shell pre-cached on install.
var DefaultManifest = []string{
	"https://unpkg.com/leaflet@1.3.1/dist/leaflet.css",
	"https://unpkg.com/leaflet@1.3.1/dist/leaflet.js",
	"/",
	"/restaurant.html",
	"css/styles.css",
	"js/dbhelper_api.js",
	"js/main.js",
	"js/restaurant_info.js",
	"js/idb.js",
	"/manifest.json",
	"/icon.png",
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:8088",
		},
		Upstream: UpstreamConfig{
			API:           "http://localhost:1337",
			Site:          "http://localhost:8000",
			Timeout:       Duration(15 * time.Second),
			ProbeInterval: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Path: "offsync.db",
		},
		Cache: CacheConfig{
			Backend:   BackendSQLite,
			RedisAddr: "localhost:6379",
			Manifest:  append([]string(nil), DefaultManifest...),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadOptions selects the files Load reads.
type LoadOptions struct {
	// ConfigPath is a TOML file. Empty means DefaultConfigFile if present.
	// An explicit path must exist.
	ConfigPath string

	// EnvFile is a dotenv file. Empty means ".env" if present.
	EnvFile string
}

// Load builds a Config from defaults, the TOML file, the dotenv file and
// the environment.
func Load(opts LoadOptions) (*Config, error) {
	cfg := DefaultConfig()

	path, explicit := opts.ConfigPath, opts.ConfigPath != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := cfg.loadTOML(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	envFile, explicit := opts.EnvFile, opts.EnvFile != ""
	if !explicit {
		envFile = ".env"
	}
	// godotenv never overrides variables already set in the process.
	if err := godotenv.Load(envFile); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}
	return nil
}

// applyEnv applies OFFSYNC_* environment variable overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("OFFSYNC_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("OFFSYNC_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("OFFSYNC_API_URL"); v != "" {
		c.Upstream.API = v
	}
	if v := os.Getenv("OFFSYNC_SITE_URL"); v != "" {
		c.Upstream.Site = v
	}
	if v := os.Getenv("OFFSYNC_UPSTREAM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OFFSYNC_UPSTREAM_TIMEOUT: %w", err)
		}
		c.Upstream.Timeout = Duration(d)
	}
	if v := os.Getenv("OFFSYNC_PROBE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OFFSYNC_PROBE_INTERVAL: %w", err)
		}
		c.Upstream.ProbeInterval = Duration(d)
	}
	if v := os.Getenv("OFFSYNC_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("OFFSYNC_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("OFFSYNC_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("OFFSYNC_MANIFEST"); v != "" {
		c.Cache.Manifest = splitList(v)
	}
	if v := os.Getenv("OFFSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Upstream.API == "" {
		errs = append(errs, errors.New("upstream.api is required"))
	}
	if c.Upstream.Site == "" {
		errs = append(errs, errors.New("upstream.site is required"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	switch c.Cache.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of sqlite, memory, redis", c.Cache.Backend))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", name)
	}
}
