/*
config.go - Service configuration

PURPOSE:
  One typed Config for the server, the CLI and the background reaper.

SOURCES (later wins):
  1. Default()
  2. the TOML file passed to Load, if any
  3. a .env file in the working directory, if present
  4. environment variables:
       COMMISSION_PORT           server.port
       COMMISSION_DB_PATH        database.path
       COMMISSION_LOG_LEVEL      log.level
       COMMISSION_CARRIERS_FILE  carriers.file

EXAMPLE FILE:
  [server]
  port = 8080
  allowed_origins = ["http://localhost:5173"]

  [ingest]
  match_threshold = 0.7

  [reaper]
  interval = "5m"
  stale_after = "1h"

SEE ALSO:
  - cmd/commission/main.go: flags override the loaded values
  - carrier/registry.go: the carriers.file format
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Log      LogConfig      `toml:"log"`
	Carriers CarriersConfig `toml:"carriers"`
	Ingest   IngestConfig   `toml:"ingest"`
	Reaper   ReaperConfig   `toml:"reaper"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type ServerConfig struct {
	Host                 string        `toml:"host"`
	Port                 int           `toml:"port"`
	ReadTimeout          time.Duration `toml:"read_timeout"`
	WriteTimeout         time.Duration `toml:"write_timeout"`
	ShutdownTimeout      time.Duration `toml:"shutdown_timeout"`
	AllowedOrigins       []string      `toml:"allowed_origins"`
	MaxUploadBytes       int64         `toml:"max_upload_bytes"`
	MaxConcurrentUploads int           `toml:"max_concurrent_uploads"`
	// DemoScenarios mounts /api/scenarios, which can wipe the database.
	DemoScenarios        bool          `toml:"demo_scenarios"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// CarriersConfig points at a registry file. Empty means the built-in registry.
type CarriersConfig struct {
	File string `toml:"file"`
}

type IngestConfig struct {
	MatchThreshold float64 `toml:"match_threshold"`
	MaxDepth       int     `toml:"max_depth"`
}

type ReaperConfig struct {
	Enabled    bool          `toml:"enabled"`
	Interval   time.Duration `toml:"interval"`
	StaleAfter time.Duration `toml:"stale_after"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:                 8080,
			ReadTimeout:          30 * time.Second,
			WriteTimeout:         60 * time.Second,
			ShutdownTimeout:      30 * time.Second,
			AllowedOrigins:       []string{"http://localhost:5173", "http://localhost:8080"},
			MaxUploadBytes:       32 << 20,
			MaxConcurrentUploads: 4,
		},
		Database: DatabaseConfig{Path: "commission.db"},
		Log:      LogConfig{Level: "info"},
		Ingest:   IngestConfig{MatchThreshold: 0.7, MaxDepth: 32},
		Reaper: ReaperConfig{
			Enabled:    true,
			Interval:   5 * time.Minute,
			StaleAfter: time.Hour,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path, a .env file and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("config: unknown keys in %s: %v", path, undecoded)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("config: load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("COMMISSION_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: COMMISSION_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("COMMISSION_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("COMMISSION_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("COMMISSION_CARRIERS_FILE"); v != "" {
		c.Carriers.File = v
	}
	return nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.Server.MaxConcurrentUploads <= 0 {
		errs = append(errs, errors.New("server.max_concurrent_uploads must be positive"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Ingest.MatchThreshold <= 0 || c.Ingest.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("ingest.match_threshold %v must be in (0, 1]", c.Ingest.MatchThreshold))
	}
	if c.Ingest.MaxDepth <= 0 {
		errs = append(errs, errors.New("ingest.max_depth must be positive"))
	}
	if c.Reaper.Enabled && (c.Reaper.Interval <= 0 || c.Reaper.StaleAfter <= 0) {
		errs = append(errs, errors.New("reaper.interval and reaper.stale_after must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
