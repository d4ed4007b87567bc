// Package config loads and validates server configuration from YAML files
// and environment variables. Environment overrides take precedence over the
// file so deployments can tweak a single value without editing YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Sentinel errors for config operations.
var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrConfigParse    = errors.New("failed to parse config")
	ErrInvalidConfig  = errors.New("invalid config value")
)

// MaxConfigSize limits config input to prevent memory exhaustion.
const MaxConfigSize = 1 << 20 // 1MB

// Environment variable overrides.
const (
	EnvAddr       = "PDFAPI_ADDR"
	EnvDBPath     = "PDFAPI_DB"
	EnvBrowserBin = "ROD_BROWSER_BIN"
)

// Config holds all configuration for the rendering server.
type Config struct {
	Server Server `yaml:"server"`
	Pool   Pool   `yaml:"pool"`
	Render Render `yaml:"render"`
	Store  Store  `yaml:"store"`
}

// Server defines HTTP listener settings.
type Server struct {
	Addr         string        `yaml:"addr"`         // Listen address (default ":8080")
	ReadTimeout  time.Duration `yaml:"readTimeout"`  // Per-request read deadline
	WriteTimeout time.Duration `yaml:"writeTimeout"` // Per-request write deadline
	MaxPayload   int           `yaml:"maxPayload"`   // Max request body in bytes
}

// Pool defines worker pool sizing.
type Pool struct {
	Workers    int           `yaml:"workers"`    // Warm target (0 = derive from CPU count)
	MaxWorkers int           `yaml:"maxWorkers"` // Hard ceiling (0 = default)
	BacklogCap int           `yaml:"backlogCap"` // Max queued acquisitions (0 = default)
	MinIdle    int           `yaml:"minIdle"`    // Warm floor kept through idle shrink
	Recycle    int           `yaml:"recycle"`    // Renders before a worker is recycled
	MaxAge     time.Duration `yaml:"maxAge"`     // Worker lifetime before recycle
}

// Render defines per-render limits.
type Render struct {
	Timeout    time.Duration `yaml:"timeout"`    // Per-render deadline
	BrowserBin string        `yaml:"browserBin"` // Browser binary path (empty = auto-detect)
}

// Store defines persistence settings.
type Store struct {
	Path             string        `yaml:"path"`             // Key/quota database path
	SnapshotInterval time.Duration `yaml:"snapshotInterval"` // Quota snapshot cadence
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
			MaxPayload:   5_000_000,
		},
		Pool: Pool{
			Workers:    0, // derived from CPU count
			MaxWorkers: 0,
			BacklogCap: 0,
			MinIdle:    1,
			Recycle:    100,
			MaxAge:     30 * time.Minute,
		},
		Render: Render{
			Timeout: 30 * time.Second,
		},
		Store: Store{
			Path:             "pdfapi.db",
			SnapshotInterval: time.Minute,
		},
	}
}

// Load reads configuration from path, applies environment overrides,
// and validates the result. An empty path returns Default with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- config path is operator-provided
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if len(data) > MaxConfigSize {
			return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrConfigParse, len(data), MaxConfigSize)
		}
		if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides file values with environment variables when set.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvBrowserBin); v != "" {
		cfg.Render.BrowserBin = v
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr cannot be empty", ErrInvalidConfig)
	}
	if c.Server.MaxPayload <= 0 {
		return fmt.Errorf("%w: server.maxPayload must be positive, got %d", ErrInvalidConfig, c.Server.MaxPayload)
	}
	if c.Pool.Workers < 0 {
		return fmt.Errorf("%w: pool.workers cannot be negative, got %d", ErrInvalidConfig, c.Pool.Workers)
	}
	if c.Pool.MaxWorkers < 0 {
		return fmt.Errorf("%w: pool.maxWorkers cannot be negative, got %d", ErrInvalidConfig, c.Pool.MaxWorkers)
	}
	if c.Pool.MaxWorkers > 0 && c.Pool.Workers > c.Pool.MaxWorkers {
		return fmt.Errorf("%w: pool.workers (%d) exceeds pool.maxWorkers (%d)",
			ErrInvalidConfig, c.Pool.Workers, c.Pool.MaxWorkers)
	}
	if c.Pool.MinIdle < 0 {
		return fmt.Errorf("%w: pool.minIdle cannot be negative, got %d", ErrInvalidConfig, c.Pool.MinIdle)
	}
	if c.Pool.Recycle < 0 {
		return fmt.Errorf("%w: pool.recycle cannot be negative, got %d", ErrInvalidConfig, c.Pool.Recycle)
	}
	if c.Render.Timeout <= 0 {
		return fmt.Errorf("%w: render.timeout must be positive, got %s", ErrInvalidConfig, c.Render.Timeout)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path cannot be empty", ErrInvalidConfig)
	}
	if c.Store.SnapshotInterval <= 0 {
		return fmt.Errorf("%w: store.snapshotInterval must be positive, got %s",
			ErrInvalidConfig, c.Store.SnapshotInterval)
	}
	return nil
}
