// Package config holds the tunables recognized by a batching scope and the
// small amount of environment/filesystem plumbing they need.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/batchling/batchling/pkg/logging"
)

// Config is the full set of options a scope accepts, per spec.md §6.
type Config struct {
	// BatchSize is the queue drain threshold.
	BatchSize int

	// BatchWindow is the queue drain timer.
	BatchWindow time.Duration

	// PollInterval is the gap between poll attempts per batch.
	PollInterval time.Duration

	// DryRun skips provider submission and polling, returning synthetic
	// 200 responses instead.
	DryRun bool

	// Cache enables fingerprint lookup and writeback.
	Cache bool

	// CachePath overrides the default cache database location.
	CachePath string

	// Deferred permits idle-based early exit.
	Deferred bool

	// DeferredIdle is the idle threshold for deferred exit.
	DeferredIdle time.Duration

	// CloseTimeout bounds how long Close waits for outstanding pollers.
	CloseTimeout time.Duration

	// Logger receives engine/cache diagnostics. Defaults to a no-op
	// logger if nil.
	Logger logging.Logger
}

// Option configures a Config.
type Option func(*Config)

// Default returns the configuration defaults named in spec.md §6.
func Default() *Config {
	return &Config{
		BatchSize:    50,
		BatchWindow:  2 * time.Second,
		PollInterval: 10 * time.Second,
		DryRun:       false,
		Cache:        true,
		Deferred:     false,
		DeferredIdle: 60 * time.Second,
		CloseTimeout: 5 * time.Minute,
		Logger:       logging.Noop{},
	}
}

// Apply runs every option against cfg.
func Apply(cfg *Config, opts ...Option) {
	for _, opt := range opts {
		opt(cfg)
	}
}

// WithBatchSize sets the queue drain threshold.
func WithBatchSize(n int) Option {
	return func(c *Config) { c.BatchSize = n }
}

// WithBatchWindow sets the queue drain timer.
func WithBatchWindow(d time.Duration) Option {
	return func(c *Config) { c.BatchWindow = d }
}

// WithPollInterval sets the gap between poll attempts.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

// WithDryRun toggles dry-run mode.
func WithDryRun(dryRun bool) Option {
	return func(c *Config) { c.DryRun = dryRun }
}

// WithCache toggles the fingerprint cache.
func WithCache(enabled bool) Option {
	return func(c *Config) { c.Cache = enabled }
}

// WithCachePath overrides the cache database location.
func WithCachePath(path string) Option {
	return func(c *Config) { c.CachePath = path }
}

// WithDeferred toggles deferred-exit support.
func WithDeferred(deferred bool) Option {
	return func(c *Config) { c.Deferred = deferred }
}

// WithDeferredIdle sets the idle threshold for deferred exit.
func WithDeferredIdle(d time.Duration) Option {
	return func(c *Config) { c.DeferredIdle = d }
}

// WithCloseTimeout bounds how long Close waits for outstanding pollers.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Config) { c.CloseTimeout = d }
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// APIKeyEnvVar returns the environment variable name a provider's
// credential is read from, per spec.md §6: "<PROVIDER>_API_KEY".
func APIKeyEnvVar(provider string) string {
	return strings.ToUpper(provider) + "_API_KEY"
}

// APIKey reads the provider's credential from the environment, read once at
// submission time as spec.md §6 requires.
func APIKey(provider string) string {
	return os.Getenv(APIKeyEnvVar(provider))
}

// DefaultCacheDir returns the OS-specific default directory for batchling's
// persistent cache:
//   - Linux/macOS: ~/.config/batchling
//   - Windows: %APPDATA%\batchling
//
// Falls back to ./batchling-data if neither can be determined.
func DefaultCacheDir() string {
	var dir string
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			dir = filepath.Join(appData, "batchling")
		} else if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, "AppData", "Roaming", "batchling")
		}
	default:
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config", "batchling")
		}
	}

	if dir == "" {
		dir = "./batchling-data"
	}
	return dir
}

// DefaultCachePath returns the default sqlite database path inside
// DefaultCacheDir, creating the directory if needed.
func DefaultCachePath() string {
	dir := DefaultCacheDir()
	_ = os.MkdirAll(dir, 0o755)
	return filepath.Join(dir, "cache.db")
}
