package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file for user preferences.
const FileName = "config.toml"

// Config represents user-facing configuration in TOML format.
type Config struct {
	// Reconciler defines host-event reconciliation settings
	Reconciler ReconcilerSettings `toml:"reconciler"`

	// Drag defines drag-and-drop behavior settings
	Drag DragSettings `toml:"drag"`

	// Persist defines persistence and flush settings
	Persist PersistSettings `toml:"persist"`

	// Web defines the snapshot/notification server settings
	Web WebSettings `toml:"web"`

	// Logs defines log file management settings
	Logs LogSettings `toml:"logs"`
}

// ReconcilerSettings defines how host tab events are reconciled.
type ReconcilerSettings struct {
	// OpenerPolicy decides where a tab opened with an opener reference lands:
	// "child" (first child of the opener, default), "next_sibling",
	// "last_sibling", or "end" (appended at root level)
	OpenerPolicy string `toml:"opener_policy"`

	// PendingExpiryMS is how long an out-of-order event waits for its
	// prerequisite state before being dropped as an anomaly (default: 2000)
	PendingExpiryMS int `toml:"pending_expiry_ms"`
}

// DragSettings defines drop-intent band geometry and auto-expand timing.
type DragSettings struct {
	// BandFraction is the fraction of row height used for the top and
	// bottom drop bands (default: 0.15, clamped to [0.05, 0.45])
	BandFraction float64 `toml:"band_fraction"`

	// AutoExpandDwellMS is the sustained-hover time before a collapsed
	// node auto-expands during a drag (default: 500)
	AutoExpandDwellMS int `toml:"auto_expand_dwell_ms"`
}

// PersistSettings defines flush debouncing and retry behavior.
type PersistSettings struct {
	// DebounceMS is the write-coalescing window for mutation bursts (default: 400)
	DebounceMS int `toml:"debounce_ms"`

	// RetryMaxBackoffMS caps the backoff between failed-write retries (default: 30000)
	RetryMaxBackoffMS int `toml:"retry_max_backoff_ms"`

	// StateDir overrides the directory holding state.db (default: ~/.tabtree)
	StateDir string `toml:"state_dir"`
}

// WebSettings defines the read-only snapshot/notification server.
type WebSettings struct {
	// Enabled starts the websocket notification server (default: true)
	Enabled *bool `toml:"enabled"`

	// Addr is the listen address (default: "127.0.0.1:7433")
	Addr string `toml:"addr"`

	// AuthToken, when set, is required as a Bearer token on every request
	AuthToken string `toml:"auth_token"`
}

// LogSettings defines log file management configuration.
type LogSettings struct {
	// Level is the minimum log level: "debug", "info" (default), "warn", "error"
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB is the max log size in MB before rotation (default: 10)
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int `toml:"max_backups"`
}

// Valid opener policy values.
const (
	OpenerPolicyChild       = "child"
	OpenerPolicyNextSibling = "next_sibling"
	OpenerPolicyLastSibling = "last_sibling"
	OpenerPolicyEnd         = "end"
)

var defaultConfig = Config{
	Reconciler: ReconcilerSettings{
		OpenerPolicy:    OpenerPolicyChild,
		PendingExpiryMS: 2000,
	},
	Drag: DragSettings{
		BandFraction:      0.15,
		AutoExpandDwellMS: 500,
	},
	Persist: PersistSettings{
		DebounceMS:        400,
		RetryMaxBackoffMS: 30000,
	},
	Web: WebSettings{
		Addr: "127.0.0.1:7433",
	},
	Logs: LogSettings{
		Level:  "info",
		Format: "json",
	},
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Dir returns the tabtree state directory, creating it if needed.
func Dir() (string, error) {
	if env := os.Getenv("TABTREE_HOME"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home: %w", err)
	}
	return filepath.Join(home, ".tabtree"), nil
}

// Path returns the full path to config.toml.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load loads the user configuration from the TOML file.
// Returns cached config after first load.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	// Double-check after acquiring write lock
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		c := defaultConfig
		cache = &c
		return cache, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		c := defaultConfig
		cache = &c
		return cache, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		// Cache defaults to prevent repeated parse attempts; caller shows the error.
		c := defaultConfig
		cache = &c
		return cache, fmt.Errorf("config.toml parse error: %w", err)
	}

	cfg.normalize()
	cache = &cfg
	return cache, nil
}

// Reload forces a fresh read of config.toml on the next Load.
func Reload() (*Config, error) {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
	return Load()
}

// Save writes the config to config.toml using an atomic write
// (temp file + fsync + rename) and clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return fmt.Errorf("config: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# tabtree configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if f, err := os.Open(tmpPath); err == nil {
		_ = f.Sync()
		f.Close()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: finalize save: %w", err)
	}

	ClearCache()
	return nil
}

// ClearCache drops the cached config so the next Load reads from disk.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// normalize applies defaults and clamps out-of-range values in place.
func (c *Config) normalize() {
	switch c.Reconciler.OpenerPolicy {
	case OpenerPolicyChild, OpenerPolicyNextSibling, OpenerPolicyLastSibling, OpenerPolicyEnd:
	default:
		c.Reconciler.OpenerPolicy = OpenerPolicyChild
	}
	if c.Reconciler.PendingExpiryMS <= 0 {
		c.Reconciler.PendingExpiryMS = defaultConfig.Reconciler.PendingExpiryMS
	}

	if c.Drag.BandFraction <= 0 {
		c.Drag.BandFraction = defaultConfig.Drag.BandFraction
	}
	if c.Drag.BandFraction < 0.05 {
		c.Drag.BandFraction = 0.05
	}
	if c.Drag.BandFraction > 0.45 {
		c.Drag.BandFraction = 0.45
	}
	if c.Drag.AutoExpandDwellMS <= 0 {
		c.Drag.AutoExpandDwellMS = defaultConfig.Drag.AutoExpandDwellMS
	}

	if c.Persist.DebounceMS <= 0 {
		c.Persist.DebounceMS = defaultConfig.Persist.DebounceMS
	}
	if c.Persist.RetryMaxBackoffMS <= 0 {
		c.Persist.RetryMaxBackoffMS = defaultConfig.Persist.RetryMaxBackoffMS
	}

	if c.Web.Addr == "" {
		c.Web.Addr = defaultConfig.Web.Addr
	}

	if c.Logs.Level == "" {
		c.Logs.Level = defaultConfig.Logs.Level
	}
	if c.Logs.Format == "" {
		c.Logs.Format = defaultConfig.Logs.Format
	}
}

// WebEnabled reports whether the web server should start (default true).
func (c *Config) WebEnabled() bool {
	if c.Web.Enabled == nil {
		return true
	}
	return *c.Web.Enabled
}
