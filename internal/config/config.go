package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"tabterm/internal/session"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	// Windows file lock releases (antivirus/indexing) typically settle quickly.
	renameRetryBaseDelay = 10 * time.Millisecond

	minTerminalSize = 2
	maxTerminalSize = 1000
)

var userHomeDirFn = os.UserHomeDir

// Config is the tabterm daemon configuration.
type Config struct {
	// Shell started in new panes. Empty means $SHELL, then /bin/sh.
	Shell string `yaml:"shell" json:"shell"`
	// WorkingDir of new panes. Empty means the daemon's working directory.
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Cols       int    `yaml:"cols" json:"cols"`
	Rows       int    `yaml:"rows" json:"rows"`
	LogLevel   string `yaml:"log_level" json:"log_level"`
	// SocketPath of the control socket. Empty selects a per-user default.
	SocketPath string `yaml:"socket_path,omitempty" json:"socket_path,omitempty"`
	// WebSocketAddr is the listen address of the render feed. An empty host
	// part is rejected; port 0 lets the OS pick.
	WebSocketAddr string `yaml:"websocket_addr" json:"websocket_addr"`
	// DestroyTimeout bounds each session destroy request. 0 disables the bound.
	DestroyTimeout time.Duration `yaml:"destroy_timeout" json:"destroy_timeout"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Cols:          80,
		Rows:          24,
		LogLevel:      "info",
		WebSocketAddr: "127.0.0.1:0",
	}
}

// SessionDefaults converts the pane-related fields into session create options.
func (c Config) SessionDefaults() session.CreateOptions {
	return session.CreateOptions{
		Cols:       c.Cols,
		Rows:       c.Rows,
		Shell:      c.Shell,
		WorkingDir: c.WorkingDir,
	}
}

// SlogLevel parses LogLevel. Unknown values map to info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// DefaultPath resolves the config file path, preferring XDG_CONFIG_HOME, then
// ~/.config, then os.TempDir() if the home directory cannot be resolved.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[WARN-CONFIG] using temp dir as config path fallback", "error", err)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "tabterm", "config.yaml")
}

// Load reads the config file. A missing or empty file yields defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), fmt.Errorf("parse config: %w", err)
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes the default config if the file is missing and returns
// the loaded config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Save validates cfg and writes it atomically. The normalized config is returned.
func Save(path string, cfg Config) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return cfg, errors.New("config path required")
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := writeConfigFile(path, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[DEBUG-CONFIG] config saved", "path", path)
	return cfg, nil
}

// writeConfigFile stages data next to path and renames it into place, so a
// daemon watching the directory never loads a half-written config.
func writeConfigFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create tabterm config dir %s: %w", dir, err)
	}
	staged, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("stage tabterm config: %w", err)
	}
	stagedPath := staged.Name()
	committed := false
	defer func() {
		if committed {
			return
		}
		if rmErr := os.Remove(stagedPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("[WARN-CONFIG] staged config left behind", "path", stagedPath, "error", rmErr)
		}
	}()

	if err := fillStaged(staged, data); err != nil {
		return fmt.Errorf("stage tabterm config %s: %w", stagedPath, err)
	}
	if err := replaceFile(stagedPath, path); err != nil {
		return fmt.Errorf("install tabterm config %s: %w", path, err)
	}
	committed = true
	return nil
}

// fillStaged writes data owner-only and closes f whatever happens.
func fillStaged(f *os.File, data []byte) error {
	err := f.Chmod(0o600)
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	return errors.Join(err, f.Close())
}

// applyDefaultsAndValidate fills zero fields from DefaultConfig and validates
// cfg in place.
func applyDefaultsAndValidate(cfg *Config) error {
	defaults := DefaultConfig()
	if cfg.Cols == 0 {
		cfg.Cols = defaults.Cols
	}
	if cfg.Rows == 0 {
		cfg.Rows = defaults.Rows
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if strings.TrimSpace(cfg.WebSocketAddr) == "" {
		cfg.WebSocketAddr = defaults.WebSocketAddr
	}

	if cfg.Cols < minTerminalSize || cfg.Cols > maxTerminalSize ||
		cfg.Rows < minTerminalSize || cfg.Rows > maxTerminalSize {
		return fmt.Errorf("terminal size %dx%d out of range [%d, %d]", cfg.Cols, cfg.Rows, minTerminalSize, maxTerminalSize)
	}
	if cfg.DestroyTimeout < 0 {
		return fmt.Errorf("destroy_timeout must not be negative: %s", cfg.DestroyTimeout)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.Shell != "" {
		if err := validateShell(cfg.Shell); err != nil {
			return err
		}
	}
	cfg.WorkingDir = normalizeWorkingDir(cfg.WorkingDir)
	return nil
}

// validateShell rejects shells that cannot be started safely: null bytes and
// relative paths with separators.
func validateShell(shell string) error {
	shell = strings.TrimSpace(shell)
	if strings.ContainsRune(shell, '\x00') {
		return errors.New("shell contains invalid null byte")
	}
	if filepath.IsAbs(shell) {
		info, err := os.Stat(shell)
		if err != nil {
			return fmt.Errorf("shell path does not exist: %w", err)
		}
		if info.IsDir() {
			return errors.New("shell path cannot be a directory")
		}
		return nil
	}
	if strings.ContainsAny(shell, `/\`) {
		return errors.New("shell must be executable name or absolute path")
	}
	return nil
}

// normalizeWorkingDir expands ~ and environment variables and drops relative
// paths with a warning.
func normalizeWorkingDir(dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	if strings.HasPrefix(dir, "~") {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[WARN-CONFIG] working_dir: failed to expand ~, ignoring", "path", dir, "error", err)
			return ""
		}
		dir = filepath.Join(home, dir[1:])
	}
	dir = filepath.Clean(os.ExpandEnv(dir))
	if !filepath.IsAbs(dir) {
		slog.Warn("[WARN-CONFIG] working_dir is not an absolute path, ignoring", "path", dir)
		return ""
	}
	return dir
}

// readLimitedFile reads at most maxBytes; a larger file is an error rather
// than a silently truncated config.
func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf strings.Builder
	n, err := io.Copy(&buf, io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read tabterm config %s: %w", path, err)
	}
	if n > maxBytes {
		return nil, fmt.Errorf("tabterm config %s is larger than %d bytes", path, maxBytes)
	}
	return []byte(buf.String()), nil
}

// replaceFile renames from over to. Windows may briefly refuse while a
// scanner or indexer holds the target, so it retries there with a growing
// delay; elsewhere the first error is final.
func replaceFile(from, to string) error {
	err := os.Rename(from, to)
	if err == nil || runtime.GOOS != "windows" {
		return err
	}
	for attempt := 1; attempt < maxRenameRetry; attempt++ {
		time.Sleep(time.Duration(attempt) * renameRetryBaseDelay)
		if err = os.Rename(from, to); err == nil {
			return nil
		}
	}
	return err
}
