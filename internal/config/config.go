// Package config loads the daemon configuration from ~/.claude-admin/config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DirName is the base directory created under the user's home.
	DirName = ".claude-admin"

	// FileName is the config file inside the base directory.
	FileName = "config.toml"

	// HomeEnv overrides the base directory (used by tests and multiple installs).
	HomeEnv = "CLAUDE_ADMIN_HOME"
)

// Duration is a time.Duration that decodes from TOML strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full daemon configuration.
type Config struct {
	Daemon     DaemonSettings     `toml:"daemon"`
	Paths      PathSettings       `toml:"paths"`
	Logs       LogSettings        `toml:"logs"`
	Tmux       TmuxSettings       `toml:"tmux"`
	Classifier ClassifierSettings `toml:"classifier"`
	Web        WebSettings        `toml:"web"`
}

// DaemonSettings controls reconciliation timing.
type DaemonSettings struct {
	// PollInterval is the reconciliation tick. Default: 5s
	PollInterval Duration `toml:"poll_interval"`

	// StalenessWindow is how long a push-set state is protected from poll
	// overwrites, and how old a session must be before it is re-classified.
	// Default: 10s
	StalenessWindow Duration `toml:"staleness_window"`

	// IdleThreshold is the quiet period before a prompt counts as needs_input.
	// Default: 5s
	IdleThreshold Duration `toml:"idle_threshold"`

	// CaptureLines is how many trailing lines are captured per pane. Default: 20
	CaptureLines int `toml:"capture_lines"`

	// MaxStoreFailures is the number of consecutive ticks with store errors
	// after which the daemon exits. Default: 12
	MaxStoreFailures int `toml:"max_store_failures"`

	// EventRetention prunes ledger entries older than this on each tick.
	// Zero keeps everything.
	EventRetention Duration `toml:"event_retention"`

	// HookFreshWindow bounds how old a spooled hook may be and still change
	// state. Older spool entries are recorded in the ledger only. Default: 45s
	HookFreshWindow Duration `toml:"hook_fresh_window"`
}

// PathSettings locates every file the daemon owns. Empty values resolve
// inside the base directory.
type PathSettings struct {
	DB          string `toml:"db"`
	HooksSocket string `toml:"hooks_socket"`
	QuerySocket string `toml:"query_socket"`
	PIDFile     string `toml:"pid_file"`
	SpoolDir    string `toml:"spool_dir"`
	LogDir      string `toml:"log_dir"`
}

// LogSettings mirrors logging.Config in TOML form.
type LogSettings struct {
	// Level is "trace", "debug", "info", "warn" or "error". Default: info
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	MaxSizeMB     int    `toml:"max_size_mb"`
	MaxBackups    int    `toml:"max_backups"`
	RetentionDays int    `toml:"retention_days"`
	Compress      bool   `toml:"compress"`
	RingBufferMB  int    `toml:"ring_buffer_mb"`
	AggregateSecs int    `toml:"aggregate_interval_secs"`
	PprofAddr     string `toml:"pprof_addr"`
}

// TmuxSettings configures the pane source.
type TmuxSettings struct {
	// Socket selects a tmux server socket (tmux -S). Empty uses the default server.
	Socket string `toml:"socket"`

	// CaptureRate caps capture-pane invocations per second. Default: 20
	CaptureRate float64 `toml:"capture_rate"`

	// Signatures are extra process name patterns identifying a Claude pane.
	// A "re:" prefix marks a regular expression.
	Signatures []string `toml:"signatures"`

	// HostCommands are generic runtimes whose children are inspected for a
	// claude command line. Default: node, deno, bun
	HostCommands []string `toml:"host_commands"`

	// Fixture replaces tmux with a static YAML pane list.
	Fixture string `toml:"fixture"`
}

// ClassifierSettings extends the built-in output signatures.
type ClassifierSettings struct {
	Done       []string `toml:"done"`
	NeedsInput []string `toml:"needs_input"`
	Working    []string `toml:"working"`
}

// WebSettings configures the optional read-only HTTP surface.
type WebSettings struct {
	// Listen enables the HTTP server when non-empty (e.g. 127.0.0.1:8421)
	Listen string `toml:"listen"`

	// Token requires "Authorization: Bearer <token>" or ?token= when set.
	Token string `toml:"token"`

	// RequestsPerMinute limits requests per client IP. Default: 600
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// BaseDir returns the daemon's base directory, honoring CLAUDE_ADMIN_HOME.
func BaseDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return ExpandTilde(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home dir: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// DefaultPath returns the config file path inside the base directory.
func DefaultPath() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the config at path. A missing file yields defaults; a file that
// fails to parse is an error. Relative and empty paths resolve against the
// base directory.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	path = ExpandTilde(path)

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Daemon.PollInterval.Duration < 100*time.Millisecond {
		return fmt.Errorf("config: daemon.poll_interval %s is too short", c.Daemon.PollInterval.Duration)
	}
	if c.Daemon.StalenessWindow.Duration <= 0 {
		return fmt.Errorf("config: daemon.staleness_window must be positive")
	}
	if c.Daemon.CaptureLines <= 0 {
		return fmt.Errorf("config: daemon.capture_lines must be positive")
	}
	switch strings.ToLower(c.Logs.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("config: logs.format %q must be json or text", c.Logs.Format)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := &c.Daemon
	if d.PollInterval.Duration == 0 {
		d.PollInterval.Duration = 5 * time.Second
	}
	if d.StalenessWindow.Duration == 0 {
		d.StalenessWindow.Duration = 10 * time.Second
	}
	if d.IdleThreshold.Duration == 0 {
		d.IdleThreshold.Duration = 5 * time.Second
	}
	if d.CaptureLines == 0 {
		d.CaptureLines = 20
	}
	if d.MaxStoreFailures == 0 {
		d.MaxStoreFailures = 12
	}
	if d.HookFreshWindow.Duration == 0 {
		d.HookFreshWindow.Duration = 45 * time.Second
	}

	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}

	if c.Tmux.CaptureRate == 0 {
		c.Tmux.CaptureRate = 20
	}
	if c.Tmux.HostCommands == nil {
		c.Tmux.HostCommands = []string{"node", "deno", "bun"}
	}

	if c.Web.RequestsPerMinute == 0 {
		c.Web.RequestsPerMinute = 600
	}
}

func (c *Config) resolvePaths() error {
	base, err := BaseDir()
	if err != nil {
		return err
	}
	p := &c.Paths
	p.DB = resolve(base, p.DB, "sessions.db")
	p.HooksSocket = resolve(base, p.HooksSocket, "hooks.sock")
	p.QuerySocket = resolve(base, p.QuerySocket, "daemon.sock")
	p.PIDFile = resolve(base, p.PIDFile, "daemon.pid")
	p.SpoolDir = resolve(base, p.SpoolDir, "spool")
	p.LogDir = resolve(base, p.LogDir, "")
	if c.Tmux.Fixture != "" {
		c.Tmux.Fixture = resolve(base, c.Tmux.Fixture, "")
	}
	return nil
}

func resolve(base, value, def string) string {
	if value == "" {
		return filepath.Join(base, def)
	}
	value = ExpandTilde(value)
	if !filepath.IsAbs(value) {
		value = filepath.Join(base, value)
	}
	return value
}

// ExpandTilde replaces a leading "~" or "~/" with the user's home directory.
func ExpandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
