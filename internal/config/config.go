package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/bootvisor/internal/env"
	"github.com/loykin/bootvisor/internal/logger"
	"github.com/loykin/bootvisor/internal/process"
	"github.com/loykin/bootvisor/internal/tls"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// BOOTVISOR_WATCHDOG_COOLDOWN=30s.
const EnvPrefix = "BOOTVISOR"

// Config represents the top-level TOML structure. Every field has a
// default, so an empty or missing file is valid.
type Config struct {
	Settings   SettingsConfig   `toml:"settings" mapstructure:"settings"`
	Launcher   LauncherConfig   `toml:"launcher" mapstructure:"launcher"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Logs       LogsConfig       `toml:"logs" mapstructure:"logs"`
	Watchdog   WatchdogConfig   `toml:"watchdog" mapstructure:"watchdog"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
}

type SettingsConfig struct {
	// Path of the settings file; empty means the per-user default.
	Path string `toml:"path" mapstructure:"path"`
	// LockFile guards against a second launcher; empty means next to the settings file.
	LockFile string `toml:"lock_file" mapstructure:"lock_file"`
}

type LauncherConfig struct {
	Runtime     string   `toml:"runtime" mapstructure:"runtime"`
	RuntimeArgs []string `toml:"runtime_args" mapstructure:"runtime_args"`
	PortFlag    string   `toml:"port_flag" mapstructure:"port_flag"`
	ProfileFlag string   `toml:"profile_flag" mapstructure:"profile_flag"`
	Env         []string `toml:"env" mapstructure:"env"`
	EnvFiles    []string `toml:"env_files" mapstructure:"env_files"`
}

type SupervisorConfig struct {
	StopGrace   time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	SettleDelay time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	ReaderGrace time.Duration `toml:"reader_grace" mapstructure:"reader_grace"`
	// AutoStart starts the child on launch when the settings hold a valid archive.
	AutoStart bool `toml:"autostart" mapstructure:"autostart"`
}

type LogsConfig struct {
	Capacity  int           `toml:"capacity" mapstructure:"capacity"`
	BatchSize int           `toml:"batch_size" mapstructure:"batch_size"`
	Interval  time.Duration `toml:"interval" mapstructure:"interval"`
	TailSize  int           `toml:"tail_size" mapstructure:"tail_size"`
}

type WatchdogConfig struct {
	Enabled     bool          `toml:"enabled" mapstructure:"enabled"`
	Interval    time.Duration `toml:"interval" mapstructure:"interval"`
	Cooldown    time.Duration `toml:"cooldown" mapstructure:"cooldown"`
	ReactOnExit bool          `toml:"react_on_exit" mapstructure:"react_on_exit"`
}

type HistoryConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// DSNs select the sinks: sqlite, postgres, clickhouse or opensearch.
	DSNs    []string      `toml:"dsns" mapstructure:"dsns"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	// Token, when set, must be sent as a bearer token on mutating requests.
	Token string     `toml:"token" mapstructure:"token"`
	TLS   tls.Config `toml:"tls" mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Launcher: LauncherConfig{
			Runtime:     process.DefaultRuntime,
			PortFlag:    process.DefaultPortFlag,
			ProfileFlag: process.DefaultProfileFlag,
		},
		Supervisor: SupervisorConfig{
			StopGrace:   5 * time.Second,
			SettleDelay: 2 * time.Second,
			ReaderGrace: 2 * time.Second,
		},
		Logs: LogsConfig{
			Capacity:  5000,
			BatchSize: 500,
			Interval:  250 * time.Millisecond,
			TailSize:  1000,
		},
		Watchdog: WatchdogConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
			Cooldown: 10 * time.Second,
		},
		Log: logger.Config{
			Slog: logger.SlogConfig{Level: logger.LevelInfo, Format: logger.FormatText, TimeStamps: true},
		},
		History: HistoryConfig{Timeout: 5 * time.Second},
		Server:  ServerConfig{Enabled: true, Listen: "127.0.0.1:8089", BasePath: "/api"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("settings.path", d.Settings.Path)
	v.SetDefault("settings.lock_file", d.Settings.LockFile)
	v.SetDefault("launcher.runtime", d.Launcher.Runtime)
	v.SetDefault("launcher.runtime_args", []string{})
	v.SetDefault("launcher.port_flag", d.Launcher.PortFlag)
	v.SetDefault("launcher.profile_flag", d.Launcher.ProfileFlag)
	v.SetDefault("launcher.env", []string{})
	v.SetDefault("launcher.env_files", []string{})
	v.SetDefault("supervisor.stop_grace", d.Supervisor.StopGrace)
	v.SetDefault("supervisor.settle_delay", d.Supervisor.SettleDelay)
	v.SetDefault("supervisor.reader_grace", d.Supervisor.ReaderGrace)
	v.SetDefault("supervisor.autostart", d.Supervisor.AutoStart)
	v.SetDefault("logs.capacity", d.Logs.Capacity)
	v.SetDefault("logs.batch_size", d.Logs.BatchSize)
	v.SetDefault("logs.interval", d.Logs.Interval)
	v.SetDefault("logs.tail_size", d.Logs.TailSize)
	v.SetDefault("watchdog.enabled", d.Watchdog.Enabled)
	v.SetDefault("watchdog.interval", d.Watchdog.Interval)
	v.SetDefault("watchdog.cooldown", d.Watchdog.Cooldown)
	v.SetDefault("watchdog.react_on_exit", d.Watchdog.ReactOnExit)
	v.SetDefault("log.slog.level", d.Log.Slog.Level)
	v.SetDefault("log.slog.format", d.Log.Slog.Format)
	v.SetDefault("log.slog.color", d.Log.Slog.Color)
	v.SetDefault("log.slog.timestamps", d.Log.Slog.TimeStamps)
	v.SetDefault("log.slog.source", d.Log.Slog.Source)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("history.timeout", d.History.Timeout)
	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.token", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// Load reads path (TOML) on top of the defaults and applies BOOTVISOR_*
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects values the components cannot work with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Launcher.Runtime) == "" {
		errs = append(errs, errors.New("launcher.runtime must not be empty"))
	}
	if c.Logs.Capacity < 2 {
		errs = append(errs, fmt.Errorf("logs.capacity must be at least 2, got %d", c.Logs.Capacity))
	}
	if c.Logs.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("logs.batch_size must be positive, got %d", c.Logs.BatchSize))
	}
	if c.Logs.Interval <= 0 {
		errs = append(errs, fmt.Errorf("logs.interval must be positive, got %s", c.Logs.Interval))
	}
	if c.Watchdog.Interval <= 0 {
		errs = append(errs, fmt.Errorf("watchdog.interval must be positive, got %s", c.Watchdog.Interval))
	}
	if c.Watchdog.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("watchdog.cooldown must not be negative, got %s", c.Watchdog.Cooldown))
	}
	if c.Supervisor.StopGrace <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.stop_grace must be positive, got %s", c.Supervisor.StopGrace))
	}
	if c.Supervisor.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("supervisor.settle_delay must not be negative, got %s", c.Supervisor.SettleDelay))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	return errors.Join(errs...)
}

// ProcessLauncher builds the command-line builder, merging env_files and
// env into the child's extra environment.
func (c Config) ProcessLauncher() (process.Launcher, error) {
	env, err := c.Launcher.ChildEnv()
	if err != nil {
		return process.Launcher{}, err
	}
	return process.Launcher{
		Runtime:     c.Launcher.Runtime,
		RuntimeArgs: c.Launcher.RuntimeArgs,
		PortFlag:    c.Launcher.PortFlag,
		ProfileFlag: c.Launcher.ProfileFlag,
		Env:         env,
	}, nil
}

// ChildEnv merges env_files contents in order, then the env list. Later
// entries override earlier ones, keys keep first-seen order and values may
// reference ${VAR}.
func (l LauncherConfig) ChildEnv() ([]string, error) {
	o := env.New()
	for _, p := range l.EnvFiles {
		if err := o.LoadFile(p); err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
	}
	o.SetPairs(l.Env)
	return o.List(), nil
}
