package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// EnvPrefix is the prefix for environment overrides, e.g. HBWATCH_HEARTBEAT_PORT.
const EnvPrefix = "hbwatch"

// Config is the full settings record of the watchdog. Time fields are whole seconds.
type Config struct {
	App        AppConfig        `toml:"app" mapstructure:"app" yaml:"app"`
	Heartbeat  HeartbeatConfig  `toml:"heartbeat" mapstructure:"heartbeat" yaml:"heartbeat"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor" yaml:"supervisor"`
	Archive    ArchiveConfig    `toml:"archive" mapstructure:"archive" yaml:"archive"`
	Log        LogConfig        `toml:"log" mapstructure:"log" yaml:"log"`
	Server     ServerConfig     `toml:"server" mapstructure:"server" yaml:"server"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics" yaml:"metrics"`
	History    HistoryConfig    `toml:"history" mapstructure:"history" yaml:"history"`
	MQTT       MQTTConfig       `toml:"mqtt" mapstructure:"mqtt" yaml:"mqtt"`
}

// AppConfig describes the monitored application.
type AppConfig struct {
	Path    string   `toml:"path" mapstructure:"path" yaml:"path"`
	Args    []string `toml:"args,omitempty" mapstructure:"args" yaml:"args,omitempty"`
	Name    string   `toml:"name" mapstructure:"name" yaml:"name"`
	WorkDir string   `toml:"workdir" mapstructure:"workdir" yaml:"workdir"`
}

type HeartbeatConfig struct {
	Address           string `toml:"address" mapstructure:"address" yaml:"address"`
	Port              int    `toml:"port" mapstructure:"port" yaml:"port"`
	MaxConnectAttempt int    `toml:"max_connect_attempt" mapstructure:"max_connect_attempt" yaml:"max_connect_attempt"`
	ConnectionTimeout int    `toml:"connection_timeout" mapstructure:"connection_timeout" yaml:"connection_timeout"`
	NoOfSignals       int    `toml:"signals" mapstructure:"signals" yaml:"signals"`
}

type SupervisorConfig struct {
	Run                 bool `toml:"run" mapstructure:"run" yaml:"run"`
	RestartOnStart      bool `toml:"restart_on_start" mapstructure:"restart_on_start" yaml:"restart_on_start"`
	ResetOnStart        bool `toml:"reset_on_start" mapstructure:"reset_on_start" yaml:"reset_on_start"`
	MaxUnresponsiveTime int  `toml:"max_unresponsive_time" mapstructure:"max_unresponsive_time" yaml:"max_unresponsive_time"`
	MaxRestartAttempt   int  `toml:"max_restart_attempt" mapstructure:"max_restart_attempt" yaml:"max_restart_attempt"`
	TimeToStable        int  `toml:"time_to_stable" mapstructure:"time_to_stable" yaml:"time_to_stable"`
	TerminationTimeout  int  `toml:"termination_timeout" mapstructure:"termination_timeout" yaml:"termination_timeout"`
}

type ArchiveConfig struct {
	OnPeriod     bool   `toml:"on_period" mapstructure:"on_period" yaml:"on_period"`
	OnLimit      bool   `toml:"on_limit" mapstructure:"on_limit" yaml:"on_limit"`
	PeriodInDays int    `toml:"period_days" mapstructure:"period_days" yaml:"period_days"`
	Limit        int    `toml:"limit" mapstructure:"limit" yaml:"limit"`
	Dir          string `toml:"dir" mapstructure:"dir" yaml:"dir"`
}

// LogConfig covers both the record files (rotation follows lumberjack semantics)
// and the console level.
type LogConfig struct {
	Enabled    bool   `toml:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Dir        string `toml:"dir" mapstructure:"dir" yaml:"dir"`
	Level      string `toml:"level" mapstructure:"level" yaml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress" yaml:"compress"`
}

type ServerConfig struct {
	Listen      string    `toml:"listen" mapstructure:"listen" yaml:"listen"`
	BasePath    string    `toml:"base_path" mapstructure:"base_path" yaml:"base_path"`
	CORSOrigins []string  `toml:"cors_origins,omitempty" mapstructure:"cors_origins" yaml:"cors_origins,omitempty"`
	TLS         TLSConfig `toml:"tls" mapstructure:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Dir          string `toml:"dir" mapstructure:"dir" yaml:"dir"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file" yaml:"key_file"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate" yaml:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version" yaml:"min_version"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen" yaml:"listen"`
}

// HistoryConfig lists DSNs of supervision event sinks (see history/factory).
type HistoryConfig struct {
	Sinks []string `toml:"sinks,omitempty" mapstructure:"sinks" yaml:"sinks,omitempty"`
}

type MQTTConfig struct {
	Broker   string `toml:"broker" mapstructure:"broker" yaml:"broker"`
	ClientID string `toml:"client_id" mapstructure:"client_id" yaml:"client_id"`
	Topic    string `toml:"topic" mapstructure:"topic" yaml:"topic"`
	Username string `toml:"username" mapstructure:"username" yaml:"username"`
	Password string `toml:"password" mapstructure:"password" yaml:"password"`
}

// Default returns the hard-coded settings used when no config file can be read.
func Default() Config {
	return Config{
		App: AppConfig{},
		Heartbeat: HeartbeatConfig{
			Address:           "127.0.0.1",
			Port:              5000,
			MaxConnectAttempt: 3,
			ConnectionTimeout: 5,
			NoOfSignals:       8,
		},
		Supervisor: SupervisorConfig{
			Run:                 true,
			MaxUnresponsiveTime: 30,
			MaxRestartAttempt:   3,
			TimeToStable:        600,
			TerminationTimeout:  10,
		},
		Archive: ArchiveConfig{
			PeriodInDays: 7,
			Limit:        10,
			Dir:          "Archives",
		},
		Log: LogConfig{
			Enabled:    true,
			Dir:        "Records",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
		Server: ServerConfig{
			BasePath: "/api",
		},
		MQTT: MQTTConfig{
			ClientID: "hbwatch",
			Topic:    "hbwatch",
		},
	}
}

// Validate checks that every time and count field is non-negative.
func (c Config) Validate() error {
	checks := []struct {
		name string
		v    int
	}{
		{"heartbeat.port", c.Heartbeat.Port},
		{"heartbeat.max_connect_attempt", c.Heartbeat.MaxConnectAttempt},
		{"heartbeat.connection_timeout", c.Heartbeat.ConnectionTimeout},
		{"heartbeat.signals", c.Heartbeat.NoOfSignals},
		{"supervisor.max_unresponsive_time", c.Supervisor.MaxUnresponsiveTime},
		{"supervisor.max_restart_attempt", c.Supervisor.MaxRestartAttempt},
		{"supervisor.time_to_stable", c.Supervisor.TimeToStable},
		{"supervisor.termination_timeout", c.Supervisor.TerminationTimeout},
		{"archive.period_days", c.Archive.PeriodInDays},
		{"archive.limit", c.Archive.Limit},
		{"log.max_size_mb", c.Log.MaxSizeMB},
		{"log.max_backups", c.Log.MaxBackups},
		{"log.max_age_days", c.Log.MaxAgeDays},
	}
	for _, ch := range checks {
		if ch.v < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %d", ErrInvalid, ch.name, ch.v)
		}
	}
	if c.Heartbeat.Port > 65535 {
		return fmt.Errorf("%w: heartbeat.port out of range: %d", ErrInvalid, c.Heartbeat.Port)
	}
	return nil
}

// AppName returns the configured process name, falling back to the
// executable's base name without extension.
func (c Config) AppName() string {
	if c.App.Name != "" {
		return c.App.Name
	}
	if c.App.Path == "" {
		return ""
	}
	base := filepath.Base(c.App.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// RemoteAddr is the host:port of the heartbeat endpoint.
func (c Config) RemoteAddr() string {
	return fmt.Sprintf("%s:%d", c.Heartbeat.Address, c.Heartbeat.Port)
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.App.Args = cloneStrings(c.App.Args)
	out.Server.CORSOrigins = cloneStrings(c.Server.CORSOrigins)
	out.History.Sinks = cloneStrings(c.History.Sinks)
	return out
}

// Dump renders the config as YAML for archive files. Secrets are masked.
func (c Config) Dump() string {
	cp := c.Clone()
	if cp.MQTT.Password != "" {
		cp.MQTT.Password = "***"
	}
	b, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Sprintf("<config dump failed: %v>", err)
	}
	return string(b)
}

// Seconds converts a whole-second config field to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Load reads a TOML file on top of the defaults. Environment variables with
// the HBWATCH_ prefix override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	defaults, err := toml.Marshal(Default())
	if err != nil {
		return Config{}, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(filepath.Clean(path))
	if err := v.MergeInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault never fails: a missing, unreadable or invalid file yields
// Default() together with the error so the caller can report it.
func LoadOrDefault(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if err != nil {
		return Default(), err
	}
	return cfg, nil
}

// Save writes cfg as TOML, atomically replacing any existing file.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return atomicWriteFile(clean, b, 0o600)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
