package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Minimal(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hbwatch.toml")
	data := `
[app]
path = "/opt/demo/bin/demo-server.exe"

[heartbeat]
port = 7001
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Heartbeat.Port != 7001 {
		t.Fatalf("expected port 7001, got %d", cfg.Heartbeat.Port)
	}
	// untouched keys keep their defaults
	def := Default()
	if cfg.Heartbeat.Address != def.Heartbeat.Address || cfg.Supervisor.MaxRestartAttempt != def.Supervisor.MaxRestartAttempt {
		t.Fatalf("defaults not preserved: %+v", cfg)
	}
	if cfg.AppName() != "demo-server" {
		t.Fatalf("unexpected derived app name %q", cfg.AppName())
	}
}

func TestLoad_Full(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cfg.toml")
	data := `
[app]
path = "/usr/bin/sleep"
args = ["600"]
name = "sleeper"

[heartbeat]
address = "10.0.0.2"
port = 9100
max_connect_attempt = 5
connection_timeout = 2
signals = 16

[supervisor]
run = false
restart_on_start = true
max_unresponsive_time = 12
max_restart_attempt = 4
time_to_stable = 120
termination_timeout = 3

[archive]
on_period = true
on_limit = true
period_days = 1
limit = 5

[history]
sinks = ["sqlite://:memory:"]
`
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))
	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, []string{"600"}, cfg.App.Args)
	assert.Equal(t, "sleeper", cfg.AppName())
	assert.Equal(t, "10.0.0.2:9100", cfg.RemoteAddr())
	assert.Equal(t, 16, cfg.Heartbeat.NoOfSignals)
	assert.False(t, cfg.Supervisor.Run)
	assert.True(t, cfg.Supervisor.RestartOnStart)
	assert.Equal(t, 4, cfg.Supervisor.MaxRestartAttempt)
	assert.True(t, cfg.Archive.OnPeriod)
	assert.Equal(t, 5, cfg.Archive.Limit)
	assert.Equal(t, []string{"sqlite://:memory:"}, cfg.History.Sinks)
}

func TestLoad_RejectsNegative(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "neg.toml")
	require.NoError(t, os.WriteFile(file, []byte("[supervisor]\nmax_restart_attempt = -1\n"), 0o644))
	_, err := Load(file)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadOrDefault_FallsBack(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadOrDefault(filepath.Join(dir, "missing.toml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	assert.Equal(t, Default(), cfg)

	corrupt := filepath.Join(dir, "corrupt.toml")
	require.NoError(t, os.WriteFile(corrupt, []byte("[app\npath = "), 0o644))
	cfg, err = LoadOrDefault(corrupt)
	if err == nil {
		t.Fatalf("expected error for corrupt file")
	}
	assert.Equal(t, Default(), cfg)

	cfg, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveThenLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "nested", "hbwatch.toml")

	cfg := Default()
	cfg.App = AppConfig{Path: "/srv/app/run.sh", Args: []string{"--mode", "fast lane"}, Name: "run", WorkDir: "/srv/app"}
	cfg.Heartbeat.Port = 9000
	cfg.Heartbeat.NoOfSignals = 3
	cfg.Supervisor.ResetOnStart = true
	cfg.Supervisor.TimeToStable = 0
	cfg.Archive.OnLimit = true
	cfg.Log.Compress = true
	cfg.Server.Listen = "127.0.0.1:8088"
	cfg.Server.CORSOrigins = []string{"http://localhost:3000"}
	cfg.Server.TLS = TLSConfig{Enabled: true, Dir: "/etc/hbwatch/tls", AutoGenerate: true, MinVersion: "1.2"}
	cfg.Metrics = MetricsConfig{Enabled: true, Listen: ":9090"}
	cfg.History.Sinks = []string{"sqlite:///tmp/h.db", "opensearch://localhost:9200/hbwatch"}
	cfg.MQTT = MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "w1", Topic: "plant/a", Username: "u", Password: "p"}

	require.NoError(t, Save(file, cfg))
	loaded, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	// defaults survive the trip too
	def := filepath.Join(dir, "default.toml")
	require.NoError(t, Save(def, Default()))
	loaded, err = Load(def)
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)
}

func TestSave_RejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Heartbeat.NoOfSignals = -2
	err := Save(filepath.Join(t.TempDir(), "x.toml"), cfg)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestDump_MasksPassword(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Password = "hunter2"
	out := cfg.Dump()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked in dump:\n%s", out)
	}
	if !strings.Contains(out, "max_restart_attempt: 3") {
		t.Fatalf("dump missing supervisor fields:\n%s", out)
	}
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	s := NewStore(Default(), "")
	_, err := s.Update(func(c *Config) error {
		c.Heartbeat.Port = 9000
		c.Heartbeat.NoOfSignals = -1
		return nil
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if got := s.Snapshot().Heartbeat.Port; got != Default().Heartbeat.Port {
		t.Fatalf("failed update leaked port change: %d", got)
	}

	next, err := s.Update(func(c *Config) error { c.Heartbeat.Port = 9000; return nil })
	require.NoError(t, err)
	assert.Equal(t, 9000, next.Heartbeat.Port)
	assert.Equal(t, 9000, s.Snapshot().Heartbeat.Port)
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	cfg := Default()
	cfg.App.Args = []string{"a"}
	s := NewStore(cfg, "")
	snap := s.Snapshot()
	snap.App.Args[0] = "mutated"
	if s.Snapshot().App.Args[0] != "a" {
		t.Fatalf("snapshot aliases store slice")
	}
}

func TestStore_Save(t *testing.T) {
	if err := NewStore(Default(), "").Save(); err == nil {
		t.Fatalf("expected error without path")
	}
	file := filepath.Join(t.TempDir(), "s.toml")
	s := NewStore(Default(), file)
	_, err := s.Update(func(c *Config) error { c.Archive.Limit = 42; return nil })
	require.NoError(t, err)
	require.NoError(t, s.Save())
	loaded, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Archive.Limit)
}
