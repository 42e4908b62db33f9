package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hbwatch"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(strings.NewReader(stdin), &out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) (hbwatch.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := hbwatch.DefaultConfig()
	cfg.App.Path = "/opt/demo/demo"
	cfg.Supervisor.Run = false
	cfg.Log.Dir = filepath.Join(dir, "Records")
	cfg.Archive.Dir = filepath.Join(dir, "Archives")
	return cfg, dir
}

func TestHelp(t *testing.T) {
	out, err := runCLI(t, "", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "hbwatch")
	assert.Contains(t, out, "serve")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hbwatch.toml")

	out, err := runCLI(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	_, err = runCLI(t, "", "config", "init", path)
	assert.Error(t, err)

	_, err = runCLI(t, "", "config", "init", path, "--force")
	require.NoError(t, err)

	out, err = runCLI(t, "", "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port = 5000")
}

func TestServe_ConsoleCommands(t *testing.T) {
	cfg, dir := testConfig(t)
	path := filepath.Join(dir, "hbwatch.toml")
	require.NoError(t, hbwatch.SaveConfig(path, cfg))

	var out bytes.Buffer
	flags := &ServeFlags{ConfigPath: path, Session: "console"}
	in := strings.NewReader("port 9000\nsave\n\nstatus\nquit\n")

	done := make(chan error, 1)
	go func() { done <- runServe(context.Background(), flags, in, &out, io.Discard) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop on quit")
	}

	assert.Contains(t, out.String(), "application")
	saved, err := hbwatch.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, saved.Heartbeat.Port)

	files, err := filepath.Glob(filepath.Join(dir, "Archives", "*", "console.txt"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	cfg, dir := testConfig(t)
	path := filepath.Join(dir, "hbwatch.toml")
	require.NoError(t, hbwatch.SaveConfig(path, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, &ServeFlags{ConfigPath: path}, nil, io.Discard, io.Discard) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestClientCommands(t *testing.T) {
	cfg, _ := testConfig(t)
	w, err := hbwatch.New(cfg, hbwatch.WithSession("cli"), hbwatch.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	srv := httptest.NewServer(w.Handler("/api"))
	t.Cleanup(srv.Close)
	api := srv.URL + "/api"

	out, err := runCLI(t, "", "--api-url", api, "exec", "port", "9000")
	require.NoError(t, err)
	assert.Contains(t, out, "9000")
	assert.Equal(t, 9000, w.Config().Heartbeat.Port)

	_, err = runCLI(t, "", "--api-url", api, "exec", "args", "--mode fast", "-v")
	require.NoError(t, err)
	assert.Equal(t, []string{"--mode fast", "-v"}, w.Config().App.Args)

	_, err = runCLI(t, "", "--api-url", api, "exec", "restar")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart")

	out, err = runCLI(t, "", "--api-url", api, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "demo")

	out, err = runCLI(t, "", "--api-url", api, "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"app": "demo"`)

	out, err = runCLI(t, "", "--api-url", api, "settings")
	require.NoError(t, err)
	assert.Contains(t, out, "9000")

	out, err = runCLI(t, "", "--api-url", api, "signals")
	require.NoError(t, err)
	assert.Contains(t, out, "idle")

	out, err = runCLI(t, "", "--api-url", api, "events", "-n", "5")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestJoinArgs(t *testing.T) {
	assert.Equal(t, `args "--mode fast" -v ""`, joinArgs([]string{"args", "--mode fast", "-v", ""}))
}
