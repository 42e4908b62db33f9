package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hbwatch/internal/command"
	"github.com/loykin/hbwatch/internal/config"
	"github.com/loykin/hbwatch/internal/events"
	"github.com/loykin/hbwatch/internal/heartbeat"
	"github.com/loykin/hbwatch/internal/supervisor"
)

type fakeSup struct{}

func (fakeSup) Snapshot() supervisor.Status {
	return supervisor.Status{App: "demo", Connection: "connected", UnstableRestarts: 1}
}
func (fakeSup) StatusText() string { return "application: demo\n" }
func (fakeSup) Signals() []heartbeat.Signal {
	return []heartbeat.Signal{{Index: 0, Value: 0}, {Index: 1, Value: 3, Busy: true}}
}

type fakeInterp struct{ lines []string }

func (f *fakeInterp) Execute(line string) command.Result {
	f.lines = append(f.lines, line)
	switch line {
	case "status":
		return command.Result{Command: "status", Output: "ok"}
	case "port x":
		return command.Result{Command: "port", Err: config.ErrInvalid}
	}
	return command.Result{Command: line, Err: command.ErrNotFound, Suggestions: []string{"status"}}
}

type fakeLog struct{ n int }

func (f *fakeLog) Recent(n int) []events.Entry {
	f.n = n
	return []events.Entry{{Message: "hello"}}
}

func setupRouter(t *testing.T, base string) (http.Handler, *fakeInterp, *fakeLog) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Heartbeat.Port = 9000
	cfg.MQTT.Password = "secret"
	interp, log := &fakeInterp{}, &fakeLog{}
	r := NewRouter(fakeSup{}, interp, log, config.NewStore(cfg, ""), base).
		WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "hbwatch_restarts_total 0\n") }))
	return r.Handler(), interp, log
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	h, _, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "demo", st.App)
	assert.Equal(t, 1, st.UnstableRestarts)

	rec = doReq(t, h, http.MethodGet, "/api/status?format=text", nil)
	assert.Equal(t, "application: demo\n", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestSettings(t *testing.T) {
	h, _, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 9000, cfg.Heartbeat.Port)
	assert.Equal(t, "***", cfg.MQTT.Password)

	rec = doReq(t, h, http.MethodGet, "/settings?format=text", nil)
	assert.Contains(t, rec.Body.String(), "9000")
}

func TestSignalsAndEvents(t *testing.T) {
	h, _, log := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/signals", nil)
	var sig []heartbeat.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sig))
	require.Len(t, sig, 2)
	assert.True(t, sig[1].Busy)

	rec = doReq(t, h, http.MethodGet, "/api/events?n=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, log.n)
	assert.Contains(t, rec.Body.String(), "hello")

	doReq(t, h, http.MethodGet, "/api/events?limit=7", nil)
	assert.Equal(t, 7, log.n)

	rec = doReq(t, h, http.MethodGet, "/api/events?n=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommand(t *testing.T) {
	h, interp, _ := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodPost, "/api/command", CommandRequest{Line: "status"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CommandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Output)

	rec = doReq(t, h, http.MethodPost, "/api/command", CommandRequest{Line: "stat"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp = CommandResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "command not found", resp.Error)
	assert.Equal(t, []string{"status"}, resp.Suggestions)

	rec = doReq(t, h, http.MethodPost, "/api/command", CommandRequest{Line: "port x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/command", CommandRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/command", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Equal(t, []string{"status", "stat", "port x"}, interp.lines)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _, _ := setupRouter(t, "/api")
	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/healthz", nil).Code)
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Contains(t, rec.Body.String(), "hbwatch_restarts_total")
}

func TestNewServer_CORS(t *testing.T) {
	h, _, _ := setupRouter(t, "/api")
	srv, err := NewServer(config.ServerConfig{Listen: "127.0.0.1:0", CORSOrigins: []string{"http://ui.local"}}, h)
	require.NoError(t, err)
	assert.Nil(t, srv.TLSConfig)

	req := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://ui.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe_TLSAndShutdown(t *testing.T) {
	h, _, _ := setupRouter(t, "/api")
	srv, err := NewServer(config.ServerConfig{TLS: config.TLSConfig{
		Enabled: true, Dir: filepath.Join(t.TempDir(), "tls"), AutoGenerate: true,
	}}, h)
	require.NoError(t, err)
	require.NotNil(t, srv.TLSConfig)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, srv, ln) }()

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}, // #nosec G402 self-signed test cert
	}
	resp, err := client.Get("https://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
