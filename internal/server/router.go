package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/loykin/hbwatch/internal/command"
	"github.com/loykin/hbwatch/internal/config"
	"github.com/loykin/hbwatch/internal/events"
	"github.com/loykin/hbwatch/internal/heartbeat"
	"github.com/loykin/hbwatch/internal/supervisor"
	hbtls "github.com/loykin/hbwatch/internal/tls"
)

// Router provides embeddable HTTP handlers for the watchdog.
// Endpoints:
//
//	GET  {basePath}/status    ?format=text for the console rendering
//	GET  {basePath}/settings  ?format=text for the console rendering
//	GET  {basePath}/signals
//	GET  {basePath}/events    ?n=50 (or ?limit=50)
//	POST {basePath}/command   body: {"line": "port 9000"}
//	GET  /healthz
//	GET  /metrics             when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      Supervisor
	cmd      Interpreter
	log      EventLog
	cfg      *config.Store
	basePath string
	metrics  http.Handler
	logger   *slog.Logger
}

// Supervisor is the read side of the supervisor.
type Supervisor interface {
	Snapshot() supervisor.Status
	StatusText() string
	Signals() []heartbeat.Signal
}

type Interpreter interface {
	Execute(line string) command.Result
}

type EventLog interface {
	Recent(n int) []events.Entry
}

func NewRouter(sup Supervisor, cmd Interpreter, log EventLog, cfg *config.Store, basePath string) *Router {
	return &Router{sup: sup, cmd: cmd, log: log, cfg: cfg, basePath: sanitizeBase(basePath), logger: slog.Default()}
}

// WithMetrics mounts h at /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.logger = l
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog)
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/settings", r.handleSettings)
	group.GET("/signals", r.handleSignals)
	group.GET("/events", r.handleEvents)
	group.POST("/command", r.handleCommand)
	return g
}

func (r *Router) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.logger.Debug("http request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// CommandRequest is the body of POST /command.
type CommandRequest struct {
	Line string `json:"line"`
}

// CommandResponse mirrors command.Result.
type CommandResponse struct {
	Command     string   `json:"command"`
	Output      string   `json:"output,omitempty"`
	Error       string   `json:"error,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if wantsText(c) {
		writeText(c, http.StatusOK, r.sup.StatusText())
		return
	}
	writeJSON(c, http.StatusOK, r.sup.Snapshot())
}

func (r *Router) handleSettings(c *gin.Context) {
	cfg := r.cfg.Snapshot()
	if wantsText(c) {
		writeText(c, http.StatusOK, command.SettingsText(cfg))
		return
	}
	if cfg.MQTT.Password != "" {
		cfg.MQTT.Password = "***"
	}
	writeJSON(c, http.StatusOK, cfg)
}

func (r *Router) handleSignals(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Signals())
}

func (r *Router) handleEvents(c *gin.Context) {
	n := 50
	s := c.Query("n")
	if s == "" {
		s = c.Query("limit")
	}
	if s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "n must be a non-negative integer"})
			return
		}
		n = v
	}
	writeJSON(c, http.StatusOK, r.log.Recent(n))
}

func (r *Router) handleCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Line == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "line required"})
		return
	}
	res := r.cmd.Execute(req.Line)
	resp := CommandResponse{Command: res.Command, Output: res.Output, Suggestions: res.Suggestions}
	code := http.StatusOK
	if res.Err != nil {
		resp.Error = res.Err.Error()
		code = http.StatusBadRequest
		if errors.Is(res.Err, command.ErrNotFound) {
			code = http.StatusNotFound
		}
	}
	writeJSON(c, code, resp)
}

// NewServer wraps h with CORS (when origins are configured) and TLS (when
// enabled) and returns an unstarted server.
func NewServer(cfg config.ServerConfig, h http.Handler) (*http.Server, error) {
	if len(cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}).Handler(h)
	}
	tlsCfg, err := hbtls.Setup(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, nil
}

// Serve runs srv on ln until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return <-errCh
	}
}

// ListenAndServe listens on srv.Addr and calls Serve.
func ListenAndServe(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	return Serve(ctx, srv, ln)
}
