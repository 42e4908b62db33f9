package hbwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/hbwatch/internal/archive"
	"github.com/loykin/hbwatch/internal/command"
	"github.com/loykin/hbwatch/internal/config"
	"github.com/loykin/hbwatch/internal/events"
	"github.com/loykin/hbwatch/internal/heartbeat"
	"github.com/loykin/hbwatch/internal/history"
	"github.com/loykin/hbwatch/internal/history/factory"
	"github.com/loykin/hbwatch/internal/logger"
	"github.com/loykin/hbwatch/internal/metrics"
	"github.com/loykin/hbwatch/internal/process"
	"github.com/loykin/hbwatch/internal/server"
	"github.com/loykin/hbwatch/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = supervisor.Status

type Result = command.Result

type Event = events.Entry

// Listener receives every user-facing message.
type Listener = events.Listener

// historyBuffer bounds the queue in front of the remote history sinks.
const historyBuffer = 256

// Watchdog owns one supervised application and everything around it.
type Watchdog struct {
	store   *config.Store
	log     *slog.Logger
	session string

	emitter  *events.Emitter
	hist     *history.Async
	mqtt     *events.PahoPublisher
	archiver *archive.Archiver
	app      *process.Controller
	channel  *heartbeat.Channel
	sup      *supervisor.Supervisor
	interp   *command.Interpreter

	closeOnce sync.Once
}

type options struct {
	path    string
	session string
	log     *slog.Logger
	table   process.Table
}

// Option customizes New.
type Option func(*options)

// WithConfigPath sets the file the save command writes to.
func WithConfigPath(path string) Option { return func(o *options) { o.path = path } }

// WithSession names the record and archive files. A random id is used otherwise.
func WithSession(id string) Option { return func(o *options) { o.session = id } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

func withTable(t process.Table) Option { return func(o *options) { o.table = t } }

// LoadConfig reads a TOML config file. A missing or invalid file yields the
// defaults together with the error.
func LoadConfig(path string) (Config, error) { return config.LoadOrDefault(path) }

func DefaultConfig() Config { return config.Default() }

// NewConsoleLogger builds the colored console logger used by the CLI.
func NewConsoleLogger(w io.Writer, level string, color bool) *slog.Logger {
	return logger.NewConsole(w, level, color)
}

// SaveConfig writes cfg as TOML.
func SaveConfig(path string, cfg Config) error { return config.Save(path, cfg) }

// New wires a watchdog from cfg. Nothing is started until Run.
func New(cfg Config, opts ...Option) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = logger.NewConsole(os.Stderr, cfg.Log.Level, false)
	}
	if o.session == "" {
		o.session = uuid.NewString()
	}

	w := &Watchdog{store: config.NewStore(cfg, o.path), log: o.log, session: o.session}

	rec := logger.NewRecordWriter(logger.Config{
		Dir:        cfg.Log.Dir,
		Session:    o.session,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	w.emitter = events.NewEmitter(o.log, rec)
	w.emitter.SetRecording(cfg.Log.Enabled)

	var hist history.Sink
	if len(cfg.History.Sinks) > 0 {
		multi, err := factory.NewMulti(cfg.History.Sinks)
		if err != nil {
			_ = w.emitter.Close()
			return nil, fmt.Errorf("history sinks: %w", err)
		}
		w.hist = history.NewAsync(multi, historyBuffer, o.log)
		hist = w.hist
	}

	if cfg.MQTT.Broker != "" {
		pub, err := events.DialMQTT(events.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			// the watchdog keeps running without the bridge
			w.emitter.Message("mqtt: "+err.Error(), true)
		} else {
			w.mqtt = pub
			events.NewMQTTListener(pub, cfg.MQTT.Topic, cfg.AppName(), o.log).Attach(w.emitter)
		}
	}

	w.archiver = archive.New(w.store, o.session, w.emitter, hist)
	w.app = process.NewController(process.Spec{
		Path:    cfg.App.Path,
		Args:    cfg.App.Args,
		Name:    cfg.App.Name,
		WorkDir: cfg.App.WorkDir,
	}, o.table, w.emitter)
	w.app.OnStart(w.archiver.RecordStart)

	w.channel = heartbeat.NewChannel(heartbeat.Options{
		Addr:              cfg.RemoteAddr(),
		MaxConnectAttempt: cfg.Heartbeat.MaxConnectAttempt,
		ConnectionTimeout: config.Seconds(cfg.Heartbeat.ConnectionTimeout),
	}, heartbeat.NewSignalBuffer(cfg.Heartbeat.NoOfSignals), w.emitter)

	w.sup = supervisor.New(supervisor.Deps{
		Config:    w.store,
		App:       w.app,
		Heartbeat: w.channel,
		Archiver:  w.archiver,
		Sink:      w.emitter,
		History:   hist,
	})
	w.interp = command.NewInterpreter(w.store, w.sup, w.emitter, w.emitter)
	return w, nil
}

// Run supervises until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error { return w.sup.Run(ctx) }

// Execute interprets one command line.
func (w *Watchdog) Execute(line string) Result { return w.interp.Execute(line) }

func (w *Watchdog) Status() Status { return w.sup.Snapshot() }

func (w *Watchdog) StatusText() string { return w.sup.StatusText() }

// Config returns a copy of the live settings.
func (w *Watchdog) Config() Config { return w.store.Snapshot() }

func (w *Watchdog) Session() string { return w.session }

// Events returns up to n recent messages, oldest first.
func (w *Watchdog) Events(n int) []Event { return w.emitter.Recent(n) }

// OnMessage registers l for every message, including command output.
func (w *Watchdog) OnMessage(l Listener) { w.emitter.AddListener(l) }

// OnStatus registers l for query output.
func (w *Watchdog) OnStatus(l func(payload string)) { w.emitter.AddStatusListener(l) }

// Handler returns the admin API mounted under basePath. /metrics is served
// from the default registry.
func (w *Watchdog) Handler(basePath string) http.Handler {
	return server.NewRouter(w.sup, w.interp, w.emitter, w.store, basePath).
		WithMetrics(metrics.Handler()).
		WithLogger(w.log).
		Handler()
}

// Serve runs the admin API described by the server settings until ctx is
// cancelled.
func (w *Watchdog) Serve(ctx context.Context) error {
	cfg := w.store.Snapshot().Server
	if cfg.Listen == "" {
		return errors.New("server.listen is empty")
	}
	srv, err := server.NewServer(cfg, w.Handler(cfg.BasePath))
	if err != nil {
		return err
	}
	w.log.Info("admin API listening", "addr", cfg.Listen, "tls", srv.TLSConfig != nil)
	return server.ListenAndServe(ctx, srv)
}

// Close writes the exit archive, drops the heartbeat connection and flushes
// the history and MQTT sinks. It is safe to call more than once.
func (w *Watchdog) Close() error {
	var errs []error
	w.closeOnce.Do(func() {
		w.sup.Close()
		if w.hist != nil {
			if err := w.hist.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if w.mqtt != nil {
			w.mqtt.Close()
		}
		if err := w.emitter.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr until ctx
// is cancelled.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server.ListenAndServe(ctx, srv)
}
