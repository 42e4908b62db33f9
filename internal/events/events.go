package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/hbwatch/internal/logger"
)

// RingSize is the number of recent messages kept in memory.
const RingSize = 200

// Sink receives every log-worthy message of the watchdog. Status carries
// status/help payloads that are answers to a query rather than log lines.
type Sink interface {
	Message(msg string, isError bool)
	Status(payload string)
}

// Listener is the external callback variant of Sink.Message.
type Listener func(msg string, isError bool)

// StatusListener is the external callback variant of Sink.Status.
type StatusListener func(payload string)

// Entry is one message as kept in the recent ring.
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Error   bool      `json:"error"`
}

// Emitter is the Sink used by every component. It writes record lines
// (while recording is enabled), mirrors them to slog and fans out to
// registered listeners. Safe for concurrent use.
type Emitter struct {
	log       *slog.Logger
	rec       *logger.RecordWriter
	recording atomic.Bool
	now       func() time.Time

	mu              sync.Mutex
	listeners       []Listener
	statusListeners []StatusListener
	ring            []Entry
	next            int
	full            bool
}

// NewEmitter builds an emitter. rec may be nil when records are not kept on disk.
func NewEmitter(log *slog.Logger, rec *logger.RecordWriter) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	e := &Emitter{log: log, rec: rec, now: time.Now, ring: make([]Entry, RingSize)}
	e.recording.Store(rec != nil)
	return e
}

// SetRecording toggles writing of record lines; slog output is unaffected.
func (e *Emitter) SetRecording(on bool) { e.recording.Store(on) }

func (e *Emitter) Recording() bool { return e.recording.Load() }

func (e *Emitter) AddListener(l Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

func (e *Emitter) AddStatusListener(l StatusListener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	e.statusListeners = append(e.statusListeners, l)
	e.mu.Unlock()
}

func (e *Emitter) Message(msg string, isError bool) {
	t := e.now()
	if isError {
		e.log.Error(msg)
	} else {
		e.log.Info(msg)
	}
	if e.rec != nil && e.recording.Load() {
		line := msg
		if isError {
			line = "ERROR " + msg
		}
		if err := e.rec.WriteLine(t, line); err != nil {
			e.log.Warn("record write failed", "err", err)
		}
	}

	e.mu.Lock()
	e.ring[e.next] = Entry{Time: t, Message: msg, Error: isError}
	e.next = (e.next + 1) % len(e.ring)
	if e.next == 0 {
		e.full = true
	}
	ls := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, l := range ls {
		e.safeCall(func() { l(msg, isError) })
	}
}

// Messagef is a formatting shorthand for non-error messages.
func (e *Emitter) Messagef(format string, args ...any) {
	e.Message(fmt.Sprintf(format, args...), false)
}

func (e *Emitter) Status(payload string) {
	e.log.Debug("status payload", "bytes", len(payload))
	e.mu.Lock()
	ls := append([]StatusListener(nil), e.statusListeners...)
	e.mu.Unlock()
	for _, l := range ls {
		e.safeCall(func() { l(payload) })
	}
}

// Recent returns up to n of the latest messages, oldest first. n <= 0 means all.
func (e *Emitter) Recent(n int) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var all []Entry
	if e.full {
		all = append(all, e.ring[e.next:]...)
	}
	all = append(all, e.ring[:e.next]...)
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// Close releases the record file.
func (e *Emitter) Close() error {
	if e.rec == nil {
		return nil
	}
	return e.rec.Close()
}

func (e *Emitter) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event listener panic", "panic", r)
		}
	}()
	fn()
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Message(string, bool) {}
func (Discard) Status(string)        {}
