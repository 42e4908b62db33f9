package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventRestart      EventType = "restart"
	EventAlert        EventType = "alert"
	EventArchive      EventType = "archive"
	EventShutdown     EventType = "shutdown"
	EventReset        EventType = "reset"
)

// Record is the supervisor-side snapshot attached to an event.
type Record struct {
	App     string `json:"app"`
	PID     int    `json:"pid"`
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
	Message string `json:"message,omitempty"`
}

// Event represents a supervision event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans one event out to several sinks. Errors are joined; a failing
// sink does not stop delivery to the others.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that supports it.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Async delivers events from a buffered queue on its own goroutine so that
// callers on the tick path never wait on a remote store. Events are dropped
// when the queue is full or the queue has been closed.
type Async struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
	q       chan Event
	done    chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func NewAsync(sink Sink, buffer int, log *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{sink: sink, log: log, timeout: 5 * time.Second, q: make(chan Event, buffer), done: make(chan struct{})}
	go a.loop()
	return a
}

// Send enqueues e. It never blocks.
func (a *Async) Send(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.log.Debug("history closed, event dropped", "type", e.Type)
		return nil
	}
	select {
	case a.q <- e:
		return nil
	default:
		a.log.Warn("history queue full, event dropped", "type", e.Type)
		return nil
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.q {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Send(ctx, e); err != nil {
			a.log.Warn("history send failed", "type", e.Type, "err", err)
		}
		cancel()
	}
}

// Close drains the queue and closes the wrapped sink when it supports it.
// Later calls return the first result.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.q)
		a.mu.Unlock()

		<-a.done
		if c, ok := a.sink.(interface{ Close() error }); ok {
			a.closeErr = c.Close()
		}
	})
	return a.closeErr
}
