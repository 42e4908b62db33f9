package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/loykin/hbwatch/internal/events"
	"github.com/loykin/hbwatch/internal/metrics"
)

var (
	ErrNotConnected  = errors.New("heartbeat not connected")
	ErrConnectFailed = errors.New("heartbeat connect failed")
	// ErrSuperseded is returned by Connect when the channel was closed or
	// reopened while the attempt was in flight.
	ErrSuperseded = errors.New("heartbeat connection superseded")
)

// Receive retry budget: consecutive failed or empty reads tolerated before
// the connection is declared lost.
const (
	DefaultReceiveRetries = 3
	DefaultReceivePause   = 100 * time.Millisecond
	readBufferSize        = 4096
)

// Options configures the outbound connection.
type Options struct {
	Addr              string        // host:port of the monitored application
	MaxConnectAttempt int           // attempts per Connect call (min 1)
	ConnectionTimeout time.Duration // dial timeout and delay between attempts
	ReceiveRetries    int
	ReceivePause      time.Duration
}

// Channel is the single heartbeat connection to the monitored application.
// All fields are guarded by mu; the receive goroutine only touches them
// through helpers that check the connection generation, so callbacks of a
// replaced socket are ignored.
type Channel struct {
	sink    events.Sink
	signals *SignalBuffer
	dialer  net.Dialer
	now     func() time.Time

	mu             sync.Mutex
	opts           Options
	state          State
	conn           net.Conn
	gen            uint64
	everConnected  bool
	lastResponsive time.Time
	attempts       int
	lastMismatch   int
	onConnected    func()
	onDisconnected func(error)
}

func NewChannel(opts Options, signals *SignalBuffer, sink events.Sink) *Channel {
	if signals == nil {
		signals = NewSignalBuffer(0)
	}
	if sink == nil {
		sink = events.Discard{}
	}
	c := &Channel{sink: sink, signals: signals, now: time.Now, opts: withDefaults(opts)}
	c.lastResponsive = c.now()
	metrics.SetConnectionState(Idle.String(), StateNames())
	return c
}

func withDefaults(o Options) Options {
	if o.MaxConnectAttempt <= 0 {
		o.MaxConnectAttempt = 1
	}
	if o.ReceiveRetries <= 0 {
		o.ReceiveRetries = DefaultReceiveRetries
	}
	if o.ReceivePause <= 0 {
		o.ReceivePause = DefaultReceivePause
	}
	return o
}

// SetOptions applies new settings; they take effect on the next Connect.
func (c *Channel) SetOptions(o Options) {
	c.mu.Lock()
	c.opts = withDefaults(o)
	c.mu.Unlock()
}

func (c *Channel) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// OnConnected registers a hook run (without locks held) after each successful connect.
func (c *Channel) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// OnDisconnected registers a hook run when an established connection is lost.
func (c *Channel) OnDisconnected(fn func(error)) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

func (c *Channel) Signals() *SignalBuffer { return c.signals }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EverConnected reports whether this channel (since the last Reopen) has connected.
func (c *Channel) EverConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.everConnected
}

func (c *Channel) LastResponsive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponsive
}

func (c *Channel) MarkResponsive(t time.Time) {
	c.mu.Lock()
	c.lastResponsive = t
	c.mu.Unlock()
}

// Attempts is the number of consecutive failed or in-flight connect attempts.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) ResetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// SaturateAttempts pins the attempt counter at its maximum so that no
// further Connect call dials until ResetAttempts.
func (c *Channel) SaturateAttempts() {
	c.mu.Lock()
	c.attempts = c.opts.MaxConnectAttempt
	c.mu.Unlock()
}

// setState must be called with mu held.
func (c *Channel) setState(to State) bool {
	if !CanTransition(c.state, to) {
		return false
	}
	c.state = to
	metrics.SetConnectionState(to.String(), StateNames())
	return true
}

// Connect dials the configured address, retrying after ConnectionTimeout
// until MaxConnectAttempt attempts have failed. It blocks; callers run it off
// the tick path.
func (c *Channel) Connect(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect panic: %v", r)
			c.sink.Message(err.Error(), true)
		}
	}()

	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	if c.attempts >= c.opts.MaxConnectAttempt {
		c.mu.Unlock()
		return fmt.Errorf("%w: attempts exhausted", ErrConnectFailed)
	}
	c.setState(Connecting)
	c.gen++
	gen := c.gen
	opts := c.opts
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return ErrSuperseded
		}
		if c.attempts >= opts.MaxConnectAttempt {
			c.setState(Disconnected)
			c.mu.Unlock()
			c.sink.Message(fmt.Sprintf("could not connect to %s after %d attempts", opts.Addr, opts.MaxConnectAttempt), true)
			return fmt.Errorf("%w: %s", ErrConnectFailed, opts.Addr)
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		metrics.IncConnectAttempt()
		c.sink.Message(fmt.Sprintf("connecting to %s (attempt %d/%d)", opts.Addr, attempt, opts.MaxConnectAttempt), false)

		dctx := ctx
		cancel := func() {}
		if opts.ConnectionTimeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, opts.ConnectionTimeout)
		}
		conn, derr := c.dialer.DialContext(dctx, "tcp", opts.Addr)
		cancel()
		if derr == nil {
			return c.established(conn, gen, opts.Addr)
		}

		c.sink.Message(fmt.Sprintf("connect to %s failed: %v", opts.Addr, derr), true)
		if attempt >= opts.MaxConnectAttempt {
			continue
		}
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.gen == gen {
				c.setState(Disconnected)
			}
			c.mu.Unlock()
			return ctx.Err()
		case <-time.After(opts.ConnectionTimeout):
		}
	}
}

func (c *Channel) established(conn net.Conn, gen uint64, addr string) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrSuperseded
	}
	c.conn = conn
	c.setState(Connected)
	c.attempts = 0
	c.everConnected = true
	c.lastResponsive = c.now()
	c.lastMismatch = 0
	hook := c.onConnected
	opts := c.opts
	c.mu.Unlock()

	c.sink.Message("connected to "+addr, false)
	go c.receive(conn, gen, opts)
	if hook != nil {
		hook()
	}
	return nil
}

func (c *Channel) receive(conn net.Conn, gen uint64, opts Options) {
	defer func() {
		if r := recover(); r != nil {
			c.sink.Message(fmt.Sprintf("heartbeat receive panic: %v", r), true)
			c.lost(gen, fmt.Errorf("panic: %v", r))
		}
	}()

	buf := make([]byte, readBufferSize)
	fails := 0
	for {
		n, err := conn.Read(buf)
		if !c.current(gen) {
			return
		}
		if n > 0 {
			fails = 0
			c.handle(buf[:n])
			continue
		}
		fails++
		if fails >= opts.ReceiveRetries || errors.Is(err, net.ErrClosed) {
			if err == nil {
				err = errors.New("empty reads")
			}
			c.lost(gen, err)
			return
		}
		time.Sleep(opts.ReceivePause)
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Channel) handle(data []byte) {
	now := c.now()
	c.mu.Lock()
	c.lastResponsive = now
	c.mu.Unlock()
	metrics.AddHeartbeatBytes(len(data))

	res := c.signals.Apply(data, now)
	switch {
	case res.Dropped:
		c.sink.Message(fmt.Sprintf("warning: %d heartbeat bytes dropped while resizing signals", res.Received), false)
	case res.Mismatch():
		c.mu.Lock()
		report := c.lastMismatch != res.Received
		c.lastMismatch = res.Received
		c.mu.Unlock()
		if report {
			c.sink.Message(fmt.Sprintf("warning: received %d signal bytes, expected %d", res.Received, res.Size), false)
		}
	}
}

func (c *Channel) lost(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(Disconnected)
	hook := c.onDisconnected
	addr := c.opts.Addr
	c.mu.Unlock()

	c.sink.Message(fmt.Sprintf("connection to %s lost: %v", addr, cause), true)
	if hook != nil {
		hook(cause)
	}
}

// Reopen discards the current socket and returns the channel to a fresh
// Idle state, as if newly created. Pending callbacks of the old socket are
// ignored.
func (c *Channel) Reopen() {
	c.mu.Lock()
	c.closeLocked()
	c.everConnected = false
	c.mu.Unlock()
}

// Close shuts the connection down and leaves the channel Idle.
func (c *Channel) Close() {
	c.mu.Lock()
	wasOpen := c.conn != nil
	addr := c.opts.Addr
	c.closeLocked()
	c.mu.Unlock()
	if wasOpen {
		c.sink.Message("disconnected from "+addr, false)
	}
}

func (c *Channel) closeLocked() {
	c.gen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(Idle)
}

// Send writes raw bytes to the monitored application.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	timeout := c.opts.ConnectionTimeout
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("heartbeat send: %w", err)
	}
	return nil
}
