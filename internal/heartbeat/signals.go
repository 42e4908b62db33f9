package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"
)

// IdleSignal is the byte value a producer sends for an index that is not busy.
// Any other value is treated as busy and leaves the activity timestamp alone.
// The timestamp records the busy to idle edge, so repeated idle bytes keep
// the time the index first went idle.
const IdleSignal byte = 0x00

// SignalBuffer holds the latest heartbeat byte per signal index and the time
// each index last changed to idle. A resize guard makes concurrent receives drop
// their payload instead of touching a buffer that is being replaced.
type SignalBuffer struct {
	resizing atomic.Bool

	mu       sync.RWMutex
	data     []byte
	lastIdle []time.Time
}

// Signal is one index of a buffer snapshot.
type Signal struct {
	Index    int       `json:"index"`
	Value    byte      `json:"value"`
	Busy     bool      `json:"busy"`
	LastIdle time.Time `json:"last_idle,omitempty"`
}

// ApplyResult describes how one received payload was applied.
type ApplyResult struct {
	Received int  // payload length
	Size     int  // buffer length at apply time
	Applied  int  // bytes copied (overlapping prefix)
	Dropped  bool // a resize was in progress
}

// Mismatch reports whether producer and consumer lengths differ.
func (r ApplyResult) Mismatch() bool { return !r.Dropped && r.Received != r.Size }

func NewSignalBuffer(n int) *SignalBuffer {
	if n < 0 {
		n = 0
	}
	return &SignalBuffer{data: make([]byte, n), lastIdle: make([]time.Time, n)}
}

// Apply copies the overlapping prefix of data into the buffer.
func (b *SignalBuffer) Apply(data []byte, now time.Time) ApplyResult {
	if b.resizing.Load() {
		return ApplyResult{Received: len(data), Dropped: true}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	res := ApplyResult{Received: len(data), Size: len(b.data)}
	n := min(len(b.data), len(data))
	for i := 0; i < n; i++ {
		if data[i] == IdleSignal && (b.data[i] != IdleSignal || b.lastIdle[i].IsZero()) {
			b.lastIdle[i] = now
		}
		b.data[i] = data[i]
	}
	res.Applied = n
	return res
}

// Resize replaces the buffer with one of length n, keeping the overlapping
// prefix of values and timestamps.
func (b *SignalBuffer) Resize(n int) {
	if n < 0 {
		n = 0
	}
	b.resizing.Store(true)
	defer b.resizing.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()
	data := make([]byte, n)
	idle := make([]time.Time, n)
	copy(data, b.data)
	copy(idle, b.lastIdle)
	b.data, b.lastIdle = data, idle
}

func (b *SignalBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *SignalBuffer) Snapshot() []Signal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Signal, len(b.data))
	for i, v := range b.data {
		out[i] = Signal{Index: i, Value: v, Busy: v != IdleSignal, LastIdle: b.lastIdle[i]}
	}
	return out
}
