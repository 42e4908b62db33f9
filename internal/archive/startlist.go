package archive

import (
	"sync"
	"time"
)

// ListMaxLength bounds the number of recorded application starts.
const ListMaxLength = 1000

// StartList is an ordered, bounded list of application start times. When
// full, the oldest entry is dropped.
type StartList struct {
	mu    sync.Mutex
	items []time.Time
	max   int
}

func NewStartList(max int) *StartList {
	if max <= 0 {
		max = ListMaxLength
	}
	return &StartList{max: max}
}

func (l *StartList) Add(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) >= l.max {
		l.items = append(l.items[:0], l.items[1:]...)
	}
	l.items = append(l.items, t)
}

func (l *StartList) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *StartList) Items() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.items...)
}

func (l *StartList) Clear() {
	l.mu.Lock()
	l.items = l.items[:0]
	l.mu.Unlock()
}

// Drain returns the recorded starts and empties the list in one step.
func (l *StartList) Drain() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.items
	l.items = nil
	return out
}

// Restore puts drained starts back in front of anything added since,
// dropping the oldest when the bound is exceeded.
func (l *StartList) Restore(items []time.Time) {
	if len(items) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := append(append([]time.Time(nil), items...), l.items...)
	if extra := len(merged) - l.max; extra > 0 {
		merged = merged[extra:]
	}
	l.items = merged
}
