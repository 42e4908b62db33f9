package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	c := &memSink{}
	m := Multi{a, b, nil, c}

	err := m.Send(context.Background(), Event{Type: EventRestart, OccurredAt: time.Now(), Record: Record{App: "demo", Attempt: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, c.count())

	require.NoError(t, m.Close())
	assert.True(t, a.closed && b.closed && c.closed)
}

func TestAsync_DrainsOnClose(t *testing.T) {
	s := &memSink{}
	a := NewAsync(s, 16, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(context.Background(), Event{Type: EventAlert, Record: Record{Attempt: i}}))
	}
	require.NoError(t, a.Close())
	assert.Equal(t, 10, s.count())
	assert.True(t, s.closed)
}

func TestAsync_SendAfterCloseIsDropped(t *testing.T) {
	s := &memSink{}
	a := NewAsync(s, 4, nil)
	require.NoError(t, a.Send(context.Background(), Event{Type: EventReset}))
	require.NoError(t, a.Close())

	assert.NotPanics(t, func() {
		require.NoError(t, a.Send(context.Background(), Event{Type: EventShutdown}))
	})
	require.NoError(t, a.Close())
	assert.Equal(t, 1, s.count())
}
