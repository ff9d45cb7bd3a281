package paging

import (
	"math/rand"
	"sync"
	"testing"

	"brokerstore/config"

	"github.com/go-faker/faker/v4"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type memoryCursors struct {
	mu    sync.Mutex
	saved map[string]Position
}

func newMemoryCursors() *memoryCursors {
	return &memoryCursors{saved: make(map[string]Position)}
}

func (c *memoryCursors) SaveCursor(address, queue string, pos Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved[address+"/"+queue] = pos
	return nil
}

func (c *memoryCursors) get(address, queue string) (Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.saved[address+"/"+queue]
	return pos, ok
}

func testOptions(dir string) config.PagingOptions {
	opts := config.DefaultPagingOptions(dir)
	opts.HighWaterMark = 1000
	opts.LowWaterMark = 500
	return opts
}

func openManager(t *testing.T, opts config.PagingOptions, cursors CursorStore) *Manager {
	t.Helper()

	m, err := NewManager(log.NewNopLogger(), prometheus.NewRegistry(), opts, cursors)
	require.NoError(t, err)
	require.NoError(t, m.Load())

	return m
}

// pagingStore returns the store of address already in paging mode.
func pagingStore(t *testing.T, m *Manager, address string) *Store {
	t.Helper()

	ev, err := m.OnMemoryPressure(address, m.opts.HighWaterMark+1)
	require.NoError(t, err)
	require.NotNil(t, ev)

	s, ok := m.Lookup(address)
	require.True(t, ok)

	return s
}

func randomMessage(id uint64, maxSize int) Message {
	b := make([]byte, rand.Intn(maxSize+1))
	rand.Read(b)
	return Message{ID: id, Body: b}
}

func textMessage(id uint64) Message {
	return Message{ID: id, Body: []byte(faker.Sentence())}
}

func drain(t *testing.T, c *Cursor) []Message {
	t.Helper()

	var out []Message
	for {
		m, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func testLogger() log.Logger {
	return log.NewNopLogger()
}
