package paging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageRequiresPagingMode(t *testing.T) {
	m := openManager(t, testOptions(t.TempDir()), nil)
	defer m.Close()

	s, err := m.Store("orders")
	require.NoError(t, err)

	_, err = s.Page(textMessage(1))
	require.ErrorIs(t, err, ErrNotPaging)

	ref, paged, err := m.Route("orders", textMessage(1))
	require.NoError(t, err)
	assert.False(t, paged)
	assert.Equal(t, PageRef{}, ref)
}

func TestPageRotation(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.PageMaxMessages = 10

	m := openManager(t, opts, nil)
	defer m.Close()

	s := pagingStore(t, m, "orders")

	for id := uint64(1); id <= 35; id++ {
		ref, err := s.Page(textMessage(id))
		require.NoError(t, err)
		assert.Equal(t, uint32((id-1)/10+1), ref.PageID)
		assert.Equal(t, uint32((id-1)%10), ref.Position)
	}

	assert.Equal(t, []uint32{1, 2, 3, 4}, s.PageIDs())
	assert.Equal(t, 35, s.MessageCount())
}

func TestPageRotationBySize(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.PageSize = 1024

	m := openManager(t, opts, nil)
	defer m.Close()

	s := pagingStore(t, m, "orders")

	for id := uint64(1); id <= 20; id++ {
		_, err := s.Page(Message{ID: id, Body: make([]byte, 200)})
		require.NoError(t, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	assert.Greater(t, len(s.pages), 4)
	for _, p := range s.pages {
		assert.LessOrEqual(t, p.Size(), opts.PageSize)
	}
}

// Messages paged without any transaction around them, process killed right
// after the last one: the restart delivers exactly those messages.
func TestPageCountSyncWithoutTransaction(t *testing.T) {
	const messages = 1500

	dir := t.TempDir()
	opts := testOptions(dir)
	opts.PageSize = 64 * 1024

	m := openManager(t, opts, nil)
	s := pagingStore(t, m, "sync-queue")

	sent := make([]Message, 0, messages)
	for id := uint64(1); id <= messages; id++ {
		msg := randomMessage(id, 1024)
		_, err := s.Page(msg)
		require.NoError(t, err)
		sent = append(sent, msg)
	}

	// the process dies here: nothing is closed or flushed
	restarted := openManager(t, opts, nil)
	defer restarted.Close()

	rs, ok := restarted.Lookup("sync-queue")
	require.True(t, ok)
	assert.True(t, rs.IsPaging())
	assert.Equal(t, messages, rs.MessageCount())

	got := drain(t, rs.Cursor("queue"))
	require.Len(t, got, messages)
	for i := range sent {
		require.Equal(t, sent[i].ID, got[i].ID)
		require.Equal(t, len(sent[i].Body), len(got[i].Body))
	}

	_, ok, err := rs.Cursor("queue").Next()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Close())
}

func TestCursorRestart(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.PageMaxMessages = 20

	cursors := newMemoryCursors()

	m := openManager(t, opts, cursors)
	s := pagingStore(t, m, "orders")

	for id := uint64(1); id <= 100; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
	}

	live := s.Cursor("q1")
	for i := 0; i < 50; i++ {
		_, ok, err := live.Next()
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, Position{PageID: 3, Position: 10}, live.Position())
	require.NoError(t, live.Commit())

	saved, ok := cursors.get("orders", "q1")
	require.True(t, ok)
	require.Equal(t, Position{PageID: 3, Position: 10}, saved)

	// pages every queue moved past are gone
	assert.Equal(t, []uint32{3, 4, 5}, s.PageIDs())
	_, err := os.Stat(PageName(s.dir, 1))
	assert.True(t, os.IsNotExist(err))

	want := drain(t, live)
	require.Len(t, want, 50)
	require.NoError(t, m.Close())

	restarted := openManager(t, opts, cursors)
	defer restarted.Close()

	require.NoError(t, restarted.RestoreCursor("orders", "q1", saved))
	rs, _ := restarted.Lookup("orders")

	got := drain(t, rs.Cursor("q1"))
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(51), got[0].ID)
}

func TestCursorFollowsNewMessages(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.PageMaxMessages = 3

	m := openManager(t, opts, nil)
	defer m.Close()

	s := pagingStore(t, m, "orders")
	c := s.Cursor("q")

	_, ok, err := c.Next()
	require.NoError(t, err)
	require.False(t, ok)

	for id := uint64(1); id <= 4; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
	}
	require.Len(t, drain(t, c), 4)

	for id := uint64(5); id <= 7; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
	}

	got := drain(t, c)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(5), got[0].ID)
	assert.Equal(t, Position{PageID: 3, Position: 1}, c.Position())
}

func TestRestoredCursorIsClamped(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.PageMaxMessages = 5

	m := openManager(t, opts, nil)
	defer m.Close()

	s := pagingStore(t, m, "orders")
	for id := uint64(1); id <= 7; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
	}

	c := s.RestoreCursor("q", Position{PageID: 1, Position: 99})
	assert.Equal(t, Position{PageID: 1, Position: 5}, c.Position())

	got := drain(t, c)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(6), got[0].ID)
}

func TestTornPageHeaderIsRemoved(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.PageMaxMessages = 2

	m := openManager(t, opts, nil)
	s := pagingStore(t, m, "orders")
	for id := uint64(1); id <= 3; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	require.NoError(t, os.WriteFile(PageName(s.dir, 3), []byte("PA"), 0o666))

	restarted := openManager(t, opts, nil)
	defer restarted.Close()

	rs, _ := restarted.Lookup("orders")
	assert.Equal(t, []uint32{1, 2}, rs.PageIDs())

	// page 2 is current again and still has room
	ref, err := rs.Page(textMessage(4))
	require.NoError(t, err)
	assert.Equal(t, PageRef{Address: "orders", PageID: 2, Position: 1}, ref)
	assert.Len(t, drain(t, rs.Cursor("q")), 4)
}

func TestTornHeaderOfClosedPageIsFatal(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.PageMaxMessages = 1

	m := openManager(t, opts, nil)
	s := pagingStore(t, m, "orders")
	for id := uint64(1); id <= 3; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	require.NoError(t, os.WriteFile(PageName(s.dir, 2), []byte("PA"), 0o666))

	restarted, err := NewManager(testLogger(), nil, opts, nil)
	require.NoError(t, err)

	err = restarted.Load()
	require.ErrorIs(t, err, ErrCorruptPage)

	var cerr *CorruptionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, uint32(2), cerr.PageID)

	// nothing was repaired
	for id := uint32(1); id <= 3; id++ {
		assert.FileExists(t, PageName(s.dir, id))
	}
}

func TestPageGapIsFatal(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.PageMaxMessages = 1

	m := openManager(t, opts, nil)
	s := pagingStore(t, m, "orders")
	for id := uint64(1); id <= 3; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	require.NoError(t, os.Remove(PageName(s.dir, 2)))

	restarted, err := NewManager(testLogger(), nil, opts, nil)
	require.NoError(t, err)
	require.ErrorIs(t, restarted.Load(), ErrCorruptPage)
}

func TestAddressDirectory(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, testOptions(dir), nil)
	defer m.Close()

	s, err := m.Store("a/b with spaces")
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(StoreDir(dir, "a/b with spaces"), addressFileName))
	require.NoError(t, err)
	assert.Equal(t, "a/b with spaces", string(b))
	assert.Equal(t, filepath.Dir(s.dir), dir)
}
