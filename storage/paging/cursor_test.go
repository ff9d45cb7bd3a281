package paging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingCursors holds SaveCursor until released.
type blockingCursors struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCursors) SaveCursor(string, string, Position) error {
	c.entered <- struct{}{}
	<-c.release
	return nil
}

func TestCommitDoesNotBlockPaging(t *testing.T) {
	cursors := &blockingCursors{entered: make(chan struct{}, 1), release: make(chan struct{})}

	m := openManager(t, testOptions(t.TempDir()), cursors)
	defer m.Close()

	s := pagingStore(t, m, "orders")
	for id := uint64(1); id <= 3; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
	}

	c := s.Cursor("q")
	for i := 0; i < 2; i++ {
		_, ok, err := c.Next()
		require.NoError(t, err)
		require.True(t, ok)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- c.Commit()
	}()

	<-cursors.entered

	// the store stays usable while the position is being persisted
	ref, err := s.Page(textMessage(4))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), ref.Position)
	assert.Equal(t, Position{PageID: 1}, c.Committed())

	close(cursors.release)
	require.NoError(t, <-errc)
	assert.Equal(t, Position{PageID: 1, Position: 2}, c.Committed())
}

func TestCursorReadsOnlyNewFramesOfGrowingPage(t *testing.T) {
	m := openManager(t, testOptions(t.TempDir()), nil)
	defer m.Close()

	s := pagingStore(t, m, "orders")
	c := s.Cursor("q")

	var want []uint64
	for id := uint64(1); id <= 50; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
		want = append(want, id)

		msg, ok, err := c.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, id, msg.ID)

		_, ok, err = c.Next()
		require.NoError(t, err)
		assert.False(t, ok)
	}

	assert.Len(t, c.page, 50)
	assert.Equal(t, want, ids(c.page))
	assert.Equal(t, s.current.Size(), c.pageEnd)
}

func TestCursorRereadsAfterRestore(t *testing.T) {
	m := openManager(t, testOptions(t.TempDir()), nil)
	defer m.Close()

	s := pagingStore(t, m, "orders")
	c := s.Cursor("q")

	for id := uint64(1); id <= 3; id++ {
		_, err := s.Page(textMessage(id))
		require.NoError(t, err)
	}

	msg, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), msg.ID)

	c = s.RestoreCursor("q", Position{PageID: c.Position().PageID, Position: 2})

	msg, ok, err = c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), msg.ID)
}

func ids(msgs []Message) []uint64 {
	out := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
