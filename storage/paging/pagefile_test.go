package paging

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageFileAppendAndReload(t *testing.T) {
	dir := t.TempDir()

	p, err := createPageFile(dir, 1, true)
	require.NoError(t, err)

	var (
		want    []Message
		scratch []byte
	)
	for id := uint64(1); id <= 20; id++ {
		m := textMessage(id)
		require.NoError(t, p.append(m, &scratch))
		want = append(want, m)
	}
	require.NoError(t, p.append(Message{ID: 21}, &scratch))
	want = append(want, Message{ID: 21})
	require.NoError(t, p.seal())

	stat, err := os.Stat(p.path)
	require.NoError(t, err)
	assert.Equal(t, p.Size()+trailerSize, stat.Size())

	reopened, repaired, err := openPageFile(p.path, 1, false, true)
	require.NoError(t, err)
	assert.False(t, repaired)
	assert.Equal(t, uint32(21), reopened.Count())

	got, err := reopened.readMessages(reopened.Count())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	id, all, err := ReadPage(p.path)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
	assert.Equal(t, want, all)
}

func TestIncompleteLastPageIsTruncated(t *testing.T) {
	dir := t.TempDir()

	p, err := createPageFile(dir, 4, true)
	require.NoError(t, err)

	var scratch []byte
	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, p.append(textMessage(id), &scratch))
	}
	size := p.Size()
	require.NoError(t, p.seal())

	// a sixth message torn half way through, over the old trailer
	torn := appendFrame(nil, textMessage(6))
	f, err := os.OpenFile(p.path, os.O_RDWR, 0o666)
	require.NoError(t, err)
	_, err = f.WriteAt(torn[:len(torn)/2], size)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = openPageFile(p.path, 4, false, true)
	require.ErrorIs(t, err, ErrCorruptPage, "only the last page may be repaired")

	reopened, repaired, err := openPageFile(p.path, 4, true, true)
	require.NoError(t, err)
	assert.True(t, repaired)
	assert.Equal(t, uint32(5), reopened.Count())
	assert.Equal(t, size, reopened.Size())

	// appends continue behind the repaired trailer
	require.NoError(t, reopened.append(textMessage(7), &scratch))
	require.NoError(t, reopened.seal())

	_, msgs, err := ReadPage(p.path)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	assert.Equal(t, uint64(7), msgs[5].ID)
}

func TestDamagedCompletePageIsFatal(t *testing.T) {
	dir := t.TempDir()

	p, err := createPageFile(dir, 2, true)
	require.NoError(t, err)

	var scratch []byte
	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, p.append(textMessage(id), &scratch))
	}
	require.NoError(t, p.seal())

	b, err := os.ReadFile(p.path)
	require.NoError(t, err)
	b[pageHeaderSize+20] ^= 0xff
	require.NoError(t, os.WriteFile(p.path, b, 0o666))

	_, _, err = openPageFile(p.path, 2, true, true)
	require.ErrorIs(t, err, ErrCorruptPage)

	var cerr *CorruptionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, uint32(2), cerr.PageID)
	assert.Equal(t, int64(pageHeaderSize), cerr.Offset)
}
