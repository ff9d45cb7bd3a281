package journal

import (
	"sync"
	"testing"

	"brokerstore/config"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendBeforeReplay(t *testing.T) {
	j, err := NewJournal(log.NewNopLogger(), prometheus.NewRegistry(), testOptions(t.TempDir()))
	require.NoError(t, err)

	require.ErrorIs(t, j.AppendAdd(1, 0, body(), true), ErrNotLoaded)
	require.NoError(t, j.Stop())
	require.ErrorIs(t, j.Stop(), ErrJournalClosed)
}

func TestReplayOnlyOnce(t *testing.T) {
	j, _ := openJournal(t, testOptions(t.TempDir()))
	defer j.Stop()

	err := j.Replay(func(*ReplayResult) error { return nil })
	require.ErrorIs(t, err, ErrAlreadyLoaded)
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	j, res := openJournal(t, testOptions(dir))
	require.Empty(t, res.Records)
	require.Equal(t, uint64(1), res.NextID())

	want := make(map[uint64]string)

	for id := uint64(1); id <= 100; id++ {
		b := body()
		require.NoError(t, j.AppendAdd(id, 1, b, id%10 == 0))
		want[id] = string(b)
	}

	for id := uint64(1); id <= 100; id += 3 {
		b := body()
		require.NoError(t, j.AppendUpdate(id, 2, b))
		want[id] = string(b)
	}

	for id := uint64(2); id <= 100; id += 7 {
		require.NoError(t, j.AppendDelete(id))
		delete(want, id)
	}

	require.NoError(t, j.Stop())

	j, res = openJournal(t, testOptions(dir))
	defer j.Stop()

	assert.Equal(t, want, bodies(res.Records))
	assert.Equal(t, uint64(100), res.MaxID)
	assert.Equal(t, uint64(101), res.NextID())
	assert.Equal(t, uint8(2), res.Records[1].UserRecordType)
	assert.Equal(t, uint8(1), res.Records[3].UserRecordType)
	assert.Len(t, j.LiveRecords(), len(want))
}

func TestUpdateAndDeleteUnknownRecord(t *testing.T) {
	j, _ := openJournal(t, testOptions(t.TempDir()))
	defer j.Stop()

	require.NoError(t, j.AppendAdd(1, 0, body(), true))
	before := j.Files()

	require.ErrorIs(t, j.AppendUpdate(2, 0, body()), ErrUnknownRecord)
	require.ErrorIs(t, j.AppendDelete(2), ErrUnknownRecord)
	assert.Equal(t, before, j.Files())

	require.NoError(t, j.AppendDelete(1))
	require.ErrorIs(t, j.AppendDelete(1), ErrUnknownRecord)
	require.ErrorIs(t, j.AppendUpdate(1, 0, body()), ErrUnknownRecord)

	require.NoError(t, j.AppendAdd(3, 0, body(), false))
	require.ErrorIs(t, j.AppendAdd(3, 0, body(), false), ErrRecordExists)
}

func TestTransactionsApplyOnlyOnCommit(t *testing.T) {
	dir := t.TempDir()
	j, _ := openJournal(t, testOptions(dir))

	require.NoError(t, j.AppendAdd(1, 0, []byte("one"), true))

	require.NoError(t, j.AppendAddInTx(10, 2, 0, []byte("two")))
	require.NoError(t, j.AppendUpdateInTx(10, 1, 0, []byte("one-tx")))
	require.NoError(t, j.AppendUpdateInTx(10, 2, 0, []byte("two-tx")))
	require.NoError(t, j.Commit(10))

	require.NoError(t, j.AppendAddInTx(11, 3, 0, []byte("three")))
	require.NoError(t, j.AppendDeleteInTx(11, 1))
	require.NoError(t, j.Rollback(11))

	require.ErrorIs(t, j.Commit(11), ErrTransactionNotFound)
	require.ErrorIs(t, j.Commit(12), ErrTransactionNotFound)
	require.ErrorIs(t, j.Rollback(12), ErrTransactionNotFound)

	// a record of another transaction is not visible
	require.NoError(t, j.AppendAddInTx(13, 4, 0, []byte("four")))
	require.ErrorIs(t, j.AppendDeleteInTx(14, 4), ErrUnknownRecord)
	require.ErrorIs(t, j.AppendAdd(4, 0, body(), false), ErrRecordExists)

	require.NoError(t, j.Stop())

	j, res := openJournal(t, testOptions(dir))
	defer j.Stop()

	assert.Equal(t, map[uint64]string{1: "one-tx", 2: "two-tx"}, bodies(res.Records))
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, uint64(13), res.MaxID)
}

func TestUncommittedUpdatePolicy(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		j, _ := openJournal(t, testOptions(t.TempDir()))
		defer j.Stop()

		require.NoError(t, j.AppendAddInTx(10, 1, 0, []byte("tx")))
		require.ErrorIs(t, j.AppendUpdate(1, 0, []byte("eager")), ErrUnknownRecord)
	})

	t.Run("fold", func(t *testing.T) {
		dir := t.TempDir()
		opts := testOptions(dir)
		opts.UncommittedUpdate = config.UpdateFold

		j, _ := openJournal(t, opts)

		require.NoError(t, j.AppendAddInTx(10, 1, 0, []byte("tx")))
		require.NoError(t, j.AppendUpdate(1, 5, []byte("folded")))
		require.NoError(t, j.Commit(10))

		require.NoError(t, j.AppendAddInTx(11, 2, 0, []byte("tx")))
		require.NoError(t, j.AppendUpdate(2, 5, []byte("folded")))
		require.NoError(t, j.Rollback(11))

		require.NoError(t, j.Stop())

		j, res := openJournal(t, opts)
		defer j.Stop()

		require.Equal(t, map[uint64]string{1: "folded"}, bodies(res.Records))
		assert.Equal(t, uint8(5), res.Records[1].UserRecordType)
	})
}

func TestPreparedTransactionSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	j, _ := openJournal(t, testOptions(dir))

	require.NoError(t, j.AppendAddInTx(20, 1, 0, []byte("a")))
	require.NoError(t, j.AppendAddInTx(20, 2, 0, []byte("b")))
	require.NoError(t, j.Prepare(20, []byte("xid-20")))
	require.ErrorIs(t, j.Prepare(20, []byte("xid-20")), ErrTransactionPrepared)
	require.ErrorIs(t, j.AppendAddInTx(20, 3, 0, nil), ErrTransactionPrepared)
	require.NoError(t, j.Stop())

	j, res := openJournal(t, testOptions(dir))

	require.Empty(t, res.Records)
	require.Len(t, res.Prepared, 1)
	assert.Equal(t, uint64(20), res.Prepared[0].TxID)
	assert.Equal(t, []byte("xid-20"), res.Prepared[0].Xid)
	assert.Len(t, res.Prepared[0].Records, 2)

	require.NoError(t, j.Commit(20))
	require.NoError(t, j.Stop())

	j, res = openJournal(t, testOptions(dir))
	defer j.Stop()

	assert.Empty(t, res.Prepared)
	assert.Equal(t, map[uint64]string{1: "a", 2: "b"}, bodies(res.Records))
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.FileSize = 1024

	j, _ := openJournal(t, opts)

	for id := uint64(1); id <= 50; id++ {
		require.NoError(t, j.AppendAdd(id, 0, make([]byte, 100), false))
	}
	require.NoError(t, j.AppendDelete(1))

	files := j.Files()
	require.Greater(t, len(files), 4)

	for i, f := range files {
		assert.LessOrEqual(t, f.Size, opts.FileSize)
		if i < len(files)-1 {
			assert.True(t, f.Sealed, "file %d", f.ID)
		}
	}
	assert.Equal(t, files[0].TotalRecords-1, files[0].LiveRecords)

	require.NoError(t, j.Stop())

	j, res := openJournal(t, opts)
	defer j.Stop()

	assert.Len(t, res.Records, 49)
	assert.Len(t, j.Files(), len(files)+1)
}

func TestConcurrentDurableAppends(t *testing.T) {
	for _, mode := range []config.SyncMode{config.SyncBatch, config.SyncPerRecord} {
		t.Run(string(mode), func(t *testing.T) {
			dir := t.TempDir()
			opts := testOptions(dir)
			opts.SyncMode = mode
			opts.FileSize = 4096

			j, _ := openJournal(t, opts)

			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 50; i++ {
						id := uint64(w*1000 + i + 1)
						assert.NoError(t, j.AppendAdd(id, 0, body(), true))
					}
				}(w)
			}
			wg.Wait()

			require.NoError(t, j.Stop())

			j, res := openJournal(t, opts)
			defer j.Stop()

			assert.Len(t, res.Records, 400)
		})
	}
}
