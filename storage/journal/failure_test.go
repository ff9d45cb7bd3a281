package journal

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// breakCurrentFile closes the write handle of the current file underneath
// the writer, so the next write or fsync on it fails.
func breakCurrentFile(t *testing.T, j *Journal) *JournalFile {
	t.Helper()

	j.mu.Lock()
	f := j.current
	j.mu.Unlock()

	require.NoError(t, f.SegmentFile.Close())

	return f
}

func TestWriteFailureLeavesLedgerUnchanged(t *testing.T) {
	dir := t.TempDir()

	j, _ := openJournal(t, testOptions(dir))

	first := body()
	require.NoError(t, j.AppendAdd(1, 1, first, true))

	files := len(j.Files())
	broken := breakCurrentFile(t, j)

	require.ErrorIs(t, j.AppendAdd(7, 1, body(), true), ErrIoFailure)
	assert.True(t, broken.unusable.Load())
	assert.Equal(t, []uint64{1}, j.LiveRecords())

	// the lost add is not live, so nothing can update it
	require.ErrorIs(t, j.AppendUpdate(7, 1, body()), ErrUnknownRecord)

	// a retry goes to a fresh file
	retried := body()
	require.NoError(t, j.AppendAdd(7, 1, retried, true))
	assert.Equal(t, []uint64{1, 7}, j.LiveRecords())

	stats := j.Files()
	require.Len(t, stats, files+1)
	assert.Greater(t, stats[len(stats)-1].ID, broken.ID())

	require.NoError(t, j.Stop())

	j, res := openJournal(t, testOptions(dir))
	defer j.Stop()

	assert.Equal(t, map[uint64]string{1: string(first), 7: string(retried)}, bodies(res.Records))
	assert.Zero(t, res.Orphans)
	assert.Empty(t, res.Truncated)
}

func TestRecordsQueuedBehindFailedWriteAreDropped(t *testing.T) {
	dir := t.TempDir()

	j, _ := openJournal(t, testOptions(dir))

	require.NoError(t, j.AppendAdd(1, 1, body(), true))
	breakCurrentFile(t, j)

	// neither reaches disk: the update is either accepted against the
	// pending add and dropped behind it, or refused once the add is reverted
	require.NoError(t, j.AppendAdd(2, 1, body(), false))
	err := j.AppendUpdate(2, 1, body())
	require.True(t, errors.Is(err, ErrIoFailure) || errors.Is(err, ErrUnknownRecord), "unexpected error %v", err)

	assert.Equal(t, []uint64{1}, j.LiveRecords())
	require.ErrorIs(t, j.AppendDelete(2), ErrUnknownRecord)

	require.NoError(t, j.AppendAdd(3, 1, body(), true))
	require.NoError(t, j.Stop())

	j, res := openJournal(t, testOptions(dir))
	defer j.Stop()

	assert.Len(t, res.Records, 2)
	assert.Contains(t, res.Records, uint64(1))
	assert.Contains(t, res.Records, uint64(3))
	assert.Zero(t, res.Orphans)
}

func TestTransactionWithLostRecordCanOnlyRollBack(t *testing.T) {
	dir := t.TempDir()

	j, _ := openJournal(t, testOptions(dir))

	require.NoError(t, j.AppendAddInTx(100, 1, 1, body()))
	require.NoError(t, j.AppendAdd(50, 1, body(), true))

	breakCurrentFile(t, j)

	require.NoError(t, j.AppendAddInTx(100, 2, 1, body()))
	require.ErrorIs(t, j.Commit(100), ErrIoFailure)
	require.ErrorIs(t, j.Prepare(100, []byte("xid")), ErrIoFailure)
	require.ErrorIs(t, j.Commit(100), ErrIoFailure)

	require.NoError(t, j.Rollback(100))
	assert.Equal(t, []uint64{50}, j.LiveRecords())

	// an unrelated transaction is not affected
	require.NoError(t, j.AppendAddInTx(200, 3, 1, body()))
	require.NoError(t, j.Commit(200))
	assert.Equal(t, []uint64{3, 50}, j.LiveRecords())

	require.NoError(t, j.Stop())

	j, res := openJournal(t, testOptions(dir))
	defer j.Stop()

	assert.Len(t, res.Records, 2)
	assert.Contains(t, res.Records, uint64(3))
	assert.Contains(t, res.Records, uint64(50))
	assert.Empty(t, res.Failed)
	assert.Zero(t, res.Discarded)
	assert.Zero(t, res.Orphans)
}

func TestSealFailureFailsCommitOfItsTransactions(t *testing.T) {
	j, _ := openJournal(t, testOptions(t.TempDir()))
	defer j.Stop()

	require.NoError(t, j.AppendAddInTx(100, 1, 1, body()))
	require.NoError(t, j.AppendAdd(50, 1, body(), true))

	// retire the file without a failed write: the commit goes to the next
	// file while sealing this one fails
	f := breakCurrentFile(t, j)
	f.unusable.Store(true)

	require.ErrorIs(t, j.Commit(100), ErrIoFailure)

	require.NoError(t, j.AppendAddInTx(200, 2, 1, body()))
	require.NoError(t, j.Commit(200))
	require.NoError(t, j.AppendAdd(51, 1, body(), true))

	assert.Contains(t, j.LiveRecords(), uint64(2))
	assert.Contains(t, j.LiveRecords(), uint64(51))
}
