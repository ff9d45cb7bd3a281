package journal

import (
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"brokerstore/config"
	"brokerstore/storage"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Journal is the append-only durable log of record operations.
//
// All appends go through one writer goroutine in submission order; callers
// asking for durability wait until their frame has been fsynced. Replay must
// run once before any append is accepted.
type Journal struct {
	logger        log.Logger
	opts          config.JournalOptions
	dir           string
	metrics       *JournalMetrics
	pool          *storage.BytesPool
	compressAbove int

	mu         sync.Mutex
	ledger     *ledger
	current    *JournalFile
	nextFileID uint32
	maxID      uint64
	loaded     bool
	closed     bool

	// the file arena; readers open handles under the read lock, compaction
	// swaps files under the write lock
	filesMu sync.RWMutex
	files   []*JournalFile

	// transactions that lost a frame to a failed write or fsync
	failedTxs sync.Map

	// records applied to the ledger but not yet handled by the writer, in
	// submission order; guarded by mu
	inflight  []*pendingWrite
	seq       uint64
	seenEpoch uint64

	// A failed write bumps epoch and records the failed seq in failFrom.
	// Requests stamped with an older epoch are dropped by the writer, so the
	// ledger can be rolled back over a contiguous suffix. Only the writer
	// changes them, under failMu.
	failMu    sync.Mutex
	epoch     uint64
	failFrom  uint64
	processed atomic.Uint64

	// writer-owned: transactions with frames in each unsealed file
	fileTxs map[*JournalFile]map[uint64]struct{}

	appendc    chan *writeRequest
	donec      chan struct{}
	compacting atomic.Bool
	wg         sync.WaitGroup
}

type FileStats struct {
	ID           uint32
	Path         string
	Size         int64
	LiveRecords  int
	TotalRecords int
	CompactCount uint8
	Sealed       bool
}

func NewJournal(logger log.Logger, registerer prometheus.Registerer, opts config.JournalOptions) (*Journal, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "journal options")
	}

	if err := os.MkdirAll(opts.Dir, 0o777); err != nil {
		return nil, err
	}

	j := &Journal{
		logger:        log.With(logger, "component", "journal"),
		opts:          opts,
		dir:           opts.Dir,
		pool:          storage.NewBytesPool(),
		ledger:        newLedger(),
		compressAbove: -1,
	}

	if opts.Compression == config.CompressionSnappy {
		j.compressAbove = opts.CompressThreshold
	}

	j.metrics = NewJournalMetrics(prometheus.WrapRegistererWithPrefix("storage_journal_", registerer))

	return j, nil
}

// AppendAdd records a new record. With durable set it returns once the frame
// reached disk.
func (j *Journal) AppendAdd(id uint64, userRecordType uint8, body []byte, durable bool) error {
	return j.submit(durable, func() (Record, error) {
		if err := j.checkAbsentLocked(id); err != nil {
			return Record{}, err
		}
		return Record{Kind: KindAdd, ID: id, UserRecordType: userRecordType, Body: body}, nil
	})
}

// AppendUpdate replaces the body of a live record.
//
// An id that so far only exists inside an uncommitted transaction is handled
// per the UncommittedUpdate option: rejected with ErrUnknownRecord, or folded
// into the owning transaction as an update-tx record.
func (j *Journal) AppendUpdate(id uint64, userRecordType uint8, body []byte) error {
	return j.submit(true, func() (Record, error) {
		if _, ok := j.ledger.records[id]; ok {
			return Record{Kind: KindUpdate, ID: id, UserRecordType: userRecordType, Body: body}, nil
		}

		owner, ok := j.ledger.pendingOwner(id)
		if ok && !owner.prepared && j.opts.UncommittedUpdate == config.UpdateFold {
			return Record{Kind: KindUpdateInTx, TxID: owner.id, ID: id, UserRecordType: userRecordType, Body: body}, nil
		}

		return Record{}, errors.Wrapf(ErrUnknownRecord, "update of record %d", id)
	})
}

// AppendDelete removes a live record. Deleting an id that is not live,
// including one already deleted, fails with ErrUnknownRecord.
func (j *Journal) AppendDelete(id uint64) error {
	return j.submit(true, func() (Record, error) {
		if _, ok := j.ledger.records[id]; !ok {
			return Record{}, errors.Wrapf(ErrUnknownRecord, "delete of record %d", id)
		}
		return Record{Kind: KindDelete, ID: id}, nil
	})
}

func (j *Journal) AppendAddInTx(txID, id uint64, userRecordType uint8, body []byte) error {
	return j.submit(false, func() (Record, error) {
		if err := j.checkOpenTxLocked(txID); err != nil {
			return Record{}, err
		}
		if err := j.checkAbsentLocked(id); err != nil {
			return Record{}, err
		}
		return Record{Kind: KindAddInTx, TxID: txID, ID: id, UserRecordType: userRecordType, Body: body}, nil
	})
}

func (j *Journal) AppendUpdateInTx(txID, id uint64, userRecordType uint8, body []byte) error {
	return j.submit(false, func() (Record, error) {
		if err := j.checkOpenTxLocked(txID); err != nil {
			return Record{}, err
		}
		if !j.ledger.visible(id, j.ledger.txs[txID]) {
			return Record{}, errors.Wrapf(ErrUnknownRecord, "update of record %d in tx %d", id, txID)
		}
		return Record{Kind: KindUpdateInTx, TxID: txID, ID: id, UserRecordType: userRecordType, Body: body}, nil
	})
}

func (j *Journal) AppendDeleteInTx(txID, id uint64) error {
	return j.submit(false, func() (Record, error) {
		if err := j.checkOpenTxLocked(txID); err != nil {
			return Record{}, err
		}
		if !j.ledger.visible(id, j.ledger.txs[txID]) {
			return Record{}, errors.Wrapf(ErrUnknownRecord, "delete of record %d in tx %d", id, txID)
		}
		return Record{Kind: KindDeleteInTx, TxID: txID, ID: id}, nil
	})
}

// Prepare makes a transaction durable without deciding it. xid is opaque.
func (j *Journal) Prepare(txID uint64, xid []byte) error {
	return j.submit(true, func() (Record, error) {
		tx, ok := j.ledger.txs[txID]
		if !ok || len(tx.ops) == 0 {
			return Record{}, errors.Wrapf(ErrTransactionNotFound, "prepare of tx %d", txID)
		}
		if tx.prepared {
			return Record{}, errors.Wrapf(ErrTransactionPrepared, "tx %d", txID)
		}
		return Record{Kind: KindPrepareTx, TxID: txID, NumRecords: uint32(len(tx.ops)), Body: xid}, nil
	})
}

// Commit applies every record of the transaction atomically. It returns once
// the commit record is durable.
func (j *Journal) Commit(txID uint64) error {
	return j.submit(true, func() (Record, error) {
		tx, ok := j.ledger.txs[txID]
		if !ok || len(tx.ops) == 0 {
			return Record{}, errors.Wrapf(ErrTransactionNotFound, "commit of tx %d", txID)
		}
		return Record{Kind: KindCommitTx, TxID: txID, NumRecords: uint32(len(tx.ops))}, nil
	})
}

func (j *Journal) Rollback(txID uint64) error {
	return j.submit(true, func() (Record, error) {
		if _, ok := j.ledger.txs[txID]; !ok {
			return Record{}, errors.Wrapf(ErrTransactionNotFound, "rollback of tx %d", txID)
		}
		return Record{Kind: KindRollbackTx, TxID: txID}, nil
	})
}

// submit validates and applies a record under the journal mutex, queues its
// frame for the writer in the same order, then waits for the writer when the
// caller asked for durability.
func (j *Journal) submit(durable bool, build func() (Record, error)) error {
	j.mu.Lock()

	if err := j.writableLocked(); err != nil {
		j.mu.Unlock()
		return err
	}

	j.reconcileLocked()

	r, err := build()
	if err != nil {
		j.mu.Unlock()
		return err
	}

	req, err := j.appendLocked(r, durable)
	j.mu.Unlock()

	if err != nil {
		return err
	}

	return req.wait()
}

func (j *Journal) writableLocked() error {
	if j.closed {
		return ErrJournalClosed
	}
	if !j.loaded {
		return ErrNotLoaded
	}
	return nil
}

func (j *Journal) checkAbsentLocked(id uint64) error {
	if _, ok := j.ledger.records[id]; ok {
		return errors.Wrapf(ErrRecordExists, "record %d", id)
	}
	if owner, ok := j.ledger.pendingOwner(id); ok {
		return errors.Wrapf(ErrRecordExists, "record %d pending in tx %d", id, owner.id)
	}
	return nil
}

func (j *Journal) checkOpenTxLocked(txID uint64) error {
	if tx, ok := j.ledger.txs[txID]; ok && tx.prepared {
		return errors.Wrapf(ErrTransactionPrepared, "tx %d", txID)
	}
	return nil
}

func (j *Journal) appendLocked(r Record, durable bool) (*writeRequest, error) {
	if j.current.unusable.Load() {
		if err := j.rotateLocked(); err != nil {
			return nil, err
		}
	}

	frame := j.encodeLocked(r)

	if !j.current.fits(len(*frame)) {
		j.pool.PutBytes(frame)
		if err := j.rotateLocked(); err != nil {
			return nil, err
		}
		frame = j.encodeLocked(r)
	}

	if r.Kind == KindPrepareTx || r.Kind == KindCommitTx {
		if _, failed := j.failedTxs.Load(r.TxID); failed {
			j.pool.PutBytes(frame)
			return nil, errors.Wrapf(ErrIoFailure, "tx %d lost a record to a failed write", r.TxID)
		}
	}

	f := j.current
	f.reserved += int64(len(*frame))
	r.FileID = f.ID()

	j.seq++

	p := &pendingWrite{
		seq:  j.seq,
		kind: r.Kind,
		txID: r.TxID,
		file: f,
		size: int64(len(*frame)),
		undo: j.ledger.applyUndoable(r, f.ID()),
	}
	if r.Kind == KindRollbackTx {
		_, p.wasFailed = j.failedTxs.LoadAndDelete(r.TxID)
	}
	j.inflight = append(j.inflight, p)

	j.observeLocked(r)

	req := &writeRequest{
		seq:   j.seq,
		epoch: j.seenEpoch,
		kind:  r.Kind,
		txID:  r.TxID,
		file:  f,
		frame: frame,
		sync:  durable,
	}
	if durable {
		req.done = make(chan error, 1)
	}

	j.appendc <- req
	j.metrics.appends.WithLabelValues(r.Kind.String()).Inc()

	return req, nil
}

func (j *Journal) encodeLocked(r Record) *[]byte {
	r.FileID = j.current.ID()
	buf := j.pool.GetBytes()
	*buf = AppendFrame((*buf)[:0], r, j.compressAbove)
	return buf
}

func (j *Journal) observeLocked(r Record) {
	if r.ID > j.maxID {
		j.maxID = r.ID
	}
	if r.TxID > j.maxID {
		j.maxID = r.TxID
	}
}

// rotateLocked opens the next file and hands the previous one to the writer
// for sealing once everything queued before it is written.
func (j *Journal) rotateLocked() error {
	next, err := createJournalFile(j.dir, j.nextFileID, 0, j.opts.FileSize, fileExtension)
	if err != nil {
		return ioFailure(err, j.nextFileID)
	}
	j.nextFileID++

	j.ledger.files[next.ID()] = next

	j.filesMu.Lock()
	j.files = append(j.files, next)
	n := len(j.files)
	j.filesMu.Unlock()

	prev := j.current
	j.current = next

	if prev != nil {
		j.appendc <- &writeRequest{file: prev, seal: true}
		j.metrics.rotations.Inc()
	}

	j.metrics.files.Set(float64(n))

	return nil
}

// OpenForRead gives fn scoped access to a file's frames by id. The handle is
// opened under the arena lock, so compaction cannot retire the file between
// lookup and open, and it is closed on every path out of fn.
func (j *Journal) OpenForRead(fileID uint32, fn func(r io.Reader) error) error {
	j.filesMu.RLock()

	var f *JournalFile
	for _, candidate := range j.files {
		if candidate.ID() == fileID {
			f = candidate
			break
		}
	}

	if f == nil {
		j.filesMu.RUnlock()
		return errors.Errorf("journal file %d not found", fileID)
	}

	fd, err := f.open()
	j.filesMu.RUnlock()

	if err != nil {
		return err
	}
	defer fd.Close()

	return fn(fd)
}

// OpenForReplay is OpenForRead with a frame reader.
func (j *Journal) OpenForReplay(fileID uint32, fn func(r *Reader) error) error {
	return j.OpenForRead(fileID, func(r io.Reader) error {
		return fn(NewReader(r, fileHeaderSize))
	})
}

// Files reports every file in id order.
func (j *Journal) Files() []FileStats {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.reconcileLocked()

	j.filesMu.RLock()
	defer j.filesMu.RUnlock()

	stats := make([]FileStats, 0, len(j.files))
	for _, f := range j.files {
		stats = append(stats, FileStats{
			ID:           f.ID(),
			Path:         f.path,
			Size:         f.reserved,
			LiveRecords:  f.liveRecords,
			TotalRecords: f.totalRecords,
			CompactCount: f.header.CompactCount,
			Sealed:       f.sealed.Load(),
		})
	}

	return stats
}

// LiveRecords returns the ids of the live records in ascending order.
func (j *Journal) LiveRecords() []uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.reconcileLocked()

	ids := make([]uint64, 0, len(j.ledger.records))
	for id := range j.ledger.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	return ids
}

// MaxID is the highest record or transaction id seen so far.
func (j *Journal) MaxID() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.maxID
}

// Stop flushes and closes the journal. Queued appends are written first.
func (j *Journal) Stop() error {
	j.mu.Lock()

	if j.closed {
		j.mu.Unlock()
		return ErrJournalClosed
	}

	j.closed = true

	if j.loaded {
		close(j.appendc)
		close(j.donec)
	}

	j.mu.Unlock()

	j.wg.Wait()

	if j.current != nil {
		return j.current.seal()
	}

	return nil
}
