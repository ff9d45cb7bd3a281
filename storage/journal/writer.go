package journal

import (
	"time"

	"brokerstore/config"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type writeRequest struct {
	seq   uint64
	epoch uint64
	kind  Kind
	txID  uint64
	file  *JournalFile
	frame *[]byte
	sync  bool
	seal  bool
	done  chan error
	err   error
}

func (r *writeRequest) wait() error {
	if r.done == nil {
		return nil
	}
	return <-r.done
}

// run is the single writer. It drains the queue in batches; in batch sync
// mode every file that received a durable frame is fsynced once per batch
// before any caller of that batch is acknowledged.
func (j *Journal) run() {
	defer j.wg.Done()

	var tick <-chan time.Time
	if j.opts.SyncMode == config.SyncBatch && j.opts.SyncInterval > 0 {
		ticker := time.NewTicker(j.opts.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]*writeRequest, 0, j.opts.MaxBatch)
	dirty := make(map[*JournalFile]struct{})

	for {
		select {
		case req, ok := <-j.appendc:
			if !ok {
				j.syncDirty(dirty)
				return
			}

			batch = append(batch[:0], req)
			open := j.collect(&batch)

			j.writeBatch(batch, dirty)

			if !open {
				j.syncDirty(dirty)
				return
			}
		case <-tick:
			j.syncDirty(dirty)
		}
	}
}

// collect takes whatever else is already queued, up to MaxBatch. It reports
// false once the queue is closed.
func (j *Journal) collect(batch *[]*writeRequest) bool {
	for len(*batch) < j.opts.MaxBatch {
		select {
		case req, ok := <-j.appendc:
			if !ok {
				return false
			}
			*batch = append(*batch, req)
		default:
			return true
		}
	}
	return true
}

func (j *Journal) writeBatch(batch []*writeRequest, dirty map[*JournalFile]struct{}) {
	var (
		waiting []*JournalFile
		seals   []*JournalFile
	)

	for _, req := range batch {
		if req.seal {
			seals = append(seals, req.file)
			continue
		}

		req.err = j.write(req)
		j.pool.PutBytes(req.frame)
		req.frame = nil
		j.processed.Store(req.seq)

		if req.err != nil {
			continue
		}

		dirty[req.file] = struct{}{}
		if req.txID != 0 {
			j.trackTx(req.file, req.txID)
		}

		if !req.sync {
			continue
		}

		if j.opts.SyncMode == config.SyncPerRecord {
			req.err = j.fsync(req.file)
			if req.err == nil {
				delete(dirty, req.file)
			} else {
				j.failFile(req.file, req.err, batch)
			}
			continue
		}

		if !containsFile(waiting, req.file) {
			waiting = append(waiting, req.file)
		}
	}

	for _, f := range waiting {
		err := j.fsync(f)
		if err == nil {
			delete(dirty, f)
			continue
		}

		level.Error(j.logger).Log("msg", "journal fsync failed, file retired", "file", f.ID(), "err", err)

		for _, req := range batch {
			if req.sync && req.file == f && req.err == nil {
				req.err = err
			}
		}
		j.failFile(f, err, batch)
	}

	// sealing goes last: nothing queued after a seal targets that file
	for _, f := range seals {
		delete(dirty, f)
		if err := f.seal(); err != nil {
			level.Error(j.logger).Log("msg", "error sealing journal file", "file", f.ID(), "err", err)
			j.failFile(f, err, batch)
		}
		delete(j.fileTxs, f)
	}

	for _, req := range batch {
		if req.done != nil {
			req.done <- req.err
		}
	}
}

// write appends the frame of req. A request stamped before the latest
// failure is dropped unwritten; a failure of its own starts a new epoch.
func (j *Journal) write(req *writeRequest) error {
	// only this goroutine changes epoch
	if req.epoch != j.epoch {
		return errors.Wrapf(ErrIoFailure, "%s record dropped after an earlier failed write", req.kind)
	}

	var err error

	if req.kind == KindPrepareTx || req.kind == KindCommitTx {
		if _, failed := j.failedTxs.Load(req.txID); failed {
			err = errors.Wrapf(ErrIoFailure, "tx %d lost a record to a failed write", req.txID)
		}
	}

	if err == nil {
		if err = req.file.append(*req.frame); err != nil {
			req.file.unusable.Store(true)
			j.metrics.writesFailed.Inc()
			level.Error(j.logger).Log("msg", "journal write failed, file retired", "file", req.file.ID(), "err", err)
		}
	}

	if err != nil {
		j.failMu.Lock()
		j.epoch++
		j.failFrom = req.seq
		j.failMu.Unlock()
	}

	return err
}

func (j *Journal) trackTx(f *JournalFile, txID uint64) {
	txs, ok := j.fileTxs[f]
	if !ok {
		txs = make(map[uint64]struct{})
		j.fileTxs[f] = txs
	}
	txs[txID] = struct{}{}
}

// failFile handles a file whose frames may not have reached disk. They stay
// in the ledger since the file holds them, but the transactions with frames
// in it can no longer prepare or commit, and their prepare and commit
// callers waiting in this batch get the error.
func (j *Journal) failFile(f *JournalFile, err error, batch []*writeRequest) {
	f.unusable.Store(true)

	txs := j.fileTxs[f]
	for txID := range txs {
		j.failedTxs.Store(txID, struct{}{})
	}

	for _, req := range batch {
		if req.done == nil || req.err != nil {
			continue
		}
		if req.kind != KindPrepareTx && req.kind != KindCommitTx {
			continue
		}
		if _, ok := txs[req.txID]; ok {
			req.err = errors.Wrapf(ErrIoFailure, "tx %d has records in journal file %d: %v", req.txID, f.ID(), err)
		}
	}
}

func (j *Journal) syncDirty(dirty map[*JournalFile]struct{}) {
	for f := range dirty {
		if err := j.fsync(f); err != nil {
			level.Error(j.logger).Log("msg", "error syncing journal file", "file", f.ID(), "err", err)
		}
		delete(dirty, f)
	}
}

func (j *Journal) fsync(f *JournalFile) error {
	now := time.Now()
	err := f.sync()

	j.metrics.fsyncs.Inc()
	j.metrics.fsyncDuration.Observe(time.Since(now).Seconds())

	return err
}

func containsFile(files []*JournalFile, f *JournalFile) bool {
	for _, candidate := range files {
		if candidate == f {
			return true
		}
	}
	return false
}

// pendingWrite is a record the ledger already holds while the writer has not
// handled it yet.
type pendingWrite struct {
	seq       uint64
	kind      Kind
	txID      uint64
	file      *JournalFile
	size      int64
	undo      []func()
	wasFailed bool
}

// reconcileLocked takes the records of failed writes out of the ledger. A
// failure drops every request queued after it, so they are reverted
// together, newest first. Records the writer handled successfully are
// forgotten.
func (j *Journal) reconcileLocked() {
	processed := j.processed.Load()

	j.failMu.Lock()
	epoch, failFrom := j.epoch, j.failFrom
	j.failMu.Unlock()

	if epoch != j.seenEpoch {
		j.seenEpoch = epoch

		cut := len(j.inflight)
		for cut > 0 && j.inflight[cut-1].seq >= failFrom {
			cut--
		}

		for i := len(j.inflight) - 1; i >= cut; i-- {
			j.revertLocked(j.inflight[i])
		}

		level.Warn(j.logger).Log("msg", "reverted records lost to a failed journal write", "records", len(j.inflight)-cut, "from_seq", failFrom)

		j.inflight = j.inflight[:cut]
	}

	n := 0
	for n < len(j.inflight) && j.inflight[n].seq <= processed {
		j.inflight[n] = nil
		n++
	}
	j.inflight = j.inflight[n:]
}

func (j *Journal) revertLocked(p *pendingWrite) {
	revert(p.undo)
	p.file.reserved -= p.size

	switch {
	case p.kind == KindAddInTx || p.kind == KindUpdateInTx || p.kind == KindDeleteInTx:
		// the transaction is short of a record now
		j.failedTxs.Store(p.txID, struct{}{})
	case p.wasFailed:
		j.failedTxs.Store(p.txID, struct{}{})
	}
}
