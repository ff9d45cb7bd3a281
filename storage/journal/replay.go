package journal

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type ReplayResult struct {
	// Records is the live record set: adds with their latest update applied,
	// deletes removed, committed transactions materialized.
	Records map[uint64]*RecordInfo

	// Prepared transactions stay pending in the journal and can still be
	// committed or rolled back.
	Prepared []*PreparedTransaction

	// MaxID is the highest record or transaction id found in any frame.
	MaxID uint64

	// Truncated lists the torn tails cut off the last file.
	Truncated []Truncation

	// Discarded counts transactions that had neither a terminal nor a
	// prepare record.
	Discarded int

	// Orphans counts updates, deletes and terminals whose target was no
	// longer present, which compaction legitimately leaves behind.
	Orphans int

	// Failed lists committed transactions whose commit record counts more
	// records than were found. None of their records is applied.
	Failed []uint64
}

// NextID is the first id the allocator may hand out after recovery.
func (r *ReplayResult) NextID() uint64 {
	return r.MaxID + 1
}

type Truncation struct {
	Path   string
	FileID uint32
	Offset int64
	Err    error
}

// Replay reads every file in id order, rebuilds the journal's bookkeeping
// and hands the live record set to callback. It runs once; appends are
// refused until it has completed.
func (j *Journal) Replay(callback func(*ReplayResult) error) error {
	j.mu.Lock()
	result, err := j.replayLocked()
	j.mu.Unlock()

	if err != nil {
		return err
	}

	return callback(result)
}

func (j *Journal) replayLocked() (*ReplayResult, error) {
	switch {
	case j.closed:
		return nil, ErrJournalClosed
	case j.loaded:
		return nil, ErrAlreadyLoaded
	}

	if err := finishCompaction(j.logger, j.dir); err != nil {
		return nil, errors.Wrap(err, "finish interrupted compaction")
	}

	refs, err := ListFiles(j.dir, fileExtension)
	if err != nil {
		return nil, err
	}

	var (
		rp     = newReplayer()
		result = &ReplayResult{}
		files  = make([]*JournalFile, 0, len(refs)+1)
	)

	tail := tornTailCandidate(refs)

	for i, ref := range refs {
		last := i == len(refs)-1

		f, err := openJournalFile(ref.Path, j.opts.FileSize)
		if err != nil {
			if last && errors.Is(err, ErrIncompleteFrame) {
				// created but its header never reached disk
				level.Warn(j.logger).Log("msg", "removing journal file with torn header", "file", ref.Path, "err", err)
				if err := os.Remove(ref.Path); err != nil {
					return nil, err
				}
				result.Truncated = append(result.Truncated, Truncation{Path: ref.Path, FileID: ref.ID, Err: err})
				continue
			}
			return nil, &CorruptionError{Path: ref.Path, FileID: ref.ID, Err: asCorrupt(err)}
		}

		if f.ID() != ref.ID {
			return nil, &CorruptionError{Path: ref.Path, FileID: ref.ID, Err: errors.Wrapf(ErrCorruptRecord, "header carries file id %d", f.ID())}
		}

		j.ledger.files[f.ID()] = f

		torn, err := j.replayFile(f, rp, i >= tail)
		if err != nil {
			return nil, err
		}

		if torn != nil {
			if err := os.Truncate(f.path, torn.Offset); err != nil {
				return nil, ioFailure(err, f.ID())
			}
			f.size, f.reserved = torn.Offset, torn.Offset

			j.metrics.tornTails.Inc()
			level.Warn(j.logger).Log("msg", "truncated torn tail of journal file", "file", f.path, "offset", torn.Offset, "err", torn.Err)

			result.Truncated = append(result.Truncated, *torn)
		}

		files = append(files, f)
		j.nextFileID = f.ID() + 1
	}

	if j.nextFileID == 0 {
		j.nextFileID = 1
	}

	result.Discarded = j.ledger.dropUnprepared()
	if result.Discarded > 0 {
		level.Warn(j.logger).Log("msg", "discarded unterminated transactions", "count", result.Discarded)
	}

	result.Records, result.Prepared = rp.finish()
	result.MaxID = rp.maxID
	result.Orphans = rp.orphans
	result.Failed = rp.failed
	if len(rp.failed) > 0 {
		level.Warn(j.logger).Log("msg", "transactions with missing records were not applied", "txs", fmt.Sprint(rp.failed))
	}
	j.maxID = rp.maxID

	j.filesMu.Lock()
	j.files = files
	j.filesMu.Unlock()

	j.appendc = make(chan *writeRequest, 4*j.opts.MaxBatch)
	j.donec = make(chan struct{})
	j.fileTxs = make(map[*JournalFile]map[uint64]struct{})

	if err := j.rotateLocked(); err != nil {
		return nil, err
	}

	j.wg.Add(1)
	go j.run()

	if j.opts.CompactInterval > 0 {
		j.wg.Add(1)
		go j.compactLoop()
	}

	j.loaded = true

	level.Info(j.logger).Log("msg", "journal loaded", "files", len(files), "records", len(result.Records), "prepared", len(result.Prepared), "max_id", result.MaxID)

	return result, nil
}

// tornTailCandidate returns the index of the last file holding any frame.
// Rotation creates the next file before the writer finishes the previous one,
// so a crash can leave a torn tail followed by files with only a header.
func tornTailCandidate(refs []FileRef) int {
	tail := len(refs) - 1
	for tail > 0 {
		stat, err := os.Stat(refs[tail].Path)
		if err != nil || stat.Size() > fileHeaderSize {
			break
		}
		tail--
	}
	return tail
}

// replayFile feeds one file to the replayer and the ledger. A torn tail is
// tolerated only when nothing was written after it; anywhere else a decode
// failure is fatal.
func (j *Journal) replayFile(f *JournalFile, rp *replayer, last bool) (*Truncation, error) {
	var torn *Truncation

	err := f.OpenForReplay(func(r *Reader) error {
		for r.Next() {
			rec := r.Record()
			if err := rp.apply(rec); err != nil {
				return &CorruptionError{Path: f.path, FileID: f.ID(), Offset: r.Offset(), Err: err}
			}
			j.ledger.apply(rec, f.ID())
		}

		if r.Err() == nil {
			return nil
		}

		if last && r.TornTail() {
			torn = &Truncation{Path: f.path, FileID: f.ID(), Offset: r.Offset(), Err: r.Err()}
			return nil
		}

		return &CorruptionError{Path: f.path, FileID: f.ID(), Offset: r.Offset(), Err: asCorrupt(r.Err())}
	})

	return torn, err
}

// asCorrupt reports a short frame inside durable data as corruption.
func asCorrupt(err error) error {
	if errors.Is(err, ErrIncompleteFrame) {
		return errors.Wrap(ErrCorruptRecord, err.Error())
	}
	return err
}

type pendingTx struct {
	records  []Record
	prepared bool
	xid      []byte
}

// replayer rebuilds record bodies from frames in journal order. Compaction
// uses it too, on a prefix of the files.
type replayer struct {
	records map[uint64]*RecordInfo
	pending map[uint64]*pendingTx
	maxID   uint64
	orphans int
	failed  []uint64
}

func newReplayer() *replayer {
	return &replayer{
		records: make(map[uint64]*RecordInfo),
		pending: make(map[uint64]*pendingTx),
	}
}

func (p *replayer) apply(r Record) error {
	if r.ID > p.maxID {
		p.maxID = r.ID
	}
	if r.TxID > p.maxID {
		p.maxID = r.TxID
	}

	switch r.Kind {
	case KindAdd, KindUpdate, KindDelete:
		p.applyRecord(r.Kind, r)

	case KindAddInTx, KindUpdateInTx, KindDeleteInTx:
		tx := p.tx(r.TxID)
		tx.records = append(tx.records, r)

	case KindPrepareTx:
		tx := p.tx(r.TxID)
		tx.prepared = true
		tx.xid = r.Body

	case KindCommitTx:
		tx, ok := p.pending[r.TxID]
		if !ok {
			p.orphans++
			return nil
		}
		if int(r.NumRecords) != len(tx.records) {
			// some of its records never reached disk
			delete(p.pending, r.TxID)
			p.failed = append(p.failed, r.TxID)
			return nil
		}
		for _, op := range tx.records {
			switch op.Kind {
			case KindAddInTx:
				p.applyRecord(KindAdd, op)
			case KindUpdateInTx:
				p.applyRecord(KindUpdate, op)
			case KindDeleteInTx:
				p.applyRecord(KindDelete, op)
			}
		}
		delete(p.pending, r.TxID)

	case KindRollbackTx:
		if _, ok := p.pending[r.TxID]; !ok {
			p.orphans++
			return nil
		}
		delete(p.pending, r.TxID)
	}

	return nil
}

func (p *replayer) applyRecord(kind Kind, r Record) {
	switch kind {
	case KindAdd:
		p.records[r.ID] = &RecordInfo{ID: r.ID, UserRecordType: r.UserRecordType, Body: r.Body}
	case KindUpdate:
		rec, ok := p.records[r.ID]
		if !ok {
			p.orphans++
			return
		}
		rec.UserRecordType, rec.Body = r.UserRecordType, r.Body
	case KindDelete:
		if _, ok := p.records[r.ID]; !ok {
			p.orphans++
			return
		}
		delete(p.records, r.ID)
	}
}

func (p *replayer) tx(id uint64) *pendingTx {
	tx, ok := p.pending[id]
	if !ok {
		tx = &pendingTx{}
		p.pending[id] = tx
	}
	return tx
}

// finish returns the live records and the prepared transactions; anything
// else still pending is dropped.
func (p *replayer) finish() (map[uint64]*RecordInfo, []*PreparedTransaction) {
	var prepared []*PreparedTransaction

	for id, tx := range p.pending {
		if !tx.prepared {
			continue
		}
		prepared = append(prepared, &PreparedTransaction{TxID: id, Xid: tx.xid, Records: tx.records})
	}

	sort.Slice(prepared, func(a, b int) bool { return prepared[a].TxID < prepared[b].TxID })

	return p.records, prepared
}
