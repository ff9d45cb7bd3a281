package journal

// recordPos tracks which files hold the live frames of a record.
type recordPos struct {
	userRecordType uint8
	addFile        uint32
	updateFile     uint32
	updated        bool
}

type txOp struct {
	kind           Kind
	id             uint64
	userRecordType uint8
	file           uint32
}

type transaction struct {
	id        uint64
	ops       []txOp
	firstFile uint32
	prepared  bool
	xid       []byte
}

// txSpan is the file range covered by a terminated transaction. Compaction
// never cuts through one.
type txSpan struct {
	first, last uint32
}

// ledger is the per-record and per-file accounting of the journal. It is fed
// the same records at runtime and during replay, so live counts agree across
// restarts. Guarded by the journal mutex.
//
// At runtime a record enters the ledger before the writer has written it.
// With undo set, every mutation also records its inverse, so a record whose
// write failed can be taken out again.
type ledger struct {
	files   map[uint32]*JournalFile
	records map[uint64]*recordPos
	txs     map[uint64]*transaction
	txAdds  map[uint64]uint64 // record id -> tx id, for adds not yet committed
	spans   []txSpan
	orphans int

	undo *[]func()
}

func newLedger() *ledger {
	return &ledger{
		files:   make(map[uint32]*JournalFile),
		records: make(map[uint64]*recordPos),
		txs:     make(map[uint64]*transaction),
		txAdds:  make(map[uint64]uint64),
	}
}

// applyUndoable applies r and returns the inverse operations, newest last.
func (l *ledger) applyUndoable(r Record, fileID uint32) []func() {
	var undo []func()
	l.undo = &undo
	l.apply(r, fileID)
	l.undo = nil
	return undo
}

// revert runs inverse operations returned by applyUndoable.
func revert(undo []func()) {
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (l *ledger) apply(r Record, fileID uint32) {
	f := l.files[fileID]
	l.incTotal(f)

	switch r.Kind {
	case KindAdd:
		l.incLive(f)
		l.setRecord(r.ID, &recordPos{userRecordType: r.UserRecordType, addFile: fileID})

	case KindUpdate:
		rec, ok := l.records[r.ID]
		if !ok {
			l.orphan()
			return
		}
		l.incLive(f)
		l.supersede(rec)
		l.setUpdate(rec, fileID, r.UserRecordType)

	case KindDelete:
		rec, ok := l.records[r.ID]
		if !ok {
			l.orphan()
			return
		}
		l.release(rec)
		l.deleteRecord(r.ID)

	case KindAddInTx, KindUpdateInTx, KindDeleteInTx:
		tx := l.tx(r.TxID, fileID)
		l.addOp(tx, txOp{kind: r.Kind, id: r.ID, userRecordType: r.UserRecordType, file: fileID})
		if r.Kind != KindDeleteInTx {
			l.incLive(f)
		}
		if r.Kind == KindAddInTx {
			l.setTxAdd(r.ID, r.TxID)
		}

	case KindPrepareTx:
		tx := l.tx(r.TxID, fileID)
		prepared, xid := tx.prepared, tx.xid
		tx.prepared, tx.xid = true, r.Body
		l.record(func() { tx.prepared, tx.xid = prepared, xid })

	case KindCommitTx:
		tx, ok := l.txs[r.TxID]
		if !ok {
			l.orphan()
			return
		}
		if int(r.NumRecords) != len(tx.ops) {
			l.discard(tx)
			l.terminate(tx, fileID)
			return
		}
		for _, op := range tx.ops {
			l.commitOp(op)
		}
		l.terminate(tx, fileID)

	case KindRollbackTx:
		tx, ok := l.txs[r.TxID]
		if !ok {
			l.orphan()
			return
		}
		l.discard(tx)
		l.terminate(tx, fileID)
	}
}

func (l *ledger) commitOp(op txOp) {
	switch op.kind {
	case KindAddInTx:
		l.deleteTxAdd(op.id)
		l.setRecord(op.id, &recordPos{userRecordType: op.userRecordType, addFile: op.file})
	case KindUpdateInTx:
		rec, ok := l.records[op.id]
		if !ok {
			// deleted outside the transaction in the meantime
			l.dec(op.file)
			return
		}
		l.supersede(rec)
		l.setUpdate(rec, op.file, op.userRecordType)
	case KindDeleteInTx:
		if rec, ok := l.records[op.id]; ok {
			l.release(rec)
			l.deleteRecord(op.id)
		}
	}
}

// discard releases the frames of a transaction that will never apply.
func (l *ledger) discard(tx *transaction) {
	for _, op := range tx.ops {
		switch op.kind {
		case KindAddInTx:
			l.deleteTxAdd(op.id)
			l.dec(op.file)
		case KindUpdateInTx:
			l.dec(op.file)
		}
	}
}

func (l *ledger) terminate(tx *transaction, fileID uint32) {
	span := txSpan{first: tx.firstFile, last: fileID}
	l.spans = append(l.spans, span)
	delete(l.txs, tx.id)

	l.record(func() {
		l.txs[tx.id] = tx
		// compaction may have pruned older spans in the meantime
		for i := len(l.spans) - 1; i >= 0; i-- {
			if l.spans[i] == span {
				l.spans = append(l.spans[:i], l.spans[i+1:]...)
				return
			}
		}
	})
}

// dropUnprepared forgets transactions that never reached a terminal or
// prepare record. Used once replay has read every file.
func (l *ledger) dropUnprepared() int {
	dropped := 0
	for _, tx := range l.txs {
		if tx.prepared {
			continue
		}
		l.discard(tx)
		delete(l.txs, tx.id)
		dropped++
	}
	return dropped
}

func (l *ledger) tx(id uint64, fileID uint32) *transaction {
	tx, ok := l.txs[id]
	if !ok {
		tx = &transaction{id: id, firstFile: fileID}
		l.txs[id] = tx
		l.record(func() { delete(l.txs, id) })
	}
	return tx
}

// supersede releases the previous update frame of rec, if any.
func (l *ledger) supersede(rec *recordPos) {
	if rec.updated {
		l.dec(rec.updateFile)
	}
}

func (l *ledger) release(rec *recordPos) {
	l.dec(rec.addFile)
	l.supersede(rec)
}

func (l *ledger) dec(fileID uint32) {
	f, ok := l.files[fileID]
	if !ok || f.liveRecords == 0 {
		return
	}
	f.markDeleted()
	l.record(func() { f.liveRecords++ })
}

func (l *ledger) incTotal(f *JournalFile) {
	f.totalRecords++
	l.record(func() { f.totalRecords-- })
}

func (l *ledger) incLive(f *JournalFile) {
	f.liveRecords++
	l.record(func() { f.liveRecords-- })
}

func (l *ledger) orphan() {
	l.orphans++
	l.record(func() { l.orphans-- })
}

func (l *ledger) setRecord(id uint64, pos *recordPos) {
	old, had := l.records[id]
	l.records[id] = pos
	l.record(func() { l.restoreRecord(id, old, had) })
}

func (l *ledger) deleteRecord(id uint64) {
	old, had := l.records[id]
	delete(l.records, id)
	l.record(func() { l.restoreRecord(id, old, had) })
}

func (l *ledger) restoreRecord(id uint64, pos *recordPos, had bool) {
	if had {
		l.records[id] = pos
	} else {
		delete(l.records, id)
	}
}

// setUpdate leaves addFile alone; compaction may move it independently.
func (l *ledger) setUpdate(rec *recordPos, fileID uint32, userRecordType uint8) {
	updateFile, updated, typ := rec.updateFile, rec.updated, rec.userRecordType
	rec.updateFile, rec.updated, rec.userRecordType = fileID, true, userRecordType
	l.record(func() { rec.updateFile, rec.updated, rec.userRecordType = updateFile, updated, typ })
}

func (l *ledger) addOp(tx *transaction, op txOp) {
	n := len(tx.ops)
	tx.ops = append(tx.ops, op)
	l.record(func() { tx.ops = tx.ops[:n] })
}

func (l *ledger) setTxAdd(id, txID uint64) {
	old, had := l.txAdds[id]
	l.txAdds[id] = txID
	l.record(func() { l.restoreTxAdd(id, old, had) })
}

func (l *ledger) deleteTxAdd(id uint64) {
	old, had := l.txAdds[id]
	delete(l.txAdds, id)
	l.record(func() { l.restoreTxAdd(id, old, had) })
}

func (l *ledger) restoreTxAdd(id, txID uint64, had bool) {
	if had {
		l.txAdds[id] = txID
	} else {
		delete(l.txAdds, id)
	}
}

func (l *ledger) record(fn func()) {
	if l.undo != nil {
		*l.undo = append(*l.undo, fn)
	}
}

// pendingOwner returns the transaction that added id but has not committed.
func (l *ledger) pendingOwner(id uint64) (*transaction, bool) {
	txID, ok := l.txAdds[id]
	if !ok {
		return nil, false
	}
	tx, ok := l.txs[txID]
	return tx, ok
}

// visible reports whether id can be updated or deleted inside tx: it is
// live, or tx itself added it.
func (l *ledger) visible(id uint64, tx *transaction) bool {
	if _, ok := l.records[id]; ok {
		return true
	}
	if tx == nil {
		return false
	}
	owner, ok := l.pendingOwner(id)
	return ok && owner == tx
}
