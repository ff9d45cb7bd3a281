package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"brokerstore/storage"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const (
	controlFileName = "compact.ctl"
	maxCompactCount = 127
)

type CompactionResult struct {
	Removed []uint32
	Target  uint32
	Records int
}

// compactControl is persisted before the swap starts so an interrupted swap
// can be redone at startup.
type compactControl struct {
	Remove []string `json:"remove"`
	Source string   `json:"source"`
	Target string   `json:"target"`
}

type compactPlan struct {
	files        []*JournalFile
	survivors    []uint64
	last         uint32
	compactCount uint8
}

// StartCompacting runs one compaction pass in the background. It fails with
// ErrCompactionRunning when a pass is already in progress.
func (j *Journal) StartCompacting() error {
	if !j.compacting.CompareAndSwap(false, true) {
		return ErrCompactionRunning
	}

	j.mu.Lock()
	if err := j.writableLocked(); err != nil {
		j.mu.Unlock()
		j.compacting.Store(false)
		return err
	}
	j.wg.Add(1)
	j.mu.Unlock()

	go func() {
		defer j.wg.Done()
		defer j.compacting.Store(false)

		if _, err := j.compact(); err != nil {
			level.Error(j.logger).Log("msg", "compaction failed", "err", err)
		}
	}()

	return nil
}

// Compact runs one compaction pass and waits for it. A nil result means no
// file qualified.
func (j *Journal) Compact() (*CompactionResult, error) {
	if !j.compacting.CompareAndSwap(false, true) {
		return nil, ErrCompactionRunning
	}
	defer j.compacting.Store(false)

	return j.compact()
}

func (j *Journal) compactLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.opts.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.donec:
			return
		case <-ticker.C:
			if !j.compacting.CompareAndSwap(false, true) {
				continue
			}
			if _, err := j.compact(); err != nil && !errors.Is(err, ErrJournalClosed) {
				level.Error(j.logger).Log("msg", "periodic compaction failed", "err", err)
			}
			j.compacting.Store(false)
		}
	}
}

func (j *Journal) compact() (*CompactionResult, error) {
	j.mu.Lock()
	if err := j.writableLocked(); err != nil {
		j.mu.Unlock()
		return nil, err
	}
	j.reconcileLocked()
	plan := j.planLocked()
	j.mu.Unlock()

	if plan == nil {
		return nil, nil
	}

	start := time.Now()

	target, err := j.rewrite(plan)
	if err != nil {
		return nil, err
	}

	res, err := j.swap(plan, target)
	if err != nil {
		return nil, err
	}

	j.metrics.compactions.Inc()
	j.metrics.compactedRecords.Add(float64(res.Records))
	j.metrics.filesReclaimed.Add(float64(len(res.Removed) - 1))

	level.Info(j.logger).Log("msg", "journal compacted", "files", len(res.Removed), "target", res.Target, "records", res.Records, "duration", time.Since(start))

	return res, nil
}

// planLocked picks the oldest-first run of sealed files ending at the newest
// file whose live ratio fell below CompactRatio. The run stops before the
// first file of any open transaction and never splits a terminated one.
func (j *Journal) planLocked() *compactPlan {
	var sealed []*JournalFile
	for _, f := range j.files {
		if !f.sealed.Load() || f == j.current {
			break
		}
		sealed = append(sealed, f)
	}

	limit := len(sealed)

	for _, tx := range j.ledger.txs {
		for i, f := range sealed[:limit] {
			if f.ID() >= tx.firstFile {
				limit = i
				break
			}
		}
	}

	for changed := true; changed && limit > 0; {
		changed = false
		last := sealed[limit-1].ID()

		for _, span := range j.ledger.spans {
			if span.first > last || span.last <= last {
				continue
			}
			// the span starts inside the run and ends past it
			for i, f := range sealed[:limit] {
				if f.ID() >= span.first {
					limit, changed = i, true
					break
				}
			}
			break
		}
	}

	end := -1
	for i, f := range sealed[:limit] {
		if f.liveRatio() < j.opts.CompactRatio {
			end = i
		}
	}

	if end < 0 || end+1 < j.opts.CompactMinFiles {
		return nil
	}

	plan := &compactPlan{
		files: append([]*JournalFile(nil), sealed[:end+1]...),
		last:  sealed[end].ID(),
	}

	inRun := make(map[uint32]struct{}, len(plan.files))
	cc := 0
	for _, f := range plan.files {
		inRun[f.ID()] = struct{}{}
		if int(f.header.CompactCount) > cc {
			cc = int(f.header.CompactCount)
		}
	}

	plan.compactCount = uint8(cc)
	if cc < maxCompactCount {
		plan.compactCount++
	}

	for id, rec := range j.ledger.records {
		if _, ok := inRun[rec.addFile]; ok {
			plan.survivors = append(plan.survivors, id)
		}
	}
	sort.Slice(plan.survivors, func(a, b int) bool { return plan.survivors[a] < plan.survivors[b] })

	return plan
}

// rewrite replays the run and writes its survivors as plain adds into a
// sealed .cmp file carrying the id of the run's last file.
func (j *Journal) rewrite(plan *compactPlan) (*JournalFile, error) {
	rp := newReplayer()

	for _, f := range plan.files {
		err := j.OpenForReplay(f.ID(), func(r *Reader) error {
			for r.Next() {
				if err := rp.apply(r.Record()); err != nil {
					return err
				}
			}
			return r.Err()
		})
		if err != nil {
			return nil, &CorruptionError{Path: f.path, FileID: f.ID(), Err: err}
		}
	}

	os.Remove(FileName(j.dir, plan.last, compactExtension))

	target, err := createJournalFile(j.dir, plan.last, plan.compactCount, j.opts.FileSize, compactExtension)
	if err != nil {
		return nil, err
	}

	buf := j.pool.GetBytes()
	defer j.pool.PutBytes(buf)

	for _, id := range plan.survivors {
		rec, ok := rp.records[id]
		if !ok {
			target.seal()
			os.Remove(target.path)
			return nil, errors.Wrapf(ErrCorruptRecord, "live record %d missing from compacted files", id)
		}

		*buf = AppendFrame((*buf)[:0], Record{
			Kind:           KindAdd,
			ID:             id,
			UserRecordType: rec.UserRecordType,
			Body:           rec.Body,
			FileID:         plan.last,
			CompactCount:   plan.compactCount,
		}, j.compressAbove)

		if err := target.append(*buf); err != nil {
			target.seal()
			os.Remove(target.path)
			return nil, err
		}
	}

	if err := target.seal(); err != nil {
		os.Remove(target.path)
		return nil, err
	}

	return target, nil
}

// swap retires the run and installs the compacted file in its place.
func (j *Journal) swap(plan *compactPlan, target *JournalFile) (*CompactionResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		os.Remove(target.path)
		return nil, ErrJournalClosed
	}

	ctl := compactControl{
		Source: target.path,
		Target: FileName(j.dir, plan.last, fileExtension),
	}
	for _, f := range plan.files {
		ctl.Remove = append(ctl.Remove, f.path)
	}

	data, err := json.Marshal(ctl)
	if err != nil {
		return nil, err
	}

	if err := storage.WriteFileAtomic(filepath.Join(j.dir, controlFileName), data); err != nil {
		os.Remove(target.path)
		return nil, errors.Wrap(err, "write compaction control file")
	}

	j.filesMu.Lock()
	defer j.filesMu.Unlock()

	if err := applyControl(j.dir, ctl); err != nil {
		// the control file stays behind; the swap is redone on next startup
		return nil, err
	}

	target.path = ctl.Target

	res := &CompactionResult{Target: plan.last}

	inRun := make(map[uint32]struct{}, len(plan.files))
	for _, f := range plan.files {
		inRun[f.ID()] = struct{}{}
		delete(j.ledger.files, f.ID())
		res.Removed = append(res.Removed, f.ID())
	}
	j.ledger.files[target.ID()] = target

	for _, id := range plan.survivors {
		rec, ok := j.ledger.records[id]
		if !ok {
			continue
		}
		if _, ok := inRun[rec.addFile]; !ok {
			continue
		}
		rec.addFile = target.ID()
		if _, ok := inRun[rec.updateFile]; ok && rec.updated {
			rec.updated = false
		}
		target.liveRecords++
		res.Records++
	}
	target.totalRecords = len(plan.survivors)

	spans := j.ledger.spans[:0]
	for _, span := range j.ledger.spans {
		if span.last > plan.last {
			spans = append(spans, span)
		}
	}
	j.ledger.spans = spans

	files := make([]*JournalFile, 0, len(j.files)-len(plan.files)+1)
	files = append(files, target)
	for _, f := range j.files {
		if _, ok := inRun[f.ID()]; !ok {
			files = append(files, f)
		}
	}
	j.files = files
	j.metrics.files.Set(float64(len(files)))

	if err := os.Remove(filepath.Join(j.dir, controlFileName)); err != nil {
		level.Warn(j.logger).Log("msg", "error removing compaction control file", "err", err)
	}

	return res, nil
}

// applyControl removes the compacted run and renames the compacted file into
// place. Running it twice is harmless: once the source is gone the rename has
// happened and the target must be kept.
func applyControl(dir string, ctl compactControl) error {
	_, err := os.Stat(ctl.Source)
	renamed := os.IsNotExist(err)
	if err != nil && !renamed {
		return err
	}

	for _, path := range ctl.Remove {
		if renamed && path == ctl.Target {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove compacted file %s", path)
		}
	}

	if !renamed {
		if err := os.Rename(ctl.Source, ctl.Target); err != nil {
			return errors.Wrap(err, "install compacted file")
		}
	}

	return storage.SyncDir(dir)
}

// finishCompaction completes a swap interrupted by a crash and drops
// compacted files that never got a control file.
func finishCompaction(logger log.Logger, dir string) error {
	ctlPath := filepath.Join(dir, controlFileName)

	data, err := os.ReadFile(ctlPath)
	switch {
	case err == nil:
		var ctl compactControl
		if err := json.Unmarshal(data, &ctl); err != nil {
			return errors.Wrap(err, "decode compaction control file")
		}

		level.Warn(logger).Log("msg", "redoing interrupted compaction", "target", ctl.Target, "files", len(ctl.Remove))

		if err := applyControl(dir, ctl); err != nil {
			return err
		}
		if err := os.Remove(ctlPath); err != nil {
			return err
		}
	case !os.IsNotExist(err):
		return err
	}

	leftovers, err := ListFiles(dir, compactExtension)
	if err != nil {
		return err
	}

	for _, ref := range leftovers {
		level.Warn(logger).Log("msg", "removing unfinished compacted file", "file", ref.Path)
		if err := os.Remove(ref.Path); err != nil {
			return err
		}
	}

	return storage.SyncDir(dir)
}
