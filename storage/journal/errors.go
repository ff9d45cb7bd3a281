package journal

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

var (
	ErrCorruptRecord       = errors.New("corrupt record")
	ErrIncompleteFrame     = errors.New("incomplete frame")
	ErrUnknownRecord       = errors.New("unknown record")
	ErrRecordExists        = errors.New("record already exists")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionPrepared = errors.New("transaction already prepared")
	ErrIoFailure           = errors.New("journal io failure")
	ErrJournalClosed       = errors.New("journal closed")
	ErrNotLoaded           = errors.New("journal not loaded")
	ErrAlreadyLoaded       = errors.New("journal already loaded")
	ErrUnsupportedVersion  = errors.New("unsupported journal format version")
	ErrCompactionRunning   = errors.New("compaction already running")
)

// CorruptionError pins a decode failure to a file and byte offset. It is
// fatal: the journal refuses to start on it.
type CorruptionError struct {
	Path   string
	FileID uint32
	Offset int64
	Err    error
}

func (e *CorruptionError) Error() string {
	diag := &wlog.CorruptionErr{Segment: -1, Offset: e.Offset, Err: e.Err}
	return fmt.Sprintf("journal file %s (id %d): %s", e.Path, e.FileID, diag.Error())
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func ioFailure(err error, file uint32) error {
	return errors.Wrapf(ErrIoFailure, "file %d: %v", file, err)
}
