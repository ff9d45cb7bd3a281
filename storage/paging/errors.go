package paging

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

var (
	ErrCorruptPage  = errors.New("corrupt page")
	ErrNotPaging    = errors.New("address is not in paging mode")
	ErrStoreClosed  = errors.New("paging store closed")
	ErrPageNotFound = errors.New("page not found")
)

// CorruptionError pins damage in a page that was already complete. It is
// fatal, unlike an incomplete last page which is truncated.
type CorruptionError struct {
	Path   string
	PageID uint32
	Offset int64
	Err    error
}

func (e *CorruptionError) Error() string {
	diag := &wlog.CorruptionErr{Segment: int(e.PageID), Offset: e.Offset, Err: e.Err}
	return fmt.Sprintf("page file %s: %s", e.Path, diag.Error())
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}
