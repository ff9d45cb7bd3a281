package recovery

import (
	"context"

	"brokerstore/storage"
	"brokerstore/storage/journal"
	"brokerstore/storage/paging"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

var ErrRecoveryInconsistency = errors.New("recovery inconsistency")

// RecoveredState is what the broker starts from.
type RecoveredState struct {
	// LiveMessages are the live journal records, page cursor records
	// excluded.
	LiveMessages map[uint64]*journal.RecordInfo

	// Prepared transactions wait for the transaction manager's decision.
	Prepared []*journal.PreparedTransaction

	Paging map[string]*AddressState

	// NextID is above every id found in the journal and the pages.
	NextID uint64

	Journal *journal.ReplayResult
}

type AddressState struct {
	Address  string
	Paging   bool
	Pages    []uint32
	Messages int
	Cursors  map[string]paging.Position
}

// Coordinator rebuilds broker state at startup: journal first, then pages,
// then the cross checks between them.
type Coordinator struct {
	logger  log.Logger
	journal *journal.Journal
	paging  *paging.Manager
	cursors *JournalCursorStore
	ids     *storage.IDGenerator
}

func NewCoordinator(logger log.Logger, j *journal.Journal, m *paging.Manager, cursors *JournalCursorStore, ids *storage.IDGenerator) *Coordinator {
	return &Coordinator{
		logger:  log.With(logger, "component", "recovery"),
		journal: j,
		paging:  m,
		cursors: cursors,
		ids:     ids,
	}
}

// Recover runs once before any traffic. A cancelled context stops it between
// steps; a step in progress runs to completion.
func (c *Coordinator) Recover(ctx context.Context) (*RecoveredState, error) {
	state := &RecoveredState{
		LiveMessages: make(map[uint64]*journal.RecordInfo),
		Paging:       make(map[string]*AddressState),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := c.journal.Replay(func(res *journal.ReplayResult) error {
		state.Journal = res
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "replay journal")
	}

	res := state.Journal
	state.Prepared = res.Prepared
	maxID := res.MaxID

	cursors := make(map[uint64]*journal.RecordInfo)
	for id, rec := range res.Records {
		if rec.UserRecordType == journal.RecordTypePageCursor {
			cursors[id] = rec
			continue
		}
		state.LiveMessages[id] = rec
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := c.paging.Load(); err != nil {
		return nil, errors.Wrap(err, "load pages")
	}

	for _, address := range c.paging.Addresses() {
		s, _ := c.paging.Lookup(address)

		as := &AddressState{
			Address: address,
			Paging:  s.IsPaging(),
			Pages:   s.PageIDs(),
			Cursors: make(map[string]paging.Position),
		}

		err := s.Messages(func(ref paging.PageRef, m paging.Message) error {
			if _, ok := state.LiveMessages[m.ID]; ok {
				return errors.Wrapf(ErrRecoveryInconsistency, "message %d is both paged (%s page %d position %d) and live in the journal", m.ID, ref.Address, ref.PageID, ref.Position)
			}
			if m.ID > maxID {
				maxID = m.ID
			}
			as.Messages++
			return nil
		})
		if err != nil {
			return nil, err
		}

		state.Paging[address] = as
	}

	for id, rec := range cursors {
		address, queue, pos, err := decodeCursor(rec.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "decode page cursor record %d", id)
		}

		c.cursors.track(address, queue, id)

		as, ok := state.Paging[address]
		if !ok {
			level.Warn(c.logger).Log("msg", "page cursor for unknown address", "address", address, "queue", queue)
			continue
		}

		if err := c.paging.RestoreCursor(address, queue, pos); err != nil {
			return nil, err
		}

		s, _ := c.paging.Lookup(address)
		as.Cursors[queue] = s.Cursor(queue).Position()
	}

	state.NextID = maxID + 1
	if c.ids != nil {
		c.ids.AdvanceTo(state.NextID)
	}

	level.Info(c.logger).Log("msg", "recovery complete", "live", len(state.LiveMessages), "prepared", len(state.Prepared), "addresses", len(state.Paging), "next_id", state.NextID)

	return state, nil
}
