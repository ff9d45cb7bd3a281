package paging

import (
	"sync"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Position is a queue's place in an address's pages: the next message to
// deliver is message Position of page PageID.
type Position struct {
	PageID   uint32
	Position uint32
}

func (p Position) after(o Position) bool {
	return p.PageID > o.PageID || (p.PageID == o.PageID && p.Position > o.Position)
}

// Cursor walks the paged messages of one queue. Next delivers lazily, one
// page in memory at a time; Commit persists how far the queue got. A cursor
// is used by one consumer at a time.
type Cursor struct {
	store *Store
	queue string

	// serializes Commit, which persists outside the store lock
	commitMu sync.Mutex

	// guarded by the store mutex
	pos       Position
	committed Position

	// decoded prefix of page pageID, whose frames end at pageEnd
	page    []Message
	pageID  uint32
	pageEnd int64
}

func (c *Cursor) Queue() string {
	return c.queue
}

// Next returns the next paged message. It reports false once the cursor has
// caught up with the last message written so far.
func (c *Cursor) Next() (Message, bool, error) {
	s := c.store

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Message{}, false, ErrStoreClosed
	}

	for {
		if s.current == nil || c.pos.PageID > s.current.id {
			return Message{}, false, nil
		}

		if c.pos.PageID < s.firstPage {
			c.pos = Position{PageID: s.firstPage}
		}

		p, ok := s.pages[c.pos.PageID]
		if !ok {
			return Message{}, false, errors.Wrapf(ErrPageNotFound, "page %d of %s", c.pos.PageID, s.address)
		}

		if c.pos.Position < p.count {
			if c.page == nil || c.pageID != p.id {
				c.page, c.pageID, c.pageEnd = c.page[:0], p.id, 0
			}
			if uint32(len(c.page)) <= c.pos.Position {
				msgs, end, err := p.readMessagesFrom(c.pageEnd, uint32(len(c.page)))
				if err != nil {
					return Message{}, false, err
				}
				c.page, c.pageEnd = append(c.page, msgs...), end
			}

			m := c.page[c.pos.Position]
			c.pos.Position++

			return m, true, nil
		}

		if p == s.current {
			return Message{}, false, nil
		}

		c.pos = Position{PageID: p.id + 1}
		c.page = nil
	}
}

// Position is where the next call to Next reads from.
func (c *Cursor) Position() Position {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.pos
}

func (c *Cursor) Committed() Position {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.committed
}

// Commit persists the current position: every message delivered so far is
// acknowledged. Pages no queue needs any more are retired. The position is
// persisted without holding the store lock, so paging into the address goes
// on meanwhile.
func (c *Cursor) Commit() error {
	s := c.store

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	pos := c.pos
	if p, ok := s.pages[pos.PageID]; ok && p != s.current && pos.Position >= p.count {
		// a fully read page retires without waiting for the next Next
		pos = Position{PageID: p.id + 1}
	}

	committed := c.committed
	s.mu.Unlock()

	if pos == committed {
		return nil
	}

	if s.cursors != nil {
		if err := s.cursors.SaveCursor(s.address, c.queue, pos); err != nil {
			level.Error(s.logger).Log("msg", "error persisting cursor", "queue", c.queue, "err", err)
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// leaving paging mode may have moved the cursor on in the meantime
	if pos.after(c.committed) {
		c.committed = pos
	}
	if !s.closed {
		s.retireLocked()
	}

	return nil
}

// skipTo moves the cursor forward without persisting; used once the pages
// before pos were drained.
func (c *Cursor) skipTo(pos Position) {
	c.pos, c.committed = pos, pos
	c.page = nil
}
