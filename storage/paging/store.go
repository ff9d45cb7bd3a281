package paging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"brokerstore/config"
	"brokerstore/storage"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const (
	addressFileName = "address"
	pagingFileName  = "paging"
)

// CursorStore persists committed cursor positions.
type CursorStore interface {
	SaveCursor(address, queue string, pos Position) error
}

// Store holds the pages of one address. Appends are serialized by the store
// mutex; cursors read concurrently through it.
type Store struct {
	logger  log.Logger
	metrics *PagingMetrics
	opts    config.PagingOptions
	address string
	dir     string
	cursors CursorStore
	scratch []byte

	mu        sync.Mutex
	pages     map[uint32]*PageFile
	firstPage uint32
	current   *PageFile
	paging    bool
	queues    map[string]*Cursor
	closed    bool
}

func StoreDir(root, address string) string {
	return filepath.Join(root, fmt.Sprintf("%016x", xxhash.Sum64String(address)))
}

func newStore(logger log.Logger, metrics *PagingMetrics, opts config.PagingOptions, address string, cursors CursorStore) *Store {
	return &Store{
		logger:  log.With(logger, "address", address),
		metrics: metrics,
		opts:    opts,
		address: address,
		dir:     StoreDir(opts.Dir, address),
		cursors: cursors,
		pages:   make(map[uint32]*PageFile),
		queues:  make(map[string]*Cursor),
	}
}

// create lays out the directory of a new address.
func (s *Store) create() error {
	if err := os.MkdirAll(s.dir, 0o777); err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(filepath.Join(s.dir, addressFileName), []byte(s.address)); err != nil {
		return err
	}
	return storage.SyncDir(s.opts.Dir)
}

// load reads the pages of an existing address. Page ids must be gap free;
// an incomplete last page is cut back to its last whole message.
func (s *Store) load() error {
	refs, err := listPages(s.dir)
	if err != nil {
		return err
	}

	for i, ref := range refs {
		last := i == len(refs)-1

		if i > 0 && ref.id != refs[i-1].id+1 {
			return &CorruptionError{Path: ref.path, PageID: ref.id, Err: errors.Wrapf(ErrCorruptPage, "page %d follows page %d", ref.id, refs[i-1].id)}
		}

		p, repaired, err := openPageFile(ref.path, ref.id, last, s.opts.SyncPages)
		if last && errors.Is(err, errTornHeader) {
			level.Warn(s.logger).Log("msg", "removing page with torn header", "page", ref.id)
			if err := os.Remove(ref.path); err != nil {
				return err
			}
			if i == 0 {
				break
			}
			// the previous page becomes the current one again
			prev := s.pages[refs[i-1].id]
			if prev.file, err = os.OpenFile(prev.path, os.O_RDWR, 0o666); err != nil {
				return err
			}
			s.current = prev
			break
		}
		if err != nil {
			return err
		}

		if repaired {
			s.metrics.incompletePages.Inc()
			level.Warn(s.logger).Log("msg", "truncated incomplete page", "page", p.id, "messages", p.count, "size", p.dataEnd)
		}

		if i == 0 {
			s.firstPage = p.id
		}
		s.pages[p.id] = p
		s.current = p
	}

	_, err = os.Stat(filepath.Join(s.dir, pagingFileName))
	switch {
	case err == nil:
		s.paging = true
		s.metrics.pagingAddresses.Inc()
	case !os.IsNotExist(err):
		return err
	}

	return nil
}

// ReadAddress returns the address a store directory belongs to.
func ReadAddress(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, addressFileName))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) Address() string {
	return s.address
}

func (s *Store) IsPaging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paging
}

// Page appends m to the current page and rotates once the page reached its
// size or message limit. It returns after the page's trailer counts m.
func (s *Store) Page(m Message) (PageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return PageRef{}, ErrStoreClosed
	}
	if !s.paging {
		return PageRef{}, errors.Wrapf(ErrNotPaging, "address %s", s.address)
	}

	if s.current == nil || s.current.broken || s.full(s.current, m) {
		if err := s.rotateLocked(); err != nil {
			return PageRef{}, err
		}
	}

	p := s.current
	if err := p.append(m, &s.scratch); err != nil {
		s.metrics.writesFailed.Inc()
		level.Error(s.logger).Log("msg", "page write failed", "page", p.id, "err", err)
		return PageRef{}, err
	}

	s.metrics.pagedMessages.Inc()
	s.metrics.pagedBytes.Add(float64(len(m.Body)))

	return PageRef{Address: s.address, PageID: p.id, Position: p.count - 1}, nil
}

func (s *Store) full(p *PageFile, m Message) bool {
	if p.count == 0 {
		return false
	}
	if s.opts.PageMaxMessages > 0 && int(p.count) >= s.opts.PageMaxMessages {
		return true
	}
	return s.opts.PageSize > 0 && p.dataEnd+int64(frameSize(m)) > s.opts.PageSize
}

func (s *Store) rotateLocked() error {
	id := s.firstPage
	if s.current != nil {
		id = s.current.id + 1
		if err := s.current.seal(); err != nil {
			level.Error(s.logger).Log("msg", "error sealing page", "page", s.current.id, "err", err)
		}
	}
	if id == 0 {
		id = 1
	}

	p, err := createPageFile(s.dir, id, s.opts.SyncPages)
	if err != nil {
		return errors.Wrapf(err, "create page %d", id)
	}

	if len(s.pages) == 0 {
		s.firstPage = id
	}
	s.pages[id] = p
	s.current = p
	s.metrics.pagesCreated.Inc()

	return nil
}

// enter switches the address to paging mode and records it on disk.
func (s *Store) enter() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	if s.paging {
		return false, nil
	}

	if err := storage.WriteFileAtomic(filepath.Join(s.dir, pagingFileName), nil); err != nil {
		return false, err
	}

	s.paging = true
	s.metrics.pagingAddresses.Inc()

	return true, nil
}

// leave switches the address back to memory once every queue committed past
// the last paged message. The drained pages are retired behind a fresh empty
// page so page ids keep increasing.
func (s *Store) leave() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	if !s.paging || !s.drainedLocked() {
		return false, nil
	}

	if s.current != nil && s.current.count > 0 {
		if err := s.rotateLocked(); err != nil {
			return false, err
		}
		for _, c := range s.queues {
			c.skipTo(Position{PageID: s.current.id})
		}
	}

	if err := os.Remove(filepath.Join(s.dir, pagingFileName)); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if err := storage.SyncDir(s.dir); err != nil {
		return false, err
	}

	s.paging = false
	s.metrics.pagingAddresses.Dec()
	s.retireLocked()

	return true, nil
}

// drainedLocked reports whether no paged message is left for any queue.
// Without queues only an address with no paged message is drained.
func (s *Store) drainedLocked() bool {
	if len(s.queues) == 0 {
		for _, p := range s.pages {
			if p.count > 0 {
				return false
			}
		}
		return true
	}

	for _, c := range s.queues {
		if s.remainingLocked(c.committed) > 0 {
			return false
		}
	}
	return true
}

func (s *Store) remainingLocked(pos Position) int {
	n := 0
	for id, p := range s.pages {
		switch {
		case id > pos.PageID:
			n += int(p.count)
		case id == pos.PageID && p.count > pos.Position:
			n += int(p.count - pos.Position)
		}
	}
	return n
}

// retireLocked deletes leading non-current pages every queue committed past.
func (s *Store) retireLocked() {
	if len(s.queues) == 0 {
		return
	}

	for s.current != nil && s.firstPage < s.current.id {
		id := s.firstPage
		for _, c := range s.queues {
			if c.committed.PageID <= id {
				return
			}
		}

		p := s.pages[id]
		if err := p.seal(); err != nil {
			level.Warn(s.logger).Log("msg", "error closing retired page", "page", id, "err", err)
		}
		if err := os.Remove(p.path); err != nil {
			level.Error(s.logger).Log("msg", "error removing retired page", "page", id, "err", err)
			return
		}

		delete(s.pages, id)
		s.firstPage++
		s.metrics.pagesRetired.Inc()
	}
}

// Cursor returns the cursor of queue, creating it at the first page.
func (s *Store) Cursor(queue string) *Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursorLocked(queue)
}

func (s *Store) cursorLocked(queue string) *Cursor {
	c, ok := s.queues[queue]
	if !ok {
		start := Position{PageID: s.firstPage}
		if start.PageID == 0 {
			start.PageID = 1
		}
		c = &Cursor{store: s, queue: queue, pos: start, committed: start}
		s.queues[queue] = c
	}
	return c
}

// RestoreCursor puts a queue's cursor at a persisted position, clamped to
// the pages that still exist.
func (s *Store) RestoreCursor(queue string, pos Position) *Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos = s.clampLocked(pos)

	c := s.cursorLocked(queue)
	c.pos, c.committed = pos, pos
	c.page = nil

	return c
}

func (s *Store) clampLocked(pos Position) Position {
	if len(s.pages) == 0 {
		return pos
	}
	if pos.PageID < s.firstPage {
		return Position{PageID: s.firstPage}
	}
	if pos.PageID > s.current.id {
		return Position{PageID: s.current.id, Position: s.current.count}
	}
	if p, ok := s.pages[pos.PageID]; ok && pos.Position > p.count {
		pos.Position = p.count
	}
	return pos
}

// PageIDs returns the ids of the pages on disk in order.
func (s *Store) PageIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}

	ids := make([]uint32, 0, len(s.pages))
	for id := s.firstPage; id <= s.current.id; id++ {
		ids = append(ids, id)
	}
	return ids
}

// MessageCount is the number of messages in the pages on disk.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked(Position{})
}

// Messages returns every paged message with its location, for recovery.
func (s *Store) Messages(fn func(PageRef, Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}

	for id := s.firstPage; id <= s.current.id; id++ {
		p := s.pages[id]
		msgs, err := p.readMessages(p.count)
		if err != nil {
			return err
		}
		for i, m := range msgs {
			if err := fn(PageRef{Address: s.address, PageID: id, Position: uint32(i)}, m); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.closed = true

	if s.current != nil {
		return s.current.seal()
	}
	return nil
}
