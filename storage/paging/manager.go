package paging

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"brokerstore/config"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type EventType int

const (
	PagingStarted EventType = iota + 1
	PagingStopped
)

func (t EventType) String() string {
	switch t {
	case PagingStarted:
		return "started"
	case PagingStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PagingEvent is sent to listeners whenever an address enters or leaves
// paging mode.
type PagingEvent struct {
	Type           EventType
	Address        string
	EstimatedBytes int64
	GlobalBytes    int64
}

// Manager is the process-wide registry of paging stores. It applies the
// water marks and the global size limit to memory estimates reported by the
// routing layer.
type Manager struct {
	logger  log.Logger
	metrics *PagingMetrics
	opts    config.PagingOptions
	cursors CursorStore

	mu        sync.Mutex
	stores    map[string]*Store
	usage     map[string]int64
	total     int64
	listeners []func(PagingEvent)
	closed    bool
}

func NewManager(logger log.Logger, registerer prometheus.Registerer, opts config.PagingOptions, cursors CursorStore) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "paging options")
	}

	if err := os.MkdirAll(opts.Dir, 0o777); err != nil {
		return nil, err
	}

	return &Manager{
		logger:  log.With(logger, "component", "paging"),
		metrics: NewPagingMetrics(prometheus.WrapRegistererWithPrefix("storage_paging_", registerer)),
		opts:    opts,
		cursors: cursors,
		stores:  make(map[string]*Store),
		usage:   make(map[string]int64),
	}, nil
}

// Load opens the store of every address found in the paging directory.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		b, err := os.ReadFile(filepath.Join(m.opts.Dir, e.Name(), addressFileName))
		if os.IsNotExist(err) {
			level.Warn(m.logger).Log("msg", "skipping paging directory without address", "dir", e.Name())
			continue
		}
		if err != nil {
			return err
		}

		address := string(b)
		if _, ok := m.stores[address]; ok {
			continue
		}

		s := newStore(m.logger, m.metrics, m.opts, address, m.cursors)
		if s.dir != filepath.Join(m.opts.Dir, e.Name()) {
			return errors.Errorf("paging directory %s holds address %q", e.Name(), address)
		}
		if err := s.load(); err != nil {
			return errors.Wrapf(err, "load pages of %s", address)
		}

		m.stores[address] = s

		level.Info(m.logger).Log("msg", "loaded paging store", "address", address, "pages", len(s.pages), "paging", s.paging)
	}

	return nil
}

// AddListener registers fn for paging events. Listeners run on the goroutine
// reporting memory pressure, outside any store lock.
func (m *Manager) AddListener(fn func(PagingEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Store returns the store of address, creating it on first use.
func (m *Manager) Store(address string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(address)
}

func (m *Manager) storeLocked(address string) (*Store, error) {
	if m.closed {
		return nil, ErrStoreClosed
	}

	if s, ok := m.stores[address]; ok {
		return s, nil
	}

	s := newStore(m.logger, m.metrics, m.opts, address, m.cursors)
	if err := s.create(); err != nil {
		return nil, errors.Wrapf(err, "create paging store for %s", address)
	}

	m.stores[address] = s

	return s, nil
}

// Lookup returns the store of address without creating one.
func (m *Manager) Lookup(address string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[address]
	return s, ok
}

func (m *Manager) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	addrs := make([]string, 0, len(m.stores))
	for a := range m.stores {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	return addrs
}

// OnMemoryPressure records the estimated in-memory bytes of address and
// re-evaluates that address only. An address enters paging above the high
// water mark, or when the sum over all addresses exceeds GlobalMaxSize. It
// leaves once below the low water mark, within the global limit, and every
// queue consumed its paged messages. At most one transition happens per
// call; the returned event is nil when nothing changed.
func (m *Manager) OnMemoryPressure(address string, estimatedBytes int64) (*PagingEvent, error) {
	m.mu.Lock()

	m.total += estimatedBytes - m.usage[address]
	m.usage[address] = estimatedBytes
	total := m.total

	s, err := m.storeLocked(address)
	listeners := m.listeners
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	overGlobal := m.opts.GlobalMaxSize > 0 && total > m.opts.GlobalMaxSize

	var (
		event   *PagingEvent
		changed bool
	)

	switch {
	case estimatedBytes > m.opts.HighWaterMark || overGlobal:
		changed, err = s.enter()
		if changed {
			event = &PagingEvent{Type: PagingStarted, Address: address, EstimatedBytes: estimatedBytes, GlobalBytes: total}
		}
	case estimatedBytes < m.opts.LowWaterMark:
		changed, err = s.leave()
		if changed {
			event = &PagingEvent{Type: PagingStopped, Address: address, EstimatedBytes: estimatedBytes, GlobalBytes: total}
		}
	}

	if err != nil {
		return nil, errors.Wrapf(err, "paging transition of %s", address)
	}

	if event == nil {
		return nil, nil
	}

	m.metrics.transitions.WithLabelValues(event.Type.String()).Inc()
	level.Info(m.logger).Log("msg", "paging "+event.Type.String(), "address", address, "estimated_bytes", estimatedBytes, "global_bytes", total)

	for _, fn := range listeners {
		fn(*event)
	}

	return event, nil
}

// Route pages m when address is in paging mode. It reports false when the
// message stays with the caller.
func (m *Manager) Route(address string, msg Message) (PageRef, bool, error) {
	s, ok := m.Lookup(address)
	if !ok {
		return PageRef{}, false, nil
	}

	ref, err := s.Page(msg)
	if errors.Is(err, ErrNotPaging) {
		return PageRef{}, false, nil
	}
	if err != nil {
		return PageRef{}, false, err
	}

	return ref, true, nil
}

// RestoreCursor places a queue's cursor at a persisted position.
func (m *Manager) RestoreCursor(address, queue string, pos Position) error {
	s, ok := m.Lookup(address)
	if !ok {
		return errors.Wrapf(ErrPageNotFound, "no pages for address %s", address)
	}
	s.RestoreCursor(queue, pos)
	return nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.closed = true

	var firstErr error
	for _, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
