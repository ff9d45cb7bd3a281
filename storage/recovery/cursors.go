package recovery

import (
	"encoding/binary"
	"math"
	"sync"

	"brokerstore/storage"
	"brokerstore/storage/journal"
	"brokerstore/storage/paging"

	"github.com/pkg/errors"
)

type cursorKey struct {
	address string
	queue   string
}

// JournalCursorStore persists committed page cursors as journal records of
// type RecordTypePageCursor: one record per queue, added on the first commit
// and updated in place afterwards.
type JournalCursorStore struct {
	journal *journal.Journal
	ids     *storage.IDGenerator

	mu      sync.Mutex
	records map[cursorKey]uint64
}

func NewJournalCursorStore(j *journal.Journal, ids *storage.IDGenerator) *JournalCursorStore {
	return &JournalCursorStore{
		journal: j,
		ids:     ids,
		records: make(map[cursorKey]uint64),
	}
}

func (s *JournalCursorStore) SaveCursor(address, queue string, pos paging.Position) error {
	key := cursorKey{address: address, queue: queue}
	body, err := encodeCursor(address, queue, pos)
	if err != nil {
		return err
	}

	s.mu.Lock()
	id, ok := s.records[key]
	if !ok {
		id = s.ids.Next()
		s.records[key] = id
	}
	s.mu.Unlock()

	if ok {
		return s.journal.AppendUpdate(id, journal.RecordTypePageCursor, body)
	}

	if err := s.journal.AppendAdd(id, journal.RecordTypePageCursor, body, true); err != nil {
		s.mu.Lock()
		delete(s.records, key)
		s.mu.Unlock()
		return err
	}

	return nil
}

// track adopts a cursor record found during recovery.
func (s *JournalCursorStore) track(address, queue string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[cursorKey{address: address, queue: queue}] = id
}

// [address length u16][address][queue length u16][queue][page id u32][position u32]
func encodeCursor(address, queue string, pos paging.Position) ([]byte, error) {
	if len(address) > math.MaxUint16 {
		return nil, errors.Errorf("address of %d bytes does not fit a cursor record", len(address))
	}
	if len(queue) > math.MaxUint16 {
		return nil, errors.Errorf("queue name of %d bytes does not fit a cursor record", len(queue))
	}

	buf := make([]byte, 0, 2+len(address)+2+len(queue)+8)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(address)))
	buf = append(buf, address...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(queue)))
	buf = append(buf, queue...)
	buf = binary.BigEndian.AppendUint32(buf, pos.PageID)
	return binary.BigEndian.AppendUint32(buf, pos.Position), nil
}

func decodeCursor(b []byte) (string, string, paging.Position, error) {
	var pos paging.Position

	str := func() (string, error) {
		if len(b) < 2 {
			return "", errors.New("short cursor record")
		}
		n := int(binary.BigEndian.Uint16(b))
		if len(b) < 2+n {
			return "", errors.New("short cursor record")
		}
		s := string(b[2 : 2+n])
		b = b[2+n:]
		return s, nil
	}

	address, err := str()
	if err != nil {
		return "", "", pos, err
	}
	queue, err := str()
	if err != nil {
		return "", "", pos, err
	}

	if len(b) != 8 {
		return "", "", pos, errors.Errorf("cursor position of %d bytes", len(b))
	}
	pos.PageID = binary.BigEndian.Uint32(b)
	pos.Position = binary.BigEndian.Uint32(b[4:])

	return address, queue, pos, nil
}
