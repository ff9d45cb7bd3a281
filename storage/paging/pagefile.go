package paging

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"brokerstore/storage"

	"github.com/pkg/errors"
)

const (
	pageMagic         uint32 = 0x50414745 // "PAGE"
	pageFormatVersion uint16 = 1

	// magic u32, version u16, page id u32, 6 bytes reserved
	pageHeaderSize = 16

	pageExtension = ".page"
)

var errTornHeader = errors.New("torn page header")

// PageFile is one page of an address. Only its store writes to it.
type PageFile struct {
	file    *os.File // nil once sealed
	path    string
	id      uint32
	count   uint32
	dataEnd int64
	sync    bool
	broken  bool
}

func PageName(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", id, pageExtension))
}

func createPageFile(dir string, id uint32, sync bool) (*PageFile, error) {
	path := PageName(dir, id)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}

	buf := encodePageHeader(id)
	buf = appendTrailer(buf, trailer{count: 0, dataEnd: pageHeaderSize})

	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "write page %s", path)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "sync page %s", path)
	}

	if err := storage.SyncDir(dir); err != nil {
		f.Close()
		return nil, err
	}

	return &PageFile{
		file:    f,
		path:    path,
		id:      id,
		dataEnd: pageHeaderSize,
		sync:    sync,
	}, nil
}

// openPageFile loads an existing page. Only the last page of an address may
// be incomplete; it is cut back to its last whole message and reopened for
// appends. Any other damage is fatal.
func openPageFile(path string, id uint32, last bool, sync bool) (*PageFile, bool, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}

	s, err := scanPage(buf)
	if err != nil {
		if errors.Is(err, errTornHeader) {
			if last {
				return nil, false, err
			}
			// a page followed by others was complete once
			err = errors.Wrap(ErrCorruptPage, err.Error())
		}
		return nil, false, &CorruptionError{Path: path, PageID: id, Offset: s.dataEnd, Err: err}
	}

	if s.id != id {
		return nil, false, &CorruptionError{Path: path, PageID: id, Err: errors.Wrapf(ErrCorruptPage, "header carries page id %d", s.id)}
	}

	if !s.complete && !last {
		return nil, false, &CorruptionError{Path: path, PageID: id, Offset: s.dataEnd, Err: errors.Wrap(ErrCorruptPage, "page has no valid trailer")}
	}

	p := &PageFile{path: path, id: id, count: s.count, dataEnd: s.dataEnd, sync: sync}

	if !last {
		return p, false, nil
	}

	p.file, err = os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, false, err
	}

	if s.complete {
		return p, false, nil
	}

	if err := p.writeTrailer(); err != nil {
		p.file.Close()
		return nil, false, err
	}

	return p, true, nil
}

type pageScan struct {
	id       uint32
	count    uint32
	dataEnd  int64
	complete bool
}

func scanPage(buf []byte) (pageScan, error) {
	if len(buf) < pageHeaderSize {
		return pageScan{}, errors.Wrapf(errTornHeader, "%d bytes", len(buf))
	}

	if m := binary.BigEndian.Uint32(buf); m != pageMagic {
		return pageScan{}, errors.Wrapf(ErrCorruptPage, "bad page magic %#x", m)
	}
	if v := binary.BigEndian.Uint16(buf[4:]); v != pageFormatVersion {
		return pageScan{}, errors.Wrapf(ErrCorruptPage, "unsupported page version %d", v)
	}

	s := pageScan{id: binary.BigEndian.Uint32(buf[6:]), dataEnd: pageHeaderSize}

	for int(s.dataEnd) < len(buf) {
		rest := buf[s.dataEnd:]

		if rest[0] == trailerMarker {
			t, ok := decodeTrailer(rest[:min(trailerSize, len(rest))])
			if !ok {
				break
			}
			if t.count != s.count || t.dataEnd != s.dataEnd {
				return s, errors.Wrapf(ErrCorruptPage, "trailer counts %d messages ending at %d, found %d ending at %d", t.count, t.dataEnd, s.count, s.dataEnd)
			}
			s.complete = len(rest) == trailerSize
			return s, nil
		}

		_, n, err := decodeFrame(rest)
		if err != nil {
			break
		}

		s.count++
		s.dataEnd += int64(n)
	}

	// A valid trailer past the point where decoding stopped means complete
	// messages were lost, not torn.
	if len(buf) >= int(s.dataEnd)+trailerSize {
		if t, ok := decodeTrailer(buf[len(buf)-trailerSize:]); ok && t.dataEnd > s.dataEnd {
			return s, errors.Wrapf(ErrCorruptPage, "damaged message at offset %d before trailer of %d messages", s.dataEnd, t.count)
		}
	}

	return s, nil
}

func encodePageHeader(id uint32) []byte {
	buf := make([]byte, pageHeaderSize)
	binary.BigEndian.PutUint32(buf, pageMagic)
	binary.BigEndian.PutUint16(buf[4:], pageFormatVersion)
	binary.BigEndian.PutUint32(buf[6:], id)
	return buf
}

func (p *PageFile) ID() uint32 {
	return p.id
}

func (p *PageFile) Count() uint32 {
	return p.count
}

// Size is the page's byte size without its trailer.
func (p *PageFile) Size() int64 {
	return p.dataEnd
}

// append writes m and the trailer counting it in one write at the end of the
// data. The count only moves once the write (and sync, when enabled) is done.
func (p *PageFile) append(m Message, scratch *[]byte) error {
	if p.file == nil {
		return errors.Errorf("page %d is sealed", p.id)
	}
	if p.broken {
		return errors.Errorf("page %d is broken", p.id)
	}

	buf := appendFrame((*scratch)[:0], m)
	frame := len(buf)
	buf = appendTrailer(buf, trailer{count: p.count + 1, dataEnd: p.dataEnd + int64(frame)})
	*scratch = buf

	if _, err := p.file.WriteAt(buf, p.dataEnd); err != nil {
		p.broken = true
		// put the previous trailer back so the page stays complete
		p.writeTrailer()
		return errors.Wrapf(err, "write page %d", p.id)
	}

	if p.sync {
		if err := p.file.Sync(); err != nil {
			p.broken = true
			return errors.Wrapf(err, "sync page %d", p.id)
		}
	}

	p.count++
	p.dataEnd += int64(frame)

	return nil
}

func (p *PageFile) writeTrailer() error {
	if err := p.file.Truncate(p.dataEnd); err != nil {
		return err
	}
	if _, err := p.file.WriteAt(appendTrailer(nil, trailer{count: p.count, dataEnd: p.dataEnd}), p.dataEnd); err != nil {
		return err
	}
	return p.file.Sync()
}

func (p *PageFile) seal() error {
	if p.file == nil {
		return nil
	}

	err := p.file.Sync()
	if cerr := p.file.Close(); err == nil {
		err = cerr
	}
	p.file = nil

	return err
}

// readMessages decodes the first count messages of the page.
func (p *PageFile) readMessages(count uint32) ([]Message, error) {
	return readPageMessages(p.path, p.id, count)
}

// readMessagesFrom decodes the messages after the first have, whose frames
// start at byte off, up to the current data end. It returns them with the
// offset just past the last one.
func (p *PageFile) readMessagesFrom(off int64, have uint32) ([]Message, int64, error) {
	if off < pageHeaderSize {
		off = pageHeaderSize
	}
	if have >= p.count || off >= p.dataEnd {
		return nil, off, nil
	}

	fd, err := os.Open(p.path)
	if err != nil {
		return nil, off, err
	}
	defer fd.Close()

	buf := make([]byte, p.dataEnd-off)
	if _, err := fd.ReadAt(buf, off); err != nil {
		return nil, off, errors.Wrapf(err, "read page %d", p.id)
	}

	msgs := make([]Message, 0, p.count-have)
	pos := 0

	for have+uint32(len(msgs)) < p.count {
		m, n, err := decodeFrame(buf[pos:])
		if err != nil {
			return nil, off, &CorruptionError{Path: p.path, PageID: p.id, Offset: off + int64(pos), Err: errors.Wrap(ErrCorruptPage, err.Error())}
		}
		msgs = append(msgs, m)
		pos += n
	}

	return msgs, off + int64(pos), nil
}

func readPageMessages(path string, id uint32, count uint32) ([]Message, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(buf) < pageHeaderSize {
		return nil, &CorruptionError{Path: path, PageID: id, Err: errors.Wrap(ErrCorruptPage, "short page")}
	}

	msgs := make([]Message, 0, count)
	off := pageHeaderSize

	for uint32(len(msgs)) < count {
		m, n, err := decodeFrame(buf[off:])
		if err != nil {
			return nil, &CorruptionError{Path: path, PageID: id, Offset: int64(off), Err: errors.Wrap(ErrCorruptPage, err.Error())}
		}
		msgs = append(msgs, m)
		off += n
	}

	return msgs, nil
}

// ReadPage decodes every message of a complete page, for offline inspection.
func ReadPage(path string) (uint32, []Message, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}

	s, err := scanPage(buf)
	if err != nil {
		return 0, nil, err
	}

	msgs, err := readPageMessages(path, s.id, s.count)
	return s.id, msgs, err
}

// ListPageFiles returns the page files of a store directory in id order.
func ListPageFiles(dir string) ([]string, error) {
	refs, err := listPages(dir)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(refs))
	for _, ref := range refs {
		paths = append(paths, ref.path)
	}
	return paths, nil
}

type pageRef struct {
	path string
	id   uint32
}

func listPages(dir string) ([]pageRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var refs []pageRef

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, pageExtension) {
			continue
		}

		id, err := strconv.ParseUint(storage.FileNameWithoutExtension(name), 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to list pages: %s", name)
		}

		refs = append(refs, pageRef{path: filepath.Join(dir, name), id: uint32(id)})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].id < refs[j].id })

	return refs, nil
}
