package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"brokerstore/storage"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const (
	fileMagic uint32 = 0x4a524e4c // "JRNL"

	// FormatVersion is written into new files. Files from minFormatVersion
	// up to FormatVersion are readable.
	FormatVersion    uint16 = 2
	minFormatVersion uint16 = 1

	// magic u32, version u16, file id u32, compact count u8, 5 bytes reserved
	fileHeaderSize = 16

	fileExtension    = ".jrn"
	compactExtension = ".cmp"
)

type FileHeader struct {
	Version      uint16
	FileID       uint32
	CompactCount uint8
}

// JournalFile is one fixed-capacity append-only file. Only the journal holds
// them; everyone else refers to a file by id and goes through the scoped
// OpenForRead and OpenForReplay.
type JournalFile struct {
	wlog.SegmentFile // write handle, nil once sealed

	path     string
	header   FileHeader
	capacity int64
	size     int64 // bytes on disk, advanced by the writer

	// guarded by the journal mutex
	reserved     int64
	liveRecords  int
	totalRecords int

	sealed   atomic.Bool
	unusable atomic.Bool
}

type FileRef struct {
	Path string
	ID   uint32
}

func FileName(dir string, id uint32, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", id, ext))
}

func createJournalFile(dir string, id uint32, compactCount uint8, capacity int64, ext string) (*JournalFile, error) {
	path := FileName(dir, id, ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o666)
	if err != nil {
		return nil, err
	}

	header := FileHeader{Version: FormatVersion, FileID: id, CompactCount: compactCount}

	if _, err := f.Write(encodeHeader(header)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "write header of %s", path)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "sync header of %s", path)
	}

	if err := storage.SyncDir(dir); err != nil {
		f.Close()
		return nil, err
	}

	return &JournalFile{
		SegmentFile: f,
		path:        path,
		header:      header,
		capacity:    capacity,
		size:        fileHeaderSize,
		reserved:    fileHeaderSize,
	}, nil
}

// openJournalFile opens an existing file for replay. The returned file is
// sealed and has no write handle.
func openJournalFile(path string, capacity int64) (*JournalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := readHeader(f)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	jf := &JournalFile{
		path:     path,
		header:   header,
		capacity: capacity,
		size:     stat.Size(),
		reserved: stat.Size(),
	}
	jf.sealed.Store(true)

	return jf, nil
}

func encodeHeader(h FileHeader) []byte {
	buf := make([]byte, fileHeaderSize)
	binary.BigEndian.PutUint32(buf, fileMagic)
	binary.BigEndian.PutUint16(buf[4:], h.Version)
	binary.BigEndian.PutUint32(buf[6:], h.FileID)
	buf[10] = h.CompactCount
	return buf
}

func readHeader(r io.Reader) (FileHeader, error) {
	var buf [fileHeaderSize]byte

	n, err := io.ReadFull(r, buf[:])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return FileHeader{}, errors.Wrapf(ErrIncompleteFrame, "file header of %d bytes", n)
	}
	if err != nil {
		return FileHeader{}, err
	}

	if m := binary.BigEndian.Uint32(buf[:]); m != fileMagic {
		return FileHeader{}, errors.Wrapf(ErrCorruptRecord, "bad file magic %#x", m)
	}

	h := FileHeader{
		Version:      binary.BigEndian.Uint16(buf[4:]),
		FileID:       binary.BigEndian.Uint32(buf[6:]),
		CompactCount: buf[10],
	}

	if h.Version > FormatVersion || h.Version < minFormatVersion {
		return FileHeader{}, errors.Wrapf(ErrUnsupportedVersion, "version %d", h.Version)
	}

	return h, nil
}

func (f *JournalFile) ID() uint32 {
	return f.header.FileID
}

func (f *JournalFile) Path() string {
	return f.path
}

// append writes one or more frames sequentially. On failure the partial frame
// is cut off; the caller retires the file.
func (f *JournalFile) append(frame []byte) error {
	if f.unusable.Load() {
		return ioFailure(errors.New("file marked unusable"), f.ID())
	}
	if f.SegmentFile == nil {
		return ioFailure(errors.New("file is sealed"), f.ID())
	}

	n, err := f.Write(frame)
	if err != nil {
		// drop the partial frame so the file stays replayable once sealed
		if terr := os.Truncate(f.path, f.size); terr != nil {
			f.size += int64(n)
		}
		return ioFailure(err, f.ID())
	}

	f.size += int64(n)

	return nil
}

func (f *JournalFile) sync() error {
	if f.SegmentFile == nil {
		return nil
	}
	if err := f.Sync(); err != nil {
		f.unusable.Store(true)
		return ioFailure(err, f.ID())
	}
	return nil
}

// seal makes the file read-only. Sealed files are what compaction works on.
func (f *JournalFile) seal() error {
	var err error

	if f.SegmentFile != nil {
		// a retired file still holds the frames written before its failure
		err = f.sync()
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		f.SegmentFile = nil
	}

	f.sealed.Store(true)

	return err
}

// fits reports whether n more bytes can be reserved without exceeding the
// capacity. An empty file accepts any single frame.
func (f *JournalFile) fits(n int) bool {
	return f.reserved == fileHeaderSize || f.reserved+int64(n) <= f.capacity
}

func (f *JournalFile) markDeleted() {
	if f.liveRecords > 0 {
		f.liveRecords--
	}
}

// liveRatio is live over total records; an empty file counts as fully dead.
func (f *JournalFile) liveRatio() float64 {
	if f.totalRecords == 0 {
		return 0
	}
	return float64(f.liveRecords) / float64(f.totalRecords)
}

// OpenForRead hands fn a reader positioned after the file header. The handle
// is released on every path out of fn.
func (f *JournalFile) OpenForRead(fn func(r io.Reader) error) error {
	fd, err := f.open()
	if err != nil {
		return err
	}
	defer fd.Close()

	return fn(fd)
}

func (f *JournalFile) open() (*os.File, error) {
	fd, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}

	if _, err := fd.Seek(fileHeaderSize, io.SeekStart); err != nil {
		fd.Close()
		return nil, err
	}

	return fd, nil
}

// OpenForReplay is OpenForRead with a frame reader.
func (f *JournalFile) OpenForReplay(fn func(r *Reader) error) error {
	return f.OpenForRead(func(r io.Reader) error {
		return fn(NewReader(r, fileHeaderSize))
	})
}

// ListFiles returns the files with the given extension in id order.
func ListFiles(dir string, ext string) ([]FileRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	refs := make([]FileRef, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}

		i, err := strconv.ParseUint(storage.FileNameWithoutExtension(name), 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to list journal files: %s", name)
		}

		refs = append(refs, FileRef{Path: filepath.Join(dir, name), ID: uint32(i)})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].ID < refs[j].ID
	})

	return refs, nil
}

// ListJournalFiles returns the journal files of dir in id order.
func ListJournalFiles(dir string) ([]FileRef, error) {
	return ListFiles(dir, fileExtension)
}

// ReadFile decodes every frame of a journal file, for offline inspection.
func ReadFile(path string, fn func(offset int64, r Record) error) (FileHeader, error) {
	fd, err := os.Open(path)
	if err != nil {
		return FileHeader{}, err
	}
	defer fd.Close()

	header, err := readHeader(fd)
	if err != nil {
		return FileHeader{}, err
	}

	reader := NewReader(fd, fileHeaderSize)
	for reader.Next() {
		if err := fn(reader.Offset(), reader.Record()); err != nil {
			return header, err
		}
	}

	return header, reader.Err()
}
