package journal

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Reader iterates over the frames of one journal file.
type Reader struct {
	reader *bufio.Reader
	err    error
	rec    Record
	buf    []byte

	offset int64 // start of the current frame
	next   int64 // start of the frame after it
	tail   bool  // the failing frame ran up to the end of the input
}

// NewReader reads frames from r. base is the file offset r starts at and only
// affects the offsets reported.
func NewReader(r io.Reader, base int64) *Reader {
	return &Reader{
		reader: bufio.NewReaderSize(r, 64*1024),
		offset: base,
		next:   base,
	}
}

func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}

	r.offset = r.next

	err := r.readFrame()
	if err == io.EOF {
		return false
	}

	r.err = err

	return err == nil
}

func (r *Reader) readFrame() error {
	var hdr [lengthSize]byte

	n, err := io.ReadFull(r.reader, hdr[:])
	switch {
	case err == io.EOF:
		return io.EOF
	case err == io.ErrUnexpectedEOF:
		r.tail = true
		return errors.Wrapf(ErrIncompleteFrame, "%d bytes left for length", n)
	case err != nil:
		return errors.Wrap(err, "read frame length")
	}

	length := int(binary.BigEndian.Uint32(hdr[:]))

	if length < minFrameLength || length > MaxFrameSize {
		r.tail = r.atEOF()
		return errors.Wrapf(ErrCorruptRecord, "invalid frame length %d", length)
	}

	if cap(r.buf) < length {
		r.buf = make([]byte, length)
	}
	frame := r.buf[:length]

	n, err = io.ReadFull(r.reader, frame)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		r.tail = true
		return errors.Wrapf(ErrIncompleteFrame, "frame of %d bytes, %d left", length, n)
	case err != nil:
		return errors.Wrap(err, "read frame")
	}

	rec, err := decodeBody(frame)
	if err != nil {
		r.tail = r.atEOF()
		return err
	}

	r.rec = rec
	r.next = r.offset + int64(lengthSize+length)

	return nil
}

func (r *Reader) atEOF() bool {
	_, err := r.reader.Peek(1)
	return err == io.EOF
}

// Record returns the last decoded record.
func (r *Reader) Record() Record {
	return r.rec
}

// Offset is the start of the last frame read, or of the frame that failed.
func (r *Reader) Offset() int64 {
	return r.offset
}

// TornTail reports whether the failure is confined to the final frame of
// the input, i.e. nothing readable follows it.
func (r *Reader) TornTail() bool {
	if r.err == nil {
		return false
	}
	if errors.Is(r.err, ErrIncompleteFrame) {
		return true
	}
	return errors.Is(r.err, ErrCorruptRecord) && r.tail
}

func (r *Reader) Err() error {
	return r.err
}
