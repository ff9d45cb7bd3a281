package paging

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Page layout:
//
//	[header 16 bytes][message frame]...[trailer]
//
// message frame: ['M'][body length u32][message id u64][body][xxhash u64]
// trailer:       ['T'][count u32][data end u64][xxhash u64]
//
// Every append rewrites the trailer behind the new frame, so a page whose
// trailer is missing or fails its checksum was torn mid-write.
const (
	frameMarker   byte = 'M'
	trailerMarker byte = 'T'

	frameOverhead = 1 + 4 + 8 + 8
	trailerSize   = 1 + 4 + 8 + 8

	maxBodySize = 64 * 1024 * 1024
)

type Message struct {
	ID   uint64
	Body []byte
}

// PageRef locates a paged message.
type PageRef struct {
	Address  string
	PageID   uint32
	Position uint32
}

func frameSize(m Message) int {
	return frameOverhead + len(m.Body)
}

func appendFrame(dst []byte, m Message) []byte {
	start := len(dst)

	dst = append(dst, frameMarker)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Body)))
	dst = binary.BigEndian.AppendUint64(dst, m.ID)
	dst = append(dst, m.Body...)

	return binary.BigEndian.AppendUint64(dst, xxhash.Sum64(dst[start:]))
}

// decodeFrame returns the message at the start of buf and its frame size.
// errShortFrame means buf ends inside the frame.
func decodeFrame(buf []byte) (Message, int, error) {
	if len(buf) < frameOverhead {
		return Message{}, 0, errShortFrame
	}
	if buf[0] != frameMarker {
		return Message{}, 0, errors.Wrapf(ErrCorruptPage, "unexpected marker %#x", buf[0])
	}

	n := binary.BigEndian.Uint32(buf[1:])
	if n > maxBodySize {
		return Message{}, 0, errors.Wrapf(ErrCorruptPage, "invalid body length %d", n)
	}

	size := frameOverhead + int(n)
	if len(buf) < size {
		return Message{}, 0, errShortFrame
	}

	sum := binary.BigEndian.Uint64(buf[size-8:])
	if c := xxhash.Sum64(buf[:size-8]); c != sum {
		return Message{}, 0, errors.Wrapf(ErrCorruptPage, "invalid checksum: expected %d, got %d", sum, c)
	}

	m := Message{ID: binary.BigEndian.Uint64(buf[5:])}
	if n > 0 {
		m.Body = append([]byte(nil), buf[13:13+n]...)
	}

	return m, size, nil
}

var errShortFrame = errors.New("short page frame")

type trailer struct {
	count   uint32
	dataEnd int64
}

func appendTrailer(dst []byte, t trailer) []byte {
	start := len(dst)

	dst = append(dst, trailerMarker)
	dst = binary.BigEndian.AppendUint32(dst, t.count)
	dst = binary.BigEndian.AppendUint64(dst, uint64(t.dataEnd))

	return binary.BigEndian.AppendUint64(dst, xxhash.Sum64(dst[start:]))
}

func decodeTrailer(buf []byte) (trailer, bool) {
	if len(buf) != trailerSize || buf[0] != trailerMarker {
		return trailer{}, false
	}
	if xxhash.Sum64(buf[:trailerSize-8]) != binary.BigEndian.Uint64(buf[trailerSize-8:]) {
		return trailer{}, false
	}
	return trailer{
		count:   binary.BigEndian.Uint32(buf[1:]),
		dataEnd: int64(binary.BigEndian.Uint64(buf[5:])),
	}, true
}
