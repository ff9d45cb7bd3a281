package journal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Frame layout, big endian:
//
//	[length u32][kind u8][fileID u32][compactCount u8][payload ...][crc32c u32]
//
// length counts every byte after the length field. The crc covers kind up to
// the end of the payload. Payload per kind:
//
//	add, update                 id u64, userRecordType u8, body
//	delete                      id u64
//	add-tx, update-tx           txID u64, id u64, userRecordType u8, body
//	delete-tx                   txID u64, id u64
//	prepare                     txID u64, numRecords u32, xid
//	commit                      txID u64, numRecords u32
//	rollback                    txID u64
const (
	lengthSize      = 4
	frameHeaderSize = 1 + 4 + 1
	crcSize         = 4
	minFrameLength  = frameHeaderSize + crcSize

	// MaxFrameSize bounds a single frame; a larger declared length can only
	// be garbage.
	MaxFrameSize = 64 * 1024 * 1024
)

// First byte of the frame body:
// [ 3 bits unallocated] [1 bit snappy compression flag] [ 4 bit kind ]
const (
	snappyMask = 1 << 4
	kindMask   = snappyMask - 1
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Encode frames r without body compression.
func Encode(r Record) []byte {
	return AppendFrame(nil, r, -1)
}

// AppendFrame appends the frame of r to dst. Bodies longer than
// compressAbove are snappy encoded; a negative value disables compression.
func AppendFrame(dst []byte, r Record, compressAbove int) []byte {
	body := r.Body
	flags := byte(0)

	if compressAbove >= 0 && len(body) > compressAbove && carriesBody(r.Kind) {
		body = snappy.Encode(nil, body)
		flags |= snappyMask
	}

	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst = append(dst, byte(r.Kind)|flags)
	dst = binary.BigEndian.AppendUint32(dst, r.FileID)
	dst = append(dst, r.CompactCount)

	switch r.Kind {
	case KindAdd, KindUpdate:
		dst = binary.BigEndian.AppendUint64(dst, r.ID)
		dst = append(dst, r.UserRecordType)
		dst = append(dst, body...)
	case KindDelete:
		dst = binary.BigEndian.AppendUint64(dst, r.ID)
	case KindAddInTx, KindUpdateInTx:
		dst = binary.BigEndian.AppendUint64(dst, r.TxID)
		dst = binary.BigEndian.AppendUint64(dst, r.ID)
		dst = append(dst, r.UserRecordType)
		dst = append(dst, body...)
	case KindDeleteInTx:
		dst = binary.BigEndian.AppendUint64(dst, r.TxID)
		dst = binary.BigEndian.AppendUint64(dst, r.ID)
	case KindPrepareTx:
		dst = binary.BigEndian.AppendUint64(dst, r.TxID)
		dst = binary.BigEndian.AppendUint32(dst, r.NumRecords)
		dst = append(dst, body...)
	case KindCommitTx:
		dst = binary.BigEndian.AppendUint64(dst, r.TxID)
		dst = binary.BigEndian.AppendUint32(dst, r.NumRecords)
	case KindRollbackTx:
		dst = binary.BigEndian.AppendUint64(dst, r.TxID)
	default:
		panic(errors.Errorf("encode of unknown record kind %d", r.Kind))
	}

	crc := crc32.Checksum(dst[start+lengthSize:], castagnoliTable)
	dst = binary.BigEndian.AppendUint32(dst, crc)

	binary.BigEndian.PutUint32(dst[start:], uint32(len(dst)-start-lengthSize))

	return dst
}

// EncodedSize is the exact frame size of r when not compressed.
func EncodedSize(r Record) int {
	return lengthSize + frameHeaderSize + payloadSize(r) + crcSize
}

func payloadSize(r Record) int {
	switch r.Kind {
	case KindAdd, KindUpdate:
		return 8 + 1 + len(r.Body)
	case KindDelete:
		return 8
	case KindAddInTx, KindUpdateInTx:
		return 8 + 8 + 1 + len(r.Body)
	case KindDeleteInTx:
		return 16
	case KindPrepareTx:
		return 8 + 4 + len(r.Body)
	case KindCommitTx:
		return 8 + 4
	case KindRollbackTx:
		return 8
	default:
		return 0
	}
}

func carriesBody(k Kind) bool {
	switch k {
	case KindAdd, KindUpdate, KindAddInTx, KindUpdateInTx, KindPrepareTx:
		return true
	default:
		return false
	}
}

// Decode reads the frame at the start of buf and returns the record and the
// number of bytes consumed.
//
// A buffer that ends before the declared frame does yields ErrIncompleteFrame:
// that is what a torn write at the tail of a file looks like. A frame that is
// complete but fails its checksum or structure checks yields ErrCorruptRecord.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < lengthSize {
		return Record{}, 0, errors.Wrapf(ErrIncompleteFrame, "%d bytes left for length", len(buf))
	}

	length := int(binary.BigEndian.Uint32(buf))

	if length < minFrameLength || length > MaxFrameSize {
		return Record{}, 0, errors.Wrapf(ErrCorruptRecord, "invalid frame length %d", length)
	}

	if lengthSize+length > len(buf) {
		return Record{}, 0, errors.Wrapf(ErrIncompleteFrame, "frame of %d bytes, %d left", length, len(buf)-lengthSize)
	}

	r, err := decodeBody(buf[lengthSize : lengthSize+length])
	if err != nil {
		return Record{}, 0, err
	}

	return r, lengthSize + length, nil
}

// decodeBody decodes a frame without its length prefix.
func decodeBody(frame []byte) (Record, error) {
	var (
		data = frame[:len(frame)-crcSize]
		crc  = binary.BigEndian.Uint32(frame[len(frame)-crcSize:])
	)

	if c := crc32.Checksum(data, castagnoliTable); c != crc {
		return Record{}, errors.Wrapf(ErrCorruptRecord, "invalid checksum: expected %d, got %d", crc, c)
	}

	r := Record{
		Kind:         Kind(data[0] & kindMask),
		FileID:       binary.BigEndian.Uint32(data[1:]),
		CompactCount: data[5],
	}
	compressed := data[0]&snappyMask != 0
	p := data[frameHeaderSize:]

	need := func(n int) error {
		if len(p) < n {
			return errors.Wrapf(ErrCorruptRecord, "%s payload of %d bytes, want at least %d", r.Kind, len(p), n)
		}
		return nil
	}
	exact := func(n int) error {
		if len(p) != n {
			return errors.Wrapf(ErrCorruptRecord, "%s payload of %d bytes, want %d", r.Kind, len(p), n)
		}
		return nil
	}

	var body []byte

	switch r.Kind {
	case KindAdd, KindUpdate:
		if err := need(9); err != nil {
			return Record{}, err
		}
		r.ID = binary.BigEndian.Uint64(p)
		r.UserRecordType = p[8]
		body = p[9:]
	case KindDelete:
		if err := exact(8); err != nil {
			return Record{}, err
		}
		r.ID = binary.BigEndian.Uint64(p)
	case KindAddInTx, KindUpdateInTx:
		if err := need(17); err != nil {
			return Record{}, err
		}
		r.TxID = binary.BigEndian.Uint64(p)
		r.ID = binary.BigEndian.Uint64(p[8:])
		r.UserRecordType = p[16]
		body = p[17:]
	case KindDeleteInTx:
		if err := exact(16); err != nil {
			return Record{}, err
		}
		r.TxID = binary.BigEndian.Uint64(p)
		r.ID = binary.BigEndian.Uint64(p[8:])
	case KindPrepareTx:
		if err := need(12); err != nil {
			return Record{}, err
		}
		r.TxID = binary.BigEndian.Uint64(p)
		r.NumRecords = binary.BigEndian.Uint32(p[8:])
		body = p[12:]
	case KindCommitTx:
		if err := exact(12); err != nil {
			return Record{}, err
		}
		r.TxID = binary.BigEndian.Uint64(p)
		r.NumRecords = binary.BigEndian.Uint32(p[8:])
	case KindRollbackTx:
		if err := exact(8); err != nil {
			return Record{}, err
		}
		r.TxID = binary.BigEndian.Uint64(p)
	default:
		return Record{}, errors.Wrapf(ErrCorruptRecord, "unknown record kind %d", data[0]&kindMask)
	}

	if compressed {
		if !carriesBody(r.Kind) {
			return Record{}, errors.Wrapf(ErrCorruptRecord, "compression flag on %s record", r.Kind)
		}
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return Record{}, errors.Wrapf(ErrCorruptRecord, "snappy: %v", err)
		}
		body = decoded
	}

	if len(body) > 0 {
		r.Body = append([]byte(nil), body...)
	}

	return r, nil
}
