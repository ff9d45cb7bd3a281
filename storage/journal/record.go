package journal

import "fmt"

// Kind is the closed set of journal record variants.
type Kind uint8

const (
	KindAdd Kind = iota + 1
	KindUpdate
	KindDelete
	KindPrepareTx
	KindCommitTx
	KindRollbackTx
	KindAddInTx
	KindUpdateInTx
	KindDeleteInTx
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindPrepareTx:
		return "prepare"
	case KindCommitTx:
		return "commit"
	case KindRollbackTx:
		return "rollback"
	case KindAddInTx:
		return "add-tx"
	case KindUpdateInTx:
		return "update-tx"
	case KindDeleteInTx:
		return "delete-tx"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool {
	return k >= KindAdd && k <= KindDeleteInTx
}

// Transactional reports whether records of this kind carry a transaction id.
func (k Kind) Transactional() bool {
	switch k {
	case KindPrepareTx, KindCommitTx, KindRollbackTx, KindAddInTx, KindUpdateInTx, KindDeleteInTx:
		return true
	default:
		return false
	}
}

// Reserved user record types. Anything below RecordTypeReserved is free for
// the broker layer.
const (
	RecordTypeReserved   uint8 = 0xF0
	RecordTypePageCursor uint8 = 0xF1
)

// Record is one journal entry.
//
// Which fields are meaningful depends on Kind: ID for the record operations,
// TxID for the transactional kinds, UserRecordType and Body for adds and
// updates, Body (the xid) and NumRecords for prepare, NumRecords for commit.
type Record struct {
	Kind           Kind
	ID             uint64
	TxID           uint64
	UserRecordType uint8
	Body           []byte
	NumRecords     uint32

	// provenance, rewritten by compaction
	FileID       uint32
	CompactCount uint8
}

func (r Record) String() string {
	if r.Kind.Transactional() {
		return fmt.Sprintf("%s tx=%d id=%d type=%d len=%d file=%d cc=%d", r.Kind, r.TxID, r.ID, r.UserRecordType, len(r.Body), r.FileID, r.CompactCount)
	}
	return fmt.Sprintf("%s id=%d type=%d len=%d file=%d cc=%d", r.Kind, r.ID, r.UserRecordType, len(r.Body), r.FileID, r.CompactCount)
}

// RecordInfo is a live record as handed to the replay callback.
type RecordInfo struct {
	ID             uint64
	UserRecordType uint8
	Body           []byte
}

// PreparedTransaction is a transaction that was prepared but neither
// committed nor rolled back when the journal was last written.
type PreparedTransaction struct {
	TxID    uint64
	Xid     []byte
	Records []Record
}
