// =============================================================================
// STORAGE - Durable Acceptor State
// =============================================================================
//
// An acceptor's promises and votes must survive a crash. If an acceptor
// forgets that it promised round N, or forgets what it voted in round M, a
// later proposer can get a different value chosen and safety is gone.
//
// The acceptor therefore persists the record for an instance BEFORE it sends
// any reply or vote derived from it (write-ahead).
//
// One Record per consensus instance:
//
//   Round       highest round the acceptor has taken part in
//   VotedRound  round of the last vote cast
//   VotedType   0 = none, 1 = normal, 2 = fast
//   VotedValue  value of the last vote, nil when none
//
// =============================================================================

package storage

import "errors"

var (
	ErrClosed  = errors.New("storage closed")
	ErrCorrupt = errors.New("storage log corrupt")
)

// Record is the persisted acceptor state for one instance.
type Record struct {
	Round      int64  `json:"round"`
	VotedRound int64  `json:"voted_round"`
	VotedType  uint8  `json:"voted_type"`
	VotedValue []byte `json:"voted_value"`
}

// Storage persists acceptor records keyed by instance.
type Storage interface {
	// Load returns the record for instance, and false if none was saved.
	Load(instance int64) (Record, bool, error)
	// Save durably replaces the record for instance.
	Save(instance int64, rec Record) error
	// DeleteUpTo erases every record with instance <= upTo.
	DeleteUpTo(upTo int64) error
	Close() error
}

func copyRecord(rec Record) Record {
	if rec.VotedValue != nil {
		v := make([]byte, len(rec.VotedValue))
		copy(v, rec.VotedValue)
		rec.VotedValue = v
	}
	return rec
}
