// =============================================================================
// ROUNDS - Ordering Competing Proposals
// =============================================================================
//
// Every consensus instance runs its own sequence of rounds (ballots). Higher
// rounds win; an acceptor that has joined round N refuses anything lower.
// Two drivers must never use the same round number for the same instance
// with different values, so rounds are carved up between them:
//
//   round 0            the fast round. Clients FastPropose directly.
//   round 1            fast-collision recovery. Its value is derived
//                      deterministically from the key acceptors' round-0
//                      votes, so every driver proposes the same value.
//   2 + k + j*stride   classic rounds owned by owner k (j = 0, 1, 2, ...)
//
// Owners 0..P-1 are the proposer runners, owner P is the coordinator, and
// stride = P+1. The coordinator starts at j = 1 so its rounds always sit
// above every proposer's opening round.
//
// =============================================================================

package paxos

import "fmt"

// InstanceID names one consensus decision (one log slot).
type InstanceID int64

// Round is a ballot number scoped to one instance.
type Round int64

const (
	FastRound     Round = 0
	RecoveryRound Round = 1

	firstClassicRound Round = 2
)

// RoundType records how a vote was cast.
type RoundType uint8

const (
	RoundNone RoundType = iota
	RoundNormal
	RoundFast
)

func (t RoundType) String() string {
	switch t {
	case RoundNone:
		return "none"
	case RoundNormal:
		return "normal"
	case RoundFast:
		return "fast"
	default:
		return fmt.Sprintf("RoundType(%d)", uint8(t))
	}
}

// NoOp is the value a coordinator proposes to fill an instance nobody voted
// for. It is empty but not absent: a nil value means "no value".
var NoOp = []byte{}

// OwnedRound returns the j-th classic round of owner.
func OwnedRound(owner, stride, j int) Round {
	return firstClassicRound + Round(owner) + Round(j)*Round(stride)
}

// NextOwnedRound returns the smallest round owned by owner that is strictly
// above `above` and uses an index of at least minJ.
func NextOwnedRound(owner, stride int, above Round, minJ int) Round {
	r := OwnedRound(owner, stride, minJ)
	if r > above {
		return r
	}
	steps := (above-r)/Round(stride) + 1
	return r + steps*Round(stride)
}

// RoundOwner reports which owner a classic round belongs to, and false for
// the fast and recovery rounds.
func RoundOwner(r Round, stride int) (int, bool) {
	if r < firstClassicRound {
		return 0, false
	}
	return int((r - firstClassicRound) % Round(stride)), true
}
