// =============================================================================
// PAXOS MESSAGE TYPES
// =============================================================================
//
// Every message names the instance it belongs to; instances are independent.
//
//   PHASE 1                          PHASE 2
//
//   Proposer ── Prepare(r) ──▶ Acc   Proposer ── Accept(r, v) ──▶ Acc
//   Proposer ◀── Promise ───── Acc   Learners ◀── Vote(r, v) ──── Acc
//
//   FAST ROUND
//
//   Client ── FastPropose(v) ──▶ Acc ── Vote(0, FAST, v) ──▶ Learners
//                                    ── Vote(0, FAST, v) ──▶ other acceptors
//                                                            (or coordinator)
//
// A Promise always carries the acceptor's current round and its last vote.
// When Round is higher than what the proposer asked for, the Promise doubles
// as a rejection: the proposer has been preempted.
//
// Values are opaque bytes. nil means "no value"; NoOp is empty but present.
//
// =============================================================================

package paxos

// Prepare opens phase 1 of round Round.
type Prepare struct {
	From     string
	Instance InstanceID
	Round    Round
}

func (m *Prepare) GetFrom() string { return m.From }

// Promise answers a Prepare, or rejects an Accept from a proposer.
type Promise struct {
	From       string
	Instance   InstanceID
	Round      Round // acceptor's roundNo after handling the request
	VotedRound Round
	VotedType  RoundType
	VotedValue []byte
}

func (m *Promise) GetFrom() string { return m.From }

// Accept asks acceptors to vote for Value in round Round. A nil Value opens
// the fast round.
type Accept struct {
	From     string
	Instance InstanceID
	Round    Round
	Value    []byte
}

func (m *Accept) GetFrom() string { return m.From }

// FastPropose offers a value directly to acceptors in the fast round.
type FastPropose struct {
	From     string
	Instance InstanceID
	Value    []byte
}

func (m *FastPropose) GetFrom() string { return m.From }

// Vote announces that acceptor From voted for Value in round Round.
type Vote struct {
	From     string
	Instance InstanceID
	Round    Round
	Type     RoundType
	Value    []byte
}

func (m *Vote) GetFrom() string { return m.From }

// Forget tells an acceptor to drop all state for instances <= UpTo.
type Forget struct {
	From string
	UpTo InstanceID
}

func (m *Forget) GetFrom() string { return m.From }
