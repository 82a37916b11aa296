// =============================================================================
// QUORUMS - Deciding From Partial Votes
// =============================================================================
//
// For n acceptors:
//
//   classic quorum  floor(n/2) + 1   any two intersect
//   fast quorum     ceil(3n/4)       any two intersect, and a fast quorum
//                                    meets every classic quorum
//
// 2*fast + classic > 2n as well, which is what makes collision recovery
// sound: among the votes of any classic quorum at most one value could still
// have reached a fast quorum.
//
// PickQuorum answers "what may I propose?" from phase-1 promises or from
// round-0 votes. LearnQuorum answers "has anything been chosen?".
//
// =============================================================================

package paxos

import (
	"bytes"
	"sort"
)

func ClassicQuorum(n int) int { return n/2 + 1 }

func FastQuorum(n int) int { return (3*n + 3) / 4 }

// KeyAcceptors returns the fixed majority whose round-0 votes are enough to
// resolve a fast-round collision: the first ClassicQuorum addresses in sorted
// order. Every node computes the same set.
func KeyAcceptors(addrs []string) []string {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	return sorted[:ClassicQuorum(len(sorted))]
}

// PickOutcome says how Pick arrived at its value.
type PickOutcome int

const (
	// PickEmpty: nothing was voted, any value is safe.
	PickEmpty PickOutcome = iota
	// PickUnique: a single value was voted in the highest round.
	PickUnique
	// PickRecovered: a collided fast round where exactly one value could
	// still have been chosen.
	PickRecovered
	// PickTieBreak: a collided fast round where nothing could have been
	// chosen; the value reported by the lowest address is returned.
	PickTieBreak
)

func (o PickOutcome) String() string {
	switch o {
	case PickEmpty:
		return "empty"
	case PickUnique:
		return "unique"
	case PickRecovered:
		return "recovered"
	case PickTieBreak:
		return "tiebreak"
	default:
		return "unknown"
	}
}

type voteRecord struct {
	round Round
	typ   RoundType
	value []byte
}

func (r voteRecord) voted() bool { return r.typ != RoundNone }

// PickQuorum accumulates the last vote reported by each acceptor for one
// instance.
//
// With a key set, Ready waits for every key acceptor to report at the highest
// round and Pick looks at key acceptors only, so every observer of the same
// keys derives the same value. Without one, Ready waits for threshold reports.
type PickQuorum struct {
	n         int
	threshold int
	keys      map[string]struct{}
	records   map[string]voteRecord
	maxRound  Round
	hasVote   bool
}

func NewPickQuorum(n, threshold int, keys []string) *PickQuorum {
	q := &PickQuorum{
		n:         n,
		threshold: threshold,
		records:   make(map[string]voteRecord),
	}
	if len(keys) > 0 {
		q.keys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			q.keys[k] = struct{}{}
		}
	}
	return q
}

// Add records a report. A report for a lower round than the one already held
// for from is ignored.
func (q *PickQuorum) Add(from string, round Round, typ RoundType, value []byte) {
	rec := voteRecord{round: round, typ: typ, value: value}
	if old, ok := q.records[from]; ok && old.voted() && (!rec.voted() || old.round > rec.round) {
		return
	}
	q.records[from] = rec
	if rec.voted() && (!q.hasVote || round > q.maxRound) {
		q.maxRound = round
		q.hasVote = true
	}
}

// MaxRound returns the highest round with a vote, and false if none.
func (q *PickQuorum) MaxRound() (Round, bool) {
	return q.maxRound, q.hasVote
}

// Reported is the number of acceptors heard from.
func (q *PickQuorum) Reported() int { return len(q.records) }

func (q *PickQuorum) Ready() bool {
	if q.keys == nil {
		return len(q.records) >= q.threshold
	}
	for k := range q.keys {
		rec, ok := q.records[k]
		if !ok || !rec.voted() || rec.round != q.maxRound {
			return false
		}
	}
	return true
}

func (q *PickQuorum) voters() map[string]voteRecord {
	if q.keys == nil {
		return q.records
	}
	out := make(map[string]voteRecord, len(q.keys))
	for k := range q.keys {
		if rec, ok := q.records[k]; ok {
			out[k] = rec
		}
	}
	return out
}

// Pick derives the only value that may be proposed in a higher round, or
// nil with PickEmpty when any value may. It panics if more than one value
// could have been chosen, which the quorum sizes rule out.
func (q *PickQuorum) Pick() ([]byte, PickOutcome) {
	voters := q.voters()

	var (
		k     Round
		found bool
	)
	for _, rec := range voters {
		if rec.voted() && (!found || rec.round > k) {
			k, found = rec.round, true
		}
	}
	if !found {
		return nil, PickEmpty
	}

	var (
		counts = make(map[string]int)
		normal bool
	)
	for _, rec := range voters {
		if !rec.voted() || rec.round != k {
			continue
		}
		if rec.typ == RoundNormal {
			normal = true
		}
		if rec.value != nil {
			counts[string(rec.value)]++
		}
	}

	switch {
	case len(counts) == 0:
		return nil, PickEmpty
	case len(counts) == 1:
		for v := range counts {
			return append([]byte{}, v...), PickUnique
		}
	case normal:
		safetyViolation("round %d is normal but carries %d values", k, len(counts))
	}

	// Collided fast round: v could have been chosen only if the acceptors
	// that have not reported, all voting v, would complete a fast quorum.
	missing := q.n - len(voters)
	fast := FastQuorum(q.n)
	var candidates []string
	for v, c := range counts {
		if c+missing >= fast {
			candidates = append(candidates, v)
		}
	}
	switch len(candidates) {
	case 0:
		return q.tieBreak(voters, k), PickTieBreak
	case 1:
		return append([]byte{}, candidates[0]...), PickRecovered
	default:
		safetyViolation("round %d: %d values could have reached a fast quorum", k, len(candidates))
		return nil, PickEmpty
	}
}

func (q *PickQuorum) tieBreak(voters map[string]voteRecord, k Round) []byte {
	var (
		lowest string
		value  []byte
	)
	for addr, rec := range voters {
		if rec.voted() && rec.round == k && rec.value != nil && (value == nil || addr < lowest) {
			lowest, value = addr, rec.value
		}
	}
	return append([]byte{}, value...)
}

type tallyKey struct {
	round Round
	typ   RoundType
	value string
}

// LearnQuorum counts votes per (round, type, value) for one instance.
type LearnQuorum struct {
	n       int
	tallies map[tallyKey]map[string]struct{}
	decided []byte
}

func NewLearnQuorum(n int) *LearnQuorum {
	return &LearnQuorum{
		n:       n,
		tallies: make(map[tallyKey]map[string]struct{}),
	}
}

// Add records a vote and returns the chosen value once a normal vote reaches
// a classic quorum or a fast vote reaches a fast quorum.
func (q *LearnQuorum) Add(from string, round Round, typ RoundType, value []byte) ([]byte, bool) {
	var need int
	switch typ {
	case RoundNormal:
		need = ClassicQuorum(q.n)
	case RoundFast:
		need = FastQuorum(q.n)
	default:
		return nil, false
	}
	if value == nil {
		return nil, false
	}

	key := tallyKey{round: round, typ: typ, value: string(value)}
	voters, ok := q.tallies[key]
	if !ok {
		voters = make(map[string]struct{})
		q.tallies[key] = voters
	}
	voters[from] = struct{}{}
	if len(voters) < need {
		return nil, false
	}

	if q.decided != nil && !bytes.Equal(q.decided, value) {
		safetyViolation("values %q and %q both reached quorum", q.decided, value)
	}
	q.decided = append([]byte{}, value...)
	return q.decided, true
}
