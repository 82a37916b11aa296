// =============================================================================
// LEARNER - The Observer of Paxos Consensus
// =============================================================================
//
// Acceptors send every vote straight to every learner. A learner counts them
// per (round, type, value):
//
//   NORMAL votes   chosen at a classic quorum (majority)
//   FAST votes     chosen at a fast quorum (~3/4)
//
// The first (round, value) to reach its quorum is the learned value of the
// instance, forever. Later votes for a learned instance are not counted, only
// checked: a NORMAL vote in the learned round, or any vote in a higher round,
// must carry the learned value.
//
// The learned table is append-only. Co-located roles (the proposer runner,
// the coordinator) read it through Learned; everyone else subscribes with
// OnInstanceLearned.
//
// Learner state is not durable: a restarted learner relearns from votes
// that are resent.
//
// =============================================================================

package paxos

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/senutpal/fastquorum/internal/metrics"
	"github.com/senutpal/fastquorum/internal/transport"
)

// LearnerConfig configures a Learner.
type LearnerConfig struct {
	Transport transport.Transport
	Acceptors int // cluster size n
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// LearnedInstance is one entry of the learned log.
type LearnedInstance struct {
	Instance InstanceID
	Value    []byte
}

type Learner struct {
	cfg     LearnerConfig
	log     zerolog.Logger
	quorums map[InstanceID]*LearnQuorum
	rounds  map[InstanceID]Round // round each instance was learned in

	mu        sync.RWMutex
	learned   map[InstanceID][]byte
	callbacks []func(InstanceID, []byte)
}

func NewLearner(cfg LearnerConfig) *Learner {
	return &Learner{
		cfg:     cfg,
		log:     cfg.Logger,
		quorums: make(map[InstanceID]*LearnQuorum),
		rounds:  make(map[InstanceID]Round),
		learned: make(map[InstanceID][]byte),
	}
}

// OnInstanceLearned registers fn to be called exactly once per learned
// instance, on the learner's goroutine. fn must not block.
func (l *Learner) OnInstanceLearned(fn func(InstanceID, []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, fn)
}

// Learned returns the value learned for id.
func (l *Learner) Learned(id InstanceID) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.learned[id]
	return v, ok
}

// Len returns the number of learned instances.
func (l *Learner) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.learned)
}

// Snapshot returns every learned instance ordered by instance.
func (l *Learner) Snapshot() []LearnedInstance {
	l.mu.RLock()
	out := make([]LearnedInstance, 0, len(l.learned))
	for id, v := range l.learned {
		out = append(out, LearnedInstance{Instance: id, Value: v})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func (l *Learner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-l.cfg.Transport.Inbox():
			l.handle(msg)
		}
	}
}

func (l *Learner) handle(msg transport.Message) {
	v, ok := msg.(*Vote)
	if !ok {
		l.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Str("from", msg.GetFrom()).Msg("unexpected message")
		return
	}
	if prev, done := l.Learned(v.Instance); done {
		l.check(v, prev)
		return
	}
	q, ok := l.quorums[v.Instance]
	if !ok {
		q = NewLearnQuorum(l.cfg.Acceptors)
		l.quorums[v.Instance] = q
	}
	if value, chosen := q.Add(v.From, v.Round, v.Type, v.Value); chosen {
		delete(l.quorums, v.Instance)
		l.learn(v.Instance, value, v.Round)
	}
}

func (l *Learner) check(v *Vote, learned []byte) {
	if v.Value == nil || v.Type == RoundNone {
		return
	}
	r := l.rounds[v.Instance]
	if v.Round < r || (v.Round == r && v.Type != RoundNormal) {
		return
	}
	if !bytes.Equal(v.Value, learned) {
		safetyViolation("instance %d learned %q in round %d, %s voted %q in round %d",
			v.Instance, learned, r, v.From, v.Value, v.Round)
	}
}

func (l *Learner) learn(id InstanceID, value []byte, round Round) {
	l.mu.Lock()
	if prev, ok := l.learned[id]; ok {
		l.mu.Unlock()
		if !bytes.Equal(prev, value) {
			safetyViolation("instance %d learned %q then %q", id, prev, value)
		}
		return
	}
	l.learned[id] = value
	callbacks := l.callbacks
	l.mu.Unlock()
	l.rounds[id] = round

	l.cfg.Metrics.RecordLearned()
	l.log.Debug().Int64("instance", int64(id)).Int64("round", int64(round)).Int("size", len(value)).Msg("instance learned")
	for _, fn := range callbacks {
		fn(id, value)
	}
}
