// =============================================================================
// ACCEPTOR - The Safety Guardian of Paxos
// =============================================================================
//
// Acceptors are the voters. Per instance an acceptor keeps
//
//   RoundNo      highest round it has joined
//   VotedRound   round of its last vote (<= RoundNo)
//   VotedType    none, normal or fast
//   VotedValue   value of its last vote, nil if none
//
// and follows two rules:
//
//   1. Never join a round lower than RoundNo.
//   2. Never vote for two different values in the same round.
//
// State is written to storage BEFORE any reply or vote leaves the acceptor.
// A storage failure stops the acceptor: a voter that cannot remember its
// promises must not keep voting.
//
// FAST ROUND
// ──────────
// With the fast path on, every fresh instance starts "fast-open":
// (0, 0, FAST, nil). The first FastPropose that arrives is voted for.
//
// If concurrent clients fast-propose different values, round 0 collides.
// Without a coordinator, acceptors forward their round-0 votes to each
// other. Once every key acceptor has been heard, each acceptor derives the
// same value from the same key votes and moves the instance to round 1
// with it. With a coordinator the votes go there instead and the
// coordinator does the same derivation.
//
// =============================================================================

package paxos

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/senutpal/fastquorum/internal/metrics"
	"github.com/senutpal/fastquorum/internal/storage"
	"github.com/senutpal/fastquorum/internal/transport"
)

// AcceptorConfig configures an Acceptor.
type AcceptorConfig struct {
	Transport   transport.Transport
	Storage     storage.Storage // defaults to a MemoryStorage
	Acceptors   []string        // every acceptor, this one included
	Learners    []string
	Coordinator string // optional; receives every vote
	FastPath    bool
	Coordinated bool // send round-0 votes to the coordinator, not to peers
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

func (c AcceptorConfig) withDefaults() AcceptorConfig {
	if c.Storage == nil {
		c.Storage = storage.NewMemoryStorage()
	}
	return c
}

// InstanceState is an acceptor's view of one instance.
type InstanceState struct {
	RoundNo    Round
	VotedRound Round
	VotedType  RoundType
	VotedValue []byte
}

func (s *InstanceState) record() storage.Record {
	return storage.Record{
		Round:      int64(s.RoundNo),
		VotedRound: int64(s.VotedRound),
		VotedType:  uint8(s.VotedType),
		VotedValue: s.VotedValue,
	}
}

type Acceptor struct {
	cfg       AcceptorConfig
	id        string
	acceptors map[string]struct{}
	peers     []string
	voteTo    []string
	keys      []string
	log       zerolog.Logger

	mu         sync.Mutex
	instances  map[InstanceID]*InstanceState
	collisions map[InstanceID]*PickQuorum
}

func NewAcceptor(cfg AcceptorConfig) *Acceptor {
	cfg = cfg.withDefaults()
	a := &Acceptor{
		cfg:        cfg,
		id:         cfg.Transport.ID(),
		acceptors:  make(map[string]struct{}, len(cfg.Acceptors)),
		keys:       KeyAcceptors(cfg.Acceptors),
		log:        cfg.Logger,
		instances:  make(map[InstanceID]*InstanceState),
		collisions: make(map[InstanceID]*PickQuorum),
	}
	for _, addr := range cfg.Acceptors {
		a.acceptors[addr] = struct{}{}
		if addr != a.id {
			a.peers = append(a.peers, addr)
		}
	}
	a.voteTo = append(a.voteTo, cfg.Learners...)
	if cfg.Coordinator != "" {
		a.voteTo = append(a.voteTo, cfg.Coordinator)
	}
	return a
}

// Run handles messages until ctx is done or storage fails.
func (a *Acceptor) Run(ctx context.Context) error {
	a.log.Debug().Msg("acceptor started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.cfg.Transport.Inbox():
			if err := a.handle(msg); err != nil {
				a.log.Error().Err(err).Msg("acceptor stopping")
				return err
			}
		}
	}
}

// State returns a copy of the state held for id.
func (a *Acceptor) State(id InstanceID) (InstanceState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.instances[id]
	if !ok {
		return InstanceState{}, false
	}
	cp := *st
	cp.VotedValue = cloneValue(st.VotedValue)
	return cp, true
}

func (a *Acceptor) handle(msg transport.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch m := msg.(type) {
	case *Prepare:
		return a.onPrepare(m)
	case *Accept:
		return a.onAccept(m)
	case *FastPropose:
		return a.onFastPropose(m)
	case *Vote:
		if a.cfg.Coordinated {
			return nil
		}
		return a.observe(m)
	case *Forget:
		return a.onForget(m)
	default:
		a.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Str("from", msg.GetFrom()).Msg("unexpected message")
		return nil
	}
}

func (a *Acceptor) load(id InstanceID) (*InstanceState, error) {
	if st, ok := a.instances[id]; ok {
		return st, nil
	}
	rec, ok, err := a.cfg.Storage.Load(int64(id))
	if err != nil {
		return nil, fmt.Errorf("load instance %d: %w", id, err)
	}
	st := &InstanceState{}
	switch {
	case ok:
		st.RoundNo = Round(rec.Round)
		st.VotedRound = Round(rec.VotedRound)
		st.VotedType = RoundType(rec.VotedType)
		st.VotedValue = rec.VotedValue
	case a.cfg.FastPath:
		st.VotedType = RoundFast
	}
	a.instances[id] = st
	return st, nil
}

func (a *Acceptor) persist(id InstanceID, st *InstanceState) error {
	if err := a.cfg.Storage.Save(int64(id), st.record()); err != nil {
		return fmt.Errorf("save instance %d: %w", id, err)
	}
	return nil
}

func (a *Acceptor) onPrepare(m *Prepare) error {
	st, err := a.load(m.Instance)
	if err != nil {
		return err
	}
	if m.Round > st.RoundNo {
		st.RoundNo = m.Round
		if err := a.persist(m.Instance, st); err != nil {
			return err
		}
	}
	a.send(m.From, a.promise(m.Instance, st))
	return nil
}

func (a *Acceptor) onAccept(m *Accept) error {
	st, err := a.load(m.Instance)
	if err != nil {
		return err
	}
	if m.Round < st.RoundNo {
		if _, peer := a.acceptors[m.From]; !peer {
			a.send(m.From, a.promise(m.Instance, st))
		}
		return nil
	}

	if m.Value == nil {
		if m.Round != FastRound || st.VotedType == RoundFast || st.VotedValue != nil {
			return nil
		}
		st.VotedType = RoundFast
		return a.persist(m.Instance, st)
	}

	if st.VotedRound == m.Round && st.VotedValue != nil {
		_, peer := a.acceptors[m.From]
		if !bytes.Equal(st.VotedValue, m.Value) {
			if peer {
				safetyViolation("acceptor %s instance %d round %d: voted %q, peer %s asked for %q",
					a.id, m.Instance, m.Round, st.VotedValue, m.From, m.Value)
			}
			// A proposer that skipped phase 1 after a restart can reuse a
			// round it already spent. The nack carries the old vote.
			a.log.Warn().Int64("instance", int64(m.Instance)).Int64("round", int64(m.Round)).
				Str("from", m.From).Msg("conflicting accept in a voted round")
			a.send(m.From, a.promise(m.Instance, st))
			return nil
		}
		// A proposer resending means it may have missed the vote.
		if !peer {
			a.sendVote(m.Instance, st, false)
		}
		return nil
	}

	st.RoundNo = m.Round
	st.VotedRound = m.Round
	st.VotedType = RoundNormal
	st.VotedValue = cloneValue(m.Value)
	if err := a.persist(m.Instance, st); err != nil {
		return err
	}
	a.log.Trace().Int64("instance", int64(m.Instance)).Int64("round", int64(m.Round)).Msg("voted")
	a.sendVote(m.Instance, st, false)
	return nil
}

func (a *Acceptor) onFastPropose(m *FastPropose) error {
	if m.Value == nil {
		return nil
	}
	st, err := a.load(m.Instance)
	if err != nil {
		return err
	}
	if st.RoundNo != FastRound || st.VotedType != RoundFast {
		return nil
	}
	forward := !a.cfg.Coordinated

	if st.VotedValue != nil {
		if bytes.Equal(st.VotedValue, m.Value) {
			a.sendVote(m.Instance, st, forward)
		}
		return nil
	}

	st.VotedValue = cloneValue(m.Value)
	if err := a.persist(m.Instance, st); err != nil {
		return err
	}
	a.log.Trace().Int64("instance", int64(m.Instance)).Msg("fast voted")
	vote := a.sendVote(m.Instance, st, forward)
	if forward {
		return a.observe(vote)
	}
	return nil
}

// observe feeds a round-0 vote into the collision quorum for its instance
// and, once the key acceptors have all voted, moves the instance to the
// recovery round.
func (a *Acceptor) observe(v *Vote) error {
	if v.Type != RoundFast || v.Round != FastRound {
		return nil
	}
	st, err := a.load(v.Instance)
	if err != nil {
		return err
	}
	if v.Round < st.RoundNo {
		return nil
	}

	q, ok := a.collisions[v.Instance]
	if !ok {
		q = NewPickQuorum(len(a.cfg.Acceptors), 0, a.keys)
		a.collisions[v.Instance] = q
	}
	q.Add(v.From, v.Round, v.Type, v.Value)
	if !q.Ready() {
		return nil
	}
	value, outcome := q.Pick()
	delete(a.collisions, v.Instance)
	if value == nil {
		return nil
	}

	acc := &Accept{From: a.id, Instance: v.Instance, Round: v.Round + 1, Value: value}
	if err := a.onAccept(acc); err != nil {
		return err
	}
	a.broadcast(a.peers, acc)
	a.cfg.Metrics.RecordRecovery(outcome.String())
	a.log.Debug().Int64("instance", int64(v.Instance)).Str("outcome", outcome.String()).Msg("fast round resolved")
	return nil
}

func (a *Acceptor) onForget(m *Forget) error {
	for id := range a.instances {
		if id <= m.UpTo {
			delete(a.instances, id)
		}
	}
	for id := range a.collisions {
		if id <= m.UpTo {
			delete(a.collisions, id)
		}
	}
	if err := a.cfg.Storage.DeleteUpTo(int64(m.UpTo)); err != nil {
		return fmt.Errorf("forget up to %d: %w", m.UpTo, err)
	}
	return nil
}

func (a *Acceptor) promise(id InstanceID, st *InstanceState) *Promise {
	return &Promise{
		From:       a.id,
		Instance:   id,
		Round:      st.RoundNo,
		VotedRound: st.VotedRound,
		VotedType:  st.VotedType,
		VotedValue: cloneValue(st.VotedValue),
	}
}

func (a *Acceptor) sendVote(id InstanceID, st *InstanceState, toPeers bool) *Vote {
	v := &Vote{
		From:     a.id,
		Instance: id,
		Round:    st.VotedRound,
		Type:     st.VotedType,
		Value:    cloneValue(st.VotedValue),
	}
	a.broadcast(a.voteTo, v)
	if toPeers {
		a.broadcast(a.peers, v)
	}
	return v
}

func (a *Acceptor) send(to string, msg transport.Message) {
	if err := a.cfg.Transport.Send(to, msg); err != nil {
		a.log.Debug().Err(err).Str("to", to).Msg("send failed")
	}
}

func (a *Acceptor) broadcast(to []string, msg transport.Message) {
	if err := transport.Broadcast(a.cfg.Transport, to, msg); err != nil {
		a.log.Debug().Err(err).Msg("broadcast incomplete")
	}
}

func cloneValue(v []byte) []byte {
	if v == nil {
		return nil
	}
	return append([]byte{}, v...)
}
