// =============================================================================
// COORDINATOR - Liveness for Stalled Instances
// =============================================================================
//
// One per cluster. The coordinator never affects safety: everything it sends
// is an ordinary Prepare or Accept at a round it owns, or the deterministic
// recovery-round Accept every acceptor would derive anyway.
//
// It sees every vote. Two jobs:
//
//   1. Collision recovery (coordinated mode). Round-0 votes are collected in
//      a PickQuorum over the key acceptors; when ready, the derived value is
//      sent as Accept(1, v).
//
//   2. Stall recovery. An instance with votes but no learned value and no
//      vote for Timeout gets a fresh round: Prepare, pick from the
//      promises (NoOp if nothing was voted), Accept. Repeated timeouts resend
//      the same round; the value chosen for a round is remembered so it is
//      never proposed twice with different values.
//
// =============================================================================

package paxos

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/senutpal/fastquorum/internal/metrics"
	"github.com/senutpal/fastquorum/internal/transport"
)

const defaultCoordinatorTimeout = time.Second

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Transport transport.Transport
	Learner   *Learner // co-located learner, required
	Acceptors []string

	// Owner and Stride place the coordinator in the classic round layout;
	// with P runners that is Owner = P, Stride = P+1.
	Owner  int
	Stride int

	Coordinated  bool
	Timeout      time.Duration
	TickInterval time.Duration

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Stride < 1 {
		c.Stride = c.Owner + 1
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultCoordinatorTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = c.Timeout / 4
	}
	if c.TickInterval < time.Millisecond {
		c.TickInterval = time.Millisecond
	}
	return c
}

type tracked struct {
	lastProgress time.Time
	highest      Round
	collision    *PickQuorum
	round        Round // current recovery round, 0 when none
	promises     *PickQuorum
	chosen       map[Round][]byte
}

type Coordinator struct {
	cfg       CoordinatorConfig
	id        string
	keys      []string
	log       zerolog.Logger
	instances map[InstanceID]*tracked
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:       cfg,
		id:        cfg.Transport.ID(),
		keys:      KeyAcceptors(cfg.Acceptors),
		log:       cfg.Logger,
		instances: make(map[InstanceID]*tracked),
	}
}

func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.cfg.Transport.Inbox():
			c.handle(msg, time.Now())
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

func (c *Coordinator) handle(msg transport.Message, now time.Time) {
	switch m := msg.(type) {
	case *Vote:
		c.onVote(m, now)
	case *Promise:
		c.onPromise(m, now)
	default:
		c.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Str("from", msg.GetFrom()).Msg("unexpected message")
	}
}

func (c *Coordinator) learned(id InstanceID) bool {
	if _, ok := c.cfg.Learner.Learned(id); ok {
		delete(c.instances, id)
		return true
	}
	return false
}

func (c *Coordinator) onVote(v *Vote, now time.Time) {
	if c.learned(v.Instance) {
		return
	}
	t, ok := c.instances[v.Instance]
	if !ok {
		t = &tracked{chosen: make(map[Round][]byte)}
		c.instances[v.Instance] = t
	}
	t.lastProgress = now
	t.highest = max(t.highest, v.Round)

	if !c.cfg.Coordinated || v.Type != RoundFast || v.Round != FastRound {
		return
	}
	if _, done := t.chosen[RecoveryRound]; done {
		return
	}
	if t.collision == nil {
		t.collision = NewPickQuorum(len(c.cfg.Acceptors), 0, c.keys)
	}
	t.collision.Add(v.From, v.Round, v.Type, v.Value)
	if !t.collision.Ready() {
		return
	}
	value, outcome := t.collision.Pick()
	t.collision = nil
	if value == nil {
		return
	}
	t.chosen[RecoveryRound] = value
	c.broadcast(&Accept{From: c.id, Instance: v.Instance, Round: RecoveryRound, Value: value})
	c.cfg.Metrics.RecordRecovery(outcome.String())
	c.log.Debug().Int64("instance", int64(v.Instance)).Str("outcome", outcome.String()).Msg("fast round resolved")
}

func (c *Coordinator) onPromise(m *Promise, now time.Time) {
	t, ok := c.instances[m.Instance]
	if !ok || t.round == 0 || c.learned(m.Instance) {
		return
	}
	if m.Round > t.highest {
		t.highest = m.Round
	}
	if m.Round > t.round {
		// Someone else is driving a higher round. Back off until the next
		// timeout, which starts our next round above it.
		t.round = 0
		t.promises = nil
		t.lastProgress = now
		return
	}
	if m.Round < t.round || t.promises == nil {
		return
	}
	t.promises.Add(m.From, m.VotedRound, m.VotedType, m.VotedValue)
	if !t.promises.Ready() {
		return
	}
	value, outcome := t.promises.Pick()
	if value == nil {
		value = NoOp
	}
	t.promises = nil
	t.chosen[t.round] = value
	c.broadcast(&Accept{From: c.id, Instance: m.Instance, Round: t.round, Value: value})
	c.log.Info().Int64("instance", int64(m.Instance)).Int64("round", int64(t.round)).
		Str("pick", outcome.String()).Bool("noop", len(value) == 0).Msg("recovery accept")
}

func (c *Coordinator) tick(now time.Time) {
	for id, t := range c.instances {
		if c.learned(id) {
			continue
		}
		if now.Sub(t.lastProgress) < c.cfg.Timeout {
			continue
		}
		t.lastProgress = now
		c.recover(id, t)
	}
}

func (c *Coordinator) recover(id InstanceID, t *tracked) {
	if t.round != 0 && t.round >= t.highest {
		if v, ok := t.chosen[t.round]; ok {
			c.broadcast(&Accept{From: c.id, Instance: id, Round: t.round, Value: v})
		} else {
			c.broadcast(&Prepare{From: c.id, Instance: id, Round: t.round})
		}
		return
	}

	t.round = NextOwnedRound(c.cfg.Owner, c.cfg.Stride, max(t.highest, t.round), 1)
	t.promises = NewPickQuorum(len(c.cfg.Acceptors), ClassicQuorum(len(c.cfg.Acceptors)), nil)
	c.cfg.Metrics.RecordTakeover()
	c.log.Info().Int64("instance", int64(id)).Int64("round", int64(t.round)).Msg("instance stalled, starting recovery round")
	c.broadcast(&Prepare{From: c.id, Instance: id, Round: t.round})
}

// Tracked returns the number of instances awaiting a learned value.
func (c *Coordinator) Tracked() int { return len(c.instances) }

func (c *Coordinator) broadcast(msg transport.Message) {
	if err := transport.Broadcast(c.cfg.Transport, c.cfg.Acceptors, msg); err != nil {
		c.log.Debug().Err(err).Msg("broadcast incomplete")
	}
}
