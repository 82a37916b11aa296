// =============================================================================
// PROPOSER - The Driver of Paxos Consensus
// =============================================================================
//
// A proposer drives ONE value into ONE instance. It is a state machine owned
// by a Runner: the runner feeds it promises, ticks and learned notifications,
// and the proposer answers with a result that its step function turns into
// the next action.
//
//              ┌─────────┐  quorum   ┌────────┐  learned  ┌──────┐
//   start ───▶ │ PREPARE │ ────────▶ │ ACCEPT │ ────────▶ │ DONE │
//              └─────────┘           └────────┘           └──────┘
//                 ▲    │ higher round    │                    ▲
//                 └────┴─────────────────┘                    │
//                                                             │
//   start ───▶ FAST (FastPropose, resent on timeout) ─────────┘
//
// Two kinds of failure, handled differently:
//
//   RoundFailed   an acceptor reports a higher round. Our round can never
//                 win, so jump to our next round above it and redo phase 1.
//   Timeout       silence. Resend the same messages at the same round;
//                 inflating the round on mere packet loss buys nothing.
//
// VALUE SELECTION (the safety rule)
// ─────────────────────────────────
// After phase 1 the proposer MUST propose the value the promises point at,
// if any. Only when they show no possibly-chosen value may it propose its
// own. Success is reported only if the learned value is the one submitted.
//
// =============================================================================

package paxos

import (
	"bytes"
	"time"

	"github.com/rs/zerolog"

	"github.com/senutpal/fastquorum/internal/metrics"
	"github.com/senutpal/fastquorum/internal/transport"
)

type phase int

const (
	phasePrepare phase = iota
	phaseAccept
	phaseFast
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phasePrepare:
		return "prepare"
	case phaseAccept:
		return "accept"
	case phaseFast:
		return "fast"
	case phaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// result is what a proposer handler reports back to step.
type result int

const (
	resultPending result = iota
	resultRoundFailed
	resultTimeout
	resultLearned
)

// proposerParams is shared by every proposer of one runner.
type proposerParams struct {
	out         transport.Transport
	acceptors   []string
	owner       int
	stride      int
	fast        bool
	skipPhase1  bool
	timeout     time.Duration
	maxTimeouts int
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

type proposer struct {
	*proposerParams

	instance InstanceID
	value    []byte

	phase    phase
	round    Round
	highest  Round
	proposal []byte
	promises *PickQuorum
	deadline time.Time
	timeouts int

	learned []byte
	success bool
	gaveUp  bool
}

func newProposer(params *proposerParams, instance InstanceID, value []byte) *proposer {
	return &proposer{
		proposerParams: params,
		instance:       instance,
		value:          value,
	}
}

func (p *proposer) start(now time.Time) {
	switch {
	case p.fast:
		p.round = FastRound
		p.phase = phaseFast
		p.proposal = p.value
		p.sendFast()
	case p.skipPhase1:
		p.round = OwnedRound(p.owner, p.stride, 0)
		p.phase = phaseAccept
		p.proposal = p.value
		p.sendAccept()
	default:
		p.round = OwnedRound(p.owner, p.stride, 0)
		p.prepare()
	}
	p.deadline = now.Add(p.timeout)
}

func (p *proposer) prepare() {
	p.phase = phasePrepare
	p.proposal = nil
	p.promises = NewPickQuorum(len(p.acceptors), ClassicQuorum(len(p.acceptors)), nil)
	p.sendPrepare()
}

func (p *proposer) handlePromise(m *Promise, now time.Time) result {
	if p.phase == phaseDone || m.Instance != p.instance {
		return resultPending
	}
	if m.Round > p.highest {
		p.highest = m.Round
	}

	switch p.phase {
	case phasePrepare:
		if m.Round > p.round {
			return resultRoundFailed
		}
		if m.Round < p.round {
			return resultPending
		}
		p.promises.Add(m.From, m.VotedRound, m.VotedType, m.VotedValue)
		if !p.promises.Ready() {
			return resultPending
		}
		v, outcome := p.promises.Pick()
		switch outcome {
		case PickUnique, PickRecovered:
			p.proposal = v
		default:
			p.proposal = p.value
		}
		p.log.Trace().Int64("instance", int64(p.instance)).Int64("round", int64(p.round)).
			Str("pick", outcome.String()).Bool("own", bytes.Equal(p.proposal, p.value)).Msg("phase 1 complete")
		p.promises = nil
		p.phase = phaseAccept
		p.timeouts = 0
		p.deadline = now.Add(p.timeout)
		p.sendAccept()
	case phaseAccept:
		if m.Round > p.round {
			return resultRoundFailed
		}
		// someone else's value already holds a vote in our round
		if m.Round == p.round && m.VotedRound == p.round && m.VotedValue != nil &&
			!bytes.Equal(m.VotedValue, p.proposal) {
			return resultRoundFailed
		}
	}
	return resultPending
}

func (p *proposer) handleTimeout(now time.Time) result {
	if p.phase == phaseDone || now.Before(p.deadline) {
		return resultPending
	}
	return resultTimeout
}

func (p *proposer) handleLearned(value []byte) result {
	if p.phase == phaseDone {
		return resultPending
	}
	p.learned = value
	p.success = bytes.Equal(value, p.value)
	return resultLearned
}

// step applies the retry policy to a handler result and reports whether the
// proposer is finished.
func (p *proposer) step(res result, now time.Time) bool {
	switch res {
	case resultLearned:
		p.phase = phaseDone
		return true

	case resultRoundFailed:
		p.metrics.RecordRoundFailure()
		p.timeouts = 0
		ev := p.log.Debug().Int64("instance", int64(p.instance)).Int64("highest", int64(p.highest))
		if owner, ok := RoundOwner(p.highest, p.stride); ok {
			ev = ev.Int("preempted_by", owner)
		}
		p.round = NextOwnedRound(p.owner, p.stride, max(p.highest, p.round), 0)
		ev.Int64("round", int64(p.round)).Msg("preempted, retrying at next round")
		p.prepare()
		p.deadline = now.Add(p.timeout)

	case resultTimeout:
		p.timeouts++
		p.metrics.RecordTimeout()
		if p.maxTimeouts > 0 && p.timeouts >= p.maxTimeouts {
			p.metrics.RecordGiveUp()
			p.log.Debug().Int64("instance", int64(p.instance)).Str("phase", p.phase.String()).Msg("giving up")
			p.phase = phaseDone
			p.gaveUp = true
			return true
		}
		p.resend()
		p.deadline = now.Add(p.timeout)
	}
	return false
}

func (p *proposer) resend() {
	switch p.phase {
	case phasePrepare:
		p.sendPrepare()
	case phaseAccept:
		p.sendAccept()
	case phaseFast:
		p.sendFast()
	}
}

func (p *proposer) sendPrepare() {
	p.broadcast(&Prepare{From: p.out.ID(), Instance: p.instance, Round: p.round})
}

func (p *proposer) sendAccept() {
	p.broadcast(&Accept{From: p.out.ID(), Instance: p.instance, Round: p.round, Value: p.proposal})
}

func (p *proposer) sendFast() {
	p.broadcast(&FastPropose{From: p.out.ID(), Instance: p.instance, Value: p.value})
}

func (p *proposer) broadcast(msg transport.Message) {
	if err := transport.Broadcast(p.out, p.acceptors, msg); err != nil {
		p.log.Debug().Err(err).Msg("broadcast incomplete")
	}
}
