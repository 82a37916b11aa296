package paxos

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testTimeout = 100 * time.Millisecond

func newTestProposer(value string, mod func(*proposerParams)) (*proposer, *recorder) {
	out := newRecorder("node-1/runner")
	params := &proposerParams{
		out:       out,
		acceptors: addrs("acc", 5),
		owner:     0,
		stride:    3,
		timeout:   testTimeout,
	}
	if mod != nil {
		mod(params)
	}
	return newProposer(params, 1, []byte(value)), out
}

func promiseFrom(from string, round, voted Round, typ RoundType, value string) *Promise {
	p := &Promise{From: from, Instance: 1, Round: round, VotedRound: voted, VotedType: typ}
	if value != "" {
		p.VotedValue = []byte(value)
	}
	return p
}

func TestProposerSimpleMajority(t *testing.T) {
	p, out := newTestProposer("v1", nil)
	now := time.Now()
	p.start(now)

	prepares := recipients[*Prepare](out.take())
	if len(prepares) != 5 {
		t.Fatalf("Expected Prepare to 5 acceptors, got %d", len(prepares))
	}
	if r := prepares["acc-1"].Round; r != 2 {
		t.Fatalf("Expected first round 2, got %d", r)
	}

	for _, from := range addrs("acc", 3) {
		if res := p.handlePromise(promiseFrom(from, 2, 0, RoundNone, ""), now); res != resultPending {
			t.Fatalf("Unexpected result %v", res)
		}
	}
	accepts := recipients[*Accept](out.take())
	if len(accepts) != 5 {
		t.Fatalf("Expected Accept to 5 acceptors, got %d", len(accepts))
	}
	if a := accepts["acc-5"]; a.Round != 2 || !bytes.Equal(a.Value, []byte("v1")) {
		t.Errorf("Expected Accept(2, v1), got %+v", a)
	}

	res := p.handleLearned([]byte("v1"))
	if !p.step(res, now) || !p.success {
		t.Errorf("Expected successful completion")
	}
}

func TestProposerPreemptionAdoptsValue(t *testing.T) {
	p, out := newTestProposer("v1", nil)
	now := time.Now()
	p.start(now)
	out.take()

	// another proposer already completed round 6 with v2
	res := p.handlePromise(promiseFrom("acc-1", 6, 6, RoundNormal, "v2"), now)
	if res != resultRoundFailed {
		t.Fatalf("Expected RoundFailed, got %v", res)
	}
	if p.step(res, now) {
		t.Fatal("RoundFailed must not finish the proposer")
	}
	prepares := recipients[*Prepare](out.take())
	if r := prepares["acc-1"].Round; r != 8 {
		t.Fatalf("Expected retry at owned round 8, got %d", r)
	}

	for _, from := range addrs("acc", 3) {
		p.handlePromise(promiseFrom(from, 8, 6, RoundNormal, "v2"), now)
	}
	a := recipients[*Accept](out.take())["acc-1"]
	if a == nil || a.Round != 8 || !bytes.Equal(a.Value, []byte("v2")) {
		t.Fatalf("Expected Accept(8, v2), got %+v", a)
	}

	res = p.handleLearned([]byte("v2"))
	if !p.step(res, now) {
		t.Fatal("Expected the proposer to finish once the instance is learned")
	}
	if p.success {
		t.Error("Learning another value must be reported as failure")
	}
}

func TestProposerAdoptsRecoveredFastValue(t *testing.T) {
	p, out := newTestProposer("mine", nil)
	now := time.Now()
	p.start(now)
	out.take()

	p.handlePromise(promiseFrom("acc-1", 2, 0, RoundFast, "x"), now)
	p.handlePromise(promiseFrom("acc-2", 2, 0, RoundFast, "y"), now)
	p.handlePromise(promiseFrom("acc-3", 2, 0, RoundFast, "x"), now)

	a := recipients[*Accept](out.take())["acc-1"]
	if a == nil || !bytes.Equal(a.Value, []byte("x")) {
		t.Fatalf("Expected the possibly-chosen x to be proposed, got %+v", a)
	}
}

func TestProposerTimeoutResendsSameRound(t *testing.T) {
	p, out := newTestProposer("v", nil)
	start := time.Now()
	p.start(start)
	out.take()

	if res := p.handleTimeout(start.Add(testTimeout / 2)); res != resultPending {
		t.Fatalf("Timed out before the deadline")
	}
	res := p.handleTimeout(start.Add(testTimeout))
	if res != resultTimeout {
		t.Fatalf("Expected Timeout, got %v", res)
	}
	p.step(res, start.Add(testTimeout))

	prepares := recipients[*Prepare](out.take())
	if len(prepares) != 5 || prepares["acc-2"].Round != 2 {
		t.Errorf("Expected Prepare(2) resent to every acceptor, got %v", prepares)
	}
}

func TestProposerGivesUp(t *testing.T) {
	p, _ := newTestProposer("v", func(pp *proposerParams) { pp.maxTimeouts = 2 })
	now := time.Now()
	p.start(now)

	now = now.Add(testTimeout)
	if p.step(p.handleTimeout(now), now) {
		t.Fatal("Gave up after a single timeout")
	}
	now = now.Add(testTimeout)
	if !p.step(p.handleTimeout(now), now) {
		t.Fatal("Expected give-up after 2 timeouts")
	}
	if !p.gaveUp || p.success {
		t.Errorf("Expected unsuccessful give-up, got gaveUp=%v success=%v", p.gaveUp, p.success)
	}
}

func TestProposerNoPhase1(t *testing.T) {
	p, out := newTestProposer("v", func(pp *proposerParams) { pp.skipPhase1 = true })
	p.start(time.Now())

	sent := out.take()
	if len(recipients[*Prepare](sent)) != 0 {
		t.Error("Phase 1 was not skipped")
	}
	if a := recipients[*Accept](sent)["acc-1"]; a == nil || a.Round != 2 {
		t.Errorf("Expected Accept(2, v), got %+v", a)
	}
}

func TestProposerNackDuringAccept(t *testing.T) {
	p, out := newTestProposer("v", func(pp *proposerParams) { pp.skipPhase1 = true })
	now := time.Now()
	p.start(now)
	out.take()

	res := p.handlePromise(promiseFrom("acc-3", 9, 0, RoundNone, ""), now)
	if res != resultRoundFailed {
		t.Fatalf("Expected RoundFailed from a nack, got %v", res)
	}
	p.step(res, now)
	if r := recipients[*Prepare](out.take())["acc-1"].Round; r != 11 {
		t.Errorf("Expected phase 1 at round 11, got %d", r)
	}
}

func TestProposerSpentRoundFailsOver(t *testing.T) {
	var buf bytes.Buffer
	p, out := newTestProposer("new", func(pp *proposerParams) {
		pp.skipPhase1 = true
		pp.log = zerolog.New(&buf).Level(zerolog.DebugLevel)
	})
	now := time.Now()
	p.start(now)
	out.take()

	// same round, but the acceptor already voted for another value in it
	res := p.handlePromise(promiseFrom("acc-2", 2, 2, RoundNormal, "old"), now)
	if res != resultRoundFailed {
		t.Fatalf("Expected RoundFailed, got %v", res)
	}
	p.step(res, now)
	if r := recipients[*Prepare](out.take())["acc-1"].Round; r != 5 {
		t.Errorf("Expected phase 1 at round 5, got %d", r)
	}
	if !strings.Contains(buf.String(), `"preempted_by":0`) {
		t.Errorf("Expected the preempting owner in the log, got %s", buf.String())
	}

	for _, acc := range []string{"acc-1", "acc-2", "acc-3"} {
		res = p.handlePromise(promiseFrom(acc, 5, 2, RoundNormal, "old"), now)
	}
	if a := recipients[*Accept](out.take())["acc-1"]; a == nil || string(a.Value) != "old" {
		t.Errorf("Expected Accept(5, old), got %+v", a)
	}
}

func TestProposerOwnVoteEchoIgnored(t *testing.T) {
	p, out := newTestProposer("v", func(pp *proposerParams) { pp.skipPhase1 = true })
	now := time.Now()
	p.start(now)
	out.take()

	if res := p.handlePromise(promiseFrom("acc-2", 2, 2, RoundNormal, "v"), now); res != resultPending {
		t.Errorf("Expected Pending for a promise carrying our own vote, got %v", res)
	}
}

func TestProposerFastPath(t *testing.T) {
	p, out := newTestProposer("v3", func(pp *proposerParams) { pp.fast = true })
	now := time.Now()
	p.start(now)

	fps := recipients[*FastPropose](out.take())
	if len(fps) != 5 || !bytes.Equal(fps["acc-4"].Value, []byte("v3")) {
		t.Fatalf("Expected FastPropose(v3) to every acceptor, got %v", fps)
	}

	now = now.Add(testTimeout)
	p.step(p.handleTimeout(now), now)
	if fps := recipients[*FastPropose](out.take()); len(fps) != 5 {
		t.Errorf("Expected FastPropose resent on timeout, got %d", len(fps))
	}

	if !p.step(p.handleLearned([]byte("v3")), now) || !p.success {
		t.Error("Expected success once v3 is learned")
	}
}

func TestProposerIgnoresStalePromises(t *testing.T) {
	p, out := newTestProposer("v", nil)
	now := time.Now()
	p.start(now)
	out.take()

	for _, from := range addrs("acc", 5) {
		if res := p.handlePromise(promiseFrom(from, 1, 0, RoundNone, ""), now); res != resultPending {
			t.Fatalf("Stale promise produced %v", res)
		}
	}
	if sent := out.take(); len(sent) != 0 {
		t.Errorf("Stale promises completed phase 1")
	}
}
