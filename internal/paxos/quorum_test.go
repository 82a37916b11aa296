package paxos

import (
	"bytes"
	"testing"
)

func TestQuorumSizes(t *testing.T) {
	tests := []struct {
		n       int
		classic int
		fast    int
	}{
		{1, 1, 1},
		{2, 2, 2},
		{3, 2, 3},
		{4, 3, 3},
		{5, 3, 4},
		{7, 4, 6},
		{9, 5, 7},
	}
	for _, tt := range tests {
		if got := ClassicQuorum(tt.n); got != tt.classic {
			t.Errorf("ClassicQuorum(%d) = %d, want %d", tt.n, got, tt.classic)
		}
		if got := FastQuorum(tt.n); got != tt.fast {
			t.Errorf("FastQuorum(%d) = %d, want %d", tt.n, got, tt.fast)
		}
	}
}

func TestQuorumIntersection(t *testing.T) {
	for n := 1; n <= 50; n++ {
		c, f := ClassicQuorum(n), FastQuorum(n)
		if 2*c <= n {
			t.Errorf("n=%d: two classic quorums of %d may be disjoint", n, c)
		}
		if 2*f <= n {
			t.Errorf("n=%d: two fast quorums of %d may be disjoint", n, f)
		}
		if c+f <= n {
			t.Errorf("n=%d: classic %d and fast %d may be disjoint", n, c, f)
		}
		if 2*f+c <= 2*n {
			t.Errorf("n=%d: collision recovery unsound, 2*%d+%d <= %d", n, f, c, 2*n)
		}
		if f > n {
			t.Errorf("n=%d: fast quorum %d larger than cluster", n, f)
		}
	}
}

func TestKeyAcceptors(t *testing.T) {
	keys := KeyAcceptors([]string{"n5", "n2", "n4", "n1", "n3"})
	want := []string{"n1", "n2", "n3"}
	if len(keys) != len(want) {
		t.Fatalf("Expected %d keys, got %v", len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestPickEmpty(t *testing.T) {
	q := NewPickQuorum(5, 3, nil)
	q.Add("a1", 0, RoundNone, nil)
	q.Add("a2", 0, RoundFast, nil) // fast-open, nothing voted yet
	if q.Ready() {
		t.Fatal("Ready with 2 of 3 reports")
	}
	q.Add("a3", 0, RoundNone, nil)
	if !q.Ready() {
		t.Fatal("Expected ready at threshold")
	}
	if v, outcome := q.Pick(); v != nil || outcome != PickEmpty {
		t.Errorf("Expected empty pick, got %q %v", v, outcome)
	}
}

func TestPickHighestRoundWins(t *testing.T) {
	q := NewPickQuorum(5, 3, nil)
	q.Add("a1", 3, RoundNormal, []byte("old"))
	q.Add("a2", 6, RoundNormal, []byte("new"))
	q.Add("a3", 0, RoundNone, nil)

	if r, ok := q.MaxRound(); !ok || r != 6 {
		t.Errorf("Expected max round 6, got %d %v", r, ok)
	}
	v, outcome := q.Pick()
	if !bytes.Equal(v, []byte("new")) || outcome != PickUnique {
		t.Errorf("Expected unique \"new\", got %q %v", v, outcome)
	}
}

func TestPickKeepsHigherRoundPerVoter(t *testing.T) {
	q := NewPickQuorum(5, 1, nil)
	q.Add("a1", 4, RoundNormal, []byte("x"))
	q.Add("a1", 2, RoundNormal, []byte("y"))
	if v, _ := q.Pick(); !bytes.Equal(v, []byte("x")) {
		t.Errorf("Lower-round report replaced a higher one: got %q", v)
	}
}

func TestPickFastRecovered(t *testing.T) {
	// n=5, fast quorum 4. With the three keys reporting A, A, B, A could
	// still have reached 4 through the two silent acceptors; B could not.
	q := NewPickQuorum(5, 0, []string{"a1", "a2", "a3"})
	q.Add("a1", FastRound, RoundFast, []byte("A"))
	q.Add("a2", FastRound, RoundFast, []byte("B"))
	if q.Ready() {
		t.Fatal("Ready before every key reported")
	}
	q.Add("a3", FastRound, RoundFast, []byte("A"))
	if !q.Ready() {
		t.Fatal("Expected ready once all keys reported")
	}
	v, outcome := q.Pick()
	if !bytes.Equal(v, []byte("A")) || outcome != PickRecovered {
		t.Errorf("Expected recovered A, got %q %v", v, outcome)
	}
}

func TestPickFastTieBreak(t *testing.T) {
	q := NewPickQuorum(5, 0, []string{"a1", "a2", "a3"})
	q.Add("a3", FastRound, RoundFast, []byte("C"))
	q.Add("a2", FastRound, RoundFast, []byte("B"))
	q.Add("a1", FastRound, RoundFast, []byte("A"))

	v, outcome := q.Pick()
	if !bytes.Equal(v, []byte("A")) || outcome != PickTieBreak {
		t.Errorf("Expected tie-break to a1's value A, got %q %v", v, outcome)
	}
}

func TestPickKeyedIgnoresNonKeys(t *testing.T) {
	keys := []string{"a1", "a2", "a3"}
	withExtra := NewPickQuorum(5, 0, keys)
	keysOnly := NewPickQuorum(5, 0, keys)

	for _, q := range []*PickQuorum{withExtra, keysOnly} {
		q.Add("a1", FastRound, RoundFast, []byte("A"))
		q.Add("a2", FastRound, RoundFast, []byte("B"))
		q.Add("a3", FastRound, RoundFast, []byte("B"))
	}
	withExtra.Add("a4", FastRound, RoundFast, []byte("A"))
	withExtra.Add("a5", FastRound, RoundFast, []byte("A"))

	v1, o1 := withExtra.Pick()
	v2, o2 := keysOnly.Pick()
	if !bytes.Equal(v1, v2) || o1 != o2 {
		t.Errorf("Observers disagree: %q/%v vs %q/%v", v1, o1, v2, o2)
	}
	if !bytes.Equal(v1, []byte("B")) || o1 != PickRecovered {
		t.Errorf("Expected recovered B, got %q %v", v1, o1)
	}
}

func TestPickNoKeysUsesAllReports(t *testing.T) {
	q := NewPickQuorum(5, 3, nil)
	q.Add("a1", FastRound, RoundFast, []byte("B"))
	q.Add("a2", FastRound, RoundFast, []byte("A"))
	q.Add("a3", FastRound, RoundFast, []byte("A"))
	q.Add("a4", FastRound, RoundFast, []byte("B"))
	q.Add("a5", FastRound, RoundFast, []byte("C"))

	v, outcome := q.Pick()
	if outcome != PickTieBreak || !bytes.Equal(v, []byte("B")) {
		t.Errorf("Expected tie-break to B, got %q %v", v, outcome)
	}
}

func TestPickNoOpIsAValue(t *testing.T) {
	q := NewPickQuorum(3, 2, nil)
	q.Add("a1", 5, RoundNormal, NoOp)
	q.Add("a2", 0, RoundNone, nil)
	v, outcome := q.Pick()
	if v == nil || len(v) != 0 || outcome != PickUnique {
		t.Errorf("Expected NoOp to be picked, got %v %v", v, outcome)
	}
}

func TestPickConflictingNormalRoundPanics(t *testing.T) {
	q := NewPickQuorum(3, 2, nil)
	q.Add("a1", 4, RoundNormal, []byte("x"))
	q.Add("a2", 4, RoundNormal, []byte("y"))
	expectSafetyViolation(t, func() { q.Pick() })
}

func TestLearnQuorumNormal(t *testing.T) {
	q := NewLearnQuorum(5)
	for i, from := range []string{"a1", "a2", "a2"} {
		if _, ok := q.Add(from, 2, RoundNormal, []byte("v")); ok {
			t.Fatalf("Learned after %d votes", i+1)
		}
	}
	v, ok := q.Add("a3", 2, RoundNormal, []byte("v"))
	if !ok || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("Expected v learned at classic quorum, got %q %v", v, ok)
	}
}

func TestLearnQuorumFastNeedsFastQuorum(t *testing.T) {
	q := NewLearnQuorum(5)
	for _, from := range []string{"a1", "a2", "a3"} {
		if _, ok := q.Add(from, FastRound, RoundFast, []byte("v")); ok {
			t.Fatal("Fast vote learned below the fast quorum")
		}
	}
	if _, ok := q.Add("a4", FastRound, RoundFast, []byte("v")); !ok {
		t.Fatal("Expected learn at fast quorum")
	}
}

func TestLearnQuorumSeparatesRounds(t *testing.T) {
	q := NewLearnQuorum(3)
	q.Add("a1", 2, RoundNormal, []byte("v"))
	if _, ok := q.Add("a2", 5, RoundNormal, []byte("v")); ok {
		t.Fatal("Votes from different rounds were combined")
	}
}

func TestLearnQuorumConflictPanics(t *testing.T) {
	q := NewLearnQuorum(3)
	q.Add("a1", 2, RoundNormal, []byte("x"))
	q.Add("a2", 2, RoundNormal, []byte("x"))
	q.Add("a1", 5, RoundNormal, []byte("y"))
	expectSafetyViolation(t, func() { q.Add("a3", 5, RoundNormal, []byte("y")) })
}

func TestRoundOwnership(t *testing.T) {
	// two runners and a coordinator
	const stride = 3
	if r := OwnedRound(0, stride, 0); r != 2 {
		t.Errorf("owner 0 first round = %d, want 2", r)
	}
	if r := NextOwnedRound(0, stride, 6, 0); r != 8 {
		t.Errorf("owner 0 next above 6 = %d, want 8", r)
	}
	if r := NextOwnedRound(1, stride, 1, 0); r != 3 {
		t.Errorf("owner 1 next above 1 = %d, want 3", r)
	}
	if r := NextOwnedRound(2, stride, 0, 1); r != 7 {
		t.Errorf("coordinator first round = %d, want 7", r)
	}
	if r := NextOwnedRound(2, stride, 7, 1); r != 10 {
		t.Errorf("coordinator next above 7 = %d, want 10", r)
	}
	for r := Round(2); r < 40; r++ {
		owner, ok := RoundOwner(r, stride)
		if !ok {
			t.Fatalf("round %d has no owner", r)
		}
		if next := NextOwnedRound(owner, stride, r-1, 0); next != r {
			t.Errorf("round %d: owner %d next above %d = %d", r, owner, r-1, next)
		}
	}
	if _, ok := RoundOwner(RecoveryRound, stride); ok {
		t.Error("recovery round must not be owned")
	}
}
