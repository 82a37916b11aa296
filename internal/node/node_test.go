package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type blockingRole struct {
	started chan struct{}
}

func (r *blockingRole) Run(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	return nil
}

type failingRole struct{ err error }

func (r failingRole) Run(ctx context.Context) error { return r.err }

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestNodeStartStop(t *testing.T) {
	n := NewNode("node-1", zerolog.Nop())
	r := &blockingRole{started: make(chan struct{})}
	n.Host("acceptor", r, nil)
	c := &closeCounter{}
	n.Own(c)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("role never started")
	}

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.n != 1 {
		t.Errorf("Expected owned resource closed once, got %d", c.n)
	}
	if err := n.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestNodeRoleFailureCrashesNode(t *testing.T) {
	boom := errors.New("disk gone")
	n := NewNode("node-1", zerolog.Nop())
	peer := &blockingRole{started: make(chan struct{})}
	n.Host("learner", peer, nil)
	n.Host("acceptor", failingRole{err: boom}, nil)

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-n.Done():
	case <-time.After(time.Second):
		t.Fatal("node kept running after a role failed")
	}
	if !errors.Is(n.Err(), boom) {
		t.Errorf("Expected the role error, got %v", n.Err())
	}
	if err := n.Stop(); !errors.Is(err, boom) {
		t.Errorf("Expected Stop to report the crash, got %v", err)
	}
}

func TestNodeWithoutRoles(t *testing.T) {
	n := NewNode("empty", zerolog.Nop())
	if err := n.Start(context.Background()); err == nil {
		t.Error("Expected an error starting a node with no roles")
	}
}

func TestNodeRoles(t *testing.T) {
	n := NewNode("node-1", zerolog.Nop())
	n.Host("acceptor", failingRole{}, nil)
	n.Host("learner", failingRole{}, nil)
	got := n.Roles()
	if len(got) != 2 || got[0] != "acceptor" || got[1] != "learner" {
		t.Errorf("Unexpected roles %v", got)
	}
}
