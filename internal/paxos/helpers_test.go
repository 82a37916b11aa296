package paxos

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/senutpal/fastquorum/internal/transport"
)

type sentMsg struct {
	to  string
	msg transport.Message
}

// recorder is a transport that keeps everything sent through it.
type recorder struct {
	id    string
	inbox chan transport.Message

	mu   sync.Mutex
	sent []sentMsg
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, inbox: make(chan transport.Message, 64)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(to string, msg transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMsg{to: to, msg: msg})
	return nil
}

func (r *recorder) Inbox() <-chan transport.Message { return r.inbox }

func (r *recorder) Close() error { return nil }

// take returns and clears everything sent so far.
func (r *recorder) take() []sentMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

func addrs(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i+1)
	}
	return out
}

func recipients[T transport.Message](sent []sentMsg) map[string]T {
	out := make(map[string]T)
	for _, s := range sent {
		if m, ok := s.msg.(T); ok {
			out[s.to] = m
		}
	}
	return out
}

func expectSafetyViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected a safety violation panic")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrSafetyViolation) {
			t.Fatalf("Expected ErrSafetyViolation, got %v", r)
		}
	}()
	fn()
}
