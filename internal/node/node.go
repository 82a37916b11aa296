// Package node models one simulated process. A node hosts a set of roles,
// each with its own transport endpoint, and runs them under one errgroup: if
// any role fails, the whole node goes down with it, like a crashed process.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/senutpal/fastquorum/internal/transport"
)

// Role is a long-lived actor hosted on a node.
type Role interface {
	Run(ctx context.Context) error
}

type hosted struct {
	name      string
	role      Role
	transport transport.Transport
}

type Node struct {
	id      string
	log     zerolog.Logger
	roles   []hosted
	closers []io.Closer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func NewNode(id string, logger zerolog.Logger) *Node {
	return &Node{id: id, log: logger}
}

func (n *Node) ID() string { return n.id }

// Host adds a role. t is closed when the node stops; it may be nil.
func (n *Node) Host(name string, r Role, t transport.Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roles = append(n.roles, hosted{name: name, role: r, transport: t})
}

// Own registers a resource, such as acceptor storage, closed on Stop.
func (n *Node) Own(c io.Closer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closers = append(n.closers, c)
}

// Roles lists hosted role names in the order they were added.
func (n *Node) Roles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, len(n.roles))
	for i, h := range n.roles {
		names[i] = h.name
	}
	return names
}

// Start runs every hosted role until ctx is done, Stop is called, or a role
// fails.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	if len(n.roles) == 0 {
		return fmt.Errorf("node %s hosts no roles", n.id)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range n.roles {
		g.Go(func() error {
			if err := h.role.Run(gctx); err != nil {
				return fmt.Errorf("%s/%s: %w", n.id, h.name, err)
			}
			return nil
		})
	}

	n.running = true
	n.cancel = cancel
	n.done = make(chan struct{})
	n.err = nil

	done := n.done
	go func() {
		err := g.Wait()
		if err != nil {
			n.log.Error().Err(err).Str("node", n.id).Msg("node crashed")
		}
		n.mu.Lock()
		n.err = err
		n.mu.Unlock()
		close(done)
	}()

	n.log.Debug().Str("node", n.id).Strs("roles", n.namesLocked()).Msg("node started")
	return nil
}

func (n *Node) namesLocked() []string {
	names := make([]string, len(n.roles))
	for i, h := range n.roles {
		names[i] = h.name
	}
	return names
}

// Done is closed once every role has returned. Nil before Start.
func (n *Node) Done() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

// Err returns the error that brought the node down, if any.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Stop cancels every role, waits for them and closes their transports.
// It returns the first role error, if one crashed the node.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	cancel()
	<-done

	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	if n.err != nil {
		errs = append(errs, n.err)
	}
	for _, h := range n.roles {
		if h.transport != nil {
			if err := h.transport.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, c := range n.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
