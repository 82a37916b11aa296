// =============================================================================
// CLUSTER - Wiring Roles onto Nodes
// =============================================================================
//
// InitCluster turns two lists of node names into a running consensus group:
//
//   accepting node   acceptor                       "<node>/acceptor"
//   first acceptor   + coordinator + learner        "<node>/coordinator"
//   proposing node   learner (+ runner)             "<node>/learner", "<node>/runner"
//
// Runners go on every proposing node, or only on the first one with
// placement "one". Runner k owns classic rounds 2+k+j*(R+1); the coordinator
// takes owner slot R, so no two drivers ever share a round.
//
// Every role gets its own endpoint on the chosen transport. A node name may
// appear in both lists; it then hosts both sets of roles.
//
// =============================================================================

package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/senutpal/fastquorum/internal/logging"
	"github.com/senutpal/fastquorum/internal/metrics"
	"github.com/senutpal/fastquorum/internal/node"
	"github.com/senutpal/fastquorum/internal/paxos"
	"github.com/senutpal/fastquorum/internal/storage"
	"github.com/senutpal/fastquorum/internal/transport"
)

const (
	roleAcceptor    = "acceptor"
	roleLearner     = "learner"
	roleCoordinator = "coordinator"
	roleRunner      = "runner"

	adminAddr   = "cluster/admin"
	metricsName = "fastquorum"
)

var (
	ErrNotStarted   = errors.New("cluster not started")
	ErrUnknownNode  = errors.New("unknown node")
	ErrNoSuchRunner = errors.New("no such runner")
)

// Option customises InitCluster.
type Option func(*Cluster)

// WithRegistry registers cluster metrics on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(c *Cluster) { c.metrics = metrics.NewMetrics(metricsName, reg) }
}

// WithMetrics shares an existing metrics set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cluster) { c.metrics = m }
}

// WithLogger sets the parent logger of every role. Without it roles log
// through the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cluster) { c.baseLog = &l }
}

// Cluster is a set of nodes wired into one consensus group.
type Cluster struct {
	opts    Options
	metrics *metrics.Metrics
	baseLog *zerolog.Logger
	log     zerolog.Logger

	network *transport.Network
	dir     *transport.Directory

	nodes       []*node.Node
	nodeByName  map[string]*node.Node
	acceptors   map[string]*paxos.Acceptor
	learners    map[string]*paxos.Learner
	learnerList []*paxos.Learner
	runners     []*paxos.Runner
	coordinator *paxos.Coordinator
	admin       transport.Transport

	acceptorAddrs []string
	learnerAddrs  []string
	closers       []io.Closer // endpoints and stores, for a cluster that never started

	next atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
}

// InitCluster builds (but does not start) a cluster.
func InitCluster(proposing, accepting []string, opts Options, options ...Option) (*Cluster, error) {
	if len(proposing) == 0 {
		return nil, ErrNoProposers
	}
	if len(accepting) == 0 {
		return nil, ErrNoAcceptors
	}
	if err := unique(proposing); err != nil {
		return nil, err
	}
	if err := unique(accepting); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == "" {
		opts.Transport = TransportMemory
	}

	c := &Cluster{
		opts:       opts,
		nodeByName: make(map[string]*node.Node),
		acceptors:  make(map[string]*paxos.Acceptor),
		learners:   make(map[string]*paxos.Learner),
	}
	for _, opt := range options {
		opt(c)
	}
	c.log = c.logger("cluster", "")

	var closers []io.Closer
	fail := func(err error) (*Cluster, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		if c.network != nil {
			c.network.Close()
		}
		return nil, err
	}

	switch opts.Transport {
	case TransportMemory:
		c.network = transport.NewNetwork(opts.Network.config(),
			transport.WithMetrics(c.metrics),
			transport.WithLogger(c.logger("network", "")))
	case TransportZmq:
		c.dir = transport.NewDirectory()
	}

	coordNode := accepting[0]
	learnerNodes := append([]string{}, proposing...)
	if !contains(proposing, coordNode) {
		learnerNodes = append(learnerNodes, coordNode)
	}
	runnerNodes := proposing
	if opts.ProposerPlacement == PlaceOne {
		runnerNodes = proposing[:1]
	}

	for _, name := range accepting {
		c.acceptorAddrs = append(c.acceptorAddrs, addr(name, roleAcceptor))
	}
	for _, name := range learnerNodes {
		c.learnerAddrs = append(c.learnerAddrs, addr(name, roleLearner))
	}
	coordAddr := addr(coordNode, roleCoordinator)

	// Bind every endpoint before any role can send, so that zmq ports picked
	// by the OS are in the directory.
	endpoints := make(map[string]transport.Transport)
	bind := func(a string) error {
		t, err := c.endpoint(a)
		if err != nil {
			return err
		}
		closers = append(closers, t)
		endpoints[a] = t
		return nil
	}
	all := append(append([]string{}, c.acceptorAddrs...), c.learnerAddrs...)
	all = append(all, coordAddr, adminAddr)
	for _, name := range runnerNodes {
		all = append(all, addr(name, roleRunner))
	}
	for _, a := range all {
		if err := bind(a); err != nil {
			return fail(err)
		}
	}
	c.admin = endpoints[adminAddr]

	nodeFor := func(name string) *node.Node {
		if n, ok := c.nodeByName[name]; ok {
			return n
		}
		n := node.NewNode(name, c.log)
		c.nodeByName[name] = n
		c.nodes = append(c.nodes, n)
		return n
	}

	var firstInstance paxos.InstanceID
	for _, name := range accepting {
		a := addr(name, roleAcceptor)
		store, err := c.storage(name)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, store)
		if fs, ok := store.(*storage.FileStorage); ok {
			if high, used := fs.HighWater(); used {
				firstInstance = max(firstInstance, paxos.InstanceID(high+1))
			}
		}
		acc := paxos.NewAcceptor(paxos.AcceptorConfig{
			Transport:   endpoints[a],
			Storage:     store,
			Acceptors:   c.acceptorAddrs,
			Learners:    c.learnerAddrs,
			Coordinator: coordAddr,
			FastPath:    opts.FastPath,
			Coordinated: opts.CoordinatedRecovery,
			Metrics:     c.metrics,
			Logger:      c.logger(roleAcceptor, a),
		})
		c.acceptors[name] = acc
		n := nodeFor(name)
		n.Host(roleAcceptor, acc, endpoints[a])
		n.Own(store)
	}

	for _, name := range learnerNodes {
		a := addr(name, roleLearner)
		l := paxos.NewLearner(paxos.LearnerConfig{
			Transport: endpoints[a],
			Acceptors: len(c.acceptorAddrs),
			Metrics:   c.metrics,
			Logger:    c.logger(roleLearner, a),
		})
		c.learners[name] = l
		c.learnerList = append(c.learnerList, l)
		nodeFor(name).Host(roleLearner, l, endpoints[a])
	}

	c.coordinator = paxos.NewCoordinator(paxos.CoordinatorConfig{
		Transport:    endpoints[coordAddr],
		Learner:      c.learners[coordNode],
		Acceptors:    c.acceptorAddrs,
		Owner:        len(runnerNodes),
		Stride:       len(runnerNodes) + 1,
		Coordinated:  opts.CoordinatedRecovery,
		Timeout:      opts.CoordinatorTimeout.Std(),
		TickInterval: opts.TickInterval.Std(),
		Metrics:      c.metrics,
		Logger:       c.logger(roleCoordinator, coordAddr),
	})
	nodeFor(coordNode).Host(roleCoordinator, c.coordinator, endpoints[coordAddr])

	for k, name := range runnerNodes {
		a := addr(name, roleRunner)
		r := paxos.NewRunner(paxos.RunnerConfig{
			Transport:     endpoints[a],
			Learner:       c.learners[name],
			Acceptors:     c.acceptorAddrs,
			Index:         k,
			Runners:       len(runnerNodes),
			FirstInstance: firstInstance,
			Interleaved:   opts.InterleavedInstanceIDs,
			FastPath:      opts.FastPath,
			NoPhase1:      opts.NoPhase1,
			Timeout:       opts.ProposerTimeout.Std(),
			MaxTimeouts:   opts.MaxTimeouts,
			TickInterval:  opts.TickInterval.Std(),
			Window:        opts.Window,
			Metrics:       c.metrics,
			Logger:        c.logger(roleRunner, a),
		})
		if firstInstance > 0 {
			c.log.Info().Str("runner", a).Int64("first_instance", int64(firstInstance)).
				Msg("resuming above instances held by acceptor storage")
		}
		c.runners = append(c.runners, r)
		nodeFor(name).Host(roleRunner, r, endpoints[a])
	}

	c.closers = closers
	c.log.Info().
		Int("acceptors", len(c.acceptorAddrs)).
		Int("learners", len(c.learnerAddrs)).
		Int("runners", len(c.runners)).
		Str("transport", opts.Transport).
		Bool("fast_path", opts.FastPath).
		Bool("coordinated", opts.CoordinatedRecovery).
		Msg("cluster initialised")
	return c, nil
}

func (c *Cluster) endpoint(a string) (transport.Transport, error) {
	if c.network != nil {
		return c.network.AddNode(a), nil
	}
	c.dir.Set(a, fmt.Sprintf("tcp://%s:0", c.opts.ZmqHost))
	return transport.NewZmqTransport(transport.ZmqConfig{
		ID:        a,
		Directory: c.dir,
		Codec:     paxos.Codec{},
		InboxSize: c.opts.Network.InboxSize,
		Metrics:   c.metrics,
		Logger:    c.logger("zmq", a),
	})
}

func (c *Cluster) storage(name string) (storage.Storage, error) {
	if c.opts.DataDir == "" {
		return storage.NewMemoryStorage(), nil
	}
	path := filepath.Join(c.opts.DataDir, name, "acceptor.log")
	return storage.OpenFileStorage(path, c.opts.SyncWrites)
}

func (c *Cluster) logger(component, a string) zerolog.Logger {
	if c.baseLog == nil {
		return logging.For(component, a)
	}
	return c.baseLog.With().Str("component", component).Str("addr", a).Logger()
}

// Start runs every node. If one fails to start the others are stopped.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	for i, n := range c.nodes {
		if err := n.Start(ctx); err != nil {
			for _, prev := range c.nodes[:i] {
				_ = prev.Stop()
			}
			return fmt.Errorf("start %s: %w", n.ID(), err)
		}
	}
	c.started = true
	return nil
}

// Stop stops every node in parallel and releases the transport. It returns
// the first node error.
func (c *Cluster) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if !started {
		var errs []error
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if c.network != nil {
			c.network.Close()
		}
		return errors.Join(errs...)
	}

	var g errgroup.Group
	for _, n := range c.nodes {
		g.Go(n.Stop)
	}
	err := g.Wait()
	if cerr := c.admin.Close(); err == nil {
		err = cerr
	}
	if c.network != nil {
		c.network.Close()
	}
	return err
}

// StopNode crashes one node. Its roles stop and its endpoints go dark; the
// rest of the cluster keeps running.
func (c *Cluster) StopNode(name string) error {
	n, ok := c.nodeByName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return n.Stop()
}

// Submit hands value to the runners in turn.
func (c *Cluster) Submit(value []byte) (*paxos.Handle, error) {
	i := int(c.next.Add(1)-1) % len(c.runners)
	return c.SubmitTo(i, value)
}

// SubmitTo hands value to runner i.
func (c *Cluster) SubmitTo(i int, value []byte) (*paxos.Handle, error) {
	if i < 0 || i >= len(c.runners) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchRunner, i)
	}
	c.mu.Lock()
	started := c.started && !c.stopped
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	return c.runners[i].Submit(value)
}

// Forget tells every acceptor to drop state for instances <= upTo.
func (c *Cluster) Forget(upTo paxos.InstanceID) error {
	return transport.Broadcast(c.admin, c.acceptorAddrs, &paxos.Forget{From: adminAddr, UpTo: upTo})
}

// CheckAgreement compares every pair of learners on the instances both have
// learned.
func (c *Cluster) CheckAgreement() error {
	ref := make(map[paxos.InstanceID][]byte)
	for _, l := range c.learnerList {
		for _, e := range l.Snapshot() {
			prev, ok := ref[e.Instance]
			if !ok {
				ref[e.Instance] = e.Value
				continue
			}
			if string(prev) != string(e.Value) {
				return fmt.Errorf("%w: instance %d learned as %q and %q",
					paxos.ErrSafetyViolation, e.Instance, prev, e.Value)
			}
		}
	}
	return nil
}

func (c *Cluster) Runners() int { return len(c.runners) }

// Learners returns every learner, proposing nodes first.
func (c *Cluster) Learners() []*paxos.Learner { return c.learnerList }

func (c *Cluster) Learner(name string) (*paxos.Learner, bool) {
	l, ok := c.learners[name]
	return l, ok
}

func (c *Cluster) Acceptor(name string) (*paxos.Acceptor, bool) {
	a, ok := c.acceptors[name]
	return a, ok
}

func (c *Cluster) Coordinator() *paxos.Coordinator { return c.coordinator }

func (c *Cluster) Nodes() []*node.Node { return c.nodes }

func (c *Cluster) AcceptorAddrs() []string { return c.acceptorAddrs }

// LearnerAddrs lists learner addresses in the order of Learners.
func (c *Cluster) LearnerAddrs() []string { return c.learnerAddrs }

// Network returns the simulated network, or nil with the zmq transport.
func (c *Cluster) Network() *transport.Network { return c.network }

func (c *Cluster) Metrics() *metrics.Metrics { return c.metrics }

func addr(node, role string) string { return node + "/" + role }

func unique(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n)
		}
		seen[n] = true
	}
	return nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
