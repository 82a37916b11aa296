// =============================================================================
// IN-MEMORY TRANSPORT - Simulated Network
// =============================================================================
//
// All endpoints live in one process and exchange messages over channels.
// The Network plays the part of the wire:
//
//   ┌─────────┐   link queue (FIFO, delayed)   ┌─────────┐
//   │ Node A  │ ─────────────────────────────▶ │ Node B  │
//   │  Send() │                                │  inbox  │
//   └─────────┘                                └─────────┘
//
// Each (from, to) pair gets its own link goroutine so that a sender's
// messages reach one peer in send order, while different senders interleave
// freely. With zero latency and zero jitter the link is skipped and messages
// land in the inbox straight away.
//
// Failure injection: random loss, symmetric partitions, bounded inboxes.
//
// =============================================================================

package transport

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/senutpal/fastquorum/internal/metrics"
)

const (
	defaultInboxSize = 4096
	linkQueueSize    = 4096
)

// NetworkConfig describes the simulated wire.
type NetworkConfig struct {
	Latency   time.Duration // fixed one-way delay
	Jitter    time.Duration // extra uniform delay in [0, Jitter)
	LossRate  float64       // probability a message is dropped
	Seed      int64         // 0 seeds from the clock
	InboxSize int           // per-endpoint buffer, 0 means default
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithMetrics attaches transport counters.
func WithMetrics(m *metrics.Metrics) NetworkOption {
	return func(n *Network) { n.metrics = m }
}

// WithLogger sets the network logger.
func WithLogger(l zerolog.Logger) NetworkOption {
	return func(n *Network) { n.log = l }
}

type link struct {
	from, to string
}

type pending struct {
	msg Message
	at  time.Time
}

type linkQueue struct {
	ch   chan pending
	last time.Time
}

// Network is the registry and wire shared by all MemoryTransports.
type Network struct {
	cfg     NetworkConfig
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu         sync.RWMutex
	endpoints  map[string]*MemoryTransport
	links      map[link]*linkQueue
	partitions map[link]bool
	lossRate   float64
	closed     bool

	rngMu sync.Mutex
	rng   *rand.Rand

	done chan struct{}
	wg   sync.WaitGroup
}

// NewNetwork creates an empty simulated network.
func NewNetwork(cfg NetworkConfig, opts ...NetworkOption) *Network {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	n := &Network{
		cfg:        cfg,
		log:        zerolog.Nop(),
		endpoints:  make(map[string]*MemoryTransport),
		links:      make(map[link]*linkQueue),
		partitions: make(map[link]bool),
		lossRate:   cfg.LossRate,
		rng:        rand.New(rand.NewSource(seed)),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AddNode registers an endpoint. Registering an existing id replaces the old
// endpoint, which models a crashed process coming back with an empty inbox.
func (n *Network) AddNode(id string) *MemoryTransport {
	t := &MemoryTransport{
		id:    id,
		net:   n,
		inbox: make(chan Message, n.cfg.InboxSize),
	}
	n.mu.Lock()
	if old, ok := n.endpoints[id]; ok {
		old.closed.Store(true)
	}
	n.endpoints[id] = t
	n.mu.Unlock()
	return t
}

// Partition cuts the link between a and b in both directions.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[link{a, b}] = true
	n.partitions[link{b, a}] = true
}

// Heal restores the link between a and b.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitions, link{a, b})
	delete(n.partitions, link{b, a})
}

// HealAll removes every partition.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions = make(map[link]bool)
}

// SetLossRate changes the drop probability for subsequent sends.
func (n *Network) SetLossRate(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lossRate = p
}

// Close stops all link goroutines. Messages still in flight are lost.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.done)
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Network) deliver(from, to string, msg Message) error {
	n.mu.RLock()
	closed := n.closed
	_, known := n.endpoints[to]
	cut := n.partitions[link{from, to}]
	loss := n.lossRate
	n.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !known {
		return ErrUnknownPeer
	}
	n.metrics.RecordSent()

	if cut {
		n.drop(from, to, "partition")
		return nil
	}
	if loss > 0 && n.float() < loss {
		n.drop(from, to, "loss")
		return nil
	}

	if n.cfg.Latency == 0 && n.cfg.Jitter == 0 {
		n.push(to, msg)
		return nil
	}

	at := time.Now().Add(n.delay())
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	q, ok := n.links[link{from, to}]
	if !ok {
		q = &linkQueue{ch: make(chan pending, linkQueueSize)}
		n.links[link{from, to}] = q
		n.wg.Add(1)
		go n.runLink(to, q)
	}
	if at.Before(q.last) {
		at = q.last
	}
	q.last = at
	n.mu.Unlock()

	select {
	case q.ch <- pending{msg: msg, at: at}:
	default:
		n.drop(from, to, "link_full")
	}
	return nil
}

func (n *Network) runLink(to string, q *linkQueue) {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case p := <-q.ch:
			if wait := time.Until(p.at); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-n.done:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			n.push(to, p.msg)
		}
	}
}

func (n *Network) push(to string, msg Message) {
	n.mu.RLock()
	dst := n.endpoints[to]
	n.mu.RUnlock()
	if dst == nil || dst.closed.Load() {
		n.drop(msg.GetFrom(), to, "closed")
		return
	}
	select {
	case dst.inbox <- msg:
	default:
		n.drop(msg.GetFrom(), to, "inbox_full")
	}
}

func (n *Network) drop(from, to, reason string) {
	n.metrics.RecordDropped(reason)
	n.log.Trace().Str("from", from).Str("to", to).Str("reason", reason).Msg("message dropped")
}

func (n *Network) float() float64 {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64()
}

func (n *Network) delay() time.Duration {
	d := n.cfg.Latency
	if n.cfg.Jitter > 0 {
		n.rngMu.Lock()
		d += time.Duration(n.rng.Int63n(int64(n.cfg.Jitter)))
		n.rngMu.Unlock()
	}
	return d
}

// MemoryTransport is one endpoint on a Network.
type MemoryTransport struct {
	id     string
	net    *Network
	inbox  chan Message
	closed atomic.Bool
}

// ID returns the endpoint address.
func (t *MemoryTransport) ID() string { return t.id }

// Send hands msg to the network. Loss and partitions are silent.
func (t *MemoryTransport) Send(to string, msg Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.net.deliver(t.id, to, msg)
}

// Inbox returns the channel incoming messages are delivered on.
func (t *MemoryTransport) Inbox() <-chan Message { return t.inbox }

// Close detaches the endpoint. The inbox channel is left open so in-flight
// deliveries never panic; they are dropped instead.
func (t *MemoryTransport) Close() error {
	t.closed.Store(true)
	t.net.mu.Lock()
	if t.net.endpoints[t.id] == t {
		delete(t.net.endpoints, t.id)
	}
	t.net.mu.Unlock()
	return nil
}

// ReceiveTimeout waits up to d for the next message on t.
func ReceiveTimeout(t Transport, d time.Duration) (Message, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case msg := <-t.Inbox():
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}
