// =============================================================================
// ZEROMQ TRANSPORT - Real Sockets
// =============================================================================
//
// Each endpoint binds one ROUTER socket for its inbox and dials one DEALER
// socket per peer on first send:
//
//   ┌──────────┐ DEALER ─────────▶ ROUTER ┌──────────┐
//   │ acceptor │                          │ learner  │
//   └──────────┘ ROUTER ◀───────── DEALER └──────────┘
//
// A ROUTER prefixes every message with the sender identity frame; the
// payload is always the LAST frame. Messages are turned into bytes by a
// Codec supplied by the protocol layer.
//
// Endpoints find each other through a Directory. Binding to port 0 picks a
// free port and records it in the directory, which is handy for tests and
// single-process clusters.
//
// =============================================================================

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/senutpal/fastquorum/internal/metrics"
)

// Directory maps endpoint IDs to ZeroMQ addresses.
type Directory struct {
	mu    sync.RWMutex
	addrs map[string]string
}

func NewDirectory() *Directory {
	return &Directory{addrs: make(map[string]string)}
}

func (d *Directory) Set(id, endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[id] = endpoint
}

func (d *Directory) Lookup(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.addrs[id]
	return ep, ok
}

// ZmqConfig configures a ZmqTransport.
type ZmqConfig struct {
	ID        string
	Directory *Directory
	Codec     Codec
	InboxSize int
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// ZmqTransport is a Transport over ZeroMQ ROUTER/DEALER sockets.
type ZmqTransport struct {
	cfg    ZmqConfig
	ctx    context.Context
	cancel context.CancelFunc
	router zmq4.Socket
	inbox  chan Message
	closed atomic.Bool
	wg     sync.WaitGroup

	mu      sync.Mutex
	dealers map[string]zmq4.Socket
}

// NewZmqTransport binds the endpoint registered for cfg.ID and starts
// receiving.
func NewZmqTransport(cfg ZmqConfig) (*ZmqTransport, error) {
	endpoint, ok := cfg.Directory.Lookup(cfg.ID)
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint for %s", ErrUnknownPeer, cfg.ID)
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &ZmqTransport{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan Message, cfg.InboxSize),
		dealers: make(map[string]zmq4.Socket),
	}

	t.router = zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity(cfg.ID)))
	if err := t.router.Listen(endpoint); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bind router for %s: %w", cfg.ID, err)
	}
	if strings.HasSuffix(endpoint, ":0") {
		if addr, ok := t.router.Addr().(*net.TCPAddr); ok {
			cfg.Directory.Set(cfg.ID, fmt.Sprintf("tcp://%s", addr.String()))
		}
	}

	t.wg.Add(1)
	go t.receiveLoop()
	return t, nil
}

func (t *ZmqTransport) ID() string { return t.cfg.ID }

func (t *ZmqTransport) Inbox() <-chan Message { return t.inbox }

// Send encodes msg and queues it on the DEALER for to.
func (t *ZmqTransport) Send(to string, msg Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	dealer, err := t.dealer(to)
	if err != nil {
		return err
	}
	data, err := t.cfg.Codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		t.cfg.Metrics.RecordDropped("send_error")
		t.cfg.Logger.Debug().Err(err).Str("to", to).Msg("zmq send failed")
		return nil
	}
	t.cfg.Metrics.RecordSent()
	return nil
}

func (t *ZmqTransport) dealer(to string) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.dealers[to]; ok {
		return d, nil
	}
	endpoint, ok := t.cfg.Directory.Lookup(to)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	d := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.cfg.ID)))
	if err := d.Dial(endpoint); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	t.dealers[to] = d
	return d, nil
}

func (t *ZmqTransport) receiveLoop() {
	defer t.wg.Done()
	for {
		msg, err := t.router.Recv()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.cfg.Logger.Debug().Err(err).Msg("zmq receive failed")
				continue
			}
		}
		if len(msg.Frames) == 0 {
			continue
		}
		decoded, err := t.cfg.Codec.Decode(msg.Frames[len(msg.Frames)-1])
		if err != nil {
			t.cfg.Metrics.RecordDropped("decode_error")
			t.cfg.Logger.Warn().Err(err).Msg("dropping undecodable message")
			continue
		}
		select {
		case t.inbox <- decoded:
		default:
			t.cfg.Metrics.RecordDropped("inbox_full")
		}
	}
}

// Close shuts the sockets down. Best effort: socket errors during shutdown
// are ignored.
func (t *ZmqTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.cancel()
	_ = t.router.Close()

	t.mu.Lock()
	for _, d := range t.dealers {
		_ = d.Close()
	}
	t.dealers = nil
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
