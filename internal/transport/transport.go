// =============================================================================
// TRANSPORT - How Roles Talk to Each Other
// =============================================================================
//
// Every role (acceptor, learner, coordinator, proposer runner) owns exactly one
// Transport endpoint, identified by a stable address such as "node-1/acceptor".
// The consensus engine only needs three things from it:
//
//   - Send(to, msg)   fire and forget, delivered after some delay (or never)
//   - Inbox()         the channel a role selects on while it is suspended
//   - Close()         release the endpoint
//
// Delivery is FIFO per (sender, receiver) link and unordered across senders.
// Send never blocks on a slow receiver: a full inbox drops the message, which
// the protocol treats exactly like packet loss.
//
// =============================================================================

package transport

import "errors"

var (
	ErrClosed      = errors.New("transport closed")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrTimeout     = errors.New("receive timeout")
)

// Message is anything a role can put on the wire.
type Message interface {
	GetFrom() string
}

// Transport is a single addressable mailbox.
type Transport interface {
	ID() string
	Send(to string, msg Message) error
	Inbox() <-chan Message
	Close() error
}

// Codec turns messages into bytes for transports that leave the process.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// Broadcast sends msg to every address in to and returns the last error seen.
func Broadcast(t Transport, to []string, msg Message) error {
	var lastErr error
	for _, addr := range to {
		if err := t.Send(addr, msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
