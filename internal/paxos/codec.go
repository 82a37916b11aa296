package paxos

import (
	"encoding/json"
	"fmt"

	"github.com/senutpal/fastquorum/internal/transport"
)

const (
	kindPrepare     = "prepare"
	kindPromise     = "promise"
	kindAccept      = "accept"
	kindFastPropose = "fast_propose"
	kindVote        = "vote"
	kindForget      = "forget"
)

type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Codec encodes paxos messages as a JSON envelope {kind, body} for
// transports that leave the process. A nil value survives as null and NoOp
// as "", so absent and empty stay distinct on the wire.
type Codec struct{}

var _ transport.Codec = Codec{}

func (Codec) Encode(msg transport.Message) ([]byte, error) {
	var kind string
	switch msg.(type) {
	case *Prepare:
		kind = kindPrepare
	case *Promise:
		kind = kindPromise
	case *Accept:
		kind = kindAccept
	case *FastPropose:
		kind = kindFastPropose
	case *Vote:
		kind = kindVote
	case *Forget:
		kind = kindForget
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Body: body})
}

func (Codec) Decode(data []byte) (transport.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var msg transport.Message
	switch env.Kind {
	case kindPrepare:
		msg = &Prepare{}
	case kindPromise:
		msg = &Promise{}
	case kindAccept:
		msg = &Accept{}
	case kindFastPropose:
		msg = &FastPropose{}
	case kindVote:
		msg = &Vote{}
	case kindForget:
		msg = &Forget{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Kind)
	}
	if err := json.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return msg, nil
}
