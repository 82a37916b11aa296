package transport

import (
	"encoding/json"
	"testing"
	"time"
)

type testCodec struct{}

func (testCodec) Encode(msg Message) ([]byte, error) { return json.Marshal(msg) }

func (testCodec) Decode(data []byte) (Message, error) {
	var m testMsg
	err := json.Unmarshal(data, &m)
	return m, err
}

func TestZmqSendReceive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	dir := NewDirectory()
	dir.Set("a", "tcp://127.0.0.1:0")
	dir.Set("b", "tcp://127.0.0.1:0")

	a, err := NewZmqTransport(ZmqConfig{ID: "a", Directory: dir, Codec: testCodec{}})
	if err != nil {
		t.Fatalf("NewZmqTransport(a) failed: %v", err)
	}
	defer a.Close()
	b, err := NewZmqTransport(ZmqConfig{ID: "b", Directory: dir, Codec: testCodec{}})
	if err != nil {
		t.Fatalf("NewZmqTransport(b) failed: %v", err)
	}
	defer b.Close()

	for i := 0; i < 3; i++ {
		if err := a.Send("b", testMsg{From: "a", Seq: i}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		msg, err := ReceiveTimeout(b, 5*time.Second)
		if err != nil {
			t.Fatalf("message %d not received: %v", i, err)
		}
		if got := msg.(testMsg); got.From != "a" || got.Seq != i {
			t.Errorf("Expected seq %d from a, got %+v", i, got)
		}
	}
}

func TestZmqUnknownPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}
	dir := NewDirectory()
	dir.Set("a", "tcp://127.0.0.1:0")
	a, err := NewZmqTransport(ZmqConfig{ID: "a", Directory: dir, Codec: testCodec{}})
	if err != nil {
		t.Fatalf("NewZmqTransport failed: %v", err)
	}
	defer a.Close()

	if err := a.Send("nobody", testMsg{From: "a"}); err == nil {
		t.Error("Expected an error for an unknown peer")
	}
	if _, err := NewZmqTransport(ZmqConfig{ID: "ghost", Directory: dir, Codec: testCodec{}}); err == nil {
		t.Error("Expected an error for an unregistered endpoint")
	}
}
