package pingpong

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shurlinet/p2pengine/pkg/engine"
)

// pipeStream adapts a net.Conn (from net.Pipe) to engine.Stream for tests;
// CloseWrite is a no-op since the pipe has no half-close semantics.
type pipeStream struct{ net.Conn }

func (p pipeStream) CloseWrite() error { return nil }

type testTopic [32]byte

func (t testTopic) TopicID() [32]byte { return t }

func TestInitiateAcceptPingPongExchange(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	topic := testTopic{1, 2, 3}
	resolver := func(id [32]byte) (engine.Topic, bool) {
		if id == topic.TopicID() {
			return topic, true
		}
		return nil, false
	}
	acceptor := New(resolver)
	initiator := New(resolver)

	initiatorEvents := make(chan engine.SyncEvent, 4)
	acceptorEvents := make(chan engine.SyncEvent, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	initDone := make(chan error, 1)
	acceptDone := make(chan error, 1)
	go func() { initDone <- initiator.Initiate(ctx, topic, pipeStream{a}, initiatorEvents) }()
	go func() { acceptDone <- acceptor.Accept(ctx, pipeStream{b}, acceptorEvents) }()

	if err := <-initDone; err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := <-acceptDone; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	close(initiatorEvents)
	close(acceptorEvents)

	initEvs := drain(initiatorEvents)
	if len(initEvs) != 2 || initEvs[0].Kind != engine.SyncHandshakeSuccess || initEvs[1].Kind != engine.SyncData {
		t.Fatalf("initiator events = %+v, want [HandshakeSuccess, Data]", initEvs)
	}
	if string(initEvs[1].Header) != "PONG" {
		t.Errorf("initiator data header = %q, want PONG", initEvs[1].Header)
	}

	acceptEvs := drain(acceptorEvents)
	if len(acceptEvs) != 2 || acceptEvs[0].Kind != engine.SyncHandshakeSuccess || acceptEvs[1].Kind != engine.SyncData {
		t.Fatalf("acceptor events = %+v, want [HandshakeSuccess, Data]", acceptEvs)
	}
	if string(acceptEvs[1].Header) != "PING" {
		t.Errorf("acceptor data header = %q, want PING", acceptEvs[1].Header)
	}
	if acceptEvs[0].Topic != topic {
		t.Errorf("acceptor resolved topic = %v, want %v", acceptEvs[0].Topic, topic)
	}
}

func TestAcceptRejectsUnresolvableTopic(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	resolver := func(id [32]byte) (engine.Topic, bool) { return nil, false }
	acceptor := New(resolver)
	initiator := New(func(id [32]byte) (engine.Topic, bool) { return testTopic(id), true })

	topic := testTopic{9}
	events := make(chan engine.SyncEvent, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _ = initiator.Initiate(ctx, topic, pipeStream{a}, events) }()

	err := acceptor.Accept(ctx, pipeStream{b}, events)
	if err == nil {
		t.Fatal("expected Accept to fail for an unresolvable topic id")
	}
}

func drain(ch chan engine.SyncEvent) []engine.SyncEvent {
	var out []engine.SyncEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}
