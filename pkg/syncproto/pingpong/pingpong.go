// Package pingpong implements the minimal sync protocol used as the
// engine's example/default SyncProtocol, a direct Go port of
// original_source/p2panda-net's PingPongProtocol test fixture: the
// initiator announces a topic and pings, the acceptor replies with a single
// pong, and both sides report the exchange to the application as a
// SyncData event before the session ends. Wire-encoded with
// fxamacker/cbor/v2, mirroring the original's p2panda_sync::cbor framing.
package pingpong

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/shurlinet/p2pengine/pkg/engine"
)

const kindTopic = "topic"
const kindPing = "ping"
const kindPong = "pong"

// wireMessage is the CBOR-encoded frame exchanged over the stream. Only one
// of TopicID/{} is meaningful per Kind, following the Rust original's
// Topic(TestTopic)/Ping/Pong enum.
type wireMessage struct {
	Kind    string   `cbor:"kind"`
	TopicID [32]byte `cbor:"topic_id,omitempty"`
}

// TopicResolver maps a wire-transmitted topic id back to the concrete Topic
// value the local application subscribed with — the acceptor side learns
// only the 32-byte projection from the handshake and must resolve it to
// report a well-typed Topic in its SyncHandshakeSuccess event.
type TopicResolver func(topicID [32]byte) (engine.Topic, bool)

// Protocol implements engine.SyncProtocol.
type Protocol struct {
	resolve TopicResolver
}

// New constructs a Protocol. resolve is consulted by Accept to recover a
// Topic value from the wire's topic id.
func New(resolve TopicResolver) *Protocol {
	return &Protocol{resolve: resolve}
}

func (p *Protocol) Name() string { return "pingpong" }

// Initiate implements engine.SyncProtocol.
func (p *Protocol) Initiate(ctx context.Context, topic engine.Topic, stream engine.Stream, events chan<- engine.SyncEvent) error {
	enc := cbor.NewEncoder(stream)
	if err := enc.Encode(wireMessage{Kind: kindTopic, TopicID: topic.TopicID()}); err != nil {
		return wrapProtocolErr(err)
	}
	if err := enc.Encode(wireMessage{Kind: kindPing}); err != nil {
		return wrapProtocolErr(err)
	}

	if err := emit(ctx, events, engine.SyncEvent{Kind: engine.SyncHandshakeSuccess, Topic: topic}); err != nil {
		return err
	}

	dec := cbor.NewDecoder(stream)
	for {
		var msg wireMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return wrapProtocolErr(err)
		}
		switch msg.Kind {
		case kindPong:
			return emit(ctx, events, engine.SyncEvent{Kind: engine.SyncData, Header: []byte("PONG")})
		case kindPing, kindTopic:
			return fmt.Errorf("unexpected %q message from acceptor: %w", msg.Kind, engine.ErrProtocolError)
		default:
			return fmt.Errorf("unknown message kind %q: %w", msg.Kind, engine.ErrProtocolError)
		}
	}
}

// Accept implements engine.SyncProtocol.
func (p *Protocol) Accept(ctx context.Context, stream engine.Stream, events chan<- engine.SyncEvent) error {
	dec := cbor.NewDecoder(stream)
	enc := cbor.NewEncoder(stream)

	for {
		var msg wireMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return wrapProtocolErr(err)
		}

		switch msg.Kind {
		case kindTopic:
			topic, ok := p.resolve(msg.TopicID)
			if !ok {
				return engine.ErrTopicMismatch
			}
			if err := emit(ctx, events, engine.SyncEvent{Kind: engine.SyncHandshakeSuccess, Topic: topic}); err != nil {
				return err
			}
		case kindPing:
			if err := emit(ctx, events, engine.SyncEvent{Kind: engine.SyncData, Header: []byte("PING")}); err != nil {
				return err
			}
			if err := enc.Encode(wireMessage{Kind: kindPong}); err != nil {
				return wrapProtocolErr(err)
			}
			return nil
		case kindPong:
			return fmt.Errorf("unexpected pong message from initiator: %w", engine.ErrProtocolError)
		default:
			return fmt.Errorf("unknown message kind %q: %w", msg.Kind, engine.ErrProtocolError)
		}
	}
}

func emit(ctx context.Context, events chan<- engine.SyncEvent, ev engine.SyncEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wrapProtocolErr(err error) error {
	return fmt.Errorf("pingpong wire error: %w", errors.Join(engine.ErrProtocolError, err))
}
