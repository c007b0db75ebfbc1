// Package logheight implements an append-only-log sync protocol: each side
// announces how many contiguous entries (by sequence number, from 0) it
// already holds for a topic, then each sends the other the entries it is
// missing. It is a Go-idiomatic generalisation of original_source/
// p2panda-net's log_sync::LogSyncProtocol (referenced, not vendored, in
// network.rs's test module) onto the engine's narrower Store contract.
package logheight

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/shurlinet/p2pengine/pkg/engine"
)

const (
	kindTopic  = "topic"
	kindHeight = "height"
	kindEntry  = "entry"
	kindDone   = "done"
)

type wireMessage struct {
	Kind    string   `cbor:"kind"`
	TopicID [32]byte `cbor:"topic_id,omitempty"`
	Height  uint64   `cbor:"height,omitempty"`
	Seq     uint64   `cbor:"seq,omitempty"`
	Header  []byte   `cbor:"header,omitempty"`
	Payload []byte   `cbor:"payload,omitempty"`
}

// Entry is one signed operation in an append-only log, addressed by its
// sequence number.
type Entry struct {
	Seq     uint64
	Header  []byte
	Payload []byte
}

// Store is the per-topic log the protocol syncs against.
type Store interface {
	// Height reports how many contiguous entries, starting at sequence 0,
	// this store already holds for topicID.
	Height(topicID [32]byte) uint64
	// EntriesFrom returns the entries for topicID with Seq >= fromSeq, in
	// ascending sequence order.
	EntriesFrom(topicID [32]byte, fromSeq uint64) []Entry
}

// TopicResolver maps a wire topic id back to a concrete Topic value, as in
// pkg/syncproto/pingpong.
type TopicResolver func(topicID [32]byte) (engine.Topic, bool)

// Protocol implements engine.SyncProtocol.
type Protocol struct {
	store   Store
	resolve TopicResolver
}

// New constructs a Protocol backed by store.
func New(store Store, resolve TopicResolver) *Protocol {
	return &Protocol{store: store, resolve: resolve}
}

func (p *Protocol) Name() string { return "log_height" }

// Initiate implements engine.SyncProtocol.
func (p *Protocol) Initiate(ctx context.Context, topic engine.Topic, stream engine.Stream, events chan<- engine.SyncEvent) error {
	topicID := topic.TopicID()
	enc := cbor.NewEncoder(stream)
	dec := cbor.NewDecoder(stream)

	if err := enc.Encode(wireMessage{Kind: kindTopic, TopicID: topicID}); err != nil {
		return wrapErr(err)
	}
	if err := enc.Encode(wireMessage{Kind: kindHeight, Height: p.store.Height(topicID)}); err != nil {
		return wrapErr(err)
	}
	if err := emit(ctx, events, engine.SyncEvent{Kind: engine.SyncHandshakeSuccess, Topic: topic}); err != nil {
		return err
	}

	peerHeight, err := recvEntries(ctx, dec, events)
	if err != nil {
		return err
	}

	return sendEntries(enc, p.store.EntriesFrom(topicID, peerHeight))
}

// Accept implements engine.SyncProtocol.
func (p *Protocol) Accept(ctx context.Context, stream engine.Stream, events chan<- engine.SyncEvent) error {
	enc := cbor.NewEncoder(stream)
	dec := cbor.NewDecoder(stream)

	var msg wireMessage
	if err := dec.Decode(&msg); err != nil {
		return wrapErr(err)
	}
	if msg.Kind != kindTopic {
		return fmt.Errorf("expected topic message first, got %q: %w", msg.Kind, engine.ErrProtocolError)
	}
	topic, ok := p.resolve(msg.TopicID)
	if !ok {
		return engine.ErrTopicMismatch
	}
	if err := emit(ctx, events, engine.SyncEvent{Kind: engine.SyncHandshakeSuccess, Topic: topic}); err != nil {
		return err
	}

	if err := dec.Decode(&msg); err != nil {
		return wrapErr(err)
	}
	if msg.Kind != kindHeight {
		return fmt.Errorf("expected height message, got %q: %w", msg.Kind, engine.ErrProtocolError)
	}
	peerHeight := msg.Height

	if err := enc.Encode(wireMessage{Kind: kindHeight, Height: p.store.Height(topic.TopicID())}); err != nil {
		return wrapErr(err)
	}
	if err := sendEntries(enc, p.store.EntriesFrom(topic.TopicID(), peerHeight)); err != nil {
		return err
	}

	return recvEntryList(ctx, dec, events)
}

// recvEntries reads the peer's height reply followed by zero or more entry
// messages (emitting a SyncData event for each) until its "done" sentinel,
// returning the peer's reported height.
func recvEntries(ctx context.Context, dec *cbor.Decoder, events chan<- engine.SyncEvent) (uint64, error) {
	var msg wireMessage
	if err := dec.Decode(&msg); err != nil {
		return 0, wrapErr(err)
	}
	if msg.Kind != kindHeight {
		return 0, fmt.Errorf("expected height message, got %q: %w", msg.Kind, engine.ErrProtocolError)
	}
	return msg.Height, recvEntryList(ctx, dec, events)
}

// recvEntryList reads zero or more entry messages (emitting a SyncData event
// for each) until the peer's "done" sentinel or the end of the stream.
func recvEntryList(ctx context.Context, dec *cbor.Decoder, events chan<- engine.SyncEvent) error {
	var msg wireMessage
	for {
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return wrapErr(err)
		}
		switch msg.Kind {
		case kindEntry:
			if err := emit(ctx, events, engine.SyncEvent{Kind: engine.SyncData, Header: msg.Header, Payload: msg.Payload}); err != nil {
				return err
			}
		case kindDone:
			return nil
		default:
			return fmt.Errorf("unexpected message kind %q: %w", msg.Kind, engine.ErrProtocolError)
		}
	}
}

func sendEntries(enc *cbor.Encoder, entries []Entry) error {
	for _, e := range entries {
		msg := wireMessage{Kind: kindEntry, Seq: e.Seq, Header: e.Header, Payload: e.Payload}
		if err := enc.Encode(msg); err != nil {
			return wrapErr(err)
		}
	}
	return wrapErr(enc.Encode(wireMessage{Kind: kindDone}))
}

func emit(ctx context.Context, events chan<- engine.SyncEvent, ev engine.SyncEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("log_height wire error: %w", errors.Join(engine.ErrProtocolError, err))
}
