// Package synchandler adapts a engine.SyncProtocol into the
// engine.ProtocolHandler the Connection Router and Sync Scheduler expect,
// and resolves the construction-order problem that comes with it: the
// handler (and the protocol's TopicResolver) must exist before
// engine.Builder.Build runs, but the Endpoint and Topic Registry they need
// are themselves created inside Build. Handler implements engine.SyncBinder
// so Build can hand them over once they exist, the same way
// GossipBuffer.SetDeliverer breaks the equivalent cycle between the buffer
// and the registry.
package synchandler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shurlinet/p2pengine/pkg/engine"
)

// Handler wraps a SyncProtocol, dialing outbound sessions through the
// bound Endpoint and, for inbound sessions, driving protocol.Accept itself
// and forwarding its SyncData output into the Topic Registry.
type Handler struct {
	alpn   string
	logger *slog.Logger

	mu       sync.RWMutex
	protocol engine.SyncProtocol
	endpoint engine.Endpoint
	deliver  func(ctx context.Context, topic engine.Topic, msg engine.FromNetwork) bool
	topics   func() []engine.Topic
}

// New constructs a Handler for the protocol registered under alpn. The
// protocol itself is supplied separately via SetProtocol, since the two
// are usually mutually referential: the protocol needs Handler.Resolve as
// its TopicResolver, and Handler needs the protocol to drive Accept.
func New(alpn string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{alpn: alpn, logger: logger}
}

// SetProtocol attaches the protocol this handler drives on Accept.
func (h *Handler) SetProtocol(p engine.SyncProtocol) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.protocol = p
}

// Resolve implements the TopicResolver signature consumed by
// pkg/syncproto/pingpong and pkg/syncproto/logheight. Before BindEngine
// has run it reports every id as unknown — harmless, since no inbound
// connection can reach Accept until the Supervisor starts, which happens
// only after Build has already called BindEngine.
func (h *Handler) Resolve(topicID [32]byte) (engine.Topic, bool) {
	h.mu.RLock()
	topicsFn := h.topics
	h.mu.RUnlock()
	if topicsFn == nil {
		return nil, false
	}
	for _, t := range topicsFn() {
		if t.TopicID() == topicID {
			return t, true
		}
	}
	return nil, false
}

// BindEngine implements engine.SyncBinder.
func (h *Handler) BindEngine(endpoint engine.Endpoint, deliver func(context.Context, engine.Topic, engine.FromNetwork) bool, topics func() []engine.Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endpoint = endpoint
	h.deliver = deliver
	h.topics = topics
}

// Open implements engine.ProtocolHandler: it dials peerID over the bound
// endpoint, negotiating this handler's ALPN. topic is unused beyond
// selecting this method — the wire-level topic announcement is the
// protocol's job, done inside Initiate.
func (h *Handler) Open(ctx context.Context, peerID engine.PeerID, _ engine.Topic) (engine.Stream, error) {
	h.mu.RLock()
	endpoint := h.endpoint
	h.mu.RUnlock()
	if endpoint == nil {
		return nil, fmt.Errorf("sync handler %s: engine not yet bound: %w", h.alpn, engine.ErrNilConfig)
	}
	return endpoint.Connect(ctx, peerID, "", []byte(h.alpn))
}

// Accept implements engine.ProtocolHandler for inbound sessions: it runs
// the protocol's acceptor side to completion, delivering every SyncData
// event it emits to the resolved topic's subscription. The first event
// must be SyncHandshakeSuccess (engine.SyncProtocol's contract); anything
// else is a protocol error.
func (h *Handler) Accept(ctx context.Context, stream engine.Stream) error {
	h.mu.RLock()
	protocol, deliver := h.protocol, h.deliver
	h.mu.RUnlock()
	if protocol == nil || deliver == nil {
		return fmt.Errorf("sync handler %s: engine not yet bound: %w", h.alpn, engine.ErrNilConfig)
	}

	events := make(chan engine.SyncEvent, 8)
	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- protocol.Accept(ctx, stream, events)
		close(events)
	}()

	var topic engine.Topic
	first := true
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return <-acceptErr
			}
			if first {
				first = false
				if ev.Kind != engine.SyncHandshakeSuccess {
					return engine.ErrProtocolError
				}
				topic = ev.Topic
				continue
			}
			if ev.Kind == engine.SyncData {
				// The acceptor side of engine.ProtocolHandler.Accept has no
				// peer identity to attach (the interface carries only a
				// Stream) — delivered messages report a zero PeerID.
				msg := engine.SyncMessage(ev.Header, ev.Payload, engine.PeerID{})
				if !deliver(ctx, topic, msg) {
					return engine.ErrChannelClosed
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
