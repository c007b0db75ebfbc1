package engine

import "context"

// This file names, as Go interfaces, the external collaborators spec §1
// treats as out of scope: the encrypted datagram transport, the broadcast
// overlay primitive, discovery providers, and the sync protocol. The engine
// only ever depends on these abstractions; concrete adapters live under
// pkg/transport, pkg/overlay, pkg/discovery and pkg/syncproto.

// NodeAddr is the local node's own address, as reported by the transport.
type NodeAddr struct {
	PeerID          PeerID
	DirectAddresses []SocketAddress
	RelayHint       RelayURL
}

// Stream is a single bidirectional byte stream multiplexed over a
// connection, tagged with the ALPN it was opened for.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// CloseWrite half-closes the stream for writing, signalling
	// end-of-stream to the remote side without discarding unread data.
	CloseWrite() error
	Close() error
}

// Connecting is an inbound connection attempt, not yet dispatched to a
// protocol handler. The Connection Router awaits ALPN negotiation before
// deciding where to route it (spec §4.6).
type Connecting interface {
	// ALPN blocks until the peer's ALPN proposal is known.
	ALPN(ctx context.Context) ([]byte, error)
	// Open completes the handshake and yields the stream for the
	// negotiated ALPN.
	Open(ctx context.Context) (Stream, error)
}

// Endpoint is the transport contract consumed by the engine (spec §6).
type Endpoint interface {
	// Connect dials peerID, optionally via relayHint, negotiating alpn.
	Connect(ctx context.Context, peerID PeerID, relayHint RelayURL, alpn []byte) (Stream, error)
	// Accept blocks until an inbound connection attempt arrives.
	Accept(ctx context.Context) (Connecting, error)
	// Close fast-closes the endpoint; code/reason are transport-defined.
	Close(code uint64, reason string) error
	// DirectAddresses streams the local node's observed direct addresses
	// as they change.
	DirectAddresses(ctx context.Context) <-chan []SocketAddress
	// NodeAddr returns the local node's current address.
	NodeAddr() NodeAddr
}

// PeerEventKind distinguishes overlay neighbour-change directions.
type PeerEventKind int

const (
	PeerJoined PeerEventKind = iota
	PeerLeft
)

// PeerEvent reports a neighbour change in a joined overlay.
type PeerEvent struct {
	PeerID PeerID
	Kind   PeerEventKind
}

// OverlayMessage is a single broadcast message received from a joined
// overlay.
type OverlayMessage struct {
	Bytes         []byte
	DeliveredFrom PeerID
}

// OverlaySession is a joined, topic-scoped broadcast overlay (spec §6).
type OverlaySession interface {
	Broadcast(ctx context.Context, bytes []byte) error
	Messages() <-chan OverlayMessage
	Neighbours() <-chan PeerEvent
	Leave() error
}

// OverlayProvider joins topic-scoped broadcast overlays — the "broadcast
// overlay primitive" of spec §1.
type OverlayProvider interface {
	Join(ctx context.Context, topicID [32]byte) (OverlaySession, error)
}

// DiscoveryEvent is either a PeerFound (Err == nil) or a provider-level
// error (Err != nil, Record zero). Errors from one provider must never
// terminate the Discovery Mux's fan-in (spec §4.3 invariant 6).
type DiscoveryEvent struct {
	Record PeerRecord
	Err    error
}

// DiscoveryProvider is a single peer-discovery strategy (mDNS, rendezvous,
// bootstrap list, ...).
type DiscoveryProvider interface {
	Name() string
	Subscribe(ctx context.Context, networkID NetworkID) (<-chan DiscoveryEvent, error)
	UpdateLocalAddress(ctx context.Context, addr NodeAddr) error
}

// SyncEventKind distinguishes the two events a SyncProtocol may emit.
type SyncEventKind int

const (
	SyncHandshakeSuccess SyncEventKind = iota
	SyncData
)

// SyncEvent is emitted by a SyncProtocol on its event channel. The
// contract requires a SyncHandshakeSuccess event, carrying the agreed
// Topic, to be the first event on the channel (spec §4.4 step 2).
type SyncEvent struct {
	Kind    SyncEventKind
	Topic   Topic  // populated on SyncHandshakeSuccess
	Header  []byte // populated on SyncData
	Payload []byte // populated on SyncData (may be nil)
}

// SyncProtocol is the pluggable sync protocol contract (spec §6). A single
// SyncProtocol value is configured per engine and used for every (peer,
// topic) session; it owns its own wire format, including how Topic values
// are serialised onto and decoded off the stream during the handshake.
type SyncProtocol interface {
	Name() string
	// Initiate runs the initiator side of a session for topic over stream,
	// emitting SyncEvents on events. The first event must be
	// SyncHandshakeSuccess.
	Initiate(ctx context.Context, topic Topic, stream Stream, events chan<- SyncEvent) error
	// Accept runs the acceptor side of a session over stream. The protocol
	// learns the topic from the incoming handshake and reports it via the
	// first (SyncHandshakeSuccess) event.
	Accept(ctx context.Context, stream Stream, events chan<- SyncEvent) error
}

// ProtocolHandler is registered with the Connection Router under an ALPN
// (spec §4.6).
type ProtocolHandler interface {
	Accept(ctx context.Context, stream Stream) error
	// Open dials peerID for topic and returns the resulting stream. Only
	// meaningful for handlers that originate outbound sessions (the sync
	// handler); other handlers may return ErrProtocolError.
	Open(ctx context.Context, peerID PeerID, topic Topic) (Stream, error)
}
