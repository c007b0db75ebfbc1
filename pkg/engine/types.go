// Package engine implements the core peer-to-peer networking runtime: the
// in-process state machine that maintains the address book, manages topic
// subscriptions and gossip overlays, schedules sync sessions against a
// pluggable protocol, and enforces the gossip-buffering discipline that
// orders late-arriving live messages behind an in-progress sync.
//
// The encrypted datagram transport, the broadcast overlay primitive,
// discovery providers, and the sync protocol itself are external
// collaborators, consumed here only through the interfaces in
// interfaces.go — see pkg/transport, pkg/overlay, pkg/discovery and
// pkg/syncproto for concrete adapters.
package engine

import (
	"fmt"
	"time"
)

// PeerID is a 32-byte public key identifying a peer. It is totally ordered
// by byte comparison and used as a stable identity throughout the engine.
type PeerID [32]byte

// String renders the peer id as lowercase hex.
func (p PeerID) String() string {
	return fmt.Sprintf("%x", p[:])
}

// Less reports whether p sorts before o under the byte-comparison total
// order spec §3 requires for PeerId.
func (p PeerID) Less(o PeerID) bool {
	for i := range p {
		if p[i] != o[i] {
			return p[i] < o[i]
		}
	}
	return false
}

// NetworkID scopes which peers may communicate with each other; the
// Discovery Mux is parameterised by it.
type NetworkID [32]byte

func (n NetworkID) String() string { return fmt.Sprintf("%x", n[:]) }

// RelayURL is the address of a rendezvous/relay node usable as a
// connectivity fallback when direct addressing fails.
type RelayURL string

// SocketAddress is a textual "host:port" reachability hint. Kept as a
// string (rather than net.Addr) so PeerRecord stays a plain, comparable,
// serialisable value — the Address Book never interprets these, it only
// stores, merges and hands them to the transport for dialing.
type SocketAddress string

// Topic is the application-defined identity of a gossip/sync topic.
//
// Implementations must be comparable (usable with == and as a map key) —
// the Topic Registry uses topic identity directly as a map key to preserve
// the application's notion of "same topic" even when two distinct Topic
// values project to the same TopicID (several logical topics may ride one
// gossip overlay; the engine must never collapse that distinction). Build
// Topic implementations out of comparable fields only (strings, fixed-size
// arrays, or other comparable structs) — never slices, maps or funcs.
type Topic interface {
	// TopicID projects the topic onto the 32-byte key used to join the
	// underlying gossip overlay.
	TopicID() [32]byte
}

// PeerSource records where an Address Book learned about a peer. All
// sources observed for a peer are retained; DisplaySource reports the
// highest-precedence one.
type PeerSource int

const (
	SourceGossipNeighbour PeerSource = iota
	SourceDiscovery
	SourceBootstrap
	SourceManual
)

func (s PeerSource) String() string {
	switch s {
	case SourceManual:
		return "manual"
	case SourceBootstrap:
		return "bootstrap"
	case SourceDiscovery:
		return "discovery"
	case SourceGossipNeighbour:
		return "gossip-neighbour"
	default:
		return "unknown"
	}
}

// PeerRecord is the Address Book's entry for one peer (spec §3).
type PeerRecord struct {
	PeerID          PeerID
	DirectAddresses map[SocketAddress]struct{}
	RelayHint       RelayURL // empty means "none"
	LastSeen        time.Time
	Sources         map[PeerSource]struct{}
}

// NewPeerRecord builds a single-source PeerRecord ready to be merged into
// the Address Book.
func NewPeerRecord(peerID PeerID, addrs []SocketAddress, relayHint RelayURL, source PeerSource) PeerRecord {
	set := make(map[SocketAddress]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return PeerRecord{
		PeerID:          peerID,
		DirectAddresses: set,
		RelayHint:       relayHint,
		LastSeen:        time.Now(),
		Sources:         map[PeerSource]struct{}{source: {}},
	}
}

// DisplaySource returns the highest-precedence source recorded for this
// peer, per spec §4.1's precedence: manual > bootstrap > discovery >
// gossip-neighbour.
func (r PeerRecord) DisplaySource() PeerSource {
	for _, s := range []PeerSource{SourceManual, SourceBootstrap, SourceDiscovery, SourceGossipNeighbour} {
		if _, ok := r.Sources[s]; ok {
			return s
		}
	}
	return SourceGossipNeighbour
}

// AddressList returns the direct addresses as an independent slice, in no
// particular order.
func (r PeerRecord) AddressList() []SocketAddress {
	out := make([]SocketAddress, 0, len(r.DirectAddresses))
	for a := range r.DirectAddresses {
		out = append(out, a)
	}
	return out
}

// SyncDirection distinguishes which side of a sync session a peer played.
type SyncDirection int

const (
	DirectionInitiator SyncDirection = iota
	DirectionAcceptor
)

// SyncState is the lifecycle state of a SyncSession (spec §4.4).
type SyncState int

const (
	StatePending SyncState = iota
	StateHandshaking
	StateTransferring
	StateDraining
	StateDone
	StateFailed
)

func (s SyncState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateHandshaking:
		return "handshaking"
	case StateTransferring:
		return "transferring"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal SyncSession state.
func (s SyncState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ToNetwork is a message the application wants broadcast on a topic.
type ToNetwork struct {
	Bytes []byte
}

// FromNetworkKind distinguishes the two FromNetwork event shapes.
type FromNetworkKind int

const (
	KindGossipMessage FromNetworkKind = iota
	KindSyncMessage
)

// FromNetwork is an event delivered to the application on a subscription
// (spec §6). Exactly one of the GossipMessage/SyncMessage shapes is
// populated, selected by Kind.
type FromNetwork struct {
	Kind          FromNetworkKind
	Bytes         []byte // GossipMessage payload
	Header        []byte // SyncMessage header
	Payload       []byte // SyncMessage payload (may be nil)
	DeliveredFrom PeerID
}

// GossipMessage constructs a FromNetwork carrying live overlay traffic.
func GossipMessage(bytes []byte, from PeerID) FromNetwork {
	return FromNetwork{Kind: KindGossipMessage, Bytes: bytes, DeliveredFrom: from}
}

// SyncMessage constructs a FromNetwork carrying sync-session output.
func SyncMessage(header, payload []byte, from PeerID) FromNetwork {
	return FromNetwork{Kind: KindSyncMessage, Header: header, Payload: payload, DeliveredFrom: from}
}

// GossipBufferEntry is a single message held by the Gossip Buffer while a
// sync session is non-terminal for its topic id (spec §3).
type GossipBufferEntry struct {
	TopicID       [32]byte
	Payload       []byte
	DeliveredFrom PeerID
	EnqueuedAt    time.Time
}
