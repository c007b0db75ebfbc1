package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RelayMode selects whether the engine falls back to a relay/STUN node when
// a direct connection can't be established (spec §9's RelayMode, carried
// over from original_source's network.rs).
type RelayMode struct {
	URL      RelayURL
	StunOnly bool
	StunPort uint16
}

// Enabled reports whether a custom relay was configured.
func (r RelayMode) Enabled() bool { return r.URL != "" }

// GossipConfig configures the Gossip Buffer's hold discipline (spec §4.5).
type GossipConfig struct {
	// MaxBufferedPerTopic is the soft cap before the oldest buffered entry
	// is dropped. Zero means use a built-in default.
	MaxBufferedPerTopic int
}

func (g GossipConfig) maxBuffered() int {
	if g.MaxBufferedPerTopic <= 0 {
		return DefaultMaxBufferedPerTopic
	}
	return g.MaxBufferedPerTopic
}

// SyncConfig configures the Sync Scheduler (spec §4.4). Handler is
// registered with the Connection Router under ALPN and also used by the
// scheduler to dial outbound sessions; Protocol drives the handshake and
// data exchange itself.
type SyncConfig struct {
	Protocol       SyncProtocol
	Handler        ProtocolHandler
	ALPN           string
	Resync         *ResyncPolicy
	MaxConcurrent  int
	SessionTimeout time.Duration
}

// EndpointFactory binds the local transport endpoint. bindPort is the IPv4
// port; by convention the IPv6 socket binds to bindPort+1 (spec §6, §9).
type EndpointFactory func(ctx context.Context, networkID NetworkID, bindPort uint16, privateKey ed25519.PrivateKey, relay RelayMode) (Endpoint, error)

// OverlayFactory constructs the gossip overlay provider bound to an
// already-built endpoint.
type OverlayFactory func(ctx context.Context, endpoint Endpoint) (OverlayProvider, error)

// DiscoveryProviderFactory constructs a DiscoveryProvider bound to an
// already-built endpoint, mirroring OverlayFactory. A concrete discovery
// adapter (mDNS, DHT rendezvous) typically needs more than the Endpoint
// interface exposes — a way to seed its peerstore with newly-discovered
// addresses — so the factory is handed the transport-specific Endpoint
// value and is expected to type-assert it back to its concrete type.
type DiscoveryProviderFactory func(ctx context.Context, endpoint Endpoint) (DiscoveryProvider, error)

// SyncBinder lets a SyncConfig.Handler receive the live Endpoint and the
// means to deliver sync output to the Topic Registry once Build
// constructs them. It exists because Handler must be fully constructed
// before Build is called, but the Endpoint and TopicRegistry it needs to
// do its job are themselves created inside Build — the same
// construction-order problem GossipBuffer.SetDeliverer solves for the
// buffer/registry pair. Implementing it is optional: a ProtocolHandler
// with no need for engine-level access (a self-contained custom protocol
// registered via Builder.Protocol) can ignore it.
type SyncBinder interface {
	BindEngine(endpoint Endpoint, deliver func(ctx context.Context, topic Topic, msg FromNetwork) bool, topics func() []Topic)
}

type directAddress struct {
	peerID    PeerID
	addrs     []SocketAddress
	relayHint RelayURL
}

const (
	defaultBindPort    uint16        = 4242
	defaultStartupWait time.Duration = 5 * time.Second
	defaultSyncALPN    string        = "/p2pengine/sync/1.0.0"
)

// Builder assembles an Engine from its external collaborators and
// configuration (spec §6's build(config)). It mirrors original_source's
// NetworkBuilder<T>: a fluent, chained-method builder terminated by Build,
// rather than a single monolithic config struct, since several of its
// inputs (discovery providers, custom protocol handlers) are naturally
// plural and added incrementally.
type Builder struct {
	networkID   NetworkID
	bindPort    uint16
	privateKey  ed25519.PrivateKey
	relay       RelayMode
	directAddrs []directAddress

	discoveryFactories []DiscoveryProviderFactory
	gossip             GossipConfig
	sync      *SyncConfig
	protocols map[string]ProtocolHandler

	endpointFactory EndpointFactory
	overlayFactory  OverlayFactory

	startupWait time.Duration
	logger      *slog.Logger
	metrics     *Metrics
}

// NewBuilder returns a Builder for networkID. Peers only ever communicate
// with peers sharing the same networkID (spec §3).
func NewBuilder(networkID NetworkID) *Builder {
	return &Builder{
		networkID:   networkID,
		bindPort:    defaultBindPort,
		protocols:   make(map[string]ProtocolHandler),
		startupWait: defaultStartupWait,
	}
}

// BindPort sets or overwrites the local IPv4 bind port. The IPv6 socket
// binds to port+1 — the EndpointFactory is responsible for that split.
func (b *Builder) BindPort(port uint16) *Builder {
	b.bindPort = port
	return b
}

// PrivateKey sets the node's long-lived identity key. If never set, Build
// generates a fresh random key.
func (b *Builder) PrivateKey(key ed25519.PrivateKey) *Builder {
	b.privateKey = key
	return b
}

// Relay configures a relay/STUN fallback node.
func (b *Builder) Relay(mode RelayMode) *Builder {
	b.relay = mode
	return b
}

// DirectAddress pre-seeds the address book with a known peer's reachability
// hint, added once the endpoint is up (spec §6 direct_node_addresses).
func (b *Builder) DirectAddress(peerID PeerID, addrs []SocketAddress, relayHint RelayURL) *Builder {
	b.directAddrs = append(b.directAddrs, directAddress{peerID: peerID, addrs: addrs, relayHint: relayHint})
	return b
}

// Discovery adds a discovery strategy (mDNS, DHT rendezvous, bootstrap
// list, ...) to the Discovery Mux. factory runs once the transport
// endpoint is bound, so it can wire discovered addresses back into it.
func (b *Builder) Discovery(factory DiscoveryProviderFactory) *Builder {
	b.discoveryFactories = append(b.discoveryFactories, factory)
	return b
}

// Sync sets the sync protocol and its scheduling configuration. Sync
// sessions are only scheduled at all if this is called.
func (b *Builder) Sync(cfg SyncConfig) *Builder {
	b.sync = &cfg
	return b
}

// Gossip sets the Gossip Buffer's configuration.
func (b *Builder) Gossip(cfg GossipConfig) *Builder {
	b.gossip = cfg
	return b
}

// Protocol registers an additional, custom protocol handler under alpn with
// the Connection Router.
func (b *Builder) Protocol(alpn string, handler ProtocolHandler) *Builder {
	b.protocols[alpn] = handler
	return b
}

// Endpoint sets the factory used to bind the local transport endpoint.
// Required: Build fails without one.
func (b *Builder) Endpoint(factory EndpointFactory) *Builder {
	b.endpointFactory = factory
	return b
}

// Overlay sets the factory used to construct the gossip overlay provider.
// Required: Build fails without one.
func (b *Builder) Overlay(factory OverlayFactory) *Builder {
	b.overlayFactory = factory
	return b
}

// StartupTimeout overrides the default startup_direct_address_wait
// (spec §5), the time Build waits for at least one local direct address
// before giving up.
func (b *Builder) StartupTimeout(d time.Duration) *Builder {
	b.startupWait = d
	return b
}

// Logger sets the *slog.Logger handed down into every component.
func (b *Builder) Logger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Metrics overrides the Prometheus registry used by the engine. Mostly
// useful for tests that want an isolated registry; Build creates one of its
// own otherwise.
func (b *Builder) Metrics(m *Metrics) *Builder {
	b.metrics = m
	return b
}

// Build wires every component together, binds the transport endpoint,
// waits for at least one local direct address, seeds the address book with
// any configured direct addresses, and starts the engine's supervisor task
// running in the background. Build fails fatally — per spec §5's
// startup_direct_address_wait — if no direct address appears in time.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	if b.endpointFactory == nil {
		return nil, fmt.Errorf("engine: no transport endpoint factory configured: %w", ErrNilConfig)
	}
	if b.overlayFactory == nil {
		return nil, fmt.Errorf("engine: no overlay provider factory configured: %w", ErrNilConfig)
	}

	privateKey := b.privateKey
	if privateKey == nil {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("generating private key: %w", err)
		}
		privateKey = priv
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := b.metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	endpoint, err := b.endpointFactory(ctx, b.networkID, b.bindPort, privateKey, b.relay)
	if err != nil {
		return nil, fmt.Errorf("binding transport endpoint: %w", errors.Join(ErrTransportError, err))
	}

	overlay, err := b.overlayFactory(ctx, endpoint)
	if err != nil {
		_ = endpoint.Close(0, "build failed")
		return nil, fmt.Errorf("constructing overlay provider: %w", errors.Join(ErrOverlayJoin, err))
	}

	book := NewAddressBook()
	buffer := NewGossipBuffer(b.gossip.maxBuffered(), metrics, logger)
	registry := NewTopicRegistry(overlay, book, buffer, logger)
	buffer.SetDeliverer(registry)

	router := NewConnectionRouter(logger)
	for alpn, handler := range b.protocols {
		router.Register(alpn, handler)
	}

	selfID := peerIDFromPrivateKey(privateKey)

	var scheduler *SyncScheduler
	if b.sync != nil {
		alpn := b.sync.ALPN
		if alpn == "" {
			alpn = defaultSyncALPN
		}
		if binder, ok := b.sync.Handler.(SyncBinder); ok {
			binder.BindEngine(endpoint, registry.DeliverToTopic, registry.Topics)
		}
		scheduler = NewSyncScheduler(selfID, book, registry, b.sync.Handler, b.sync.Protocol, buffer,
			b.sync.MaxConcurrent, b.sync.SessionTimeout, b.sync.Resync, metrics, logger)
		router.Register(alpn, b.sync.Handler)
	} else {
		// No sync protocol configured: a disabled scheduler still exists so
		// the Supervisor has a uniform set of children, but doTick refuses
		// to compute or promote any candidate while protocol is nil.
		scheduler = NewSyncScheduler(selfID, book, registry, nil, nil, buffer, 1, time.Second, nil, metrics, logger)
	}

	discoveryProviders := make([]DiscoveryProvider, 0, len(b.discoveryFactories))
	for _, factory := range b.discoveryFactories {
		provider, err := factory(ctx, endpoint)
		if err != nil {
			_ = endpoint.Close(0, "build failed")
			return nil, fmt.Errorf("constructing discovery provider: %w", errors.Join(ErrTransportError, err))
		}
		discoveryProviders = append(discoveryProviders, provider)
	}

	mux := NewDiscoveryMux(discoveryProviders, book, b.networkID, metrics, logger)
	supervisor := NewSupervisor(endpoint, router, mux, scheduler, logger)

	go supervisor.Run(context.Background())

	if err := waitForDirectAddress(ctx, endpoint, b.startupWait); err != nil {
		_ = supervisor.Shutdown()
		return nil, err
	}

	for _, da := range b.directAddrs {
		book.InsertOrMerge(NewPeerRecord(da.peerID, da.addrs, da.relayHint, SourceBootstrap))
	}

	return &Engine{
		selfID:     selfID,
		endpoint:   endpoint,
		book:       book,
		registry:   registry,
		buffer:     buffer,
		mux:        mux,
		scheduler:  scheduler,
		router:     router,
		supervisor: supervisor,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// waitForDirectAddress blocks until the endpoint reports at least one
// direct address, wait elapses, or ctx is cancelled (spec §5
// startup_direct_address_wait, §6 build(config)).
func waitForDirectAddress(ctx context.Context, endpoint Endpoint, wait time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	addrs := endpoint.DirectAddresses(waitCtx)
	select {
	case got, ok := <-addrs:
		if !ok || len(got) == 0 {
			return fmt.Errorf("no local direct address observed within %s: %w", wait, ErrStartupTimeout)
		}
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("waiting for local direct address: %w", ErrStartupTimeout)
	}
}

func peerIDFromPrivateKey(key ed25519.PrivateKey) PeerID {
	pub, ok := key.Public().(ed25519.PublicKey)
	var id PeerID
	if !ok {
		return id
	}
	copy(id[:], pub)
	return id
}

// Engine is the running peer-to-peer node: the public API surface of
// spec §6, backed by the components Build wired together.
type Engine struct {
	selfID   PeerID
	endpoint Endpoint

	book      *AddressBook
	registry  *TopicRegistry
	buffer    *GossipBuffer
	mux       *DiscoveryMux
	scheduler *SyncScheduler
	router    *ConnectionRouter

	supervisor *Supervisor
	metrics    *Metrics
	logger     *slog.Logger
}

// Subscribe joins topic's gossip overlay (or attaches to an already-joined
// one) and returns the application's three endpoints: a sink for outbound
// messages, a source of inbound events, and a one-shot ready signal.
func (e *Engine) Subscribe(ctx context.Context, topic Topic) (chan<- ToNetwork, <-chan FromNetwork, <-chan struct{}, error) {
	return e.registry.Subscribe(ctx, topic)
}

// AddPeer inserts or merges a peer record into the address book (spec §6
// add_peer).
func (e *Engine) AddPeer(rec PeerRecord) error {
	e.book.InsertOrMerge(rec)
	return nil
}

// KnownPeers returns every known peer record, ordered by last_seen
// descending.
func (e *Engine) KnownPeers() []PeerRecord {
	return e.book.List()
}

// DirectAddresses returns the local node's current direct addresses.
func (e *Engine) DirectAddresses() []SocketAddress {
	return e.endpoint.NodeAddr().DirectAddresses
}

// NodeID returns the local node's peer id.
func (e *Engine) NodeID() PeerID {
	return e.selfID
}

// Metrics returns the engine's Prometheus registry, for an application
// wanting to expose it alongside its own.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Shutdown triggers cancellation of every child task and blocks until the
// Supervisor has fully torn down (spec §5, §6 shutdown()).
func (e *Engine) Shutdown() error {
	return e.supervisor.Shutdown()
}
