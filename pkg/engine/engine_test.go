package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

// fakeDiscoveryFactoryProvider is a minimal DiscoveryProvider used to prove
// Builder.Discovery's factory receives the live Endpoint.
type fakeDiscoveryFactoryProvider struct{ boundEndpoint Endpoint }

func (p *fakeDiscoveryFactoryProvider) Name() string { return "fake" }

func (p *fakeDiscoveryFactoryProvider) Subscribe(_ context.Context, _ NetworkID) (<-chan DiscoveryEvent, error) {
	return make(chan DiscoveryEvent), nil
}

func (p *fakeDiscoveryFactoryProvider) UpdateLocalAddress(_ context.Context, _ NodeAddr) error {
	return nil
}

// bindingSyncHandler implements both ProtocolHandler and SyncBinder, just
// enough to prove Build hands it the endpoint/deliver/topics callbacks
// before anything else runs.
type bindingSyncHandler struct {
	bound    bool
	endpoint Endpoint
	deliver  func(context.Context, Topic, FromNetwork) bool
	topics   func() []Topic
}

func (h *bindingSyncHandler) BindEngine(endpoint Endpoint, deliver func(context.Context, Topic, FromNetwork) bool, topics func() []Topic) {
	h.bound = true
	h.endpoint = endpoint
	h.deliver = deliver
	h.topics = topics
}

func (h *bindingSyncHandler) Accept(_ context.Context, _ Stream) error { return nil }

func (h *bindingSyncHandler) Open(_ context.Context, _ PeerID, _ Topic) (Stream, error) {
	return nil, errors.New("not implemented")
}

type noopSyncProtocol struct{}

func (noopSyncProtocol) Name() string { return "noop" }
func (noopSyncProtocol) Initiate(context.Context, Topic, Stream, chan<- SyncEvent) error { return nil }
func (noopSyncProtocol) Accept(context.Context, Stream, chan<- SyncEvent) error           { return nil }

func TestBuilderDiscoveryFactoryReceivesLiveEndpoint(t *testing.T) {
	endpoint := &buildTestEndpoint{
		fakeEndpoint: fakeEndpoint{conns: make(chan Connecting, 1)},
		addrs:        []SocketAddress{"127.0.0.1:4242"},
	}
	provider := &fakeDiscoveryFactoryProvider{}

	b := testBuilder(endpoint, nil)
	b.Discovery(func(_ context.Context, got Endpoint) (DiscoveryProvider, error) {
		provider.boundEndpoint = got
		return provider, nil
	})

	eng, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer eng.Shutdown()

	if provider.boundEndpoint != Endpoint(endpoint) {
		t.Error("discovery factory did not receive the built endpoint")
	}
}

func TestBuilderSyncBinderReceivesEngineCollaborators(t *testing.T) {
	endpoint := &buildTestEndpoint{
		fakeEndpoint: fakeEndpoint{conns: make(chan Connecting, 1)},
		addrs:        []SocketAddress{"127.0.0.1:4242"},
	}
	handler := &bindingSyncHandler{}

	b := testBuilder(endpoint, nil)
	b.Sync(SyncConfig{Protocol: noopSyncProtocol{}, Handler: handler, ALPN: "/test/sync/1.0.0"})

	eng, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer eng.Shutdown()

	if !handler.bound {
		t.Fatal("SyncBinder.BindEngine was never called")
	}
	if handler.endpoint != Endpoint(endpoint) {
		t.Error("handler bound to the wrong endpoint")
	}
	if handler.deliver == nil || handler.topics == nil {
		t.Error("handler missing deliver/topics callbacks")
	}
}

// buildTestEndpoint embeds fakeEndpoint (router_test.go) and overrides
// DirectAddresses/NodeAddr so Build's startup wait can be driven directly.
type buildTestEndpoint struct {
	fakeEndpoint
	addrs []SocketAddress
	block bool
}

func (e *buildTestEndpoint) DirectAddresses(_ context.Context) <-chan []SocketAddress {
	ch := make(chan []SocketAddress, 1)
	if !e.block {
		ch <- e.addrs
	}
	return ch
}

func (e *buildTestEndpoint) NodeAddr() NodeAddr {
	return NodeAddr{DirectAddresses: e.addrs}
}

func testBuilder(endpoint Endpoint, overlayErr error) *Builder {
	b := NewBuilder(NetworkID{1})
	b.StartupTimeout(200 * time.Millisecond)
	b.Endpoint(func(_ context.Context, _ NetworkID, _ uint16, _ ed25519.PrivateKey, _ RelayMode) (Endpoint, error) {
		return endpoint, nil
	})
	b.Overlay(func(_ context.Context, _ Endpoint) (OverlayProvider, error) {
		if overlayErr != nil {
			return nil, overlayErr
		}
		return newFakeOverlayProvider(), nil
	})
	return b
}

func TestBuilderBuildSucceedsAndWiresComponents(t *testing.T) {
	endpoint := &buildTestEndpoint{
		fakeEndpoint: fakeEndpoint{conns: make(chan Connecting, 1)},
		addrs:        []SocketAddress{"127.0.0.1:4242"},
	}
	eng, err := testBuilder(endpoint, nil).Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v, want nil", err)
	}
	defer eng.Shutdown()

	var zero PeerID
	if eng.NodeID() == zero {
		t.Error("NodeID() = zero value, want a generated key's public half")
	}
	if got := eng.DirectAddresses(); len(got) != 1 || got[0] != "127.0.0.1:4242" {
		t.Errorf("DirectAddresses() = %v, want [127.0.0.1:4242]", got)
	}
	if len(eng.KnownPeers()) != 0 {
		t.Errorf("KnownPeers() = %v, want empty", eng.KnownPeers())
	}

	if err := eng.Shutdown(); err != nil {
		t.Errorf("Shutdown() = %v, want nil for a clean shutdown", err)
	}
}

func TestBuilderBuildRequiresEndpointFactory(t *testing.T) {
	b := NewBuilder(NetworkID{1})
	b.Overlay(func(_ context.Context, _ Endpoint) (OverlayProvider, error) {
		return newFakeOverlayProvider(), nil
	})
	if _, err := b.Build(context.Background()); !errors.Is(err, ErrNilConfig) {
		t.Errorf("Build() error = %v, want ErrNilConfig", err)
	}
}

func TestBuilderBuildRequiresOverlayFactory(t *testing.T) {
	endpoint := &buildTestEndpoint{fakeEndpoint: fakeEndpoint{conns: make(chan Connecting, 1)}}
	b := NewBuilder(NetworkID{1})
	b.Endpoint(func(_ context.Context, _ NetworkID, _ uint16, _ ed25519.PrivateKey, _ RelayMode) (Endpoint, error) {
		return endpoint, nil
	})
	if _, err := b.Build(context.Background()); !errors.Is(err, ErrNilConfig) {
		t.Errorf("Build() error = %v, want ErrNilConfig", err)
	}
}

func TestBuilderBuildFailsOnStartupTimeoutWithNoDirectAddress(t *testing.T) {
	endpoint := &buildTestEndpoint{
		fakeEndpoint: fakeEndpoint{conns: make(chan Connecting, 1)},
		block:        true,
	}
	_, err := testBuilder(endpoint, nil).Build(context.Background())
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Build() error = %v, want ErrStartupTimeout", err)
	}
}

func TestBuilderBuildFailsOnOverlayConstructionError(t *testing.T) {
	endpoint := &buildTestEndpoint{
		fakeEndpoint: fakeEndpoint{conns: make(chan Connecting, 1)},
		addrs:        []SocketAddress{"127.0.0.1:4242"},
	}
	wantErr := errors.New("overlay init failed")
	_, err := testBuilder(endpoint, wantErr).Build(context.Background())
	if !errors.Is(err, ErrOverlayJoin) {
		t.Fatalf("Build() error = %v, want wrapped ErrOverlayJoin", err)
	}
}

func TestEngineSubscribeAndAddPeer(t *testing.T) {
	endpoint := &buildTestEndpoint{
		fakeEndpoint: fakeEndpoint{conns: make(chan Connecting, 1)},
		addrs:        []SocketAddress{"127.0.0.1:4242"},
	}
	provider := newFakeOverlayProvider()
	b := NewBuilder(NetworkID{1})
	b.StartupTimeout(200 * time.Millisecond)
	b.Endpoint(func(_ context.Context, _ NetworkID, _ uint16, _ ed25519.PrivateKey, _ RelayMode) (Endpoint, error) {
		return endpoint, nil
	})
	b.Overlay(func(_ context.Context, _ Endpoint) (OverlayProvider, error) {
		return provider, nil
	})

	eng, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer eng.Shutdown()

	topic := stringTopic("chat")
	toApp, fromApp, ready, err := eng.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	_ = toApp
	_ = fromApp

	session := provider.session(topic.TopicID())
	session.neighbours <- PeerEvent{PeerID: PeerID{7}, Kind: PeerJoined}

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Error("ready never fired after a neighbour joined")
	}

	peer := NewPeerRecord(PeerID{9}, []SocketAddress{"10.0.0.1:1"}, "", SourceManual)
	if err := eng.AddPeer(peer); err != nil {
		t.Fatalf("AddPeer() error = %v", err)
	}
	known := eng.KnownPeers()
	found := false
	for _, r := range known {
		if r.PeerID == peer.PeerID {
			found = true
		}
	}
	if !found {
		t.Errorf("KnownPeers() = %v, want to contain %v", known, peer)
	}
}
