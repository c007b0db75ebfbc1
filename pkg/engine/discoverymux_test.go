package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeDiscoveryProvider struct {
	name       string
	events     chan DiscoveryEvent
	subscribed chan struct{}
	subErr     error
	updates    chan NodeAddr
}

func newFakeDiscoveryProvider(name string) *fakeDiscoveryProvider {
	return &fakeDiscoveryProvider{
		name:       name,
		events:     make(chan DiscoveryEvent, 8),
		subscribed: make(chan struct{}, 1),
		updates:    make(chan NodeAddr, 8),
	}
}

func (p *fakeDiscoveryProvider) Name() string { return p.name }

func (p *fakeDiscoveryProvider) Subscribe(_ context.Context, _ NetworkID) (<-chan DiscoveryEvent, error) {
	if p.subErr != nil {
		return nil, p.subErr
	}
	select {
	case p.subscribed <- struct{}{}:
	default:
	}
	return p.events, nil
}

func (p *fakeDiscoveryProvider) UpdateLocalAddress(_ context.Context, addr NodeAddr) error {
	p.updates <- addr
	return nil
}

func TestDiscoveryMuxFansInPeerRecords(t *testing.T) {
	book := NewAddressBook()
	p1 := newFakeDiscoveryProvider("mdns")
	p2 := newFakeDiscoveryProvider("dht")
	mux := NewDiscoveryMux([]DiscoveryProvider{p1, p2}, book, NetworkID{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux.Start(ctx)
	defer mux.Stop()

	p1.events <- DiscoveryEvent{Record: NewPeerRecord(peerID(1), nil, "", SourceDiscovery)}
	p2.events <- DiscoveryEvent{Record: NewPeerRecord(peerID(2), nil, "", SourceDiscovery)}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if book.Len() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if book.Len() != 2 {
		t.Fatalf("book.Len() = %d, want 2", book.Len())
	}
}

func TestDiscoveryMuxIsolatesProviderErrors(t *testing.T) {
	book := NewAddressBook()
	bad := newFakeDiscoveryProvider("broken")
	bad.subErr = errors.New("boom")
	good := newFakeDiscoveryProvider("good")
	mux := NewDiscoveryMux([]DiscoveryProvider{bad, good}, book, NetworkID{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux.Start(ctx)
	defer mux.Stop()

	good.events <- DiscoveryEvent{Record: NewPeerRecord(peerID(3), nil, "", SourceDiscovery)}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if book.Len() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if book.Len() != 1 {
		t.Fatalf("expected good provider's record despite bad provider's subscribe error, book.Len() = %d", book.Len())
	}
}

func TestDiscoveryMuxIgnoresProviderLevelErrorEvent(t *testing.T) {
	book := NewAddressBook()
	p := newFakeDiscoveryProvider("flaky")
	mux := NewDiscoveryMux([]DiscoveryProvider{p}, book, NetworkID{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux.Start(ctx)
	defer mux.Stop()

	p.events <- DiscoveryEvent{Err: errors.New("transient lookup failure")}
	p.events <- DiscoveryEvent{Record: NewPeerRecord(peerID(4), nil, "", SourceDiscovery)}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if book.Len() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if book.Len() != 1 {
		t.Fatalf("expected mux to survive an error event and still deliver the next record, book.Len() = %d", book.Len())
	}
}

func TestDiscoveryMuxUpdateLocalAddressBroadcasts(t *testing.T) {
	book := NewAddressBook()
	p1 := newFakeDiscoveryProvider("mdns")
	p2 := newFakeDiscoveryProvider("dht")
	mux := NewDiscoveryMux([]DiscoveryProvider{p1, p2}, book, NetworkID{}, nil, nil)

	addr := NodeAddr{PeerID: peerID(7), DirectAddresses: []SocketAddress{"10.0.0.1:4001"}}
	mux.UpdateLocalAddress(context.Background(), addr)

	select {
	case got := <-p1.updates:
		if got.PeerID != addr.PeerID {
			t.Errorf("p1 got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected p1 to receive address update")
	}
	select {
	case got := <-p2.updates:
		if got.PeerID != addr.PeerID {
			t.Errorf("p2 got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected p2 to receive address update")
	}
}
