package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	closed bool
}

func (s *fakeStream) Read(p []byte) (int, error)  { return 0, io.EOF }
func (s *fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *fakeStream) CloseWrite() error           { return nil }
func (s *fakeStream) Close() error                { s.closed = true; return nil }

// fakeProtocolHandler always succeeds opening a stream unless dialErr is set.
// opened records every dial attempt, failed ones included.
type fakeProtocolHandler struct {
	mu      sync.Mutex
	dialErr error
	opened  []PeerID
}

func (h *fakeProtocolHandler) Accept(_ context.Context, _ Stream) error { return nil }

func (h *fakeProtocolHandler) Open(_ context.Context, peerID PeerID, _ Topic) (Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, peerID)
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	return &fakeStream{}, nil
}

// scriptedProtocol emits a fixed sequence of events then returns a fixed
// error, ignoring the handshake contents beyond reporting the topic it was
// asked to initiate for.
type scriptedProtocol struct {
	mu        sync.Mutex
	reportTopic Topic // if nil, echoes the topic passed to Initiate
	dataEvents  []SyncEvent
	finalErr    error
	initiated   int
}

func (p *scriptedProtocol) Name() string { return "scripted" }

func (p *scriptedProtocol) Initiate(ctx context.Context, topic Topic, _ Stream, events chan<- SyncEvent) error {
	p.mu.Lock()
	p.initiated++
	reportTopic := p.reportTopic
	if reportTopic == nil {
		reportTopic = topic
	}
	p.mu.Unlock()

	select {
	case events <- SyncEvent{Kind: SyncHandshakeSuccess, Topic: reportTopic}:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, ev := range p.dataEvents {
		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.finalErr
}

func (p *scriptedProtocol) Accept(_ context.Context, _ Stream, _ chan<- SyncEvent) error { return nil }

func newTestSchedulerDeps() (*AddressBook, *TopicRegistry, *GossipBuffer) {
	book := NewAddressBook()
	buffer := NewGossipBuffer(16, nil, nil)
	provider := newFakeOverlayProvider()
	registry := NewTopicRegistry(provider, book, buffer, nil)
	buffer.SetDeliverer(registry)
	return book, registry, buffer
}

func TestSyncSchedulerPromotesAndCompletesSuccessfully(t *testing.T) {
	book, registry, buffer := newTestSchedulerDeps()
	topic := stringTopic("sync-topic")
	sink, source, _, err := registry.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer close(sink)

	book.InsertOrMerge(NewPeerRecord(peerID(2), []SocketAddress{"10.0.0.2:4001"}, "", SourceBootstrap))

	handler := &fakeProtocolHandler{}
	protocol := &scriptedProtocol{
		dataEvents: []SyncEvent{{Kind: SyncData, Header: []byte("h"), Payload: []byte("p")}},
	}

	sched := NewSyncScheduler(peerID(1), book, registry, handler, protocol, buffer, 4, 2*time.Second, nil, nil, nil)
	sched.Start(context.Background())
	defer sched.Stop()

	select {
	case msg := <-source:
		if string(msg.Header) != "h" || string(msg.Payload) != "p" {
			t.Errorf("unexpected sync message: %+v", msg)
		}
		if msg.Kind != KindSyncMessage {
			t.Errorf("Kind = %v, want KindSyncMessage", msg.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a SyncMessage to be delivered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sched.ActiveSessions() != 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if sched.ActiveSessions() != 0 {
		t.Error("expected session to terminate and release its active slot")
	}
}

func TestSyncSchedulerTopicMismatchIsTerminalAndNeverRetried(t *testing.T) {
	book, registry, buffer := newTestSchedulerDeps()
	topic := stringTopic("mismatch-topic")
	sink, _, _, err := registry.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer close(sink)

	book.InsertOrMerge(NewPeerRecord(peerID(3), nil, "", SourceBootstrap))

	handler := &fakeProtocolHandler{}
	protocol := &scriptedProtocol{reportTopic: stringTopic("some-other-topic")}
	resync := &ResyncPolicy{Interval: 10 * time.Millisecond, MaxAttempts: 5}

	sched := NewSyncScheduler(peerID(1), book, registry, handler, protocol, buffer, 4, time.Second, resync, nil, nil)
	sched.Start(context.Background())
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.opened)
		handler.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// give the retry timer, if it were armed, a chance to fire.
	time.Sleep(200 * time.Millisecond)

	handler.mu.Lock()
	opened := len(handler.opened)
	handler.mu.Unlock()
	if opened != 1 {
		t.Errorf("dial count = %d, want exactly 1 (TopicMismatch must never be retried)", opened)
	}
}

func TestSyncSchedulerRetriesTransportErrorUnderResyncPolicy(t *testing.T) {
	book, registry, buffer := newTestSchedulerDeps()
	topic := stringTopic("retry-topic")
	sink, _, _, err := registry.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer close(sink)

	book.InsertOrMerge(NewPeerRecord(peerID(4), nil, "", SourceBootstrap))

	handler := &fakeProtocolHandler{dialErr: errors.New("connection refused")}
	protocol := &scriptedProtocol{}
	resync := &ResyncPolicy{Interval: 20 * time.Millisecond, MaxAttempts: 3}

	sched := NewSyncScheduler(peerID(1), book, registry, handler, protocol, buffer, 4, time.Second, resync, nil, nil)
	sched.Start(context.Background())
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.opened)
		handler.mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	handler.mu.Lock()
	opened := len(handler.opened)
	handler.mu.Unlock()
	if opened < 3 {
		t.Errorf("dial count = %d, want at least max_attempts=3 retries", opened)
	}
}

func TestSyncSchedulerNoDuplicateInFlight(t *testing.T) {
	book, registry, buffer := newTestSchedulerDeps()
	topic := stringTopic("no-dup-topic")
	sink, _, _, err := registry.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer close(sink)

	book.InsertOrMerge(NewPeerRecord(peerID(5), nil, "", SourceBootstrap))

	handler := &fakeProtocolHandler{}
	block := make(chan struct{})
	protocol := &blockingProtocol{release: block}

	sched := NewSyncScheduler(peerID(1), book, registry, handler, protocol, buffer, 4, 5*time.Second, nil, nil, nil)
	sched.Start(context.Background())
	defer func() {
		close(block)
		sched.Stop()
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sched.ActiveSessions() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if sched.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1", sched.ActiveSessions())
	}

	// force several more ticks while the session is still in flight.
	time.Sleep(100 * time.Millisecond)
	handler.mu.Lock()
	opened := len(handler.opened)
	handler.mu.Unlock()
	if opened != 1 {
		t.Errorf("dial count = %d, want exactly 1 while session is non-terminal", opened)
	}
}

type blockingProtocol struct {
	release chan struct{}
}

func (p *blockingProtocol) Name() string { return "blocking" }

func (p *blockingProtocol) Initiate(ctx context.Context, topic Topic, _ Stream, events chan<- SyncEvent) error {
	select {
	case events <- SyncEvent{Kind: SyncHandshakeSuccess, Topic: topic}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingProtocol) Accept(_ context.Context, _ Stream, _ chan<- SyncEvent) error { return nil }
