package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// subscription is one application's view of a Topic: the channels it was
// handed back from Subscribe, and the pump goroutines that move bytes
// between the app and the shared overlayHandle for its topic id.
type subscription struct {
	topic   Topic
	handle  *overlayHandle
	fromApp chan ToNetwork   // app -> engine, app closes to unsubscribe
	toApp   chan FromNetwork // engine -> app, engine closes on teardown
	ready   chan struct{}    // closed once this topic id has a neighbour

	sendMu sync.Mutex // guards toApp against send-after-close races
	closed bool
}

// send delivers msg to toApp, blocking until it fits, ctx is cancelled, or
// the subscription has already been torn down. Reports whether it was
// delivered.
func (s *subscription) send(ctx context.Context, msg FromNetwork) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.toApp <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// trySend is send's non-blocking variant, used for gossip fan-out where a
// full or torn-down sink should be dropped rather than waited on.
func (s *subscription) trySend(msg FromNetwork) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.toApp <- msg:
		return true
	default:
		return false
	}
}

// closeSink marks the subscription torn down and closes toApp, mutually
// excluded against any in-flight send.
func (s *subscription) closeSink() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.toApp)
}

// overlayHandle is the shared OverlaySession backing every subscription
// whose Topic projects onto the same TopicID — several logical topics may
// ride one gossip overlay (spec §4.2), so joins are ref-counted and the
// session is left only when the last subscriber detaches.
type overlayHandle struct {
	topicID      [32]byte
	session      OverlaySession
	refCount     int
	hasNeighbour bool
	subs         map[Topic]*subscription
}

// TopicRegistry owns the mapping from application Topic identity to gossip
// overlay membership (spec §4.2). It is the GossipDeliverer the Gossip
// Buffer fans messages out through, and the source of the ready-signal and
// neighbour-driven Address Book updates.
//
// Construction order breaks the cycle with GossipBuffer: build the buffer
// first (deliverer nil), build the registry holding a reference to it, then
// call buffer.SetDeliverer(registry).
type TopicRegistry struct {
	mu       sync.Mutex
	subs     map[Topic]*subscription
	handles  map[[32]byte]*overlayHandle
	provider OverlayProvider
	book     *AddressBook
	buffer   *GossipBuffer
	logger   *slog.Logger

	changeMu sync.Mutex
	waiters  []chan struct{}
}

// NewTopicRegistry constructs a TopicRegistry. Pass the same GossipBuffer
// to buffer.SetDeliverer(registry) once construction completes.
func NewTopicRegistry(provider OverlayProvider, book *AddressBook, buffer *GossipBuffer, logger *slog.Logger) *TopicRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopicRegistry{
		subs:     make(map[Topic]*subscription),
		handles:  make(map[[32]byte]*overlayHandle),
		provider: provider,
		book:     book,
		buffer:   buffer,
		logger:   logger,
	}
}

// Subscribe joins topic's gossip overlay (or attaches to an already-joined
// one sharing its TopicID), and returns the three channels the application
// uses for the lifetime of the subscription: a send-only sink for outbound
// messages (close it to unsubscribe), a receive-only source of inbound
// events, and a one-shot "ready" signal closed once the overlay reports a
// neighbour — or immediately, if one is already known (spec §4.2, §6).
func (r *TopicRegistry) Subscribe(ctx context.Context, topic Topic) (chan<- ToNetwork, <-chan FromNetwork, <-chan struct{}, error) {
	r.mu.Lock()
	if _, exists := r.subs[topic]; exists {
		r.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("topic already subscribed: %w", ErrAlreadySubscribed)
	}

	topicID := topic.TopicID()
	h, ok := r.handles[topicID]
	if !ok {
		session, err := r.provider.Join(ctx, topicID)
		if err != nil {
			r.mu.Unlock()
			return nil, nil, nil, fmt.Errorf("joining overlay for topic: %w", errors.Join(ErrOverlayJoin, err))
		}
		h = &overlayHandle{
			topicID: topicID,
			session: session,
			subs:    make(map[Topic]*subscription),
		}
		r.handles[topicID] = h
		go r.pumpMessages(h)
		go r.pumpNeighbours(h)
	}
	h.refCount++

	sub := &subscription{
		topic:   topic,
		handle:  h,
		fromApp: make(chan ToNetwork, 1),
		toApp:   make(chan FromNetwork, 64),
		ready:   make(chan struct{}),
	}
	r.subs[topic] = sub
	h.subs[topic] = sub
	if h.hasNeighbour {
		close(sub.ready)
	}
	r.mu.Unlock()
	r.notify()

	go r.pumpOutbound(ctx, sub)

	return sub.fromApp, sub.toApp, sub.ready, nil
}

// Topics returns the Topic identities currently subscribed, a snapshot for
// the Sync Scheduler's candidate-set computation.
func (r *TopicRegistry) Topics() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Topic, 0, len(r.subs))
	for t := range r.subs {
		out = append(out, t)
	}
	return out
}

// DeliverToTopic sends msg directly to the subscription for this exact
// Topic identity (not merely its TopicID) — used by the Sync Scheduler to
// deliver SyncMessage events to the one subscription a session belongs to,
// as opposed to Deliver's topic-id-wide gossip fan-out. Blocks until sent,
// ctx cancelled, or the subscription is torn down (reports false).
func (r *TopicRegistry) DeliverToTopic(ctx context.Context, topic Topic, msg FromNetwork) bool {
	r.mu.Lock()
	sub, ok := r.subs[topic]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return sub.send(ctx, msg)
}

// Changes returns a channel that receives a coalesced signal whenever a
// subscription is added or removed — the Sync Scheduler uses it to
// recompute its candidate set.
func (r *TopicRegistry) Changes() <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.changeMu.Lock()
	r.waiters = append(r.waiters, ch)
	r.changeMu.Unlock()
	return ch
}

// UnsubscribeChanges stops delivering Changes() notifications on ch.
func (r *TopicRegistry) UnsubscribeChanges(ch <-chan struct{}) {
	r.changeMu.Lock()
	defer r.changeMu.Unlock()
	for i, w := range r.waiters {
		if w == ch {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

func (r *TopicRegistry) notify() {
	r.changeMu.Lock()
	defer r.changeMu.Unlock()
	for _, ch := range r.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// pumpOutbound forwards application messages into the shared overlay
// session until the app closes its sink, at which point the subscription
// is torn down.
func (r *TopicRegistry) pumpOutbound(ctx context.Context, sub *subscription) {
	for {
		select {
		case msg, ok := <-sub.fromApp:
			if !ok {
				r.unsubscribe(sub)
				return
			}
			if err := sub.handle.session.Broadcast(ctx, msg.Bytes); err != nil {
				r.logger.Warn("broadcast failed", "error", err)
			}
		case <-ctx.Done():
			r.unsubscribe(sub)
			return
		}
	}
}

// pumpMessages forwards overlay traffic into the Gossip Buffer, which in
// turn calls back into Deliver to fan it out to every subscription sharing
// this handle's topic id.
func (r *TopicRegistry) pumpMessages(h *overlayHandle) {
	for m := range h.session.Messages() {
		r.buffer.Ingest(context.Background(), h.topicID, m.Bytes, m.DeliveredFrom)
	}
}

// pumpNeighbours records neighbour joins in the Address Book and fires the
// ready signal for every subscription on this handle the first time one
// arrives.
func (r *TopicRegistry) pumpNeighbours(h *overlayHandle) {
	for ev := range h.session.Neighbours() {
		if ev.Kind != PeerJoined {
			continue
		}
		r.book.InsertOrMerge(NewPeerRecord(ev.PeerID, nil, "", SourceGossipNeighbour))

		r.mu.Lock()
		if !h.hasNeighbour {
			h.hasNeighbour = true
			for _, sub := range h.subs {
				select {
				case <-sub.ready:
				default:
					close(sub.ready)
				}
			}
		}
		r.mu.Unlock()
	}
}

// Deliver implements GossipDeliverer: fan out a buffered or live message to
// every subscription sharing topicID.
func (r *TopicRegistry) Deliver(_ context.Context, topicID [32]byte, msg FromNetwork) {
	r.mu.Lock()
	h, ok := r.handles[topicID]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	r.mu.Unlock()

	for _, sub := range targets {
		if !sub.trySend(msg) {
			r.logger.Warn("subscriber sink full or closed, dropping gossip message", "topic_id", topicIDCID(topicID))
		}
	}
}

// unsubscribe tears sub down: detaches it from its overlayHandle, and when
// the last subscriber on a topic id leaves, discards any buffered state and
// leaves the underlying overlay session.
func (r *TopicRegistry) unsubscribe(sub *subscription) {
	r.mu.Lock()
	delete(r.subs, sub.topic)
	h := sub.handle
	delete(h.subs, sub.topic)
	h.refCount--
	last := h.refCount == 0
	if last {
		delete(r.handles, h.topicID)
	}
	r.mu.Unlock()
	r.notify()

	sub.closeSink()

	if last {
		r.buffer.Discard(h.topicID)
		if err := h.session.Leave(); err != nil {
			r.logger.Warn("leaving overlay", "error", err)
		}
	}
}

// Subscriptions reports the number of live subscriptions, for diagnostics.
func (r *TopicRegistry) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
