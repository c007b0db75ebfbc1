package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxBufferedPerTopic is the soft cap on GossipBuffer entries held
// for a single topic id before the oldest entry is dropped (spec §4.5).
const DefaultMaxBufferedPerTopic = 1024

// GossipDeliverer is the fan-out target a GossipBuffer releases messages
// into — implemented by the Topic Registry. Delivery may block (e.g. on a
// full subscription sink); callers should race it against ctx.
type GossipDeliverer interface {
	Deliver(ctx context.Context, topicID [32]byte, msg FromNetwork)
}

type topicBuffer struct {
	mu        sync.Mutex
	holdCount int
	entries   []GossipBufferEntry
}

// GossipBuffer implements the per-topic hold-then-release buffer of spec
// §4.5: while a sync session is non-terminal for a topic id, live overlay
// traffic for that id is queued instead of delivered; when the hold count
// returns to zero, the queue flushes in arrival order before any further
// live message reaches the application.
//
// Each topic id has its own mutex, so a slow or backed-up subscriber on one
// topic never blocks delivery on another.
type GossipBuffer struct {
	mu                  sync.Mutex
	topics              map[[32]byte]*topicBuffer
	maxBufferedPerTopic int
	deliverer           GossipDeliverer
	metrics             *Metrics
	logger              *slog.Logger

	droppedMu sync.Mutex
	dropped   map[[32]byte]uint64
}

// NewGossipBuffer constructs a GossipBuffer. deliverer may be nil at
// construction time and set later via SetDeliverer (breaks the
// Registry<->Buffer construction cycle, spec §9's "cyclic ownership" note).
func NewGossipBuffer(maxBufferedPerTopic int, metrics *Metrics, logger *slog.Logger) *GossipBuffer {
	if maxBufferedPerTopic <= 0 {
		maxBufferedPerTopic = DefaultMaxBufferedPerTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GossipBuffer{
		topics:              make(map[[32]byte]*topicBuffer),
		maxBufferedPerTopic: maxBufferedPerTopic,
		metrics:             metrics,
		logger:              logger,
		dropped:             make(map[[32]byte]uint64),
	}
}

// SetDeliverer wires the fan-out target. Must be called before any
// Ingest/EndHold activity for delivery to actually occur.
func (b *GossipBuffer) SetDeliverer(d GossipDeliverer) {
	b.mu.Lock()
	b.deliverer = d
	b.mu.Unlock()
}

func (b *GossipBuffer) get(topicID [32]byte) *topicBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	tb, ok := b.topics[topicID]
	if !ok {
		tb = &topicBuffer{}
		b.topics[topicID] = tb
	}
	return tb
}

// BeginHold increments the hold counter for topicID. Called when a
// SyncSession for that topic id enters the pending state.
func (b *GossipBuffer) BeginHold(topicID [32]byte) {
	tb := b.get(topicID)
	tb.mu.Lock()
	tb.holdCount++
	tb.mu.Unlock()
}

// EndHold decrements the hold counter for topicID. When it reaches zero,
// the entire buffer for that topic id is flushed, in arrival order, before
// EndHold returns — guaranteeing it happens before any live message whose
// Ingest call starts after EndHold releases the topic's lock.
func (b *GossipBuffer) EndHold(ctx context.Context, topicID [32]byte) {
	tb := b.get(topicID)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.holdCount > 0 {
		tb.holdCount--
	}
	if tb.holdCount > 0 {
		return
	}

	entries := tb.entries
	tb.entries = nil
	for _, e := range entries {
		b.deliverLocked(ctx, e)
	}
}

// Ingest hands a live overlay message to the buffer. If the topic id's hold
// counter is zero, it is delivered immediately; otherwise it is queued,
// subject to the soft cap (oldest dropped on overflow).
func (b *GossipBuffer) Ingest(ctx context.Context, topicID [32]byte, payload []byte, deliveredFrom PeerID) {
	tb := b.get(topicID)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	entry := GossipBufferEntry{
		TopicID:       topicID,
		Payload:       payload,
		DeliveredFrom: deliveredFrom,
		EnqueuedAt:    time.Now(),
	}

	if tb.holdCount == 0 {
		b.deliverLocked(ctx, entry)
		return
	}

	tb.entries = append(tb.entries, entry)
	if len(tb.entries) > b.maxBufferedPerTopic {
		tb.entries = tb.entries[1:]
		b.recordDrop(topicID)
	}
	if b.metrics != nil {
		b.metrics.GossipBufferDepth.WithLabelValues(topicIDCID(topicID)).Set(float64(len(tb.entries)))
	}
}

func (b *GossipBuffer) recordDrop(topicID [32]byte) {
	b.droppedMu.Lock()
	b.dropped[topicID]++
	b.droppedMu.Unlock()
	b.logger.Warn("gossip buffer overflow, dropping oldest entry", "topic_id", topicIDCID(topicID))
	if b.metrics != nil {
		b.metrics.GossipBufferDropped.WithLabelValues(topicIDCID(topicID)).Inc()
	}
}

// Dropped reports the total number of entries dropped for topicID due to
// overflow.
func (b *GossipBuffer) Dropped(topicID [32]byte) uint64 {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped[topicID]
}

// Discard drops all held and buffered state for topicID without
// delivering it — used on unsubscribe/shutdown (spec §4.4 cancellation:
// "Gossip Buffer is drained and discarded, no spurious late delivery").
func (b *GossipBuffer) Discard(topicID [32]byte) {
	tb := b.get(topicID)
	tb.mu.Lock()
	tb.holdCount = 0
	tb.entries = nil
	tb.mu.Unlock()

	if b.metrics != nil {
		b.metrics.GossipBufferDepth.WithLabelValues(topicIDCID(topicID)).Set(0)
	}
}

func (b *GossipBuffer) deliverLocked(ctx context.Context, e GossipBufferEntry) {
	b.mu.Lock()
	d := b.deliverer
	b.mu.Unlock()
	if d == nil {
		return
	}
	d.Deliver(ctx, e.TopicID, GossipMessage(e.Payload, e.DeliveredFrom))
}

