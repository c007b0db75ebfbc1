package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ResyncPolicy configures automatic retry of failed sync sessions
// (spec §4.4's ResyncConfiguration).
type ResyncPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

type candidateKey struct {
	peer  PeerID
	topic Topic
}

type candidateState struct {
	attempts  int
	resyncAt  time.Time // zero means eligible now
	dead      bool      // TopicMismatch: never retried
}

// SyncScheduler is the hardest subsystem (spec §4.4): it watches the
// Address Book and Topic Registry for candidates, promotes at most
// max_concurrent of them to running sessions under a strict no-duplicate-
// in-flight invariant, and drives each session through the
// pending/handshaking/transferring/draining/done-or-failed lifecycle.
type SyncScheduler struct {
	book     *AddressBook
	registry *TopicRegistry
	handler  ProtocolHandler
	protocol SyncProtocol
	buffer   *GossipBuffer
	metrics  *Metrics
	logger   *slog.Logger

	selfID         PeerID
	maxConcurrent  int
	sessionTimeout time.Duration
	resync         *ResyncPolicy

	// promoteLimiter paces how many candidates are promoted per second,
	// so a bulk reconnect (many peers becoming eligible at once) doesn't
	// dial every candidate in the same instant.
	promoteLimiter *rate.Limiter

	mu          sync.Mutex
	active      map[candidateKey]struct{}
	state       map[candidateKey]*candidateState
	tickGroup   singleflight.Group
	wg          sync.WaitGroup
	cancel      context.CancelFunc
	runCtx      context.Context
	completions chan struct{}
}

// NewSyncScheduler constructs a SyncScheduler. resync may be nil to disable
// retry of failed sessions entirely.
func NewSyncScheduler(
	selfID PeerID,
	book *AddressBook,
	registry *TopicRegistry,
	handler ProtocolHandler,
	protocol SyncProtocol,
	buffer *GossipBuffer,
	maxConcurrent int,
	sessionTimeout time.Duration,
	resync *ResyncPolicy,
	metrics *Metrics,
	logger *slog.Logger,
) *SyncScheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncScheduler{
		book:           book,
		registry:       registry,
		handler:        handler,
		protocol:       protocol,
		buffer:         buffer,
		metrics:        metrics,
		logger:         logger,
		selfID:         selfID,
		maxConcurrent:  maxConcurrent,
		sessionTimeout: sessionTimeout,
		resync:         resync,
		promoteLimiter: rate.NewLimiter(rate.Limit(5), 5),
		active:         make(map[candidateKey]struct{}),
		state:          make(map[candidateKey]*candidateState),
	}
}

// Start begins watching for candidates and scheduling sessions.
func (s *SyncScheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runCtx = ctx

	bookChanges := s.book.Changes()
	topicChanges := s.registry.Changes()
	completions := make(chan struct{}, 1)
	s.completions = completions

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.book.Unsubscribe(bookChanges)
		defer s.registry.UnsubscribeChanges(topicChanges)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-bookChanges:
				s.tick(ctx)
			case <-topicChanges:
				s.tick(ctx)
			case <-completions:
				s.tick(ctx)
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels every non-terminal session and waits for the scheduler loop
// to exit.
func (s *SyncScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// ActiveSessions reports how many sessions are currently non-terminal, for
// diagnostics and tests.
func (s *SyncScheduler) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// tick recomputes the candidate set and promotes up to the available
// concurrency slots. Concurrent triggers (book change, topic change,
// session completion, heartbeat) collapse into a single execution via
// singleflight, since they all resolve to the same recomputation.
func (s *SyncScheduler) tick(ctx context.Context) {
	_, _, _ = s.tickGroup.Do("tick", func() (any, error) {
		s.doTick(ctx)
		return nil, nil
	})
}

func (s *SyncScheduler) doTick(ctx context.Context) {
	if s.protocol == nil {
		return
	}
	s.mu.Lock()
	slots := s.maxConcurrent - len(s.active)
	s.mu.Unlock()
	if slots <= 0 {
		return
	}

	candidates := s.computeCandidates()
	if s.metrics != nil {
		s.metrics.CandidateSetSize.Set(float64(len(candidates)))
	}

	for _, c := range candidates {
		if slots <= 0 {
			break
		}
		if !s.promoteLimiter.Allow() {
			break
		}
		if s.promote(ctx, c) {
			slots--
		}
	}
}

// computeCandidates builds C = {(peer, topic)} per spec §4.4, excluding
// self, excluded (active/dead/not-yet-eligible-for-resync) entries, and
// orders it: never-attempted first, then lexicographic min of
// (topic_id, peer_id).
func (s *SyncScheduler) computeCandidates() []candidateKey {
	topics := s.registry.Topics()
	peers := s.book.List()

	now := time.Now()
	s.mu.Lock()
	var candidates []candidateKey
	for _, topic := range topics {
		for _, peer := range peers {
			if peer.PeerID == s.selfID {
				continue
			}
			key := candidateKey{peer: peer.PeerID, topic: topic}
			if _, busy := s.active[key]; busy {
				continue
			}
			st := s.state[key]
			if st != nil {
				if st.dead {
					continue
				}
				if !st.resyncAt.IsZero() && now.Before(st.resyncAt) {
					continue
				}
			}
			candidates = append(candidates, key)
		}
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := s.attemptsOf(candidates[i]), s.attemptsOf(candidates[j])
		if (ai == 0) != (aj == 0) {
			return ai == 0 // never-attempted sorts first
		}
		idI, idJ := candidates[i].topic.TopicID(), candidates[j].topic.TopicID()
		for k := range idI {
			if idI[k] != idJ[k] {
				return idI[k] < idJ[k]
			}
		}
		return candidates[i].peer.Less(candidates[j].peer)
	})
	return candidates
}

func (s *SyncScheduler) attemptsOf(key candidateKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[key]; ok {
		return st.attempts
	}
	return 0
}

// promote marks key active and starts its session goroutine. Returns false
// if key was raced onto the active set between candidate computation and
// promotion (e.g. by a just-finished retry scheduling itself).
func (s *SyncScheduler) promote(ctx context.Context, key candidateKey) bool {
	s.mu.Lock()
	if _, busy := s.active[key]; busy {
		s.mu.Unlock()
		return false
	}
	s.active[key] = struct{}{}
	if s.metrics != nil {
		s.metrics.SyncSessionsActive.Set(float64(len(s.active)))
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSession(ctx, key)
	return true
}

// runSession drives one (peer, topic) candidate through the full session
// lifecycle of spec §4.4.
func (s *SyncScheduler) runSession(ctx context.Context, key candidateKey) {
	defer s.wg.Done()

	sessionID := uuid.NewString()
	topicID := key.topic.TopicID()
	start := time.Now()
	log := s.logger.With("session_id", sessionID, "peer", peerIDCID(key.peer))

	// pending: begin holding gossip for this topic id.
	s.buffer.BeginHold(topicID)

	sessionCtx, cancel := context.WithTimeout(ctx, s.sessionTimeout)
	defer cancel()

	result := "failed"
	err := s.runHandshakeAndTransfer(sessionCtx, log, key, topicID)
	if err == nil || errors.Is(err, ErrChannelClosed) {
		result = "done"
	}

	// done or failed: release the hold and the active slot.
	s.buffer.EndHold(context.Background(), topicID)

	if s.metrics != nil {
		s.metrics.SyncSessionsTotal.WithLabelValues(result).Inc()
		s.metrics.SyncSessionDuration.Observe(time.Since(start).Seconds())
	}

	s.finish(key, err)

	select {
	case s.completions <- struct{}{}:
	default:
	}
}

// runHandshakeAndTransfer implements the handshaking/transferring/draining
// states. It returns nil on a successful, fully-drained session.
func (s *SyncScheduler) runHandshakeAndTransfer(ctx context.Context, log *slog.Logger, key candidateKey, topicID [32]byte) error {
	stream, err := s.handler.Open(ctx, key.peer, key.topic)
	if err != nil {
		log.Warn("sync dial failed", "error", err)
		return errors.Join(ErrTransportError, err)
	}
	defer stream.Close()

	events := make(chan SyncEvent, 8)
	initiateErr := make(chan error, 1)
	go func() {
		initiateErr <- s.protocol.Initiate(ctx, key.topic, stream, events)
		close(events)
	}()

	first := true
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return <-initiateErr
			}
			if first {
				first = false
				if ev.Kind != SyncHandshakeSuccess {
					return ErrProtocolError
				}
				if ev.Topic != key.topic {
					return ErrTopicMismatch
				}
				continue
			}
			if ev.Kind == SyncData {
				msg := SyncMessage(ev.Header, ev.Payload, key.peer)
				if !s.registry.DeliverToTopic(ctx, key.topic, msg) {
					return ErrChannelClosed
				}
			}
		case <-ctx.Done():
			return ErrSessionTimeout
		}
	}
}

// finish records the terminal outcome of a session, releases its active
// slot, and arms a resync timer if the error is retryable and a
// ResyncPolicy is configured.
func (s *SyncScheduler) finish(key candidateKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, key)
	if s.metrics != nil {
		s.metrics.SyncSessionsActive.Set(float64(len(s.active)))
	}

	st := s.state[key]
	if st == nil {
		st = &candidateState{}
		s.state[key] = st
	}
	st.attempts++

	if err == nil || errors.Is(err, ErrChannelClosed) {
		delete(s.state, key)
		return
	}

	if errors.Is(err, ErrTopicMismatch) {
		st.dead = true
		return
	}

	if s.resync == nil || st.attempts >= s.resync.MaxAttempts {
		st.dead = true
		return
	}

	st.resyncAt = time.Now().Add(s.resync.Interval)
	s.armResync(s.resync.Interval)
}

// armResync wakes the scheduler loop exactly when a just-armed resync
// timer elapses, rather than relying on the coarse heartbeat ticker to
// eventually notice.
func (s *SyncScheduler) armResync(delay time.Duration) {
	ctx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case s.completions <- struct{}{}:
			default:
			}
		case <-ctx.Done():
		}
	}()
}
