// Package gossip adapts go-libp2p-pubsub's GossipSub router to the engine's
// OverlayProvider/OverlaySession contract (spec §6). Tuning grounded on
// internal/config's GossipConfig (D/DLo/DHi/HistoryLength/HistoryGossip/
// MaxMessageSize), which maps directly onto pubsub.GossipSubParams.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/p2pengine/pkg/engine"
)

// neighbourPollInterval is how often a session diffs the topic's peer list
// to synthesise PeerJoined/PeerLeft events. GossipSub exposes a
// snapshot (Topic.ListPeers), not a join/leave event stream, so polling is
// the simplest faithful translation.
const neighbourPollInterval = time.Second

// Config tunes the underlying GossipSub router (internal/config's
// GossipConfig shape). Zero fields fall back to pubsub's own defaults.
type Config struct {
	MaxMessageSize int
	HistoryLength  int
	HistoryGossip  int
	D, DLo, DHi    int
}

// Provider adapts a *pubsub.PubSub to engine.OverlayProvider.
type Provider struct {
	ps     *pubsub.PubSub
	host   host.Host
	logger *slog.Logger
}

// New constructs a Provider bound to host h.
func New(ctx context.Context, h host.Host, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	params := pubsub.DefaultGossipSubParams()
	if cfg.D > 0 {
		params.D = cfg.D
	}
	if cfg.DLo > 0 {
		params.Dlo = cfg.DLo
	}
	if cfg.DHi > 0 {
		params.Dhi = cfg.DHi
	}
	if cfg.HistoryLength > 0 {
		params.HistoryLength = cfg.HistoryLength
	}
	if cfg.HistoryGossip > 0 {
		params.HistoryGossip = cfg.HistoryGossip
	}

	opts := []pubsub.Option{pubsub.WithGossipSubParams(params)}
	if cfg.MaxMessageSize > 0 {
		opts = append(opts, pubsub.WithMaxMessageSize(cfg.MaxMessageSize))
	}

	ps, err := pubsub.NewGossipSub(ctx, h, opts...)
	if err != nil {
		return nil, fmt.Errorf("construct gossipsub router: %w", errors.Join(engine.ErrOverlayJoin, err))
	}
	return &Provider{ps: ps, host: h, logger: logger}, nil
}

// Join implements engine.OverlayProvider, joining the GossipSub topic named
// by the hex encoding of topicID.
func (p *Provider) Join(ctx context.Context, topicID [32]byte) (engine.OverlaySession, error) {
	name := fmt.Sprintf("p2pengine/%x", topicID)
	topic, err := p.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, errors.Join(engine.ErrOverlayJoin, err))
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("subscribe to topic %s: %w", name, errors.Join(engine.ErrOverlayJoin, err))
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		topic:      topic,
		sub:        sub,
		cancel:     cancel,
		selfID:     p.host.ID(),
		messages:   make(chan engine.OverlayMessage, 64),
		neighbours: make(chan engine.PeerEvent, 64),
		logger:     p.logger,
	}
	go s.pumpMessages(sessCtx)
	go s.pumpNeighbours(sessCtx)
	return s, nil
}

// session adapts a joined *pubsub.Topic/*pubsub.Subscription pair to
// engine.OverlaySession.
type session struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	selfID peer.ID
	logger *slog.Logger

	messages   chan engine.OverlayMessage
	neighbours chan engine.PeerEvent
}

func (s *session) Broadcast(ctx context.Context, bytes []byte) error {
	if err := s.topic.Publish(ctx, bytes); err != nil {
		return fmt.Errorf("publish: %w", errors.Join(engine.ErrTransportError, err))
	}
	return nil
}

func (s *session) Messages() <-chan engine.OverlayMessage { return s.messages }

func (s *session) Neighbours() <-chan engine.PeerEvent { return s.neighbours }

func (s *session) Leave() error {
	s.cancel()
	s.sub.Cancel()
	return s.topic.Close()
}

func (s *session) pumpMessages(ctx context.Context) {
	defer close(s.messages)
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == s.selfID {
			continue
		}
		// DeliveredFrom must be the original publisher, not the peer that
		// relayed it to us: msg.GetFrom() decodes the signed envelope's
		// From field, while ReceivedFrom is only the immediate forwarder.
		from, err := peerIDFromLibp2p(msg.GetFrom())
		if err != nil {
			s.logger.Warn("gossip message from peer with non-extractable id", "error", err)
			continue
		}
		select {
		case s.messages <- engine.OverlayMessage{Bytes: msg.Data, DeliveredFrom: from}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) pumpNeighbours(ctx context.Context) {
	defer close(s.neighbours)
	seen := make(map[peer.ID]struct{})
	ticker := time.NewTicker(neighbourPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := make(map[peer.ID]struct{})
			for _, pid := range s.topic.ListPeers() {
				current[pid] = struct{}{}
			}
			for pid := range current {
				if _, ok := seen[pid]; ok {
					continue
				}
				s.emit(ctx, pid, engine.PeerJoined)
			}
			for pid := range seen {
				if _, ok := current[pid]; ok {
					continue
				}
				s.emit(ctx, pid, engine.PeerLeft)
			}
			seen = current
		}
	}
}

func (s *session) emit(ctx context.Context, pid peer.ID, kind engine.PeerEventKind) {
	engineID, err := peerIDFromLibp2p(pid)
	if err != nil {
		return
	}
	select {
	case s.neighbours <- engine.PeerEvent{PeerID: engineID, Kind: kind}:
	case <-ctx.Done():
	}
}

// peerIDFromLibp2p recovers the raw 32-byte ed25519 public key engine.PeerID
// wraps. libp2p peer IDs embed small public keys verbatim (an "identity"
// multihash), so this never needs a peerstore round trip.
func peerIDFromLibp2p(pid peer.ID) (engine.PeerID, error) {
	var out engine.PeerID
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return out, fmt.Errorf("extract public key from peer id: %w", err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return out, fmt.Errorf("raw public key bytes: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("unexpected public key length %d, want 32", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
