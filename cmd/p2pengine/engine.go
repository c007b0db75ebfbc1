package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/shurlinet/p2pengine/internal/config"
	"github.com/shurlinet/p2pengine/internal/identity"
	"github.com/shurlinet/p2pengine/internal/validate"
	"github.com/shurlinet/p2pengine/pkg/discovery/dht"
	"github.com/shurlinet/p2pengine/pkg/discovery/mdns"
	"github.com/shurlinet/p2pengine/pkg/engine"
	"github.com/shurlinet/p2pengine/pkg/overlay/gossip"
	"github.com/shurlinet/p2pengine/pkg/syncproto/logheight"
	"github.com/shurlinet/p2pengine/pkg/syncproto/pingpong"
	"github.com/shurlinet/p2pengine/pkg/syncproto/synchandler"
	libp2ptransport "github.com/shurlinet/p2pengine/pkg/transport/libp2p"
)

const defaultSyncALPN = "/p2pengine/sync/1.0.0"

// buildEngine wires an internal/config.Config into a running *engine.Engine:
// identity, the libp2p transport endpoint, the gossip overlay, mDNS and DHT
// discovery, and whichever sync protocol the config names.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, error) {
	if err := validate.NetworkName(cfg.NetworkID); err != nil {
		return nil, err
	}
	networkID := engine.NetworkID(blake3.Sum256([]byte(cfg.NetworkID)))

	keyPath := cfg.PrivateKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(".", "identity.key")
	}
	privateKey, err := identity.LoadOrCreate(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	relay := engine.RelayMode{}
	if cfg.Relay != "" {
		relay.URL = engine.RelayURL(cfg.Relay)
	}

	logger := slog.Default()

	builder := engine.NewBuilder(networkID).
		BindPort(bindPortOrDefault(cfg)).
		PrivateKey(privateKey).
		Relay(relay).
		Logger(logger).
		Gossip(engineGossipConfig(cfg)).
		Endpoint(func(ctx context.Context, networkID engine.NetworkID, bindPort uint16, privateKey ed25519.PrivateKey, relay engine.RelayMode) (engine.Endpoint, error) {
			return libp2ptransport.New(ctx, networkID, bindPort, privateKey, relay)
		}).
		Overlay(func(ctx context.Context, endpoint engine.Endpoint) (engine.OverlayProvider, error) {
			ep, ok := endpoint.(*libp2ptransport.Endpoint)
			if !ok {
				return nil, fmt.Errorf("overlay: unexpected endpoint type %T", endpoint)
			}
			return gossip.New(ctx, ep.Host(), gossipConfig(cfg), logger)
		}).
		Discovery(func(ctx context.Context, endpoint engine.Endpoint) (engine.DiscoveryProvider, error) {
			ep, ok := endpoint.(*libp2ptransport.Endpoint)
			if !ok {
				return nil, fmt.Errorf("mdns discovery: unexpected endpoint type %T", endpoint)
			}
			return mdns.New(ep, logger), nil
		}).
		Discovery(func(ctx context.Context, endpoint engine.Endpoint) (engine.DiscoveryProvider, error) {
			ep, ok := endpoint.(*libp2ptransport.Endpoint)
			if !ok {
				return nil, fmt.Errorf("dht discovery: unexpected endpoint type %T", endpoint)
			}
			return dht.New(ctx, ep, dht.BootstrapPeers, logger)
		})

	for _, da := range cfg.DirectNodeAddresses {
		peerID, err := parsePeerID(da.PeerID)
		if err != nil {
			return nil, fmt.Errorf("direct_node_addresses: %w", err)
		}
		addrs := make([]engine.SocketAddress, len(da.Addresses))
		for i, a := range da.Addresses {
			addrs[i] = engine.SocketAddress(a)
		}
		builder.DirectAddress(peerID, addrs, engine.RelayURL(da.RelayHint))
	}

	if cfg.Sync != nil {
		if err := validate.ProtocolName(cfg.Sync.Protocol); err != nil {
			return nil, err
		}
		syncCfg, err := buildSyncConfig(cfg.Sync, logger)
		if err != nil {
			return nil, err
		}
		builder.Sync(*syncCfg)
	}

	return builder.Build(ctx)
}

func bindPortOrDefault(cfg *config.Config) uint16 {
	if cfg.BindPort != 0 {
		return cfg.BindPort
	}
	return config.DefaultBindPort
}

func gossipConfig(cfg *config.Config) gossip.Config {
	if cfg.Gossip == nil {
		return gossip.Config{}
	}
	return gossip.Config{
		MaxMessageSize: cfg.Gossip.MaxMessageSize,
		HistoryLength:  cfg.Gossip.HistoryLength,
		HistoryGossip:  cfg.Gossip.HistoryGossip,
		D:              cfg.Gossip.D,
		DLo:            cfg.Gossip.DLo,
		DHi:            cfg.Gossip.DHi,
	}
}

// engineGossipConfig maps the config key's MaxBufferedPerTopic onto the
// Gossip Buffer's own hold-queue cap (engine.GossipConfig) — a distinct
// concern from gossipConfig's pubsub wire tuning above.
func engineGossipConfig(cfg *config.Config) engine.GossipConfig {
	if cfg.Gossip == nil {
		return engine.GossipConfig{}
	}
	return engine.GossipConfig{MaxBufferedPerTopic: cfg.Gossip.MaxBufferedPerTopic}
}

// buildSyncConfig constructs the engine.SyncConfig for the named protocol.
// The handler and protocol are mutually referential (the protocol needs
// the handler's Resolve method as its TopicResolver, the handler needs the
// protocol to drive Accept) and both are bound to the live Endpoint and
// Topic Registry only once engine.Builder.Build runs — see
// pkg/syncproto/synchandler's package doc.
func buildSyncConfig(cfg *config.SyncConfig, logger *slog.Logger) (*engine.SyncConfig, error) {
	alpn := defaultSyncALPN + "/" + cfg.Protocol
	handler := synchandler.New(alpn, logger)

	var protocol engine.SyncProtocol
	switch cfg.Protocol {
	case "pingpong":
		protocol = pingpong.New(handler.Resolve)
	case "log_height":
		protocol = logheight.New(logheight.NewMemoryStore(), handler.Resolve)
	default:
		return nil, fmt.Errorf("unknown sync protocol %q", cfg.Protocol)
	}
	handler.SetProtocol(protocol)

	syncCfg := &engine.SyncConfig{
		Protocol: protocol,
		Handler:  handler,
		ALPN:     alpn,
	}
	if cfg.IsResyncEnabled() {
		syncCfg.Resync = &engine.ResyncPolicy{
			Interval:    cfg.Resync.Interval,
			MaxAttempts: cfg.Resync.MaxAttempts,
		}
	}
	return syncCfg, nil
}

func parsePeerID(hexID string) (engine.PeerID, error) {
	var out engine.PeerID
	raw, err := hex.DecodeString(hexID)
	if err != nil {
		return out, fmt.Errorf("invalid peer id %q: %w", hexID, err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("peer id %q: want %d bytes, got %d", hexID, len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
