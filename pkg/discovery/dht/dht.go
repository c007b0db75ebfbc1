// Package dht discovers peers via Kademlia DHT peer routing
// (go-libp2p-kad-dht), adapting it to engine.DiscoveryProvider. It provides
// under a network-scoped rendezvous key derived from NetworkID and polls
// FindPeers against that key, the wide-area counterpart to pkg/discovery/
// mdns's LAN-only reach.
package dht

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	discoveryutil "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/p2pengine/pkg/engine"
	libp2ptransport "github.com/shurlinet/p2pengine/pkg/transport/libp2p"
)

// findPeersInterval is how often the provider re-queries the DHT for peers
// providing the network's rendezvous key.
const findPeersInterval = 2 * time.Minute

// BootstrapPeers are well-known DHT bootstrap nodes, dialed once at
// construction the way go-libp2p-kad-dht's own defaults work, so a freshly
// started node has somewhere to begin routing-table population.
var BootstrapPeers = dht.GetDefaultBootstrapPeerAddrInfos()

// Provider implements engine.DiscoveryProvider over a Kademlia DHT.
type Provider struct {
	endpoint  *libp2ptransport.Endpoint
	kad       *dht.IpfsDHT
	rd        *discoveryutil.RoutingDiscovery
	logger    *slog.Logger
}

// New constructs a DHT Provider bound to endpoint's libp2p host, bootstrapped
// against the given peers (BootstrapPeers if nil).
func New(ctx context.Context, endpoint *libp2ptransport.Endpoint, bootstrap []peer.AddrInfo, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := endpoint.Host()
	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		return nil, fmt.Errorf("construct kademlia dht: %w", errJoinTransport(err))
	}
	if err := kad.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap dht: %w", errJoinTransport(err))
	}
	if bootstrap == nil {
		bootstrap = BootstrapPeers
	}
	for _, ai := range bootstrap {
		go func(ai peer.AddrInfo) {
			_ = h.Connect(ctx, ai)
		}(ai)
	}
	return &Provider{
		endpoint: endpoint,
		kad:      kad,
		rd:       discoveryutil.NewRoutingDiscovery(kad),
		logger:   logger,
	}, nil
}

func (p *Provider) Name() string { return "dht" }

// Subscribe implements engine.DiscoveryProvider: advertises under
// networkID's rendezvous key and polls FindPeers against it, emitting a
// DiscoveryEvent for every newly-found peer.
func (p *Provider) Subscribe(ctx context.Context, networkID engine.NetworkID) (<-chan engine.DiscoveryEvent, error) {
	ns := rendezvous(networkID)
	if _, err := p.rd.Advertise(ctx, ns); err != nil {
		return nil, fmt.Errorf("advertise on dht: %w", errJoinTransport(err))
	}

	out := make(chan engine.DiscoveryEvent, 32)
	go func() {
		defer close(out)
		p.findPeers(ctx, ns, out)
		ticker := time.NewTicker(findPeersInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.findPeers(ctx, ns, out)
			}
		}
	}()
	return out, nil
}

// UpdateLocalAddress implements engine.DiscoveryProvider. The DHT re-derives
// reachability from the host's listen addresses automatically; nothing to
// push explicitly.
func (p *Provider) UpdateLocalAddress(ctx context.Context, addr engine.NodeAddr) error {
	return nil
}

func (p *Provider) findPeers(ctx context.Context, ns string, out chan<- engine.DiscoveryEvent) {
	peerCh, err := p.rd.FindPeers(ctx, ns)
	if err != nil {
		select {
		case out <- engine.DiscoveryEvent{Err: fmt.Errorf("dht find peers: %w", err)}:
		case <-ctx.Done():
		}
		return
	}
	for info := range peerCh {
		if info.ID == p.endpoint.Host().ID() || len(info.Addrs) == 0 {
			continue
		}
		pub, err := info.ID.ExtractPublicKey()
		if err != nil {
			continue
		}
		raw, err := pub.Raw()
		if err != nil || len(raw) != 32 {
			continue
		}
		var peerID engine.PeerID
		copy(peerID[:], raw)

		var sockets []engine.SocketAddress
		for _, a := range info.Addrs {
			if netAddr, err := manet.ToNetAddr(a); err == nil {
				sockets = append(sockets, engine.SocketAddress(netAddr.String()))
			}
		}
		_ = p.endpoint.AddAddresses(peerID, sockets, "")

		record := engine.NewPeerRecord(peerID, sockets, "", engine.SourceDiscovery)
		select {
		case out <- engine.DiscoveryEvent{Record: record}:
		case <-ctx.Done():
			return
		default:
			p.logger.Warn("dht discovery event dropped, subscriber too slow", "peer", peerID)
		}
	}
}

func rendezvous(networkID engine.NetworkID) string {
	return fmt.Sprintf("/p2pengine/%x", networkID[:])
}

func errJoinTransport(err error) error {
	return fmt.Errorf("%w: %v", engine.ErrTransportError, err)
}
