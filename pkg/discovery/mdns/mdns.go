// Package mdns discovers peers on the local network via DNS-SD, adapting
// zeroconf/v2 to engine.DiscoveryProvider. Grounded on pkg/p2pnet/mdns.go's
// advertise/browse/dedup design, trimmed to the engine's narrower contract:
// a DiscoveryProvider only reports PeerRecords, it never dials — the Sync
// Scheduler's ProtocolHandler does that through the Endpoint.
package mdns

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/p2pengine/pkg/engine"
	libp2ptransport "github.com/shurlinet/p2pengine/pkg/transport/libp2p"
)

// ServiceName is the DNS-SD service type used for LAN discovery, scoped
// generically to this engine (not any particular application).
const ServiceName = "_p2pengine._udp"

const (
	dedupeInterval = 30 * time.Second
	browseInterval = 30 * time.Second
	browseTimeout  = 10 * time.Second
	dnsaddrPrefix  = "dnsaddr="
)

// Provider implements engine.DiscoveryProvider over mDNS.
type Provider struct {
	endpoint *libp2ptransport.Endpoint
	logger   *slog.Logger

	mu      sync.Mutex
	lastTry map[engine.PeerID]time.Time

	server *zeroconf.Server
}

// New constructs an mDNS Provider bound to endpoint. endpoint is the
// concrete libp2p adapter (not the abstract engine.Endpoint) because
// discovered addresses must be registered with the transport's peerstore
// before the Sync Scheduler's handler can dial them.
func New(endpoint *libp2ptransport.Endpoint, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		endpoint: endpoint,
		logger:   logger,
		lastTry:  make(map[engine.PeerID]time.Time),
	}
}

func (p *Provider) Name() string { return "mdns" }

// Subscribe implements engine.DiscoveryProvider: advertises the local node
// via zeroconf and begins a periodic browse loop, emitting a DiscoveryEvent
// per newly-seen peer. networkID is unused — mDNS is inherently LAN-scoped;
// isolation across logical networks sharing a LAN is left to the
// application layer (spec §4.3 Non-goals).
func (p *Provider) Subscribe(ctx context.Context, networkID engine.NetworkID) (<-chan engine.DiscoveryEvent, error) {
	if err := p.advertise(); err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}

	out := make(chan engine.DiscoveryEvent, 32)
	go func() {
		defer close(out)
		defer func() {
			if p.server != nil {
				p.server.Shutdown()
			}
		}()

		p.runBrowse(ctx, out)
		ticker := time.NewTicker(browseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runBrowse(ctx, out)
			}
		}
	}()
	return out, nil
}

// UpdateLocalAddress implements engine.DiscoveryProvider by re-registering
// the service under a new random instance name, with TXT records built from
// the endpoint host's current listen addresses; addr itself is not read.
func (p *Provider) UpdateLocalAddress(ctx context.Context, addr engine.NodeAddr) error {
	return p.advertise()
}

func (p *Provider) advertise() error {
	h := p.endpoint.Host()
	var txts []string
	for _, a := range h.Addrs() {
		txts = append(txts, dnsaddrPrefix+a.String()+"/p2p/"+h.ID().String())
	}

	instance := randomInstanceName()
	server, err := zeroconf.RegisterProxy(
		instance,
		ServiceName,
		"local",
		4242,
		instance,
		[]string{"127.0.0.1"},
		txts,
		nil,
	)
	if err != nil {
		return err
	}
	if p.server != nil {
		p.server.Shutdown()
	}
	p.server = server
	return nil
}

func (p *Provider) runBrowse(ctx context.Context, out chan<- engine.DiscoveryEvent) {
	browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	go func() {
		for entry := range entries {
			p.handleEntry(entry, out)
		}
	}()

	if err := zeroconf.Browse(browseCtx, ServiceName, "local.", entries); err != nil && browseCtx.Err() == nil {
		select {
		case out <- engine.DiscoveryEvent{Err: fmt.Errorf("mdns browse: %w", err)}:
		case <-ctx.Done():
		}
	}
}

func (p *Provider) handleEntry(entry *zeroconf.ServiceEntry, out chan<- engine.DiscoveryEvent) {
	var addrs []ma.Multiaddr
	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, dnsaddrPrefix) {
			continue
		}
		addr, err := ma.NewMultiaddr(txt[len(dnsaddrPrefix):])
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}

	peerID, socketAddrs, err := decodeMultiaddrs(addrs)
	if err != nil {
		return
	}

	p.mu.Lock()
	if last, ok := p.lastTry[peerID]; ok && time.Since(last) < dedupeInterval {
		p.mu.Unlock()
		return
	}
	p.lastTry[peerID] = time.Now()
	p.mu.Unlock()

	_ = p.endpoint.AddAddresses(peerID, socketAddrs, "")

	record := engine.NewPeerRecord(peerID, socketAddrs, "", engine.SourceDiscovery)
	select {
	case out <- engine.DiscoveryEvent{Record: record}:
	default:
		p.logger.Warn("mdns discovery event dropped, subscriber too slow", "peer", peerID)
	}
}

func randomInstanceName() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b [24]byte
	_, _ = rand.Read(b[:])
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = alphabet[int(c)%len(alphabet)]
	}
	return string(out)
}
