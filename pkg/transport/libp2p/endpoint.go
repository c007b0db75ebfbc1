// Package libp2p adapts a go-libp2p host to the engine.Endpoint contract
// (spec §6). It is grounded on pkg/p2pnet/network.go's host-construction
// style, generalised from peer-up's fixed TCP/QUIC/WebSocket stack to the
// engine's transport-agnostic needs.
//
// libp2p negotiates protocols per-stream (multistream-select), not
// per-connection like the QUIC/iroh model the engine.Connecting contract is
// shaped after. This adapter bridges the gap with a single libp2p protocol
// ID, muxProtocolID, carrying a one-byte-length-prefixed ALPN header at the
// front of every stream; Connect writes it, the stream handler reads it
// before handing the stream to Accept's caller.
package libp2p

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/p2pengine/pkg/engine"
)

// muxProtocolID is the single libp2p stream protocol every ALPN rides over.
const muxProtocolID = "/p2pengine/mux/1.0.0"

// MaxStreams bounds concurrent streams per connection, mirroring
// original_source/p2panda-net's MAX_STREAMS transport constant.
const MaxStreams = 1024

// pendingAccepts is how many inbound streams may queue before Accept is
// called to drain them.
const pendingAccepts = 128

// Endpoint adapts a go-libp2p host to engine.Endpoint.
type Endpoint struct {
	host host.Host

	accepts chan *connecting
	addrsMu sync.Mutex
	addrSub event.Subscription

	addrWaiters   []chan []engine.SocketAddress
	addrWaitersMu sync.Mutex
	lastAddrs     []engine.SocketAddress

	closeOnce sync.Once
}

// New constructs a libp2p Endpoint bound to bindPort, identified by
// privateKey, per spec §6's transport construction contract. relay
// configures AutoRelay-with-hole-punching the way peer-up's Config does.
func New(ctx context.Context, networkID engine.NetworkID, bindPort uint16, privateKey ed25519.PrivateKey, relay engine.RelayMode) (*Endpoint, error) {
	priv, err := crypto.UnmarshalEd25519PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("unmarshal ed25519 private key: %w", err)
	}

	v4 := bindPort
	v6 := bindPort
	if v6 != 0 {
		v6 = v4 + 1
	}

	listen := []string{
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", v4),
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", v4),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", v6),
		fmt.Sprintf("/ip6/::/tcp/%d", v6),
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(ws.New),
		libp2p.ListenAddrStrings(listen...),
	}

	if relay.Enabled() {
		addrInfo, err := peer.AddrInfoFromString(string(relay.URL))
		if err != nil {
			return nil, fmt.Errorf("invalid relay address %q: %w", relay.URL, err)
		}
		hostOpts = append(hostOpts,
			libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*addrInfo}),
			libp2p.EnableHolePunching(),
			libp2p.NATPortMap(),
		)
		if relay.StunOnly {
			hostOpts = append(hostOpts, libp2p.ForceReachabilityPrivate())
		}
	}

	rm, err := newResourceManager()
	if err != nil {
		return nil, fmt.Errorf("construct resource manager: %w", errors.Join(engine.ErrTransportError, err))
	}
	hostOpts = append(hostOpts, libp2p.ResourceManager(rm))

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("construct libp2p host: %w", errors.Join(engine.ErrTransportError, err))
	}

	ep := &Endpoint{
		host:    h,
		accepts: make(chan *connecting, pendingAccepts),
	}

	h.SetStreamHandler(muxProtocolID, ep.handleStream)

	sub, err := h.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err == nil {
		ep.addrSub = sub
		go ep.watchAddrs(ctx)
	}
	ep.publishAddrs(addrsFromHost(h))

	return ep, nil
}

// newResourceManager builds the resource manager enforcing MaxStreams as a
// per-connection stream cap, the same rcmgr.NewFixedLimiter pattern
// peer-up's relay server uses, scaled down from a service-wide limit to one
// connection.
func newResourceManager() (network.ResourceManager, error) {
	limits := rcmgr.DefaultLimits
	limits.Conn.StreamsInbound = rcmgr.LimitVal(MaxStreams)
	limits.Conn.StreamsOutbound = rcmgr.LimitVal(MaxStreams)
	libp2p.SetDefaultServiceLimits(&limits)
	return rcmgr.NewResourceManager(rcmgr.NewFixedLimiter(limits.AutoScale()))
}

// Host exposes the underlying libp2p host for adapters in the same process
// (discovery, pubsub overlay) that need to share it rather than construct
// their own.
func (e *Endpoint) Host() host.Host { return e.host }

// AddAddresses registers addrs (and, if non-empty, relayHint) for peerID in
// the host's peerstore, so a later Connect can find somewhere to dial. The
// mdns and dht discovery providers call it for every peer they find,
// mirroring peer-up's AddRelayAddressesForPeer.
func (e *Endpoint) AddAddresses(peerID engine.PeerID, addrs []engine.SocketAddress, relayHint engine.RelayURL) error {
	pid, err := libp2pPeerID(peerID)
	if err != nil {
		return err
	}
	var maddrs []ma.Multiaddr
	for _, a := range addrs {
		m, err := socketAddrToMultiaddr(a)
		if err != nil {
			continue
		}
		maddrs = append(maddrs, m)
	}
	if relayHint != "" {
		circuit := string(relayHint) + "/p2p-circuit/p2p/" + pid.String()
		if m, err := ma.NewMultiaddr(circuit); err == nil {
			maddrs = append(maddrs, m)
		}
	}
	if len(maddrs) == 0 {
		return nil
	}
	e.host.Peerstore().AddAddrs(pid, maddrs, peerstore.TempAddrTTL)
	return nil
}

// Connect implements engine.Endpoint.
func (e *Endpoint) Connect(ctx context.Context, peerID engine.PeerID, relayHint engine.RelayURL, alpn []byte) (engine.Stream, error) {
	pid, err := libp2pPeerID(peerID)
	if err != nil {
		return nil, errors.Join(engine.ErrTransportError, err)
	}
	if relayHint != "" {
		_ = e.AddAddresses(peerID, nil, relayHint)
	}
	if len(e.host.Peerstore().Addrs(pid)) == 0 {
		return nil, fmt.Errorf("no known address for peer %s: %w", peerID, engine.ErrTransportError)
	}

	s, err := e.host.NewStream(ctx, pid, muxProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", peerID, errors.Join(engine.ErrTransportError, err))
	}
	if err := writeALPNHeader(s, alpn); err != nil {
		s.Reset()
		return nil, fmt.Errorf("write alpn header: %w", errors.Join(engine.ErrTransportError, err))
	}
	return s, nil
}

// Accept implements engine.Endpoint.
func (e *Endpoint) Accept(ctx context.Context) (engine.Connecting, error) {
	select {
	case c, ok := <-e.accepts:
		if !ok {
			return nil, fmt.Errorf("endpoint closed: %w", engine.ErrTransportError)
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements engine.Endpoint.
func (e *Endpoint) Close(code uint64, reason string) error {
	var err error
	e.closeOnce.Do(func() {
		if e.addrSub != nil {
			_ = e.addrSub.Close()
		}
		close(e.accepts)
		err = e.host.Close()
	})
	return err
}

// DirectAddresses implements engine.Endpoint.
func (e *Endpoint) DirectAddresses(ctx context.Context) <-chan []engine.SocketAddress {
	ch := make(chan []engine.SocketAddress, 1)
	e.addrWaitersMu.Lock()
	current := e.lastAddrs
	e.addrWaiters = append(e.addrWaiters, ch)
	e.addrWaitersMu.Unlock()

	if len(current) > 0 {
		ch <- current
	}

	go func() {
		<-ctx.Done()
		e.addrWaitersMu.Lock()
		defer e.addrWaitersMu.Unlock()
		for i, w := range e.addrWaiters {
			if w == ch {
				e.addrWaiters = append(e.addrWaiters[:i], e.addrWaiters[i+1:]...)
				break
			}
		}
	}()
	return ch
}

// NodeAddr implements engine.Endpoint.
func (e *Endpoint) NodeAddr() engine.NodeAddr {
	pub := e.host.Peerstore().PubKey(e.host.ID())
	var id engine.PeerID
	if pub != nil {
		if raw, err := pub.Raw(); err == nil && len(raw) == 32 {
			copy(id[:], raw)
		}
	}
	return engine.NodeAddr{
		PeerID:          id,
		DirectAddresses: addrsFromHost(e.host),
	}
}

func (e *Endpoint) watchAddrs(ctx context.Context) {
	for {
		select {
		case _, ok := <-e.addrSub.Out():
			if !ok {
				return
			}
			e.publishAddrs(addrsFromHost(e.host))
		case <-ctx.Done():
			return
		}
	}
}

func (e *Endpoint) publishAddrs(addrs []engine.SocketAddress) {
	if len(addrs) == 0 {
		return
	}
	e.addrWaitersMu.Lock()
	defer e.addrWaitersMu.Unlock()
	e.lastAddrs = addrs
	for _, w := range e.addrWaiters {
		select {
		case w <- addrs:
		default:
		}
	}
}

func (e *Endpoint) handleStream(s network.Stream) {
	alpn, err := readALPNHeader(s)
	if err != nil {
		s.Reset()
		return
	}
	c := &connecting{stream: s, alpn: alpn}
	select {
	case e.accepts <- c:
	default:
		s.Reset()
	}
}

// connecting implements engine.Connecting. The ALPN is already known by the
// time it is constructed (handleStream reads the header synchronously), so
// ALPN never blocks in practice; the context is honoured for interface
// symmetry with a transport that negotiates asynchronously.
type connecting struct {
	stream network.Stream
	alpn   []byte
}

func (c *connecting) ALPN(ctx context.Context) ([]byte, error) { return c.alpn, nil }

func (c *connecting) Open(ctx context.Context) (engine.Stream, error) { return c.stream, nil }

// writeALPNHeader writes a one-byte length prefix followed by alpn.
func writeALPNHeader(w io.Writer, alpn []byte) error {
	if len(alpn) > 255 {
		return fmt.Errorf("alpn too long: %d bytes", len(alpn))
	}
	buf := make([]byte, 1+len(alpn))
	buf[0] = byte(len(alpn))
	copy(buf[1:], alpn)
	_, err := w.Write(buf)
	return err
}

// readALPNHeader reads the length-prefixed ALPN writeALPNHeader wrote.
func readALPNHeader(r io.Reader) ([]byte, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	alpn := make([]byte, lenBuf[0])
	if lenBuf[0] > 0 {
		if _, err := io.ReadFull(r, alpn); err != nil {
			return nil, err
		}
	}
	return alpn, nil
}

// libp2pPeerID derives the libp2p peer.ID for an engine PeerID: peer.ID is
// a multihash of the public key, so it is always recomputable from the raw
// ed25519 public key bytes the engine uses as PeerID, with no registry
// needed.
func libp2pPeerID(id engine.PeerID) (peer.ID, error) {
	pub, err := crypto.UnmarshalEd25519PublicKey(id[:])
	if err != nil {
		return "", fmt.Errorf("unmarshal peer public key: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

// addrsFromHost renders the host's listen addresses as "host:port"
// SocketAddresses; multiaddrs with no IP-and-port form are skipped.
func addrsFromHost(h host.Host) []engine.SocketAddress {
	var out []engine.SocketAddress
	for _, a := range h.Addrs() {
		netAddr, err := manet.ToNetAddr(a)
		if err != nil {
			continue
		}
		out = append(out, engine.SocketAddress(netAddr.String()))
	}
	return out
}

// socketAddrToMultiaddr converts a "host:port" hint into a libp2p multiaddr,
// assuming TCP (the common case for addresses learned via discovery/gossip
// neighbour records; QUIC peers are still reachable over TCP as a
// transport fallback).
func socketAddrToMultiaddr(addr engine.SocketAddress) (ma.Multiaddr, error) {
	host, portStr, err := net.SplitHostPort(string(addr))
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ipProto := "ip4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		ipProto = "ip6"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", ipProto, host, port))
}
