package mdns

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/shurlinet/p2pengine/pkg/engine"
)

// decodeMultiaddrs splits a peer's full p2p multiaddrs (host.../p2p/<id>)
// into the engine's PeerID (the peer's raw ed25519 public key, recovered
// from the embedded identity multihash) and its dialable "host:port" hints.
func decodeMultiaddrs(addrs []ma.Multiaddr) (engine.PeerID, []engine.SocketAddress, error) {
	var out engine.PeerID
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil || len(infos) == 0 {
		return out, nil, fmt.Errorf("no peer info in multiaddrs: %w", err)
	}
	info := infos[0]

	pub, err := info.ID.ExtractPublicKey()
	if err != nil {
		return out, nil, fmt.Errorf("extract public key: %w", err)
	}
	raw, err := pub.Raw()
	if err != nil || len(raw) != 32 {
		return out, nil, fmt.Errorf("unexpected public key: %w", err)
	}
	copy(out[:], raw)

	var sockets []engine.SocketAddress
	for _, a := range info.Addrs {
		netAddr, err := manet.ToNetAddr(a)
		if err != nil {
			continue
		}
		sockets = append(sockets, engine.SocketAddress(netAddr.String()))
	}
	return out, sockets, nil
}
