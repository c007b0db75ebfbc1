package libp2p

import (
	"bytes"
	"testing"

	"github.com/shurlinet/p2pengine/pkg/engine"
)

func TestALPNHeaderRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("/p2pengine/sync/1.0.0"),
		bytes.Repeat([]byte{'a'}, 255),
	}
	for _, alpn := range cases {
		var buf bytes.Buffer
		if err := writeALPNHeader(&buf, alpn); err != nil {
			t.Fatalf("writeALPNHeader(%d bytes): %v", len(alpn), err)
		}
		got, err := readALPNHeader(&buf)
		if err != nil {
			t.Fatalf("readALPNHeader: %v", err)
		}
		if !bytes.Equal(got, alpn) {
			t.Errorf("round trip = %q, want %q", got, alpn)
		}
	}
}

func TestWriteALPNHeaderRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	err := writeALPNHeader(&buf, bytes.Repeat([]byte{'a'}, 256))
	if err == nil {
		t.Fatal("expected error for alpn > 255 bytes")
	}
}

func TestSocketAddrToMultiaddr(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:4242": "/ip4/127.0.0.1/tcp/4242",
		"[::1]:4242":     "/ip6/::1/tcp/4242",
	}
	for in, want := range cases {
		m, err := socketAddrToMultiaddr(engine.SocketAddress(in))
		if err != nil {
			t.Fatalf("socketAddrToMultiaddr(%q): %v", in, err)
		}
		if got := m.String(); got != want {
			t.Errorf("socketAddrToMultiaddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSocketAddrToMultiaddrRejectsMalformed(t *testing.T) {
	if _, err := socketAddrToMultiaddr(engine.SocketAddress("not-an-address")); err == nil {
		t.Fatal("expected error for malformed address")
	}
}
