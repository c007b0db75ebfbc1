package engine

import (
	"testing"
	"time"
)

func peerID(b byte) PeerID {
	var p PeerID
	p[0] = b
	return p
}

func TestAddressBookInsertOrMerge(t *testing.T) {
	book := NewAddressBook()
	id := peerID(1)

	first := NewPeerRecord(id, []SocketAddress{"10.0.0.1:4001"}, "", SourceBootstrap)
	first.LastSeen = time.Unix(100, 0)
	book.InsertOrMerge(first)

	second := NewPeerRecord(id, []SocketAddress{"10.0.0.2:4001"}, "relay://example", SourceDiscovery)
	second.LastSeen = time.Unix(200, 0)
	merged := book.InsertOrMerge(second)

	if len(merged.DirectAddresses) != 2 {
		t.Fatalf("expected union of 2 addresses, got %d", len(merged.DirectAddresses))
	}
	if merged.RelayHint != "relay://example" {
		t.Errorf("RelayHint = %q, want incoming value", merged.RelayHint)
	}
	if !merged.LastSeen.Equal(time.Unix(200, 0)) {
		t.Errorf("LastSeen = %v, want max(100,200)", merged.LastSeen)
	}
	if _, ok := merged.Sources[SourceBootstrap]; !ok {
		t.Error("expected bootstrap source retained")
	}
	if _, ok := merged.Sources[SourceDiscovery]; !ok {
		t.Error("expected discovery source retained")
	}
}

func TestAddressBookMergeKeepsRelayHintWhenIncomingEmpty(t *testing.T) {
	book := NewAddressBook()
	id := peerID(2)
	book.InsertOrMerge(NewPeerRecord(id, nil, "relay://keep-me", SourceManual))
	merged := book.InsertOrMerge(NewPeerRecord(id, nil, "", SourceGossipNeighbour))
	if merged.RelayHint != "relay://keep-me" {
		t.Errorf("RelayHint = %q, want preserved value", merged.RelayHint)
	}
}

func TestAddressBookDisplaySourcePrecedence(t *testing.T) {
	book := NewAddressBook()
	id := peerID(3)
	book.InsertOrMerge(NewPeerRecord(id, nil, "", SourceGossipNeighbour))
	book.InsertOrMerge(NewPeerRecord(id, nil, "", SourceDiscovery))
	rec, _ := book.Get(id)
	if rec.DisplaySource() != SourceDiscovery {
		t.Errorf("DisplaySource() = %v, want discovery (higher precedence than gossip-neighbour)", rec.DisplaySource())
	}
	book.InsertOrMerge(NewPeerRecord(id, nil, "", SourceManual))
	rec, _ = book.Get(id)
	if rec.DisplaySource() != SourceManual {
		t.Errorf("DisplaySource() = %v, want manual", rec.DisplaySource())
	}
}

func TestAddressBookListOrderedByLastSeenDesc(t *testing.T) {
	book := NewAddressBook()
	a := NewPeerRecord(peerID(1), nil, "", SourceManual)
	a.LastSeen = time.Unix(1, 0)
	b := NewPeerRecord(peerID(2), nil, "", SourceManual)
	b.LastSeen = time.Unix(3, 0)
	c := NewPeerRecord(peerID(3), nil, "", SourceManual)
	c.LastSeen = time.Unix(2, 0)
	book.InsertOrMerge(a)
	book.InsertOrMerge(b)
	book.InsertOrMerge(c)

	list := book.List()
	if len(list) != 3 {
		t.Fatalf("len(list) = %d, want 3", len(list))
	}
	if list[0].PeerID != b.PeerID || list[1].PeerID != c.PeerID || list[2].PeerID != a.PeerID {
		t.Errorf("List() not ordered by last_seen desc: %+v", list)
	}
}

func TestAddressBookForget(t *testing.T) {
	book := NewAddressBook()
	id := peerID(9)
	book.InsertOrMerge(NewPeerRecord(id, nil, "", SourceManual))
	if book.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", book.Len())
	}
	book.Forget(id)
	if book.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Forget", book.Len())
	}
	if _, ok := book.Get(id); ok {
		t.Error("Get() found forgotten peer")
	}
}

func TestAddressBookChangesNotifiesAndCoalesces(t *testing.T) {
	book := NewAddressBook()
	ch := book.Changes()
	defer book.Unsubscribe(ch)

	book.InsertOrMerge(NewPeerRecord(peerID(1), nil, "", SourceManual))
	book.InsertOrMerge(NewPeerRecord(peerID(2), nil, "", SourceManual))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	select {
	case <-ch:
		t.Fatal("expected notifications to coalesce into one pending signal")
	default:
	}
}

func TestAddressBookUnsubscribeStopsDelivery(t *testing.T) {
	book := NewAddressBook()
	ch := book.Changes()
	book.Unsubscribe(ch)
	book.InsertOrMerge(NewPeerRecord(peerID(5), nil, "", SourceManual))
	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive further notifications")
	default:
	}
}
