package engine

import (
	"sort"
	"sync"
)

// AddressBook maps peer_id -> PeerRecord (spec §4.1). It never initiates
// I/O; it is a passive store read by the Sync Scheduler and written by the
// discovery feedback loop and the public add_peer API.
//
// Reads are short and non-blocking, guarded by a single RWMutex — per
// spec §5, this is deliberately its own lock rather than sharing one with
// the Topic Registry or Sync Scheduler, so sync and gossip never serialise
// on address-book contention.
type AddressBook struct {
	mu    sync.RWMutex
	peers map[PeerID]PeerRecord

	changeMu sync.Mutex
	waiters  []chan struct{}
}

// NewAddressBook returns an empty AddressBook.
func NewAddressBook() *AddressBook {
	return &AddressBook{peers: make(map[PeerID]PeerRecord)}
}

// InsertOrMerge stores rec, merging it with any existing record for the
// same peer_id per spec §4.1's merge rule: union direct addresses
// (deduplicated), overwrite relay_hint only if rec has one, last_seen :=
// max, and all sources are retained.
func (a *AddressBook) InsertOrMerge(rec PeerRecord) PeerRecord {
	a.mu.Lock()
	existing, ok := a.peers[rec.PeerID]
	merged := rec
	if ok {
		merged = mergeRecords(existing, rec)
	}
	a.peers[rec.PeerID] = merged
	a.mu.Unlock()

	a.notify()
	return merged
}

func mergeRecords(existing, incoming PeerRecord) PeerRecord {
	merged := PeerRecord{
		PeerID:          existing.PeerID,
		DirectAddresses: make(map[SocketAddress]struct{}, len(existing.DirectAddresses)+len(incoming.DirectAddresses)),
		RelayHint:       existing.RelayHint,
		Sources:         make(map[PeerSource]struct{}, len(existing.Sources)+len(incoming.Sources)),
	}
	for addr := range existing.DirectAddresses {
		merged.DirectAddresses[addr] = struct{}{}
	}
	for addr := range incoming.DirectAddresses {
		merged.DirectAddresses[addr] = struct{}{}
	}
	if incoming.RelayHint != "" {
		merged.RelayHint = incoming.RelayHint
	}
	for s := range existing.Sources {
		merged.Sources[s] = struct{}{}
	}
	for s := range incoming.Sources {
		merged.Sources[s] = struct{}{}
	}
	merged.LastSeen = existing.LastSeen
	if incoming.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = incoming.LastSeen
	}
	return merged
}

// Get returns the record for peerID, if known.
func (a *AddressBook) Get(peerID PeerID) (PeerRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.peers[peerID]
	return rec, ok
}

// List returns all known records ordered by last_seen descending.
func (a *AddressBook) List() []PeerRecord {
	a.mu.RLock()
	out := make([]PeerRecord, 0, len(a.peers))
	for _, rec := range a.peers {
		out = append(out, rec)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Forget removes peerID from the book.
func (a *AddressBook) Forget(peerID PeerID) {
	a.mu.Lock()
	delete(a.peers, peerID)
	a.mu.Unlock()
	a.notify()
}

// Len reports the number of known peers.
func (a *AddressBook) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.peers)
}

// Changes returns a channel that receives a value every time the book is
// mutated. The channel is buffered with capacity 1 and sends coalesce —
// consumers (the Sync Scheduler) should treat a single receive as "go
// re-read the book", not as one event per mutation. Callers must keep
// draining it; use Unsubscribe when done.
func (a *AddressBook) Changes() <-chan struct{} {
	ch := make(chan struct{}, 1)
	a.changeMu.Lock()
	a.waiters = append(a.waiters, ch)
	a.changeMu.Unlock()
	return ch
}

// Unsubscribe stops delivering changes on ch.
func (a *AddressBook) Unsubscribe(ch <-chan struct{}) {
	a.changeMu.Lock()
	defer a.changeMu.Unlock()
	for i, w := range a.waiters {
		if w == ch {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return
		}
	}
}

func (a *AddressBook) notify() {
	a.changeMu.Lock()
	defer a.changeMu.Unlock()
	for _, ch := range a.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
