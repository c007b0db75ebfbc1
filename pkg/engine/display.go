package engine

import (
	"fmt"

	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// HashTopicID derives a 32-byte topic id projection from a topic's
// canonical encoding using blake3 (spec §3's `topic_id() -> 32 bytes`).
// Concrete Topic implementations use this rather than rolling their own
// hash, the same way the teacher's go.mod carries blake3 for content
// addressing.
func HashTopicID(canonical []byte) [32]byte {
	return blake3.Sum256(canonical)
}

// topicIDCID and peerIDCID render a topic id / peer id as a CIDv1 string
// for logs and metrics labels — a recognisable, collision-resistant
// display form (see thelasttoto-dir's cid.go in the retrieval pack) rather
// than hand-rolled hex or base64.
func topicIDCID(id [32]byte) string { return cidString(id[:]) }
func peerIDCID(id PeerID) string    { return cidString(id[:]) }

func cidString(digest []byte) string {
	// The bytes are already a finalised 32-byte id (a blake3 topic-id
	// projection, or a raw ed25519 public key) — wrap them as an identity
	// multihash rather than re-hashing them under a different algorithm.
	mhash, err := mh.Encode(digest, mh.IDENTITY)
	if err != nil {
		return fmt.Sprintf("%x", digest)
	}
	return cid.NewCidV1(cid.Raw, mhash).String()
}
