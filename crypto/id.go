package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"

	"golang.org/x/crypto/blake2b"
)

// IDLength is the length in bytes of a NodeID (256 bits).
const IDLength = 32

// MessageIDLength is the length in bytes of a MessageID.
const MessageIDLength = 8

// NodeID is a 256-bit Kademlia identifier. Two NodeIDs are compared by the
// lexicographic byte order of their XOR distance.
//
//export DHTNodeID
type NodeID [IDLength]byte

// MessageID correlates a single outgoing request with its response.
//
//export DHTMessageID
type MessageID [MessageIDLength]byte

// NewNodeID generates a fresh 256-bit identifier. A random seed is hashed
// through blake2b-256 rather than used directly, so that identifiers are
// uniformly distributed over the ID space even if the underlying entropy
// source has subtle biases.
//
//export DHTNewNodeID
func NewNodeID() (NodeID, error) {
	var id NodeID
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		NewLogger("NewNodeID").WithError(err, "EntropyFailure", "rand.Read").Error("failed to read random seed")
		return id, fmt.Errorf("reading random seed: %w", err)
	}
	digest := blake2b.Sum256(seed[:])
	copy(id[:], digest[:])
	return id, nil
}

// NewMessageID generates a fresh 8-byte correlation identifier.
//
//export DHTNewMessageID
func NewMessageID() (MessageID, error) {
	var id MessageID
	if _, err := rand.Read(id[:]); err != nil {
		NewLogger("NewMessageID").WithError(err, "EntropyFailure", "rand.Read").Error("failed to read random message id")
		return id, fmt.Errorf("reading random message id: %w", err)
	}
	return id, nil
}

// KeyID hashes arbitrary key bytes into the 256-bit ID space, giving a
// content-addressed identifier for DHT STORE/FIND_VALUE operations.
//
//export DHTKeyID
func KeyID(key []byte) NodeID {
	var id NodeID
	digest := sha3.Sum256(key)
	copy(id[:], digest[:])
	return id
}

// XOR returns the bitwise XOR distance between two node identifiers.
//
//export DHTNodeIDXor
func XOR(a, b NodeID) NodeID {
	var out NodeID
	for i := 0; i < IDLength; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Less reports whether distance a is lexicographically smaller than b,
// comparing the full 32 bytes regardless of where they first differ so the
// comparison runs in constant time.
//
//export DHTNodeIDLess
func Less(a, b NodeID) bool {
	result := 0
	for i := 0; i < IDLength; i++ {
		if result == 0 {
			if a[i] < b[i] {
				result = -1
			} else if a[i] > b[i] {
				result = 1
			}
		}
	}
	return result < 0
}

// Equal reports whether two node identifiers are identical.
func Equal(a, b NodeID) bool {
	return a == b
}

// BucketIndex returns the 0..255 bucket index of other relative to self: the
// position of the most significant set bit of self^other, 0 being the
// leftmost bit. Callers must ensure self != other; identical IDs have no
// well-defined bucket.
//
//export DHTBucketIndex
func BucketIndex(self, other NodeID) int {
	dist := XOR(self, other)
	for i := 0; i < IDLength; i++ {
		if dist[i] == 0 {
			continue
		}
		b := dist[i]
		for j := 0; j < 8; j++ {
			if (b>>(7-j))&1 == 1 {
				return i*8 + j
			}
		}
	}
	return IDLength*8 - 1
}

// String returns the lowercase hex encoding of the identifier.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// String returns the lowercase hex encoding of the message id.
func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// NodeIDFromHex parses a hex-encoded NodeID.
func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	data, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decoding node id hex: %w", err)
	}
	if len(data) != IDLength {
		return id, fmt.Errorf("node id has wrong length: got %d want %d", len(data), IDLength)
	}
	copy(id[:], data)
	return id, nil
}
