package dht

import "time"

const (
	// K is the Kademlia replication parameter: each k-bucket holds at most
	// this many nodes, and lookups converge on this many closest peers.
	K = 20

	// Alpha is the number of nodes probed in parallel during an iterative
	// lookup round.
	Alpha = 3

	// WriteQuorum is the number of STORE acknowledgements required before a
	// publish is considered successful.
	WriteQuorum = (K + 1) / 2 // ceil(K/2) = 10

	// MaxDials bounds how many connection attempts via PeerLink.ConnectHint
	// the engine keeps outstanding at once, across all lookups.
	MaxDials = 4
)

const (
	storeTTL = time.Hour
	cacheTTL = storeTTL / 4
)

const (
	bucketRefreshInterval    = 15 * time.Minute
	seenRequestGCInterval    = time.Minute
	republishInterval        = time.Hour
	repairInterval           = 10 * time.Second
	bucketLivelinessInterval = 5 * time.Minute
)

const (
	pingTimeout       = 3 * time.Second
	findNodeTimeout   = 5 * time.Second
	findValueTimeout  = 5 * time.Second
	storeTimeout      = 5 * time.Second
	hasValueTimeout   = 2 * time.Second
	seenRequestMaxAge = time.Minute
)
