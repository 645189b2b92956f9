package dht

import (
	"time"

	"github.com/opd-ai/dhtkv/crypto"
)

// NodeStatus represents the liveness status of a known peer.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusBad
	StatusGood
)

// PingStats tracks liveness-probe history for a node. It is recorded for
// diagnostics; the bucket-full replacement policy does not consult it.
type PingStats struct {
	LastPingSent     time.Time
	LastPingReceived time.Time
	PingCount        uint32
	SuccessCount     uint32
	FailureCount     uint32
}

// Node is an entry in the routing table: a peer identity, its last-known
// liveness, and ping history.
//
//export DHTNode
type Node struct {
	ID        crypto.NodeID
	PeerIDHex string // PeerLink address: hex(ID) for every transport in this repo
	LastSeen  time.Time
	Status    NodeStatus
	PingStats PingStats
}

// NewNode creates a node entry, stamped with the current time.
func NewNode(id crypto.NodeID, peerIDHex string) *Node {
	return NewNodeWithTimeProvider(id, peerIDHex, nil)
}

// NewNodeWithTimeProvider creates a node entry using tp for its initial
// timestamp; tp may be nil to use the package default.
func NewNodeWithTimeProvider(id crypto.NodeID, peerIDHex string, tp crypto.TimeProvider) *Node {
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	return &Node{
		ID:        id,
		PeerIDHex: peerIDHex,
		LastSeen:  tp.Now(),
		Status:    StatusUnknown,
	}
}

// IsActive reports whether the node has been seen within timeout.
func (n *Node) IsActive(timeout time.Duration) bool {
	return crypto.GetDefaultTimeProvider().Since(n.LastSeen) < timeout
}

// Touch marks the node as recently seen and updates its status.
func (n *Node) Touch(status NodeStatus) {
	n.TouchWithTimeProvider(status, nil)
}

// TouchWithTimeProvider marks the node as recently seen using tp.
func (n *Node) TouchWithTimeProvider(status NodeStatus, tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	n.LastSeen = tp.Now()
	n.Status = status
}

// RecordPingSent marks that a PING was sent to this node.
func (n *Node) RecordPingSent() {
	n.RecordPingSentWithTimeProvider(nil)
}

// RecordPingSentWithTimeProvider marks that a PING was sent, using tp.
func (n *Node) RecordPingSentWithTimeProvider(tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	n.PingStats.LastPingSent = tp.Now()
	n.PingStats.PingCount++
}

// RecordPingResponse marks a PONG (success) or timeout (failure) from this
// node and updates its status.
func (n *Node) RecordPingResponse(success bool) {
	n.RecordPingResponseWithTimeProvider(success, nil)
}

// RecordPingResponseWithTimeProvider marks a ping outcome, using tp.
func (n *Node) RecordPingResponseWithTimeProvider(success bool, tp crypto.TimeProvider) {
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	if success {
		n.PingStats.LastPingReceived = tp.Now()
		n.PingStats.SuccessCount++
		n.TouchWithTimeProvider(StatusGood, tp)
	} else {
		n.PingStats.FailureCount++
		n.TouchWithTimeProvider(StatusBad, tp)
	}
}

// Reliability returns the fraction of pings this node has answered, in
// [0,1]; a node never pinged reports 0.
func (n *Node) Reliability() float64 {
	if n.PingStats.PingCount == 0 {
		return 0
	}
	return float64(n.PingStats.SuccessCount) / float64(n.PingStats.PingCount)
}
