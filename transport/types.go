// Package transport implements the PeerLink abstraction the DHT core speaks
// to: a reliable, ordered, message-oriented link between peers that signals
// arrival and departure, and otherwise treats peer discovery, NAT traversal,
// and session setup as entirely its own concern.
//
// Three implementations are provided: TCPLink (plain length-prefixed TCP
// framing), NoiseLink (wraps any PeerLink with a Noise_XX handshake for
// confidentiality), and MemoryLink (an in-process pair used by tests and the
// end-to-end scenarios).
package transport

import (
	"context"
)

// Sink receives the events a PeerLink produces. The DHT engine implements
// Sink and calls SetSink exactly once at startup. Implementations deliver
// the callbacks from their own goroutines and do not serialize them across
// peers; the engine guards its own state with locks.
type Sink interface {
	// OnPeerConnected fires when a new peer link becomes usable.
	OnPeerConnected(peerIDHex string)
	// OnPeerDisconnected fires when a peer link is lost.
	OnPeerDisconnected(peerIDHex string)
	// OnMessage fires once per whole frame received from peerIDHex.
	OnMessage(peerIDHex string, frame []byte)
}

// SignalSink optionally receives the raw bodies of SIGNAL_{OFFER,ANSWER,ICE}
// frames. The DHT core forwards these frames verbatim without inspecting
// them; a PeerLink that needs out-of-band session setup (e.g. WebRTC ICE
// exchange) implements SignalSink and the core calls it directly.
type SignalSink interface {
	HandleSignal(peerIDHex string, signalType byte, payload []byte)
}

// PeerLink is the transport contract the DHT core depends on: reliable,
// ordered, message-oriented delivery between peers, with best-effort send
// semantics and asynchronous, fallible connect hints.
type PeerLink interface {
	// SetSink registers the receiver of connect/disconnect/message events.
	// Must be called before the link is started.
	SetSink(sink Sink)

	// Send transmits frame to peerIDHex. Best-effort: if the peer is not
	// currently connected, the frame is silently dropped.
	Send(peerIDHex string, frame []byte) error

	// ConnectHint asynchronously requests a connection attempt to
	// peerIDHex. Failures are not reported back to the caller.
	ConnectHint(peerIDHex string)

	// DropPeer force-closes any link to peerIDHex.
	DropPeer(peerIDHex string)

	// IsConnected reports whether a usable link to peerIDHex exists.
	IsConnected(peerIDHex string) bool

	// ConnectedPeers lists all currently connected peer ids.
	ConnectedPeers() []string

	// WaitForPeer blocks until peerIDHex connects or ctx is done, returning
	// whether the peer became connected.
	WaitForPeer(ctx context.Context, peerIDHex string) bool

	// Close shuts the link down and releases all resources.
	Close() error
}
