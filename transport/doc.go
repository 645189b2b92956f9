// Package transport implements the PeerLink abstraction the DHT engine
// depends on: a reliable, ordered, message-oriented link to each peer that
// signals connect/disconnect events and otherwise stays out of the engine's
// way. Peer discovery, NAT traversal, and session setup are each
// implementation's own concern, not the interface's.
//
// # PeerLink
//
// The core abstraction all implementations satisfy:
//
//	type PeerLink interface {
//	    SetSink(sink Sink)
//	    Send(peerIDHex string, frame []byte) error
//	    ConnectHint(peerIDHex string)
//	    DropPeer(peerIDHex string)
//	    IsConnected(peerIDHex string) bool
//	    ConnectedPeers() []string
//	    WaitForPeer(ctx context.Context, peerIDHex string) bool
//	    Close() error
//	}
//
// # Implementations
//
// TCPLink is a plain TCP link: a fixed-length identity handshake on connect,
// then 4-byte-length-prefixed frames in both directions.
//
//	link, err := transport.NewTCPLink(":4222", selfID)
//	err = link.Dial(peerIDHex, "203.0.113.7:4222")
//
// NoiseLink wraps any PeerLink with a Noise_XX handshake, adding
// confidentiality the wrapped link doesn't otherwise provide:
//
//	secure, err := transport.NewNoiseLink(link, selfIDHex)
//
// MemoryLink is an in-process pair connected directly through channels, used
// by two-node engine tests:
//
//	a, b := transport.NewMemoryLinkPair(aIDHex, bIDHex)
//
// Multi-node scenario tests use MemoryHub instead, which hands out one link
// per node and connects pairs of them on demand.
//
// # Thread Safety
//
// All three implementations are safe for concurrent use; TCPLink and
// MemoryLink guard connection state with sync.RWMutex, NoiseLink with
// sync.Mutex. Sink callbacks are delivered from implementation-owned
// goroutines and are not serialized relative to each other across different
// peers — the DHT engine guards its own state with per-structure mutexes.
//
// # Error Handling
//
// Errors are wrapped with fmt.Errorf and %w, and logged with structured
// fields via logrus.WithFields rather than returned, wherever the caller has
// no useful recourse (a best-effort Send to a disconnected peer, a failed
// inbound handshake).
package transport
