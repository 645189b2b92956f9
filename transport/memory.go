package transport

import (
	"context"
	"sync"
	"time"
)

// MemoryLink is an in-process PeerLink backed by a pair of buffered
// channels: tests wire two engines together directly without opening a
// socket. Create a connected pair with NewMemoryLinkPair.
type MemoryLink struct {
	selfIDHex string
	peerIDHex string
	outbox    chan []byte
	inbox     chan []byte

	sink Sink

	mu        sync.RWMutex
	connected bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryLinkPair returns two MemoryLinks, each addressed by the other's
// hex id, already wired together; each side is marked connected when its
// SetSink is called.
func NewMemoryLinkPair(aIDHex, bIDHex string) (*MemoryLink, *MemoryLink) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)

	a := &MemoryLink{selfIDHex: aIDHex, peerIDHex: bIDHex, outbox: aToB, inbox: bToA, done: make(chan struct{})}
	b := &MemoryLink{selfIDHex: bIDHex, peerIDHex: aIDHex, outbox: bToA, inbox: aToB, done: make(chan struct{})}
	return a, b
}

// SetSink implements PeerLink; starts the delivery loop and announces the
// connection once a sink is available to receive it.
func (l *MemoryLink) SetSink(sink Sink) {
	l.sink = sink
	l.mu.Lock()
	alreadyConnected := l.connected
	l.connected = true
	l.mu.Unlock()

	go l.deliverLoop()

	if !alreadyConnected && l.sink != nil {
		l.sink.OnPeerConnected(l.peerIDHex)
	}
}

func (l *MemoryLink) deliverLoop() {
	for {
		select {
		case <-l.done:
			return
		case frame, ok := <-l.inbox:
			if !ok {
				return
			}
			if l.sink != nil {
				l.sink.OnMessage(l.peerIDHex, frame)
			}
		}
	}
}

// Send implements PeerLink.
func (l *MemoryLink) Send(peerIDHex string, frame []byte) error {
	if peerIDHex != l.peerIDHex {
		return nil
	}
	l.mu.RLock()
	connected := l.connected
	l.mu.RUnlock()
	if !connected {
		return nil
	}
	select {
	case l.outbox <- frame:
	case <-l.done:
	case <-time.After(time.Second):
	}
	return nil
}

// ConnectHint implements PeerLink; the pair is always already connected, so
// this is a no-op.
func (l *MemoryLink) ConnectHint(peerIDHex string) {}

// DropPeer implements PeerLink: tears down this side of the pair.
func (l *MemoryLink) DropPeer(peerIDHex string) {
	if peerIDHex != l.peerIDHex {
		return
	}
	l.mu.Lock()
	wasConnected := l.connected
	l.connected = false
	l.mu.Unlock()
	if wasConnected && l.sink != nil {
		l.sink.OnPeerDisconnected(l.peerIDHex)
	}
}

// IsConnected implements PeerLink.
func (l *MemoryLink) IsConnected(peerIDHex string) bool {
	if peerIDHex != l.peerIDHex {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// ConnectedPeers implements PeerLink.
func (l *MemoryLink) ConnectedPeers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.connected {
		return []string{l.peerIDHex}
	}
	return nil
}

// WaitForPeer implements PeerLink by polling, matching TCPLink's contract.
func (l *MemoryLink) WaitForPeer(ctx context.Context, peerIDHex string) bool {
	if l.IsConnected(peerIDHex) {
		return true
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if l.IsConnected(peerIDHex) {
				return true
			}
		}
	}
}

// Close implements PeerLink.
func (l *MemoryLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.DropPeer(l.peerIDHex)
	return nil
}
