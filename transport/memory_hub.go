package transport

import (
	"context"
	"sync"
	"time"
)

// MemoryHub is a shared in-process registry of MemoryHubLinks: an in-memory
// analogue of a small network where any registered participant can reach any
// other by hex id, without MemoryLink's restriction to a single fixed pair.
// Built for scenario tests that need more than two nodes (rings, meshes,
// partial topologies) while still avoiding real sockets.
type MemoryHub struct {
	mu    sync.RWMutex
	links map[string]*MemoryHubLink
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{links: make(map[string]*MemoryHubLink)}
}

// NewLink registers a new participant under idHex and returns its PeerLink.
// The link starts with no connections; wire it to others with Connect.
func (h *MemoryHub) NewLink(idHex string) *MemoryHubLink {
	l := &MemoryHubLink{
		hub:       h,
		selfIDHex: idHex,
		connected: make(map[string]bool),
		inbox:     make(chan hubFrame, 256),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	h.links[idHex] = l
	h.mu.Unlock()
	return l
}

func (h *MemoryHub) lookup(idHex string) (*MemoryHubLink, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.links[idHex]
	return l, ok
}

// Connect marks aIDHex and bIDHex as mutually reachable, firing
// OnPeerConnected on each side that has a sink registered and was not
// already connected to the other.
func (h *MemoryHub) Connect(aIDHex, bIDHex string) {
	a, aOK := h.lookup(aIDHex)
	b, bOK := h.lookup(bIDHex)
	if !aOK || !bOK {
		return
	}
	a.markConnected(bIDHex)
	b.markConnected(aIDHex)
}

// StopResponding halts idHex's delivery loop without notifying any connected
// peer, simulating an unresponsive-but-still-"connected" peer: sends toward
// it keep succeeding at the transport layer but nothing ever answers, so a
// PING against it times out instead of failing immediately.
func (h *MemoryHub) StopResponding(idHex string) {
	if l, ok := h.lookup(idHex); ok {
		l.closeOnce.Do(func() { close(l.done) })
	}
}

type hubFrame struct {
	from string
	data []byte
}

// MemoryHubLink is one participant's PeerLink within a MemoryHub.
type MemoryHubLink struct {
	hub       *MemoryHub
	selfIDHex string

	mu        sync.RWMutex
	sink      Sink
	connected map[string]bool

	inbox     chan hubFrame
	done      chan struct{}
	closeOnce sync.Once
}

// SetSink implements PeerLink; starts the delivery loop and announces any
// connections already established before the sink was attached.
func (l *MemoryHubLink) SetSink(sink Sink) {
	l.mu.Lock()
	l.sink = sink
	already := make([]string, 0, len(l.connected))
	for peer, ok := range l.connected {
		if ok {
			already = append(already, peer)
		}
	}
	l.mu.Unlock()

	go l.deliverLoop()
	for _, peer := range already {
		sink.OnPeerConnected(peer)
	}
}

func (l *MemoryHubLink) deliverLoop() {
	for {
		select {
		case <-l.done:
			return
		case f, ok := <-l.inbox:
			if !ok {
				return
			}
			l.mu.RLock()
			sink := l.sink
			l.mu.RUnlock()
			if sink != nil {
				sink.OnMessage(f.from, f.data)
			}
		}
	}
}

func (l *MemoryHubLink) markConnected(peerIDHex string) {
	l.mu.Lock()
	already := l.connected[peerIDHex]
	l.connected[peerIDHex] = true
	sink := l.sink
	l.mu.Unlock()
	if !already && sink != nil {
		sink.OnPeerConnected(peerIDHex)
	}
}

// Send implements PeerLink.
func (l *MemoryHubLink) Send(peerIDHex string, frame []byte) error {
	l.mu.RLock()
	connected := l.connected[peerIDHex]
	l.mu.RUnlock()
	if !connected {
		return nil
	}
	target, ok := l.hub.lookup(peerIDHex)
	if !ok {
		return nil
	}
	select {
	case target.inbox <- hubFrame{from: l.selfIDHex, data: frame}:
	case <-target.done:
	case <-time.After(time.Second):
	}
	return nil
}

// ConnectHint implements PeerLink: since every hub participant is already
// registered, a hint always succeeds, asynchronously, matching a real
// transport's fallible-and-later connect semantics.
func (l *MemoryHubLink) ConnectHint(peerIDHex string) {
	go l.hub.Connect(l.selfIDHex, peerIDHex)
}

// DropPeer implements PeerLink: tears down this side's view of the
// connection and notifies the local sink. The peer's own side is untouched,
// mirroring a unilateral transport-level disconnect.
func (l *MemoryHubLink) DropPeer(peerIDHex string) {
	l.mu.Lock()
	was := l.connected[peerIDHex]
	delete(l.connected, peerIDHex)
	sink := l.sink
	l.mu.Unlock()
	if was && sink != nil {
		sink.OnPeerDisconnected(peerIDHex)
	}
}

// IsConnected implements PeerLink.
func (l *MemoryHubLink) IsConnected(peerIDHex string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected[peerIDHex]
}

// ConnectedPeers implements PeerLink.
func (l *MemoryHubLink) ConnectedPeers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.connected))
	for peer, ok := range l.connected {
		if ok {
			out = append(out, peer)
		}
	}
	return out
}

// WaitForPeer implements PeerLink by polling, matching MemoryLink/TCPLink.
func (l *MemoryHubLink) WaitForPeer(ctx context.Context, peerIDHex string) bool {
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
func (l *MemoryHubLink) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
