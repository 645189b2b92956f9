package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// handshakeLen is the length of the plaintext identity frame exchanged right
// after a TCP connection opens, before any DHT traffic flows.
const handshakeLen = 32

// TCPLink is a PeerLink implementation over plain TCP: each connection opens
// with a 32-byte peer-id handshake, after which frames are exchanged as
// 4-byte-big-endian-length-prefixed blocks.
//
//export DHTTCPLink
type TCPLink struct {
	selfID   [handshakeLen]byte
	listener net.Listener
	sink     Sink

	mu    sync.RWMutex
	conns map[string]net.Conn

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTCPLink starts listening on listenAddr and returns a TCPLink identifying
// itself to peers with selfID (typically the local NodeID's raw bytes).
func NewTCPLink(listenAddr string, selfID [handshakeLen]byte) (*TCPLink, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	link := &TCPLink{
		selfID:   selfID,
		listener: listener,
		conns:    make(map[string]net.Conn),
		ctx:      ctx,
		cancel:   cancel,
	}

	go link.acceptLoop()
	return link, nil
}

// LocalAddr returns the listener's bound address.
func (l *TCPLink) LocalAddr() net.Addr {
	return l.listener.Addr()
}

// SetSink registers the event sink. Must be called before any traffic
// arrives; not safe to call concurrently with Dial/acceptLoop.
func (l *TCPLink) SetSink(sink Sink) {
	l.sink = sink
}

// Dial opens an outbound connection to addr, expecting the remote peer to
// identify itself as peerIDHex during the handshake.
func (l *TCPLink) Dial(peerIDHex, addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	return l.onConnected(conn, peerIDHex)
}

// Send implements PeerLink.
func (l *TCPLink) Send(peerIDHex string, frame []byte) error {
	l.mu.RLock()
	conn, ok := l.conns[peerIDHex]
	l.mu.RUnlock()
	if !ok {
		return nil // best-effort: silently dropped, matches PeerLink's SendFailure contract
	}

	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := writeFrame(conn, frame); err != nil {
		l.removeConn(peerIDHex)
		return fmt.Errorf("writing frame to %s: %w", peerIDHex, err)
	}
	return nil
}

// ConnectHint implements PeerLink. Failures are logged and otherwise
// swallowed; the caller relies on its own request timers for correctness.
func (l *TCPLink) ConnectHint(peerIDHex string) {
	logrus.WithFields(logrus.Fields{"package": "transport", "peer": peerIDHex}).
		Debug("ConnectHint has no known address for a bare peer id; no-op for TCPLink")
}

// DropPeer implements PeerLink.
func (l *TCPLink) DropPeer(peerIDHex string) {
	l.mu.RLock()
	conn, ok := l.conns[peerIDHex]
	l.mu.RUnlock()
	if ok {
		conn.Close()
	}
	l.removeConn(peerIDHex)
}

// IsConnected implements PeerLink.
func (l *TCPLink) IsConnected(peerIDHex string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.conns[peerIDHex]
	return ok
}

// ConnectedPeers implements PeerLink.
func (l *TCPLink) ConnectedPeers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	peers := make([]string, 0, len(l.conns))
	for id := range l.conns {
		peers = append(peers, id)
	}
	return peers
}

// WaitForPeer implements PeerLink by polling; TCPLink has no internal
// connect-completion signal beyond the Sink callback, so it watches the
// connection map.
func (l *TCPLink) WaitForPeer(ctx context.Context, peerIDHex string) bool {
	if l.IsConnected(peerIDHex) {
		return true
	}
	ticker := time.NewTicker(20 * time.Millisecond)
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
func (l *TCPLink) Close() error {
	l.cancel()
	l.mu.Lock()
	for _, conn := range l.conns {
		conn.Close()
	}
	l.conns = make(map[string]net.Conn)
	l.mu.Unlock()
	return l.listener.Close()
}

func (l *TCPLink) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				continue
			}
		}
		go func() {
			if err := l.onConnected(conn, ""); err != nil {
				logrus.WithFields(logrus.Fields{"package": "transport", "error": err.Error()}).
					Debug("inbound handshake failed")
			}
		}()
	}
}

// onConnected performs the identity handshake and, on success, registers the
// connection and starts its read loop. expectedIDHex is empty for inbound
// connections, where the remote's announced id is trusted as-is; the DHT
// engine's own PING/PONG identity check is the real defense against a lying
// peer.
func (l *TCPLink) onConnected(conn net.Conn, expectedIDHex string) error {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		conn.Close()
		return err
	}
	if _, err := conn.Write(l.selfID[:]); err != nil {
		conn.Close()
		return fmt.Errorf("sending handshake id: %w", err)
	}
	var remoteID [handshakeLen]byte
	if _, err := io.ReadFull(conn, remoteID[:]); err != nil {
		conn.Close()
		return fmt.Errorf("reading handshake id: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return err
	}

	remoteIDHex := hex.EncodeToString(remoteID[:])
	if expectedIDHex != "" && expectedIDHex != remoteIDHex {
		conn.Close()
		return fmt.Errorf("peer identity mismatch: dialed %s, got %s", expectedIDHex, remoteIDHex)
	}

	l.mu.Lock()
	l.conns[remoteIDHex] = conn
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.OnPeerConnected(remoteIDHex)
	}

	go l.readLoop(remoteIDHex, conn)
	return nil
}

func (l *TCPLink) readLoop(peerIDHex string, conn net.Conn) {
	defer l.removeConn(peerIDHex)
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		if l.sink != nil {
			l.sink.OnMessage(peerIDHex, frame)
		}
	}
}

func (l *TCPLink) removeConn(peerIDHex string) {
	l.mu.Lock()
	conn, ok := l.conns[peerIDHex]
	if ok {
		delete(l.conns, peerIDHex)
	}
	l.mu.Unlock()
	if ok {
		conn.Close()
		if l.sink != nil {
			l.sink.OnPeerDisconnected(peerIDHex)
		}
	}
}
