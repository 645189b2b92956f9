package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// NoiseLink wraps any PeerLink with a Noise_XX handshake, giving a deployment
// confidentiality on top of whatever the underlying transport provides; the
// DHT core itself adds none. XX rather than IK, since a peer here is
// identified only by a bare NodeID, with no pre-shared static public key to
// pin in advance.
//
//export DHTNoiseLink
type NoiseLink struct {
	inner    PeerLink
	selfHex  string
	static   noise.DHKey
	cs       noise.CipherSuite
	outer    Sink
	mu       sync.Mutex
	sessions map[string]*noiseSession
}

type noiseSession struct {
	hs          *noise.HandshakeState
	send        *noise.CipherState
	recv        *noise.CipherState
	established bool
}

// NewNoiseLink generates a fresh static keypair and wraps inner. selfIDHex
// identifies this node for the initiator tie-break: the peer with the
// lexicographically greater hex id dials.
func NewNoiseLink(inner PeerLink, selfIDHex string) (*NoiseLink, error) {
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	static, err := cs.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating noise static keypair: %w", err)
	}
	link := &NoiseLink{
		inner:    inner,
		selfHex:  selfIDHex,
		static:   static,
		cs:       cs,
		sessions: make(map[string]*noiseSession),
	}
	inner.SetSink(link)
	return link, nil
}

// SetSink implements PeerLink; registers the receiver of decrypted events.
func (l *NoiseLink) SetSink(sink Sink) {
	l.outer = sink
}

// OnPeerConnected implements Sink for the inner link: starts the handshake
// if this side is the initiator, otherwise waits for the first message.
func (l *NoiseLink) OnPeerConnected(peerIDHex string) {
	l.mu.Lock()
	_, exists := l.sessions[peerIDHex]
	l.mu.Unlock()
	if exists {
		return
	}

	initiator := strings.Compare(l.selfHex, peerIDHex) > 0
	sess, err := l.newSession(initiator)
	if err != nil {
		logrus.WithFields(logrus.Fields{"package": "transport", "peer": peerIDHex, "error": err.Error()}).
			Warn("failed to start noise handshake")
		l.inner.DropPeer(peerIDHex)
		return
	}

	l.mu.Lock()
	l.sessions[peerIDHex] = sess
	l.mu.Unlock()

	if initiator {
		l.writeHandshakeMessage(peerIDHex, sess)
	}
}

// OnPeerDisconnected implements Sink for the inner link.
func (l *NoiseLink) OnPeerDisconnected(peerIDHex string) {
	l.mu.Lock()
	delete(l.sessions, peerIDHex)
	l.mu.Unlock()
	if l.outer != nil {
		l.outer.OnPeerDisconnected(peerIDHex)
	}
}

// OnMessage implements Sink for the inner link: either advances the
// handshake or decrypts an established-session frame.
func (l *NoiseLink) OnMessage(peerIDHex string, frame []byte) {
	l.mu.Lock()
	sess, ok := l.sessions[peerIDHex]
	l.mu.Unlock()
	if !ok {
		return
	}

	if !sess.established {
		l.readHandshakeMessage(peerIDHex, sess, frame)
		return
	}

	plaintext, err := sess.recv.Decrypt(nil, nil, frame)
	if err != nil {
		logrus.WithFields(logrus.Fields{"package": "transport", "peer": peerIDHex, "error": err.Error()}).
			Debug("dropping frame that failed noise decryption")
		return
	}
	if l.outer != nil {
		l.outer.OnMessage(peerIDHex, plaintext)
	}
}

func (l *NoiseLink) newSession(initiator bool) (*noiseSession, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   l.cs,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: l.static,
	})
	if err != nil {
		return nil, err
	}
	return &noiseSession{hs: hs}, nil
}

// readHandshakeMessage consumes one inbound handshake message. Noise_XX
// completes on the responder's final read, so a completed session here never
// produces a message to write back.
func (l *NoiseLink) readHandshakeMessage(peerIDHex string, sess *noiseSession, inbound []byte) {
	_, initToResp, respToInit, err := sess.hs.ReadMessage(nil, inbound)
	if err != nil {
		logrus.WithFields(logrus.Fields{"package": "transport", "peer": peerIDHex, "error": err.Error()}).
			Warn("noise handshake read failed, dropping peer")
		l.inner.DropPeer(peerIDHex)
		return
	}
	if initToResp != nil && respToInit != nil {
		// Completing on a read means this side is the responder: it sends
		// on the responder-to-initiator state and receives on the other.
		sess.send, sess.recv, sess.established = respToInit, initToResp, true
		if l.outer != nil {
			l.outer.OnPeerConnected(peerIDHex)
		}
		return
	}
	l.writeHandshakeMessage(peerIDHex, sess)
}

// writeHandshakeMessage produces and sends the next outbound handshake
// message. Noise_XX completes on the initiator's final write.
func (l *NoiseLink) writeHandshakeMessage(peerIDHex string, sess *noiseSession) {
	out, send, recv, err := sess.hs.WriteMessage(nil, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{"package": "transport", "peer": peerIDHex, "error": err.Error()}).
			Warn("noise handshake write failed, dropping peer")
		l.inner.DropPeer(peerIDHex)
		return
	}
	_ = l.inner.Send(peerIDHex, out)
	if send != nil && recv != nil {
		sess.send, sess.recv, sess.established = send, recv, true
		if l.outer != nil {
			l.outer.OnPeerConnected(peerIDHex)
		}
	}
}

// Send implements PeerLink: encrypts with the peer's established session.
// Frames sent before the handshake completes are silently dropped, the same
// best-effort contract TCPLink applies to an unknown peer.
func (l *NoiseLink) Send(peerIDHex string, frame []byte) error {
	l.mu.Lock()
	sess, ok := l.sessions[peerIDHex]
	l.mu.Unlock()
	if !ok || !sess.established {
		return nil
	}
	ciphertext := sess.send.Encrypt(nil, nil, frame)
	return l.inner.Send(peerIDHex, ciphertext)
}

// ConnectHint implements PeerLink.
func (l *NoiseLink) ConnectHint(peerIDHex string) { l.inner.ConnectHint(peerIDHex) }

// DropPeer implements PeerLink.
func (l *NoiseLink) DropPeer(peerIDHex string) { l.inner.DropPeer(peerIDHex) }

// IsConnected implements PeerLink: only true once the Noise session is
// established, not merely once the raw link is up.
func (l *NoiseLink) IsConnected(peerIDHex string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	sess, ok := l.sessions[peerIDHex]
	return ok && sess.established
}

// ConnectedPeers implements PeerLink.
func (l *NoiseLink) ConnectedPeers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	peers := make([]string, 0, len(l.sessions))
	for id, sess := range l.sessions {
		if sess.established {
			peers = append(peers, id)
		}
	}
	return peers
}

// WaitForPeer implements PeerLink, polling the inner link's own waiter until
// the Noise session (not merely the raw connection) is established.
func (l *NoiseLink) WaitForPeer(ctx context.Context, peerIDHex string) bool {
	for {
		if l.IsConnected(peerIDHex) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !l.inner.WaitForPeer(ctx, peerIDHex) {
			return false
		}
	}
}

// Close implements PeerLink.
func (l *NoiseLink) Close() error { return l.inner.Close() }

// staticPublicHex returns the hex-encoded Noise static public key, exposed
// for diagnostics only.
func (l *NoiseLink) staticPublicHex() string { return hex.EncodeToString(l.static.Public) }
