package dht

import (
	"sync"
	"time"

	"github.com/opd-ai/dhtkv/crypto"
)

// pingWaiter and requestWaiter fire at most once: either with a decoded
// result, or with ok=false on timeout. Completions arriving after timeout
// are discarded by construction, since the tracker has already removed the
// entry before the timer fires the timeout branch.

type requestWaiter struct {
	timer *time.Timer
	onResult func(value interface{}, ok bool)
}

// Tracker correlates outgoing requests with their responses, matching them
// by MessageID, plus a parallel peer-keyed table for PING/PONG which carry
// no correlation id of their own.
type Tracker struct {
	mu       sync.Mutex
	waiters  map[crypto.MessageID]*requestWaiter
	pingers  map[string]*requestWaiter
}

// NewTracker creates an empty request/response tracker.
func NewTracker() *Tracker {
	return &Tracker{
		waiters: make(map[crypto.MessageID]*requestWaiter),
		pingers: make(map[string]*requestWaiter),
	}
}

// Register arms a timeout timer for msgID and stores onResult, invoked
// exactly once: either from Complete, or from the timer with ok=false.
func (t *Tracker) Register(msgID crypto.MessageID, timeout time.Duration, onResult func(value interface{}, ok bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := &requestWaiter{onResult: onResult}
	w.timer = time.AfterFunc(timeout, func() {
		t.mu.Lock()
		_, stillPending := t.waiters[msgID]
		delete(t.waiters, msgID)
		t.mu.Unlock()
		if stillPending {
			onResult(nil, false)
		}
	})
	t.waiters[msgID] = w
}

// Complete delivers value to msgID's waiter, if one is still pending, and
// cancels its timer. A late arrival after the waiter already timed out is a
// silent no-op.
func (t *Tracker) Complete(msgID crypto.MessageID, value interface{}) bool {
	t.mu.Lock()
	w, ok := t.waiters[msgID]
	if ok {
		delete(t.waiters, msgID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.timer.Stop()
	w.onResult(value, true)
	return true
}

// Cancel stops msgID's timer and drops its waiter; its callback is never
// invoked, neither with a result nor on timeout.
func (t *Tracker) Cancel(msgID crypto.MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.waiters[msgID]; ok {
		w.timer.Stop()
		delete(t.waiters, msgID)
	}
}

// RegisterPing arms a PING timeout keyed by peer id rather than message id,
// since PING/PONG carry no correlation id.
func (t *Tracker) RegisterPing(peerIDHex string, timeout time.Duration, onResult func(success bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := &requestWaiter{}
	w.timer = time.AfterFunc(timeout, func() {
		t.mu.Lock()
		_, stillPending := t.pingers[peerIDHex]
		delete(t.pingers, peerIDHex)
		t.mu.Unlock()
		if stillPending {
			onResult(false)
		}
	})
	w.onResult = func(_ interface{}, ok bool) { onResult(ok) }
	t.pingers[peerIDHex] = w
}

// CompletePing resolves a pending PING waiter for peerIDHex as successful.
func (t *Tracker) CompletePing(peerIDHex string) bool {
	t.mu.Lock()
	w, ok := t.pingers[peerIDHex]
	if ok {
		delete(t.pingers, peerIDHex)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.timer.Stop()
	w.onResult(nil, true)
	return true
}

// CancelPing drops a pending PING waiter for peerIDHex, if any.
func (t *Tracker) CancelPing(peerIDHex string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.pingers[peerIDHex]; ok {
		w.timer.Stop()
		delete(t.pingers, peerIDHex)
	}
}
