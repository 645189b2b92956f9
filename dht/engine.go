package dht

import (
	"sync"
	"time"

	"github.com/opd-ai/dhtkv/crypto"
	"github.com/opd-ai/dhtkv/transport"
	"github.com/sirupsen/logrus"
)

// seenKey identifies a single inbound FIND_NODE for duplicate suppression.
type seenKey struct {
	peerIDHex string
	msgID     crypto.MessageID
}

// Engine is the protocol dispatcher: it implements transport.Sink, drives
// routing-table and store mutations from inbound traffic, and exposes the
// blocking send* operations that the iterative lookup and value store build
// on.
//
//export DHTEngine
type Engine struct {
	self    crypto.NodeID
	selfHex string
	link    transport.PeerLink

	routing *RoutingTable
	tracker *Tracker
	store   *Store
	tp      crypto.TimeProvider

	signalSink transport.SignalSink

	seenMu sync.Mutex
	seen   map[seenKey]time.Time

	dialMu  sync.Mutex
	dialing map[string]time.Time
}

// NewEngine wires an Engine to link, registering itself as the link's sink.
func NewEngine(self crypto.NodeID, link transport.PeerLink) *Engine {
	return NewEngineWithTimeProvider(self, link, nil)
}

// NewEngineWithTimeProvider is NewEngine with an injectable TimeProvider,
// used by deterministic tests.
func NewEngineWithTimeProvider(self crypto.NodeID, link transport.PeerLink, tp crypto.TimeProvider) *Engine {
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	e := &Engine{
		self:    self,
		selfHex: self.String(),
		link:    link,
		routing: NewRoutingTableWithTimeProvider(self, tp),
		tracker: NewTracker(),
		store:   NewStoreWithTimeProvider(tp),
		tp:      tp,
		seen:    make(map[seenKey]time.Time),
		dialing: make(map[string]time.Time),
	}
	link.SetSink(e)
	return e
}

// SetSignalSink registers the optional receiver of SIGNAL_{OFFER,ANSWER,ICE}
// frames; the engine forwards these without ever inspecting their payload.
func (e *Engine) SetSignalSink(sink transport.SignalSink) {
	e.signalSink = sink
}

func (e *Engine) log(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"package": "dht", "function": function})
}

// OnPeerConnected implements transport.Sink: the peer's hex address is
// treated as its NodeID, added to the routing table, and the bucket-full
// LRU-probe policy is applied if its bucket was already full.
func (e *Engine) OnPeerConnected(peerIDHex string) {
	e.dialMu.Lock()
	delete(e.dialing, peerIDHex)
	e.dialMu.Unlock()

	id, err := crypto.NodeIDFromHex(peerIDHex)
	if err != nil {
		e.log("OnPeerConnected").WithField("peer", peerIDHex).Warn("peer id is not a valid node id, dropping")
		e.link.DropPeer(peerIDHex)
		return
	}
	e.touch(id, peerIDHex)
}

// OnPeerDisconnected implements transport.Sink. Pending requests addressed
// to this peer are not explicitly failed: with no response ever arriving,
// each one's own timer fires the timeout branch, timer expiry being the
// only cancellation path a pending request has.
func (e *Engine) OnPeerDisconnected(peerIDHex string) {
	id, err := crypto.NodeIDFromHex(peerIDHex)
	if err != nil {
		return
	}
	e.routing.Remove(id)
}

// OnMessage implements transport.Sink: decode-and-dispatch by type.
func (e *Engine) OnMessage(peerIDHex string, frame []byte) {
	msgType, err := DecodeType(frame)
	if err != nil {
		e.log("OnMessage").WithField("peer", peerIDHex).Debug("dropping empty frame")
		return
	}

	switch msgType {
	case TypePing:
		e.handlePing(peerIDHex, frame)
	case TypePong:
		e.handlePong(peerIDHex, frame)
	case TypeFindNode:
		e.handleFindNode(peerIDHex, frame)
	case TypeFindNodeResponse:
		e.handleFindNodeResponse(peerIDHex, frame)
	case TypeStore:
		e.handleStore(peerIDHex, frame)
	case TypeStoreAck:
		e.handleStoreAck(peerIDHex, frame)
	case TypeFindValue:
		e.handleFindValue(peerIDHex, frame)
	case TypeFindValueResponse:
		e.handleFindValueResponse(peerIDHex, frame)
	case TypeHasValue:
		e.handleHasValue(peerIDHex, frame)
	case TypeHasValueResponse:
		e.handleHasValueResponse(peerIDHex, frame)
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICE:
		if e.signalSink != nil {
			e.signalSink.HandleSignal(peerIDHex, byte(msgType), frame[1:])
		}
	default:
		e.log("OnMessage").WithField("type", msgType).Debug("unknown message type, dropping")
	}
}

// touch records contact with id, resolving a bucket-full result via the
// LRU-probe policy.
func (e *Engine) touch(id crypto.NodeID, peerIDHex string) {
	if id == e.self {
		return
	}
	node := NewNodeWithTimeProvider(id, peerIDHex, e.tp)
	result, idx := e.routing.AddOrUpdate(node)
	if result == ResultFull {
		e.lruProbe(idx, node)
	}
}

// lruProbe implements the bucket-full policy: ping the bucket's head, and
// evict it in favor of the newcomer only if it fails to answer (or is
// already known to be disconnected).
func (e *Engine) lruProbe(bucketIdx int, newcomer *Node) {
	head := e.routing.HeadOf(bucketIdx)
	if head == nil {
		return
	}
	if !e.link.IsConnected(head.PeerIDHex) {
		e.routing.Evict(bucketIdx)
		e.routing.AddOrUpdate(newcomer)
		return
	}

	e.sendPingAsync(head.PeerIDHex, func(success bool) {
		if success {
			head.RecordPingResponseWithTimeProvider(true, e.tp)
			return
		}
		head.RecordPingResponseWithTimeProvider(false, e.tp)
		e.routing.Evict(bucketIdx)
		e.routing.AddOrUpdate(newcomer)
	})
}

// sendPingAsync sends a PING to peerIDHex and invokes onResult once, either
// on PONG or on the 3-second bucket-full deadline.
func (e *Engine) sendPingAsync(peerIDHex string, onResult func(success bool)) {
	e.tracker.RegisterPing(peerIDHex, pingTimeout, onResult)
	_ = e.link.Send(peerIDHex, EncodePing(PingMsg{NodeID: e.self}))
}

// Ping sends a PING to peerIDHex and blocks until PONG or timeout.
func (e *Engine) Ping(peerIDHex string) bool {
	result := make(chan bool, 1)
	e.sendPingAsync(peerIDHex, func(success bool) { result <- success })
	return <-result
}

func (e *Engine) handlePing(peerIDHex string, frame []byte) {
	msg, err := DecodePing(frame)
	if err != nil {
		e.log("handlePing").Debug("malformed PING, dropping frame")
		return
	}
	if msg.NodeID.String() != peerIDHex {
		e.log("handlePing").WithField("peer", peerIDHex).Warn("identity mismatch, dropping peer")
		e.link.DropPeer(peerIDHex)
		return
	}
	e.touch(msg.NodeID, peerIDHex)
	_ = e.link.Send(peerIDHex, EncodePong(PongMsg{NodeID: e.self}))
}

func (e *Engine) handlePong(peerIDHex string, frame []byte) {
	msg, err := DecodePong(frame)
	if err != nil {
		e.log("handlePong").Debug("malformed PONG, dropping frame")
		return
	}
	if msg.NodeID.String() != peerIDHex {
		e.log("handlePong").WithField("peer", peerIDHex).Warn("identity mismatch, dropping peer")
		e.link.DropPeer(peerIDHex)
		return
	}
	e.touch(msg.NodeID, peerIDHex)
	e.tracker.CompletePing(peerIDHex)
}

func (e *Engine) handleFindNode(peerIDHex string, frame []byte) {
	msg, err := DecodeFindNode(frame)
	if err != nil {
		e.log("handleFindNode").Debug("malformed FIND_NODE, dropping frame")
		return
	}
	key := seenKey{peerIDHex: peerIDHex, msgID: msg.MsgID}
	e.seenMu.Lock()
	if _, dup := e.seen[key]; dup {
		e.seenMu.Unlock()
		return
	}
	e.seen[key] = e.tp.Now()
	e.seenMu.Unlock()

	closest := e.routing.FindClosest(msg.Target, K)
	ids := make([]crypto.NodeID, len(closest))
	for i, n := range closest {
		ids[i] = n.ID
	}
	_ = e.link.Send(peerIDHex, EncodeFindNodeResponse(FindNodeResponseMsg{MsgID: msg.MsgID, Nodes: ids}))
}

func (e *Engine) handleFindNodeResponse(peerIDHex string, frame []byte) {
	msg, err := DecodeFindNodeResponse(frame)
	if err != nil {
		e.log("handleFindNodeResponse").Debug("malformed FIND_NODE_RESPONSE, dropping frame")
		return
	}
	filtered := e.filterAndLearn(msg.Nodes)
	e.tracker.Complete(msg.MsgID, filtered)
}

// filterAndLearn drops self from a peer-supplied node list (self never
// appears in its own lookup results) and feeds each remaining id back into
// the routing table.
func (e *Engine) filterAndLearn(nodes []crypto.NodeID) []crypto.NodeID {
	out := make([]crypto.NodeID, 0, len(nodes))
	for _, id := range nodes {
		if id == e.self {
			continue
		}
		out = append(out, id)
		e.touch(id, id.String())
	}
	return out
}

func (e *Engine) handleStore(peerIDHex string, frame []byte) {
	msg, err := DecodeStore(frame)
	if err != nil {
		e.log("handleStore").Debug("malformed STORE, dropping frame")
		return
	}
	if id, idErr := crypto.NodeIDFromHex(peerIDHex); idErr == nil {
		e.touch(id, peerIDHex)
	}
	if e.store.Upsert(msg.Key, msg.Record, false, storeTTL) {
		_ = e.link.Send(peerIDHex, EncodeStoreAck(StoreAckMsg{MsgID: msg.MsgID}))
	}
}

func (e *Engine) handleStoreAck(peerIDHex string, frame []byte) {
	msg, err := DecodeStoreAck(frame)
	if err != nil {
		e.log("handleStoreAck").Debug("malformed STORE_ACK, dropping frame")
		return
	}
	if id, idErr := crypto.NodeIDFromHex(peerIDHex); idErr == nil {
		e.touch(id, peerIDHex)
	}
	e.tracker.Complete(msg.MsgID, true)
}

func (e *Engine) handleFindValue(peerIDHex string, frame []byte) {
	msg, err := DecodeFindValue(frame)
	if err != nil {
		e.log("handleFindValue").Debug("malformed FIND_VALUE, dropping frame")
		return
	}
	if entry, ok := e.store.Get(msg.Key); ok {
		resp, encErr := EncodeFindValueResponse(FindValueResponseMsg{MsgID: msg.MsgID, Found: true, Record: entry.Record})
		if encErr != nil {
			e.log("handleFindValue").WithField("error", encErr.Error()).Warn("failed to encode record response")
			return
		}
		_ = e.link.Send(peerIDHex, resp)
		return
	}
	closest := e.routing.FindClosest(msg.Key, K)
	ids := make([]crypto.NodeID, len(closest))
	for i, n := range closest {
		ids[i] = n.ID
	}
	resp, _ := EncodeFindValueResponse(FindValueResponseMsg{MsgID: msg.MsgID, Found: false, Nodes: ids})
	_ = e.link.Send(peerIDHex, resp)
}

// findValueResult is what a pending FIND_VALUE waiter resolves to.
type findValueResult struct {
	found  bool
	record Record
	nodes  []crypto.NodeID
}

func (e *Engine) handleFindValueResponse(peerIDHex string, frame []byte) {
	msg, err := DecodeFindValueResponse(frame)
	if err != nil {
		e.log("handleFindValueResponse").Debug("malformed FIND_VALUE_RESPONSE, dropping frame")
		return
	}
	result := findValueResult{found: msg.Found, record: msg.Record}
	if !msg.Found {
		result.nodes = e.filterAndLearn(msg.Nodes)
	}
	e.tracker.Complete(msg.MsgID, result)
}

func (e *Engine) handleHasValue(peerIDHex string, frame []byte) {
	msg, err := DecodeHasValue(frame)
	if err != nil {
		e.log("handleHasValue").Debug("malformed HAS_VALUE, dropping frame")
		return
	}
	_ = e.link.Send(peerIDHex, EncodeHasValueResponse(HasValueResponseMsg{MsgID: msg.MsgID, Has: e.store.Has(msg.Key)}))
}

func (e *Engine) handleHasValueResponse(peerIDHex string, frame []byte) {
	msg, err := DecodeHasValueResponse(frame)
	if err != nil {
		e.log("handleHasValueResponse").Debug("malformed HAS_VALUE_RESPONSE, dropping frame")
		return
	}
	e.tracker.Complete(msg.MsgID, msg.Has)
}

// DialHint issues a rate-limited connect hint toward peerIDHex, enforcing
// MaxDials simultaneous outstanding dials. Returns false if the cap is
// already reached.
func (e *Engine) DialHint(peerIDHex string) bool {
	e.dialMu.Lock()
	defer e.dialMu.Unlock()

	if _, already := e.dialing[peerIDHex]; already {
		return true
	}
	if len(e.dialing) >= MaxDials {
		return false
	}
	e.dialing[peerIDHex] = e.tp.Now()
	e.link.ConnectHint(peerIDHex)
	return true
}

// GCSeen drops seen-requests entries older than seenRequestMaxAge, the
// scheduler's periodic cleanup task.
func (e *Engine) GCSeen() {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	now := e.tp.Now()
	for k, t := range e.seen {
		if now.Sub(t) > seenRequestMaxAge {
			delete(e.seen, k)
		}
	}
}

// GCDialing clears stale dial-in-flight markers so a peer that never
// connects doesn't permanently consume a MaxDials slot.
func (e *Engine) GCDialing(maxAge time.Duration) {
	e.dialMu.Lock()
	defer e.dialMu.Unlock()
	now := e.tp.Now()
	for peer, t := range e.dialing {
		if now.Sub(t) > maxAge {
			delete(e.dialing, peer)
		}
	}
}

// Self returns the engine's own NodeID.
func (e *Engine) Self() crypto.NodeID { return e.self }

// Routing returns the engine's routing table, for inspection and the
// scheduler.
func (e *Engine) Routing() *RoutingTable { return e.routing }

// ValueStore returns the engine's value store, for inspection and the
// scheduler.
func (e *Engine) ValueStore() *Store { return e.store }

// Link returns the underlying PeerLink, for inspection.
func (e *Engine) Link() transport.PeerLink { return e.link }

// sendStoreFireAndForget sends a STORE to peerIDHex without waiting for its
// STORE_ACK, used by republish, repair, and opportunistic caching, all of
// which tolerate silent drops (the next scheduler tick retries).
func (e *Engine) sendStoreFireAndForget(peerIDHex string, key crypto.NodeID, rec Record) {
	msgID, err := crypto.NewMessageID()
	if err != nil {
		return
	}
	frame, err := EncodeStore(StoreMsg{MsgID: msgID, Key: key, Record: rec})
	if err != nil {
		e.log("sendStoreFireAndForget").WithField("error", err.Error()).Warn("failed to encode record for store")
		return
	}
	_ = e.link.Send(peerIDHex, frame)
}

// sendStore sends a STORE and blocks until STORE_ACK or storeTimeout,
// reporting whether the remote acknowledged it.
func (e *Engine) sendStore(peerIDHex string, key crypto.NodeID, rec Record) bool {
	msgID, err := crypto.NewMessageID()
	if err != nil {
		return false
	}
	frame, err := EncodeStore(StoreMsg{MsgID: msgID, Key: key, Record: rec})
	if err != nil {
		e.log("sendStore").WithField("error", err.Error()).Warn("failed to encode record for store")
		return false
	}
	result := make(chan bool, 1)
	e.tracker.Register(msgID, storeTimeout, func(value interface{}, ok bool) {
		result <- ok
	})
	_ = e.link.Send(peerIDHex, frame)
	return <-result
}

// sendHasValue sends a HAS_VALUE and blocks until HAS_VALUE_RESPONSE or
// hasValueTimeout.
func (e *Engine) sendHasValue(peerIDHex string, key crypto.NodeID) (bool, bool) {
	msgID, err := crypto.NewMessageID()
	if err != nil {
		return false, false
	}
	result := make(chan struct {
		has bool
		ok  bool
	}, 1)
	e.tracker.Register(msgID, hasValueTimeout, func(value interface{}, ok bool) {
		if !ok {
			result <- struct {
				has bool
				ok  bool
			}{false, false}
			return
		}
		result <- struct {
			has bool
			ok  bool
		}{value.(bool), true}
	})
	_ = e.link.Send(peerIDHex, EncodeHasValue(HasValueMsg{MsgID: msgID, Key: key}))
	r := <-result
	return r.has, r.ok
}

// QuorumNotMetError reports that a StoreValue call could not reach enough
// replicas before its deadline.
type QuorumNotMetError struct {
	Acks   int
	Needed int
}

func (e *QuorumNotMetError) Error() string {
	return "quorum not met for store"
}

// StoreValue publishes (key, value) as a fresh record stamped with the
// engine's own identity, replicating it to the K nodes closest to key and
// marking the local copy as publisher-owned only if write quorum was
// reached. Returns QuorumNotMetError (with ack/need counts) if fewer than
// WriteQuorum replicas acknowledged before storeTimeout elapses.
func (e *Engine) StoreValue(key crypto.NodeID, value []byte, ts int64) error {
	rec := Record{Data: value, TS: ts, Pub: e.selfHex}
	closest := e.lookup(key, false).closest

	var wg sync.WaitGroup
	var mu sync.Mutex
	acks := 0

	for _, id := range closest {
		peerIDHex := id.String()
		if !e.link.IsConnected(peerIDHex) {
			e.DialHint(peerIDHex)
			continue
		}
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			if e.sendStore(peer, key, rec) {
				mu.Lock()
				acks++
				mu.Unlock()
			}
		}(peerIDHex)
	}
	wg.Wait()

	e.store.Upsert(key, rec, acks >= WriteQuorum, storeTTL)

	if acks < WriteQuorum {
		return &QuorumNotMetError{Acks: acks, Needed: WriteQuorum}
	}
	return nil
}

// GetValue returns the record for key from the local store if held and
// unexpired; otherwise it runs an iterative FIND_VALUE lookup, caching any
// record found locally (non-publisher, CACHE_TTL) and opportunistically
// storing it at the closest connected node in the traversed shortlist other
// than the node whose response supplied the record.
func (e *Engine) GetValue(key crypto.NodeID) ([]byte, bool) {
	if entry, ok := e.store.Get(key); ok {
		return entry.Record.Data, true
	}

	result := e.lookup(key, true)
	if result.record == nil {
		return nil, false
	}

	e.store.Upsert(key, *result.record, false, cacheTTL)
	e.cacheAtNearestMiss(key, *result.record, result.holder, result.closest)
	return result.record.Data, true
}

// cacheAtNearestMiss fire-and-forget STOREs the discovered record at the
// connected shortlist node nearest to key that isn't the node that actually
// held it, per the lookup's opportunistic-caching behavior. shortlist is the
// lookup's final shortlist, nearest first.
func (e *Engine) cacheAtNearestMiss(key crypto.NodeID, rec Record, holder crypto.NodeID, shortlist []crypto.NodeID) {
	for _, id := range shortlist {
		if id == holder {
			continue
		}
		peerIDHex := id.String()
		if !e.link.IsConnected(peerIDHex) {
			continue
		}
		e.sendStoreFireAndForget(peerIDHex, key, rec)
		break
	}
}
