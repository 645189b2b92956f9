package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/dhtkv/crypto"
)

// dialWait bounds how long a lookup probe waits for a dial hint to land a
// connection before giving up on that candidate for this round.
const dialWait = 2 * time.Second

// shortlistEntry tracks one candidate node's progress through an iterative
// lookup: whether it has been queried yet.
type shortlistEntry struct {
	node    *Node
	queried bool
}

// lookupResult is what an iterative lookup converges to: the closest
// connected-or-known nodes to the target, and (for findValue) the best
// record observed.
type lookupResult struct {
	closest []crypto.NodeID
	record  *Record
	holder  crypto.NodeID // node whose response supplied record, for caching
}

// lookup runs the iterative, alpha-parallel FIND_NODE (or FIND_VALUE, when
// wantValue is true) walk toward target, starting from the engine's own
// routing table. It terminates when no unqueried shortlist entry remains or
// when a round discovers no node closer than the best already known; finding
// a record does not end the walk early, and the best record seen is kept.
func (e *Engine) lookup(target crypto.NodeID, wantValue bool) lookupResult {
	shortlist := newShortlist(e.self, target)
	seedCandidates(shortlist, e.routing.FindClosest(target, K))

	var best *Record
	var bestHolder crypto.NodeID
	var mu sync.Mutex

	for {
		batch := shortlist.nextUnqueried(Alpha)
		if len(batch) == 0 {
			break
		}

		closestBefore := shortlist.closestDistance(target)

		var wg sync.WaitGroup
		for _, entry := range batch {
			entry.queried = true
			wg.Add(1)
			go func(n *Node) {
				defer wg.Done()
				e.probe(n, target, wantValue, shortlist, &mu, &best, &bestHolder)
			}(entry.node)
		}
		wg.Wait()

		if !shortlist.closerThan(target, closestBefore) || shortlist.allQueried() {
			break
		}
	}

	result := lookupResult{closest: shortlist.closestIDs(K, target)}
	if best != nil {
		result.record = best
		result.holder = bestHolder
	}
	return result
}

// probe queries a single candidate and folds its response back into the
// shortlist (and, for findValue, into the best-record-seen tracker).
func (e *Engine) probe(n *Node, target crypto.NodeID, wantValue bool, shortlist *shortlist, mu *sync.Mutex, best **Record, bestHolder *crypto.NodeID) {
	if !e.link.IsConnected(n.PeerIDHex) {
		if !e.DialHint(n.PeerIDHex) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), dialWait)
		connected := e.link.WaitForPeer(ctx, n.PeerIDHex)
		cancel()
		if !connected {
			return
		}
	}

	if wantValue {
		rec, found, nodes, ok := e.sendFindValue(n.PeerIDHex, target)
		if !ok {
			return
		}
		if found {
			mu.Lock()
			if *best == nil || rec.Newer(**best) {
				r := rec
				*best = &r
				*bestHolder = n.ID
			}
			mu.Unlock()
			return
		}
		shortlist.merge(nodes, e)
		return
	}

	nodes, ok := e.sendFindNode(n.PeerIDHex, target)
	if !ok {
		return
	}
	shortlist.merge(nodes, e)
}

// sendFindNode blocks the calling goroutine (one per in-flight probe, never
// the Sink-callback goroutine) until a FIND_NODE_RESPONSE arrives or the
// request times out.
func (e *Engine) sendFindNode(peerIDHex string, target crypto.NodeID) ([]crypto.NodeID, bool) {
	msgID, err := crypto.NewMessageID()
	if err != nil {
		return nil, false
	}
	result := make(chan []crypto.NodeID, 1)
	e.tracker.Register(msgID, findNodeTimeout, func(value interface{}, ok bool) {
		if !ok {
			result <- nil
			return
		}
		result <- value.([]crypto.NodeID)
	})
	_ = e.link.Send(peerIDHex, EncodeFindNode(FindNodeMsg{MsgID: msgID, Target: target}))
	nodes := <-result
	return nodes, nodes != nil
}

// sendFindValue is sendFindNode's FIND_VALUE counterpart, returning either a
// record or a fallback node list.
func (e *Engine) sendFindValue(peerIDHex string, key crypto.NodeID) (Record, bool, []crypto.NodeID, bool) {
	msgID, err := crypto.NewMessageID()
	if err != nil {
		return Record{}, false, nil, false
	}
	result := make(chan findValueResult, 1)
	timedOut := make(chan struct{})
	e.tracker.Register(msgID, findValueTimeout, func(value interface{}, ok bool) {
		if !ok {
			close(timedOut)
			return
		}
		result <- value.(findValueResult)
	})
	_ = e.link.Send(peerIDHex, EncodeFindValue(FindValueMsg{MsgID: msgID, Key: key}))
	select {
	case r := <-result:
		return r.record, r.found, r.nodes, true
	case <-timedOut:
		return Record{}, false, nil, false
	}
}

// shortlist is the iterative lookup's working set: every node discovered so
// far, ordered by XOR distance to the target, deduplicated by id.
type shortlist struct {
	self    crypto.NodeID
	target  crypto.NodeID
	mu      sync.Mutex
	entries map[crypto.NodeID]*shortlistEntry
}

func newShortlist(self, target crypto.NodeID) *shortlist {
	return &shortlist{self: self, target: target, entries: make(map[crypto.NodeID]*shortlistEntry)}
}

func seedCandidates(sl *shortlist, nodes []*Node) {
	for _, n := range nodes {
		sl.entries[n.ID] = &shortlistEntry{node: n}
	}
}

// merge folds a batch of peer-supplied node ids into the shortlist,
// excluding self (the lookup's self-exclusion invariant) and skipping ids
// already present, then re-sorts by distance and truncates back to K
// entries so the shortlist never grows unbounded across lookup rounds.
func (sl *shortlist) merge(ids []crypto.NodeID, e *Engine) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, id := range ids {
		if id == sl.self {
			continue
		}
		if _, ok := sl.entries[id]; ok {
			continue
		}
		sl.entries[id] = &shortlistEntry{node: NewNodeWithTimeProvider(id, id.String(), e.tp)}
	}

	sorted := sl.sortedLocked()
	if len(sorted) <= K {
		return
	}
	kept := make(map[crypto.NodeID]*shortlistEntry, K)
	for _, entry := range sorted[:K] {
		kept[entry.node.ID] = entry
	}
	sl.entries = kept
}

// nextUnqueried returns up to n not-yet-queried entries, closest first.
func (sl *shortlist) nextUnqueried(n int) []*shortlistEntry {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	all := sl.sortedLocked()
	var batch []*shortlistEntry
	for _, e := range all {
		if !e.queried {
			batch = append(batch, e)
			if len(batch) == n {
				break
			}
		}
	}
	return batch
}

func (sl *shortlist) sortedLocked() []*shortlistEntry {
	out := make([]*shortlistEntry, 0, len(sl.entries))
	for _, e := range sl.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return crypto.Less(crypto.XOR(out[i].node.ID, sl.target), crypto.XOR(out[j].node.ID, sl.target))
	})
	return out
}

func (sl *shortlist) allQueried() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, e := range sl.entries {
		if !e.queried {
			return false
		}
	}
	return true
}

// closestDistance returns the XOR distance of the current closest entry, or
// nil if the shortlist is empty.
func (sl *shortlist) closestDistance(target crypto.NodeID) *crypto.NodeID {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sorted := sl.sortedLocked()
	if len(sorted) == 0 {
		return nil
	}
	d := crypto.XOR(sorted[0].node.ID, target)
	return &d
}

// closerThan reports whether the shortlist's current closest entry is
// strictly closer than prior, the lookup's termination condition.
func (sl *shortlist) closerThan(target crypto.NodeID, prior *crypto.NodeID) bool {
	cur := sl.closestDistance(target)
	if cur == nil {
		return false
	}
	if prior == nil {
		return true
	}
	return crypto.Less(*cur, *prior)
}

func (sl *shortlist) closestIDs(n int, target crypto.NodeID) []crypto.NodeID {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sorted := sl.sortedLocked()
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]crypto.NodeID, len(sorted))
	for i, e := range sorted {
		out[i] = e.node.ID
	}
	return out
}
