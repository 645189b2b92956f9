package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/dhtkv/crypto"
)

// AddResult describes what addOrUpdate did with a candidate node.
type AddResult int

const (
	// ResultAdded means the node was new and the bucket had room.
	ResultAdded AddResult = iota
	// ResultUpdated means an existing entry was refreshed and moved to the
	// most-recently-seen end of the bucket.
	ResultUpdated
	// ResultFull means the bucket was full of good nodes and the candidate
	// was placed in the replacement cache instead; the caller should probe
	// the bucket's head node (headOf) and evict it if it fails to answer.
	ResultFull
)

// replacementCacheSize bounds the FIFO replacement cache kept alongside
// each full bucket.
const replacementCacheSize = K

// KBucket holds up to K nodes whose XOR distance from self falls in one
// bucket's range, ordered least- to most-recently-seen, plus a bounded FIFO
// replacement cache of nodes seen while the bucket was full.
//
//export DHTKBucket
type KBucket struct {
	nodes       []*Node
	replacement []*Node
	lastUsed    time.Time
}

func newKBucket() *KBucket {
	return &KBucket{
		nodes:       make([]*Node, 0, K),
		replacement: make([]*Node, 0, replacementCacheSize),
	}
}

// addOrUpdate inserts or refreshes node within this bucket per Kademlia
// discipline: an existing entry moves to the tail (most recently seen); a
// new entry is appended if there is room; otherwise it lands in the
// replacement cache and ResultFull is returned so the caller can decide
// whether to probe the bucket's head.
func (kb *KBucket) addOrUpdate(node *Node, tp crypto.TimeProvider) AddResult {
	kb.lastUsed = tp.Now()

	for i, existing := range kb.nodes {
		if existing.ID == node.ID {
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			kb.nodes = append(kb.nodes, node)
			return ResultUpdated
		}
	}

	if len(kb.nodes) < K {
		kb.nodes = append(kb.nodes, node)
		return ResultAdded
	}

	kb.pushReplacement(node)
	return ResultFull
}

func (kb *KBucket) pushReplacement(node *Node) {
	for i, existing := range kb.replacement {
		if existing.ID == node.ID {
			kb.replacement = append(kb.replacement[:i], kb.replacement[i+1:]...)
			break
		}
	}
	kb.replacement = append(kb.replacement, node)
	if len(kb.replacement) > replacementCacheSize {
		kb.replacement = kb.replacement[len(kb.replacement)-replacementCacheSize:]
	}
}

// headOf returns the least-recently-seen node in the bucket, the one a
// bucket-full policy pings before deciding whether to evict it.
func (kb *KBucket) headOf() *Node {
	if len(kb.nodes) == 0 {
		return nil
	}
	return kb.nodes[0]
}

// evict drops the bucket's head node and promotes the oldest replacement
// cache entry into its place, if one exists.
func (kb *KBucket) evict() {
	if len(kb.nodes) == 0 {
		return
	}
	kb.nodes = kb.nodes[1:]
	if len(kb.replacement) > 0 {
		promoted := kb.replacement[0]
		kb.replacement = kb.replacement[1:]
		kb.nodes = append(kb.nodes, promoted)
	}
}

// remove drops id from the bucket (and its replacement cache) if present.
func (kb *KBucket) remove(id crypto.NodeID) bool {
	for i, n := range kb.nodes {
		if n.ID == id {
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			return true
		}
	}
	for i, n := range kb.replacement {
		if n.ID == id {
			kb.replacement = append(kb.replacement[:i], kb.replacement[i+1:]...)
			return true
		}
	}
	return false
}

func (kb *KBucket) all() []*Node {
	out := make([]*Node, len(kb.nodes))
	copy(out, kb.nodes)
	return out
}

// RoutingTable is the Kademlia routing structure of the DHT engine: 256
// k-buckets indexed by XOR-distance bit position. Every method takes rt.mu,
// so the table is safe for concurrent use; the read-only methods (Size,
// Dump, StaleBuckets, HeadOf) take the read lock.
//
//export DHTRoutingTable
type RoutingTable struct {
	self    crypto.NodeID
	buckets [crypto.IDLength * 8]*KBucket
	tp      crypto.TimeProvider

	mu sync.RWMutex
}

// NewRoutingTable creates a routing table owned by self.
func NewRoutingTable(self crypto.NodeID) *RoutingTable {
	return NewRoutingTableWithTimeProvider(self, nil)
}

// NewRoutingTableWithTimeProvider creates a routing table using tp for all
// bucket timestamps; tp may be nil to use the package default.
func NewRoutingTableWithTimeProvider(self crypto.NodeID, tp crypto.TimeProvider) *RoutingTable {
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	rt := &RoutingTable{self: self, tp: tp}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket()
	}
	return rt
}

// AddOrUpdate routes node to its bucket and applies addOrUpdate there.
// Adding self is a no-op that reports ResultUpdated: self is never a member
// of its own routing table.
func (rt *RoutingTable) AddOrUpdate(node *Node) (AddResult, int) {
	if node.ID == rt.self {
		return ResultUpdated, -1
	}

	idx := crypto.BucketIndex(rt.self, node.ID)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].addOrUpdate(node, rt.tp), idx
}

// HeadOf returns the least-recently-seen node of bucket idx, for the
// bucket-full liveness probe.
func (rt *RoutingTable) HeadOf(idx int) *Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[idx].headOf()
}

// Evict drops the head of bucket idx, promoting a replacement if one is
// cached.
func (rt *RoutingTable) Evict(idx int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].evict()
}

// Remove drops id from the routing table entirely.
func (rt *RoutingTable) Remove(id crypto.NodeID) bool {
	idx := crypto.BucketIndex(rt.self, id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].remove(id)
}

// FindClosest returns up to count nodes closest to target, scanning
// outward from target's own bucket index and alternating to neighboring
// buckets on either side until enough candidates are gathered, then sorting
// the candidate set by exact XOR distance. This bounds the scan to a small
// number of buckets in the common case instead of always walking all 256.
// Every non-empty bucket visited has its lastUsed stamped, since a
// FindClosest that draws candidates from a bucket counts as a touch of it,
// the same as addOrUpdate.
func (rt *RoutingTable) FindClosest(target crypto.NodeID, count int) []*Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	startIdx := crypto.BucketIndex(rt.self, target)
	candidates := make([]*Node, 0, count*2)

	candidates = append(candidates, rt.touchAndCollect(startIdx)...)
	for offset := 1; len(candidates) < count*2 && (startIdx-offset >= 0 || startIdx+offset < len(rt.buckets)); offset++ {
		if startIdx-offset >= 0 {
			candidates = append(candidates, rt.touchAndCollect(startIdx-offset)...)
		}
		if startIdx+offset < len(rt.buckets) {
			candidates = append(candidates, rt.touchAndCollect(startIdx+offset)...)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return crypto.Less(crypto.XOR(candidates[i].ID, target), crypto.XOR(candidates[j].ID, target))
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// touchAndCollect returns bucket idx's nodes, stamping its lastUsed if it is
// non-empty. Callers must hold rt.mu for writing.
func (rt *RoutingTable) touchAndCollect(idx int) []*Node {
	bucket := rt.buckets[idx]
	nodes := bucket.all()
	if len(nodes) > 0 {
		bucket.lastUsed = rt.tp.Now()
	}
	return nodes
}

// Size returns the total number of nodes across every bucket.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total := 0
	for _, b := range rt.buckets {
		total += len(b.nodes)
	}
	return total
}

// Dump returns every node currently in the routing table, for diagnostics
// and test assertions.
func (rt *RoutingTable) Dump() []*Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []*Node
	for _, b := range rt.buckets {
		out = append(out, b.all()...)
	}
	return out
}

// StaleBuckets returns the indices of buckets not touched within maxAge,
// the set the scheduler's periodic refresh task walks.
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration) []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var stale []int
	for i, b := range rt.buckets {
		if len(b.nodes) > 0 && rt.tp.Since(b.lastUsed) > maxAge {
			stale = append(stale, i)
		}
	}
	return stale
}
