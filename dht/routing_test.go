package dht

import (
	"testing"
	"time"

	"github.com/opd-ai/dhtkv/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingTableAddOrUpdateRoutesByBucketIndex(t *testing.T) {
	self := crypto.NodeID{}
	rt := NewRoutingTable(self)

	other := crypto.NodeID{}
	other[0] = 0x80 // differs at bit 0 -> bucket 0
	node := NewNode(other, other.String())

	result, idx := rt.AddOrUpdate(node)
	assert.Equal(t, ResultAdded, result)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 1, rt.Size())
}

func TestRoutingTableSelfNeverAdded(t *testing.T) {
	self := crypto.NodeID{}
	rt := NewRoutingTable(self)

	result, idx := rt.AddOrUpdate(NewNode(self, self.String()))
	assert.Equal(t, ResultUpdated, result)
	assert.Equal(t, -1, idx)
	assert.Equal(t, 0, rt.Size())
}

func TestRoutingTableFindClosestOrdersByXORDistance(t *testing.T) {
	self := crypto.NodeID{}
	rt := NewRoutingTable(self)

	target := crypto.NodeID{}
	target[31] = 0x0F

	near := crypto.NodeID{}
	near[31] = 0x0E // distance 0x01 from target
	far := crypto.NodeID{}
	far[31] = 0xF0 // much larger distance from target

	rt.AddOrUpdate(NewNode(near, near.String()))
	rt.AddOrUpdate(NewNode(far, far.String()))

	closest := rt.FindClosest(target, 2)
	require.Len(t, closest, 2)
	assert.Equal(t, near, closest[0].ID)
	assert.Equal(t, far, closest[1].ID)
}

func TestKBucketLRUOrdering(t *testing.T) {
	tp := crypto.GetDefaultTimeProvider()
	kb := newKBucket()

	a := NewNode(crypto.NodeID{1}, "a")
	b := NewNode(crypto.NodeID{2}, "b")
	kb.addOrUpdate(a, tp)
	kb.addOrUpdate(b, tp)

	assert.Equal(t, a.ID, kb.headOf().ID)

	// Touching a moves it to the most-recently-seen end, leaving b as head.
	kb.addOrUpdate(a, tp)
	assert.Equal(t, b.ID, kb.headOf().ID)
}

func TestKBucketReplacementPromotionOnEvict(t *testing.T) {
	tp := crypto.GetDefaultTimeProvider()
	kb := newKBucket()

	for i := 0; i < K; i++ {
		id := crypto.NodeID{}
		id[0] = byte(i + 1)
		kb.addOrUpdate(NewNode(id, id.String()), tp)
	}
	require.Len(t, kb.nodes, K)

	replacementID := crypto.NodeID{}
	replacementID[0] = 0xFF
	replacement := NewNode(replacementID, replacementID.String())
	result := kb.addOrUpdate(replacement, tp)
	assert.Equal(t, ResultFull, result)
	assert.Len(t, kb.nodes, K) // live bucket size unchanged
	require.Len(t, kb.replacement, 1)

	oldHead := kb.headOf()
	kb.evict()
	assert.Len(t, kb.nodes, K) // replacement promoted, size restored
	assert.Len(t, kb.replacement, 0)
	for _, n := range kb.nodes {
		assert.NotEqual(t, oldHead.ID, n.ID)
	}
	assert.Equal(t, replacementID, kb.nodes[K-1].ID)
}

func TestRoutingTableStaleBuckets(t *testing.T) {
	self := crypto.NodeID{}
	rt := NewRoutingTable(self)

	other := crypto.NodeID{}
	other[0] = 0x80
	rt.AddOrUpdate(NewNode(other, other.String()))

	assert.Empty(t, rt.StaleBuckets(time.Hour))

	rt.buckets[0].lastUsed = time.Now().Add(-2 * time.Hour)
	assert.Contains(t, rt.StaleBuckets(time.Hour), 0)
}
