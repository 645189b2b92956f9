package dht

import (
	"testing"
	"time"

	"github.com/opd-ai/dhtkv/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreUpsertRejectsOlderRecord(t *testing.T) {
	store := NewStore()
	key, err := crypto.NewNodeID()
	require.NoError(t, err)

	newer := Record{TS: 200, Pub: "aa", Data: []byte("v2")}
	older := Record{TS: 100, Pub: "aa", Data: []byte("v1")}

	assert.True(t, store.Upsert(key, newer, false, time.Hour))
	assert.False(t, store.Upsert(key, older, false, time.Hour))

	entry, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, newer, entry.Record)
}

func TestStoreUpsertAcceptsStrictlyNewerRecord(t *testing.T) {
	store := NewStore()
	key, err := crypto.NewNodeID()
	require.NoError(t, err)

	first := Record{TS: 100, Pub: "aa", Data: []byte("v1")}
	second := Record{TS: 200, Pub: "aa", Data: []byte("v2")}

	assert.True(t, store.Upsert(key, first, false, time.Hour))
	assert.True(t, store.Upsert(key, second, false, time.Hour))

	entry, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, second, entry.Record)
}

func TestStoreGetExpires(t *testing.T) {
	tp := &fixedTimeProvider{now: time.Now()}
	store := NewStoreWithTimeProvider(tp)
	key, err := crypto.NewNodeID()
	require.NoError(t, err)

	store.Upsert(key, Record{TS: 1, Pub: "aa"}, false, time.Minute)
	_, ok := store.Get(key)
	assert.True(t, ok)

	tp.now = tp.now.Add(2 * time.Minute)
	_, ok = store.Get(key)
	assert.False(t, ok)
}

func TestStoreReapExpiredRemovesStaleEntries(t *testing.T) {
	tp := &fixedTimeProvider{now: time.Now()}
	store := NewStoreWithTimeProvider(tp)
	key, err := crypto.NewNodeID()
	require.NoError(t, err)

	store.Upsert(key, Record{TS: 1, Pub: "aa"}, false, time.Minute)
	tp.now = tp.now.Add(2 * time.Minute)

	assert.Equal(t, 1, store.ReapExpired())
	assert.Equal(t, 0, store.Size())
}

func TestStorePublisherEntriesOnlyPublisherOwned(t *testing.T) {
	store := NewStore()
	pubKey, err := crypto.NewNodeID()
	require.NoError(t, err)
	cacheKey, err := crypto.NewNodeID()
	require.NoError(t, err)

	store.Upsert(pubKey, Record{TS: 1, Pub: "aa"}, true, time.Hour)
	store.Upsert(cacheKey, Record{TS: 1, Pub: "bb"}, false, time.Hour)

	entries := store.PublisherEntries()
	assert.Len(t, entries, 1)
	_, ok := entries[pubKey]
	assert.True(t, ok)
}

func TestStoreHasReflectsExpiry(t *testing.T) {
	store := NewStore()
	key, err := crypto.NewNodeID()
	require.NoError(t, err)

	assert.False(t, store.Has(key))
	store.Upsert(key, Record{TS: 1, Pub: "aa"}, false, time.Hour)
	assert.True(t, store.Has(key))
}
