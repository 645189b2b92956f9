package dht

import (
	"sync"
	"time"

	"github.com/opd-ai/dhtkv/crypto"
)

// StoreEntry is a locally held record plus the bookkeeping needed for
// expiry, republish, and repair.
type StoreEntry struct {
	Record     Record
	ExpiresAt  time.Time
	Publisher  bool
	LastRepair time.Time
}

// Store is the engine's in-memory value store: a map from key id to the
// best known record for that key, with TTL-based expiry. Safe for concurrent
// use: every method takes s.mu.
type Store struct {
	mu      sync.RWMutex
	entries map[crypto.NodeID]*StoreEntry
	tp      crypto.TimeProvider
}

// NewStore creates an empty value store.
func NewStore() *Store {
	return NewStoreWithTimeProvider(nil)
}

// NewStoreWithTimeProvider creates an empty value store using tp for all
// expiry timestamps; tp may be nil to use the package default.
func NewStoreWithTimeProvider(tp crypto.TimeProvider) *Store {
	if tp == nil {
		tp = crypto.GetDefaultTimeProvider()
	}
	return &Store{entries: make(map[crypto.NodeID]*StoreEntry), tp: tp}
}

// Get returns the entry for keyID if present and not expired.
func (s *Store) Get(keyID crypto.NodeID) (*StoreEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[keyID]
	if !ok || s.tp.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// Upsert installs rec under keyID if no entry exists yet, or if rec is
// strictly newer than the held one (the STORE-receipt merge rule). Returns
// whether the store was mutated.
func (s *Store) Upsert(keyID crypto.NodeID, rec Record, publisher bool, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[keyID]
	if ok && !rec.Newer(existing.Record) {
		return false
	}
	s.entries[keyID] = &StoreEntry{
		Record:    rec,
		ExpiresAt: s.tp.Now().Add(ttl),
		Publisher: publisher,
	}
	return true
}

// MarkRepaired stamps keyID's LastRepair time, if it still has an entry.
func (s *Store) MarkRepaired(keyID crypto.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[keyID]; ok {
		e.LastRepair = s.tp.Now()
	}
}

// ReapExpired removes every entry whose ExpiresAt has passed.
func (s *Store) ReapExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tp.Now()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// PublisherEntries returns every currently-held entry with Publisher=true
// and not expired, the set the republish task walks.
func (s *Store) PublisherEntries() map[crypto.NodeID]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.tp.Now()
	out := make(map[crypto.NodeID]Record)
	for k, e := range s.entries {
		if e.Publisher && now.Before(e.ExpiresAt) {
			out[k] = e.Record
		}
	}
	return out
}

// Has reports whether a non-expired entry exists for keyID, for HAS_VALUE
// probes.
func (s *Store) Has(keyID crypto.NodeID) bool {
	_, ok := s.Get(keyID)
	return ok
}

// Size returns the number of non-expired entries currently held.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.tp.Now()
	count := 0
	for _, e := range s.entries {
		if now.Before(e.ExpiresAt) {
			count++
		}
	}
	return count
}
