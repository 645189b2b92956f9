package dht

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/dhtkv/crypto"
)

// Scheduler drives the engine's five periodic maintenance tasks: bucket
// refresh, seen-request GC, republish, repair, and bucket liveness probing.
// One ctx/cancel pair, one goroutine per ticker, Start/Stop idempotent
// under a mutex.
//
//export DHTScheduler
type Scheduler struct {
	engine *Engine

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewScheduler creates a Scheduler bound to engine; call Start to begin
// running its tasks.
func NewScheduler(engine *Engine) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{engine: engine, ctx: ctx, cancel: cancel}
}

// Start launches all five maintenance routines. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.wg.Add(5)
	go s.runTicker(bucketRefreshInterval, s.refreshBuckets)
	go s.runTicker(seenRequestGCInterval, s.engine.GCSeen)
	go s.runTicker(republishInterval, s.republish)
	go s.runTicker(repairInterval, s.repair)
	go s.runTicker(bucketLivelinessInterval, s.pingBucketHeads)
}

// Stop halts every maintenance routine and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runTicker(interval time.Duration, task func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// refreshBuckets runs a FIND_NODE lookup for a random id within each stale
// bucket's range, keeping its entries current.
func (s *Scheduler) refreshBuckets() {
	stale := s.engine.routing.StaleBuckets(bucketRefreshInterval)
	for _, idx := range stale {
		target := randomIDInBucket(s.engine.self, idx)
		s.engine.lookup(target, false)
	}
}

// randomIDInBucket keeps self's bits above position idx, flips bit idx, and
// randomizes every lower bit, producing a random target id guaranteed to
// route to that bucket.
func randomIDInBucket(self crypto.NodeID, idx int) crypto.NodeID {
	target := self
	byteIdx := idx / 8
	bitIdx := 7 - (idx % 8)
	if r, err := crypto.NewNodeID(); err == nil {
		lowMask := byte(1<<uint(bitIdx)) - 1
		target[byteIdx] = target[byteIdx]&^lowMask | r[byteIdx]&lowMask
		copy(target[byteIdx+1:], r[byteIdx+1:])
	}
	target[byteIdx] ^= 1 << uint(bitIdx)
	return target
}

// republish re-announces every locally published record to the current K
// closest connected nodes, extending its effective lifetime beyond a single
// storeTTL window.
func (s *Scheduler) republish() {
	for key, rec := range s.engine.store.PublisherEntries() {
		closest := s.engine.lookup(key, false).closest
		for _, id := range closest {
			peerIDHex := id.String()
			if !s.engine.link.IsConnected(peerIDHex) {
				continue
			}
			s.engine.sendStoreFireAndForget(peerIDHex, key, rec)
		}
	}
	s.engine.store.ReapExpired()
}

// repair probes every publisher-held key's replica set with HAS_VALUE and
// re-stores the record on any replica that reports it missing. Only
// publisher-owned entries participate, since a cached, non-publisher copy
// has no authority to repair other replicas.
func (s *Scheduler) repair() {
	for key, rec := range s.engine.store.PublisherEntries() {
		closest := s.engine.routing.FindClosest(key, K)
		for _, n := range closest {
			if !s.engine.link.IsConnected(n.PeerIDHex) {
				continue
			}
			has, ok := s.engine.sendHasValue(n.PeerIDHex, key)
			if ok && has {
				continue
			}
			s.engine.sendStoreFireAndForget(n.PeerIDHex, key, rec)
		}
		s.engine.store.MarkRepaired(key)
	}
}

// pingBucketHeads probes the least-recently-seen node of every non-empty
// bucket, evicting (in favor of a cached replacement) any that fails to
// answer within pingTimeout.
func (s *Scheduler) pingBucketHeads() {
	for idx := 0; idx < crypto.IDLength*8; idx++ {
		head := s.engine.routing.HeadOf(idx)
		if head == nil {
			continue
		}
		success := s.engine.Ping(head.PeerIDHex)
		if success {
			head.RecordPingResponseWithTimeProvider(true, s.engine.tp)
			continue
		}
		head.RecordPingResponseWithTimeProvider(false, s.engine.tp)
		s.engine.routing.Evict(idx)
		s.engine.link.DropPeer(head.PeerIDHex)
	}
}
