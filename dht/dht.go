package dht

import (
	"github.com/opd-ai/dhtkv/crypto"
	"github.com/opd-ai/dhtkv/transport"
)

// DHT is the package's top-level handle: one routing table, value store,
// and protocol engine wired to a single PeerLink, plus the background
// scheduler that keeps all three healthy. This is the type application code
// constructs and calls Store/Get/FindClosestNodes/Ping against.
//
//export DHTNode
type DHT struct {
	engine    *Engine
	scheduler *Scheduler
}

// New creates a DHT identified by self, speaking over link. The returned
// DHT's scheduler is not yet running; call Start to begin maintenance.
func New(self crypto.NodeID, link transport.PeerLink) *DHT {
	engine := NewEngine(self, link)
	return &DHT{engine: engine, scheduler: NewScheduler(engine)}
}

// NewWithTimeProvider is New with an injectable TimeProvider, used by
// deterministic tests.
func NewWithTimeProvider(self crypto.NodeID, link transport.PeerLink, tp crypto.TimeProvider) *DHT {
	engine := NewEngineWithTimeProvider(self, link, tp)
	return &DHT{engine: engine, scheduler: NewScheduler(engine)}
}

// Start begins the background maintenance schedule (bucket refresh, seen-
// request GC, republish, repair, bucket liveness probing).
func (d *DHT) Start() {
	d.scheduler.Start()
}

// Stop halts the background maintenance schedule.
func (d *DHT) Stop() {
	d.scheduler.Stop()
}

// LocalID returns this DHT's own node id.
func (d *DHT) LocalID() crypto.NodeID {
	return d.engine.Self()
}

// Store publishes (key, value) to the network, replicating it to the K
// nodes closest to key and requiring WriteQuorum acknowledgements. Returns
// a *QuorumNotMetError (still a completed write locally, just short of
// quorum) if fewer than WriteQuorum replicas acknowledged.
func (d *DHT) Store(key crypto.NodeID, value []byte, timestampUnixMillis int64) error {
	return d.engine.StoreValue(key, value, timestampUnixMillis)
}

// Get retrieves the value for key, checking the local store first and
// falling back to an iterative FIND_VALUE lookup.
func (d *DHT) Get(key crypto.NodeID) ([]byte, bool) {
	return d.engine.GetValue(key)
}

// FindClosestNodes runs an iterative FIND_NODE lookup toward target and
// returns the closest nodes discovered, nearest first.
func (d *DHT) FindClosestNodes(target crypto.NodeID) []crypto.NodeID {
	return d.engine.lookup(target, false).closest
}

// Ping sends a PING to peerIDHex and reports whether it answered within
// the ping deadline.
func (d *DHT) Ping(peerIDHex string) bool {
	return d.engine.Ping(peerIDHex)
}

// RoutingTableSize returns the total number of nodes currently held across
// every bucket.
func (d *DHT) RoutingTableSize() int {
	return d.engine.Routing().Size()
}

// RoutingTableDump returns every node currently in the routing table, for
// diagnostics and test assertions.
func (d *DHT) RoutingTableDump() []*Node {
	return d.engine.Routing().Dump()
}

// StoreSize returns the number of non-expired records held locally.
func (d *DHT) StoreSize() int {
	return d.engine.ValueStore().Size()
}

// IsPrimaryReplica reports whether this node is among the K nodes closest
// to key, by its own routing table's current view — the set a publisher
// targets when deciding which nodes must hold a given key.
func (d *DHT) IsPrimaryReplica(key crypto.NodeID) bool {
	self := d.engine.Self()
	closest := d.engine.Routing().FindClosest(key, K)
	if len(closest) < K {
		return true
	}
	// The routing table never holds self, so self is among the K closest
	// exactly when it is nearer to key than the K-th closest known node.
	return crypto.Less(crypto.XOR(self, key), crypto.XOR(closest[K-1].ID, key))
}
