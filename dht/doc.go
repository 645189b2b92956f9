// Package dht implements a Kademlia-style distributed hash table: peer
// routing via XOR-distance k-buckets and quorum-replicated key/value
// storage over an arbitrary transport.PeerLink.
//
// # Architecture
//
// Key components:
//
//   - RoutingTable: 256 k-buckets of up to K nodes each, ordered by
//     XOR distance from the local node id, with a bounded replacement
//     cache per bucket.
//   - Store: the locally held key/value records, with TTL expiry and a
//     publisher flag distinguishing originated records from cached
//     copies.
//   - Tracker: correlates outgoing requests with their responses by
//     message id (or by peer id, for PING/PONG), firing a timeout
//     callback if no response arrives.
//   - Engine: the protocol dispatcher; implements transport.Sink and
//     owns all routing-table, store, and tracker mutations.
//   - Scheduler: the five periodic maintenance tasks (bucket refresh,
//     seen-request GC, republish, repair, bucket liveness probing).
//   - DHT: the package's top-level handle, wiring the above together
//     behind Store/Get/FindClosestNodes/Ping.
//
// # Usage
//
//	self, _ := crypto.NewNodeID()
//	link, _ := transport.NewTCPLink(":4222", self)
//	node := dht.New(self, link)
//	node.Start()
//	defer node.Stop()
//
//	link.Dial(peerIDHex, "203.0.113.7:4222")
//	if err := node.Store(keyID, []byte("hello"), time.Now().UnixMilli()); err != nil {
//	    var qerr *dht.QuorumNotMetError
//	    if errors.As(err, &qerr) {
//	        log.Printf("only %d/%d replicas acknowledged", qerr.Acks, qerr.Needed)
//	    }
//	}
//	value, ok := node.Get(keyID)
//
// # Node Status
//
// Nodes transition through three states based on responsiveness:
//
//	const (
//	    StatusUnknown NodeStatus = iota
//	    StatusBad
//	    StatusGood
//	)
//
// # Wire Protocol
//
// Every frame is a single type byte followed by a big-endian binary body;
// see message.go for the full PING/PONG/FIND_NODE/STORE/FIND_VALUE/
// HAS_VALUE message set and their Encode/Decode pairs. Stored values are
// JSON records with a base64-encoded data field, so the same Record type
// serializes over the wire and is exercised directly in tests.
//
// # Deterministic Testing
//
// For reproducible test scenarios, use the crypto.TimeProvider interface:
//
//	tp := &mockTimeProvider{current: fixedTime}
//	node := dht.NewWithTimeProvider(self, link, tp)
//
// # Thread Safety
//
// RoutingTable, Store, and Tracker each guard their state with their own
// mutex, safe for concurrent use from the goroutines transport
// implementations deliver Sink callbacks on. Engine's own bookkeeping
// (seen-requests, in-flight dial tracking) is likewise mutex-guarded.
package dht
