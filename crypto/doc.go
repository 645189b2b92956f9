// Package crypto provides the identity and hashing primitives shared by the
// DHT engine: 256-bit node identifiers, XOR distance, content-addressed key
// hashing, and message correlation ids.
//
// # Identifiers
//
//	id, _ := crypto.NewNodeID()
//	target := crypto.KeyID([]byte("some-key"))
//	idx := crypto.BucketIndex(id, target)
//
// The package performs no asymmetric cryptography or encryption: per the
// DHT's design, authentication and confidentiality are concerns of whichever
// transport.PeerLink implementation a deployment chooses, not of the DHT
// core. See the transport package's NoiseLink for one such choice.
//
// # Deterministic Testing
//
// Time-dependent callers can inject a TimeProvider for reproducible tests:
//
//	crypto.SetDefaultTimeProvider(mockProvider)
//	defer crypto.SetDefaultTimeProvider(nil)
package crypto
