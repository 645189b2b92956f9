package dht

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/opd-ai/dhtkv/crypto"
)

// MessageType is the single-byte wire discriminator prefixing every frame.
type MessageType byte

const (
	TypePing              MessageType = 0x01
	TypePong              MessageType = 0x02
	TypeFindNode          MessageType = 0x03
	TypeFindNodeResponse  MessageType = 0x04
	TypeStore             MessageType = 0x05
	TypeFindValue         MessageType = 0x06
	TypeFindValueResponse MessageType = 0x07
	TypeStoreAck          MessageType = 0x08
	TypeHasValue          MessageType = 0x09
	TypeHasValueResponse  MessageType = 0x0A
	TypeSignalOffer       MessageType = 0xF0
	TypeSignalAnswer      MessageType = 0xF1
	TypeSignalICE         MessageType = 0xF2
)

// maxStorePayload caps the STORE/FIND_VALUE_RESPONSE record body, per the
// spec's recommendation to bound the 4-byte length field in practice.
const maxStorePayload = 64 * 1024

// Record is a versioned stored value: (data, timestamp, publisher). Ordering
// is total: a is newer than b iff a.TS > b.TS, or equal TS and a.Pub is
// lexicographically greater.
type Record struct {
	Data []byte `json:"data"`
	TS   int64  `json:"ts"`
	Pub  string `json:"pub"`
}

// Newer reports whether r is strictly newer than other under the (ts, pub)
// total order: higher timestamp wins, ties broken by lexicographically
// greater publisher id.
func (r Record) Newer(other Record) bool {
	if r.TS != other.TS {
		return r.TS > other.TS
	}
	return r.Pub > other.Pub
}

// ErrMalformedFrame wraps every decode failure; handled by dropping the
// frame without dropping the peer.
type ErrMalformedFrame struct {
	Reason string
}

func (e *ErrMalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func malformed(reason string) error { return &ErrMalformedFrame{Reason: reason} }

// PingMsg / PongMsg carry only the sender's claimed node id, checked by the
// engine against the transport-level peer identity.
type PingMsg struct{ NodeID crypto.NodeID }
type PongMsg struct{ NodeID crypto.NodeID }

type FindNodeMsg struct {
	MsgID  crypto.MessageID
	Target crypto.NodeID
}

type FindNodeResponseMsg struct {
	MsgID crypto.MessageID
	Nodes []crypto.NodeID
}

type StoreMsg struct {
	MsgID  crypto.MessageID
	Key    crypto.NodeID
	Record Record
}

type FindValueMsg struct {
	MsgID crypto.MessageID
	Key   crypto.NodeID
}

type FindValueResponseMsg struct {
	MsgID  crypto.MessageID
	Found  bool
	Record Record
	Nodes  []crypto.NodeID
}

type StoreAckMsg struct{ MsgID crypto.MessageID }

type HasValueMsg struct {
	MsgID crypto.MessageID
	Key   crypto.NodeID
}

type HasValueResponseMsg struct {
	MsgID crypto.MessageID
	Has   bool
}

// EncodePing/EncodePong/... each produce a complete wire frame: the
// one-byte type prefix followed by the body layout from the wire table.

func EncodePing(m PingMsg) []byte {
	out := make([]byte, 1+crypto.IDLength)
	out[0] = byte(TypePing)
	copy(out[1:], m.NodeID[:])
	return out
}

func EncodePong(m PongMsg) []byte {
	out := make([]byte, 1+crypto.IDLength)
	out[0] = byte(TypePong)
	copy(out[1:], m.NodeID[:])
	return out
}

func EncodeFindNode(m FindNodeMsg) []byte {
	out := make([]byte, 1+crypto.MessageIDLength+crypto.IDLength)
	out[0] = byte(TypeFindNode)
	copy(out[1:], m.MsgID[:])
	copy(out[1+crypto.MessageIDLength:], m.Target[:])
	return out
}

func EncodeFindNodeResponse(m FindNodeResponseMsg) []byte {
	nodes := m.Nodes
	if len(nodes) > K {
		nodes = nodes[:K]
	}
	out := make([]byte, 1+crypto.MessageIDLength+1+len(nodes)*crypto.IDLength)
	out[0] = byte(TypeFindNodeResponse)
	copy(out[1:], m.MsgID[:])
	out[1+crypto.MessageIDLength] = byte(len(nodes))
	offset := 1 + crypto.MessageIDLength + 1
	for _, n := range nodes {
		copy(out[offset:], n[:])
		offset += crypto.IDLength
	}
	return out
}

func EncodeStore(m StoreMsg) ([]byte, error) {
	body, err := json.Marshal(m.Record)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	if len(body) > maxStorePayload {
		return nil, fmt.Errorf("record payload %d bytes exceeds maximum %d", len(body), maxStorePayload)
	}
	out := make([]byte, 1+crypto.MessageIDLength+crypto.IDLength+4+len(body))
	out[0] = byte(TypeStore)
	offset := 1
	copy(out[offset:], m.MsgID[:])
	offset += crypto.MessageIDLength
	copy(out[offset:], m.Key[:])
	offset += crypto.IDLength
	binary.BigEndian.PutUint32(out[offset:], uint32(len(body)))
	offset += 4
	copy(out[offset:], body)
	return out, nil
}

func EncodeFindValue(m FindValueMsg) []byte {
	out := make([]byte, 1+crypto.MessageIDLength+crypto.IDLength)
	out[0] = byte(TypeFindValue)
	copy(out[1:], m.MsgID[:])
	copy(out[1+crypto.MessageIDLength:], m.Key[:])
	return out
}

func EncodeFindValueResponse(m FindValueResponseMsg) ([]byte, error) {
	if m.Found {
		body, err := json.Marshal(m.Record)
		if err != nil {
			return nil, fmt.Errorf("marshaling record: %w", err)
		}
		if len(body) > maxStorePayload {
			return nil, fmt.Errorf("record payload %d bytes exceeds maximum %d", len(body), maxStorePayload)
		}
		out := make([]byte, 1+crypto.MessageIDLength+1+4+len(body))
		out[0] = byte(TypeFindValueResponse)
		offset := 1
		copy(out[offset:], m.MsgID[:])
		offset += crypto.MessageIDLength
		out[offset] = 1
		offset++
		binary.BigEndian.PutUint32(out[offset:], uint32(len(body)))
		offset += 4
		copy(out[offset:], body)
		return out, nil
	}

	nodes := m.Nodes
	if len(nodes) > K {
		nodes = nodes[:K]
	}
	out := make([]byte, 1+crypto.MessageIDLength+1+1+len(nodes)*crypto.IDLength)
	out[0] = byte(TypeFindValueResponse)
	offset := 1
	copy(out[offset:], m.MsgID[:])
	offset += crypto.MessageIDLength
	out[offset] = 0
	offset++
	out[offset] = byte(len(nodes))
	offset++
	for _, n := range nodes {
		copy(out[offset:], n[:])
		offset += crypto.IDLength
	}
	return out, nil
}

func EncodeStoreAck(m StoreAckMsg) []byte {
	out := make([]byte, 1+crypto.MessageIDLength)
	out[0] = byte(TypeStoreAck)
	copy(out[1:], m.MsgID[:])
	return out
}

func EncodeHasValue(m HasValueMsg) []byte {
	out := make([]byte, 1+crypto.MessageIDLength+crypto.IDLength)
	out[0] = byte(TypeHasValue)
	copy(out[1:], m.MsgID[:])
	copy(out[1+crypto.MessageIDLength:], m.Key[:])
	return out
}

func EncodeHasValueResponse(m HasValueResponseMsg) []byte {
	out := make([]byte, 1+crypto.MessageIDLength+1)
	out[0] = byte(TypeHasValueResponse)
	copy(out[1:], m.MsgID[:])
	if m.Has {
		out[1+crypto.MessageIDLength] = 1
	}
	return out
}

// DecodeType reads only the frame's leading type byte.
func DecodeType(frame []byte) (MessageType, error) {
	if len(frame) < 1 {
		return 0, malformed("empty frame")
	}
	return MessageType(frame[0]), nil
}

func readNodeID(frame []byte, offset int) (crypto.NodeID, error) {
	var id crypto.NodeID
	if len(frame) < offset+crypto.IDLength {
		return id, malformed("truncated node id")
	}
	copy(id[:], frame[offset:offset+crypto.IDLength])
	return id, nil
}

func readMessageID(frame []byte, offset int) (crypto.MessageID, error) {
	var id crypto.MessageID
	if len(frame) < offset+crypto.MessageIDLength {
		return id, malformed("truncated message id")
	}
	copy(id[:], frame[offset:offset+crypto.MessageIDLength])
	return id, nil
}

func DecodePing(frame []byte) (PingMsg, error) {
	id, err := readNodeID(frame, 1)
	return PingMsg{NodeID: id}, err
}

func DecodePong(frame []byte) (PongMsg, error) {
	id, err := readNodeID(frame, 1)
	return PongMsg{NodeID: id}, err
}

func DecodeFindNode(frame []byte) (FindNodeMsg, error) {
	var m FindNodeMsg
	msgID, err := readMessageID(frame, 1)
	if err != nil {
		return m, err
	}
	target, err := readNodeID(frame, 1+crypto.MessageIDLength)
	if err != nil {
		return m, err
	}
	return FindNodeMsg{MsgID: msgID, Target: target}, nil
}

func decodeNodeList(frame []byte, offset int) ([]crypto.NodeID, error) {
	if len(frame) < offset+1 {
		return nil, malformed("truncated node count")
	}
	count := int(frame[offset])
	offset++
	if len(frame) < offset+count*crypto.IDLength {
		return nil, malformed("truncated node list")
	}
	nodes := make([]crypto.NodeID, count)
	for i := 0; i < count; i++ {
		copy(nodes[i][:], frame[offset:offset+crypto.IDLength])
		offset += crypto.IDLength
	}
	return nodes, nil
}

func DecodeFindNodeResponse(frame []byte) (FindNodeResponseMsg, error) {
	var m FindNodeResponseMsg
	msgID, err := readMessageID(frame, 1)
	if err != nil {
		return m, err
	}
	nodes, err := decodeNodeList(frame, 1+crypto.MessageIDLength)
	if err != nil {
		return m, err
	}
	return FindNodeResponseMsg{MsgID: msgID, Nodes: nodes}, nil
}

func decodeRecord(frame []byte, offset int) (Record, int, error) {
	var rec Record
	if len(frame) < offset+4 {
		return rec, 0, malformed("truncated record length")
	}
	length := int(binary.BigEndian.Uint32(frame[offset:]))
	offset += 4
	if length < 0 || length > maxStorePayload || len(frame) < offset+length {
		return rec, 0, malformed("truncated or oversized record body")
	}
	if err := json.Unmarshal(frame[offset:offset+length], &rec); err != nil {
		return rec, 0, malformed("invalid record json: " + err.Error())
	}
	return rec, offset + length, nil
}

func DecodeStore(frame []byte) (StoreMsg, error) {
	var m StoreMsg
	msgID, err := readMessageID(frame, 1)
	if err != nil {
		return m, err
	}
	key, err := readNodeID(frame, 1+crypto.MessageIDLength)
	if err != nil {
		return m, err
	}
	rec, _, err := decodeRecord(frame, 1+crypto.MessageIDLength+crypto.IDLength)
	if err != nil {
		return m, err
	}
	return StoreMsg{MsgID: msgID, Key: key, Record: rec}, nil
}

func DecodeFindValue(frame []byte) (FindValueMsg, error) {
	var m FindValueMsg
	msgID, err := readMessageID(frame, 1)
	if err != nil {
		return m, err
	}
	key, err := readNodeID(frame, 1+crypto.MessageIDLength)
	if err != nil {
		return m, err
	}
	return FindValueMsg{MsgID: msgID, Key: key}, nil
}

func DecodeFindValueResponse(frame []byte) (FindValueResponseMsg, error) {
	var m FindValueResponseMsg
	msgID, err := readMessageID(frame, 1)
	if err != nil {
		return m, err
	}
	offset := 1 + crypto.MessageIDLength
	if len(frame) < offset+1 {
		return m, malformed("truncated found flag")
	}
	found := frame[offset] == 1
	offset++

	if found {
		rec, _, err := decodeRecord(frame, offset)
		if err != nil {
			return m, err
		}
		return FindValueResponseMsg{MsgID: msgID, Found: true, Record: rec}, nil
	}

	nodes, err := decodeNodeList(frame, offset)
	if err != nil {
		return m, err
	}
	return FindValueResponseMsg{MsgID: msgID, Found: false, Nodes: nodes}, nil
}

func DecodeStoreAck(frame []byte) (StoreAckMsg, error) {
	msgID, err := readMessageID(frame, 1)
	return StoreAckMsg{MsgID: msgID}, err
}

func DecodeHasValue(frame []byte) (HasValueMsg, error) {
	var m HasValueMsg
	msgID, err := readMessageID(frame, 1)
	if err != nil {
		return m, err
	}
	key, err := readNodeID(frame, 1+crypto.MessageIDLength)
	if err != nil {
		return m, err
	}
	return HasValueMsg{MsgID: msgID, Key: key}, nil
}

func DecodeHasValueResponse(frame []byte) (HasValueResponseMsg, error) {
	var m HasValueResponseMsg
	msgID, err := readMessageID(frame, 1)
	if err != nil {
		return m, err
	}
	offset := 1 + crypto.MessageIDLength
	if len(frame) < offset+1 {
		return m, malformed("truncated has flag")
	}
	m.Has = frame[offset] == 1
	return m, nil
}
