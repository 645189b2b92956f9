package dht

import (
	"testing"

	"github.com/opd-ai/dhtkv/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordNewerTotalOrder(t *testing.T) {
	a := Record{TS: 100, Pub: "aa"}
	b := Record{TS: 100, Pub: "bb"}
	assert.True(t, b.Newer(a))
	assert.False(t, a.Newer(b))

	c := Record{TS: 200, Pub: "aa"}
	assert.True(t, c.Newer(a))
	assert.False(t, a.Newer(c))

	assert.False(t, a.Newer(a))
}

func TestPingPongRoundTrip(t *testing.T) {
	id, err := crypto.NewNodeID()
	require.NoError(t, err)

	frame := EncodePing(PingMsg{NodeID: id})
	msg, err := DecodePing(frame)
	require.NoError(t, err)
	assert.Equal(t, id, msg.NodeID)

	frame = EncodePong(PongMsg{NodeID: id})
	pong, err := DecodePong(frame)
	require.NoError(t, err)
	assert.Equal(t, id, pong.NodeID)
}

func TestFindNodeRoundTrip(t *testing.T) {
	msgID, err := crypto.NewMessageID()
	require.NoError(t, err)
	target, err := crypto.NewNodeID()
	require.NoError(t, err)

	frame := EncodeFindNode(FindNodeMsg{MsgID: msgID, Target: target})
	msg, err := DecodeFindNode(frame)
	require.NoError(t, err)
	assert.Equal(t, msgID, msg.MsgID)
	assert.Equal(t, target, msg.Target)
}

func TestFindNodeResponseRoundTripAndCap(t *testing.T) {
	msgID, err := crypto.NewMessageID()
	require.NoError(t, err)

	nodes := make([]crypto.NodeID, K+5)
	for i := range nodes {
		id, err := crypto.NewNodeID()
		require.NoError(t, err)
		nodes[i] = id
	}

	frame := EncodeFindNodeResponse(FindNodeResponseMsg{MsgID: msgID, Nodes: nodes})
	msg, err := DecodeFindNodeResponse(frame)
	require.NoError(t, err)
	assert.Len(t, msg.Nodes, K) // truncated silently to K
	assert.Equal(t, nodes[:K], msg.Nodes)
}

func TestStoreRoundTrip(t *testing.T) {
	msgID, err := crypto.NewMessageID()
	require.NoError(t, err)
	key, err := crypto.NewNodeID()
	require.NoError(t, err)
	rec := Record{Data: []byte("world"), TS: 42, Pub: "aa"}

	frame, err := EncodeStore(StoreMsg{MsgID: msgID, Key: key, Record: rec})
	require.NoError(t, err)

	msg, err := DecodeStore(frame)
	require.NoError(t, err)
	assert.Equal(t, msgID, msg.MsgID)
	assert.Equal(t, key, msg.Key)
	assert.Equal(t, rec, msg.Record)
}

func TestStoreRejectsOversizedPayload(t *testing.T) {
	msgID, err := crypto.NewMessageID()
	require.NoError(t, err)
	key, err := crypto.NewNodeID()
	require.NoError(t, err)
	rec := Record{Data: make([]byte, maxStorePayload*2), TS: 1, Pub: "aa"}

	_, err = EncodeStore(StoreMsg{MsgID: msgID, Key: key, Record: rec})
	assert.Error(t, err)
}

func TestFindValueResponseFoundAndNotFoundRoundTrip(t *testing.T) {
	msgID, err := crypto.NewMessageID()
	require.NoError(t, err)
	rec := Record{Data: []byte("world"), TS: 1, Pub: "aa"}

	frame, err := EncodeFindValueResponse(FindValueResponseMsg{MsgID: msgID, Found: true, Record: rec})
	require.NoError(t, err)
	msg, err := DecodeFindValueResponse(frame)
	require.NoError(t, err)
	assert.True(t, msg.Found)
	assert.Equal(t, rec, msg.Record)

	other, err := crypto.NewNodeID()
	require.NoError(t, err)
	frame, err = EncodeFindValueResponse(FindValueResponseMsg{MsgID: msgID, Found: false, Nodes: []crypto.NodeID{other}})
	require.NoError(t, err)
	msg, err = DecodeFindValueResponse(frame)
	require.NoError(t, err)
	assert.False(t, msg.Found)
	assert.Equal(t, []crypto.NodeID{other}, msg.Nodes)
}

func TestHasValueRoundTrip(t *testing.T) {
	msgID, err := crypto.NewMessageID()
	require.NoError(t, err)
	key, err := crypto.NewNodeID()
	require.NoError(t, err)

	frame := EncodeHasValue(HasValueMsg{MsgID: msgID, Key: key})
	msg, err := DecodeHasValue(frame)
	require.NoError(t, err)
	assert.Equal(t, key, msg.Key)

	frame = EncodeHasValueResponse(HasValueResponseMsg{MsgID: msgID, Has: true})
	resp, err := DecodeHasValueResponse(frame)
	require.NoError(t, err)
	assert.True(t, resp.Has)
}

func TestDecodeTruncatedFrameFailsWithoutPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		_, err := DecodePing([]byte{byte(TypePing), 0x01, 0x02})
		assert.Error(t, err)

		_, err = DecodeStore([]byte{byte(TypeStore)})
		assert.Error(t, err)

		_, err = DecodeFindNodeResponse([]byte{byte(TypeFindNodeResponse)})
		assert.Error(t, err)

		_, err = DecodeType(nil)
		assert.Error(t, err)
	})
}
