package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoiseLinkHandshakeAndExchange(t *testing.T) {
	innerA, innerB := NewMemoryLinkPair("aa", "bb")

	linkA, err := NewNoiseLink(innerA, "aa")
	require.NoError(t, err)
	linkB, err := NewNoiseLink(innerB, "bb")
	require.NoError(t, err)

	sinkA := &recordingSink{}
	sinkB := &recordingSink{}
	linkA.SetSink(sinkA)
	linkB.SetSink(sinkB)

	require.Eventually(t, func() bool {
		return linkA.IsConnected("bb") && linkB.IsConnected("aa")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, linkA.Send("bb", []byte("secret")))
	require.Eventually(t, func() bool { return len(sinkB.messages) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "aa:secret", sinkB.messages[0])

	require.NoError(t, linkB.Send("aa", []byte("reply")))
	require.Eventually(t, func() bool { return len(sinkA.messages) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bb:reply", sinkA.messages[0])
}

func TestNoiseLinkSendToUnknownPeerIsNoop(t *testing.T) {
	innerA, _ := NewMemoryLinkPair("aa", "bb")
	linkA, err := NewNoiseLink(innerA, "aa")
	require.NoError(t, err)

	assert.False(t, linkA.IsConnected("zz"))
	assert.NoError(t, linkA.Send("zz", []byte("no such session")))
}
