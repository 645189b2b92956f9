package dht

import (
	"testing"
	"time"

	"github.com/opd-ai/dhtkv/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTimeProvider struct{ now time.Time }

func (f *fixedTimeProvider) Now() time.Time                { return f.now }
func (f *fixedTimeProvider) Since(t time.Time) time.Duration { return f.now.Sub(t) }

func TestNodeIsActive(t *testing.T) {
	id, err := crypto.NewNodeID()
	require.NoError(t, err)
	n := NewNode(id, id.String())

	assert.True(t, n.IsActive(time.Minute))

	n.LastSeen = time.Now().Add(-2 * time.Minute)
	assert.False(t, n.IsActive(time.Minute))
}

func TestNodeRecordPingResponseUpdatesStatus(t *testing.T) {
	id, err := crypto.NewNodeID()
	require.NoError(t, err)
	tp := &fixedTimeProvider{now: time.Now()}
	n := NewNodeWithTimeProvider(id, id.String(), tp)

	n.RecordPingSentWithTimeProvider(tp)
	n.RecordPingResponseWithTimeProvider(true, tp)
	assert.Equal(t, StatusGood, n.Status)
	assert.Equal(t, uint32(1), n.PingStats.SuccessCount)

	n.RecordPingSentWithTimeProvider(tp)
	n.RecordPingResponseWithTimeProvider(false, tp)
	assert.Equal(t, StatusBad, n.Status)
	assert.Equal(t, uint32(1), n.PingStats.FailureCount)
}

func TestNodeReliability(t *testing.T) {
	id, err := crypto.NewNodeID()
	require.NoError(t, err)
	n := NewNode(id, id.String())

	assert.Equal(t, 0.0, n.Reliability())

	n.RecordPingSent()
	n.RecordPingResponse(true)
	n.RecordPingSent()
	n.RecordPingResponse(false)
	assert.InDelta(t, 0.5, n.Reliability(), 0.001)
}
