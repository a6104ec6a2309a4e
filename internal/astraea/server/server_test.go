package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astraea-cc/internal/astraea/inference"
	"astraea-cc/internal/astraea/observation"
	"astraea-cc/internal/astraea/wire"
	"astraea-cc/internal/metrics"
)

func newTestServer(t *testing.T, batch bool) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(Config{
		Policy: inference.NewLocalPolicy(observation.WindowSize),
		Batch:  batch,
		Prom:   metrics.NewPrometheusMetrics(reg),
		HDR:    metrics.NewHDRMetrics(),
	}, nil)
}

func TestRegistryCollisionReassignsID(t *testing.T) {
	r := newRegistry()
	first, collided := r.register(7)
	require.False(t, collided)
	require.Equal(t, 7, first)

	second, collided := r.register(7)
	require.True(t, collided)
	assert.NotEqual(t, first, second)
}

func TestRegistryGetAndRemove(t *testing.T) {
	r := newRegistry()
	id, _ := r.register(1)
	_, ok := r.get(id)
	require.True(t, ok)

	require.True(t, r.remove(id))
	_, ok = r.get(id)
	assert.False(t, ok)
	assert.False(t, r.remove(id))
}

func TestHandleStartThenHandleAliveImmediate(t *testing.T) {
	s := newTestServer(t, false)

	assigned := s.handleStart(42)
	assert.Equal(t, 42, assigned)

	statePayload, err := json.Marshal(observation.Telemetry{Cwnd: 100})
	require.NoError(t, err)

	var got wire.AliveReply
	done := make(chan struct{})
	s.handleAlive(assigned, statePayload, func(payload []byte, err error) {
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(payload, &got))
		close(done)
	})
	<-done

	assert.Equal(t, assigned, got.FlowID)
	assert.Equal(t, 100, got.Cwnd) // LocalPolicy's zero weights => action 0 => cwnd unchanged.
}

func TestHandleAliveOnUnknownFlowProducesNoReply(t *testing.T) {
	s := newTestServer(t, false)

	called := false
	s.handleAlive(999, []byte(`{"cwnd":10}`), func(payload []byte, err error) {
		called = true
	})
	assert.False(t, called)
}

func TestHandleEndThenAliveIsUnknown(t *testing.T) {
	s := newTestServer(t, false)
	assigned := s.handleStart(1)
	s.handleEnd(assigned)

	called := false
	s.handleAlive(assigned, []byte(`{"cwnd":10}`), func(payload []byte, err error) {
		called = true
	})
	assert.False(t, called)
}

func TestHandleAliveBatchedDispatch(t *testing.T) {
	s := newTestServer(t, true)
	assigned := s.handleStart(5)

	statePayload, err := json.Marshal(observation.Telemetry{Cwnd: 50})
	require.NoError(t, err)

	done := make(chan wire.AliveReply, 1)
	s.handleAlive(assigned, statePayload, func(payload []byte, err error) {
		require.NoError(t, err)
		var reply wire.AliveReply
		require.NoError(t, json.Unmarshal(payload, &reply))
		done <- reply
	})

	select {
	case reply := <-done:
		assert.Equal(t, assigned, reply.FlowID)
		assert.Equal(t, 50, reply.Cwnd)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batched ALIVE reply")
	}
}
