package opticache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeRequest(ClassStatic, fromCache(htmlEntry("x")))
		m.observeFetch(200, nil, time.Millisecond)
		m.observeCacheWrite(errors.New("disk full"))
		m.cacheDeleted()
		m.RAMEvicted(3)
		m.transition(StateActive)
		m.addPrecached(1)
		m.addRefreshed(1)
		m.RegisterRAMGauges(prometheus.NewRegistry(), func() (int64, int) { return 0, 0 })
	})
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RegisterRAMGauges(reg, func() (int64, int) { return 2048, 2 })

	m.observeFetch(204, nil, time.Millisecond)
	m.observeFetch(503, nil, time.Millisecond)
	m.observeFetch(0, errOffline, time.Millisecond)
	m.RAMEvicted(4)
	m.transition(StateActive)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.originFetches.WithLabelValues("2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.originFetches.WithLabelValues("5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.originFetches.WithLabelValues("error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ramEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("active")))

	n, err := testutil.GatherAndCount(reg, "opticache_ram_bytes", "opticache_ram_items")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMetrics_RequestsAndResponseSizes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observeRequest(ClassStatic, fromCache(htmlEntry("cached")))
	m.observeRequest(ClassStatic, fromNetwork(htmlEntry("fetched")))
	m.observeRequest(ClassOther, unavailable("Content not available"))
	m.observeRequest(ClassStatic, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("static", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("static", "bypass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("other", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("static", "network")))

	n, err := testutil.GatherAndCount(reg, "opticache_response_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEvent_WaitJoinsErrors(t *testing.T) {
	h := newHarness(t)
	ev := newEvent(context.Background(), h.rt, EventSync)
	boom := errors.New("boom")

	require.True(t, ev.WaitUntil("ok", func(context.Context) error { return nil }))
	require.True(t, ev.WaitUntil("fails", func(context.Context) error { return boom }))

	assert.ErrorIs(t, ev.Wait(), boom)
	assert.NotEmpty(t, ev.ID)
}

func TestEvent_BackgroundWorkOutlivesCaller(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	ev := newEvent(ctx, h.rt, EventFetch)

	started := make(chan struct{})
	var bgErr error
	ev.WaitUntil("put", func(ctx context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		bgErr = ctx.Err()
		return nil
	})
	<-started
	cancel()

	require.NoError(t, ev.Wait())
	assert.NoError(t, bgErr)
}
