package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/internal/clock"
	"ember/internal/master/registry"
	"ember/pkg/model"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// switchable serves /health with whatever status is currently stored.
type switchable struct {
	status atomic.Int32
	hits   atomic.Int32
}

func newSwitchable(t *testing.T, status int) (*switchable, *httptest.Server) {
	t.Helper()
	s := &switchable{}
	s.status.Store(int32(status))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		s.hits.Add(1)
		w.WriteHeader(int(s.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func setup(t *testing.T) (*registry.Registry, *clock.FakeClock, *Monitor) {
	t.Helper()
	c := clock.Fake(epoch)
	reg := registry.New(c, nil)
	mon := NewMonitor(reg, Config{Timeout: time.Second}, nil)
	return reg, c, mon
}

func register(t *testing.T, reg *registry.Registry, id, endpoint string) {
	t.Helper()
	require.NoError(t, reg.Register(&model.Node{
		ID:       id,
		Endpoint: endpoint,
		Status:   model.NodeRunning,
		Models:   []string{"llama"},
	}))
}

func TestCheckOnce_HealthyUpdatesLastHealthCheck(t *testing.T) {
	reg, c, mon := setup(t)
	_, srv := newSwitchable(t, http.StatusOK)
	register(t, reg, "a", srv.URL)

	c.Advance(time.Minute)
	mon.CheckOnce(context.Background())

	got, _ := reg.Get("a")
	assert.Equal(t, epoch.Add(time.Minute), got.LastHealthCheck)
	assert.Equal(t, 0, got.ErrorCount)
}

func TestCheckOnce_RecomputesWarmth(t *testing.T) {
	reg, c, mon := setup(t)
	_, srv := newSwitchable(t, http.StatusOK)
	register(t, reg, "a", srv.URL)
	reg.RecordInference("a", 120, false)

	c.Advance(30 * time.Second)
	mon.CheckOnce(context.Background())

	got, _ := reg.Get("a")
	assert.Equal(t, model.WarmthWarm, got.Warmth)
}

func TestCheckOnce_FailuresEscalateAndSuccessDoesNotReset(t *testing.T) {
	reg, _, mon := setup(t)
	sw, srv := newSwitchable(t, http.StatusServiceUnavailable)
	register(t, reg, "a", srv.URL)

	for i := 0; i < 4; i++ {
		mon.CheckOnce(context.Background())
	}
	got, _ := reg.Get("a")
	require.Equal(t, model.NodeError, got.Status)
	require.Equal(t, 4, got.ErrorCount)

	sw.status.Store(http.StatusOK)
	mon.CheckOnce(context.Background())

	got, _ = reg.Get("a")
	assert.Equal(t, model.NodeError, got.Status)
	assert.Equal(t, 4, got.ErrorCount)
	assert.Equal(t, int32(4), sw.hits.Load(), "error nodes are not probed")

	reg.RecordInference("a", 50, false)
	got, _ = reg.Get("a")
	assert.Equal(t, 0, got.ErrorCount)
}

func TestCheckOnce_NetworkErrorCountsAsFailure(t *testing.T) {
	reg, _, mon := setup(t)
	_, srv := newSwitchable(t, http.StatusOK)
	endpoint := srv.URL
	srv.Close()
	register(t, reg, "a", endpoint)

	mon.CheckOnce(context.Background())

	got, _ := reg.Get("a")
	assert.Equal(t, 1, got.ErrorCount)
}

func TestCheckOnce_SkipsNodesThatAreNotRunning(t *testing.T) {
	reg, _, mon := setup(t)
	sw, srv := newSwitchable(t, http.StatusOK)
	require.NoError(t, reg.Register(&model.Node{ID: "s", Endpoint: srv.URL, Status: model.NodeStarting}))

	mon.CheckOnce(context.Background())
	assert.Equal(t, int32(0), sw.hits.Load())
}

func TestCheckOnce_ProbesNodesIndependently(t *testing.T) {
	reg, c, mon := setup(t)
	_, good := newSwitchable(t, http.StatusOK)
	_, bad := newSwitchable(t, http.StatusInternalServerError)
	register(t, reg, "good", good.URL)
	register(t, reg, "bad", bad.URL)

	c.Advance(time.Second)
	mon.CheckOnce(context.Background())

	g, _ := reg.Get("good")
	b, _ := reg.Get("bad")
	assert.Equal(t, 0, g.ErrorCount)
	assert.Equal(t, epoch.Add(time.Second), g.LastHealthCheck)
	assert.Equal(t, 1, b.ErrorCount)
	assert.True(t, b.LastHealthCheck.IsZero())
}

func TestStartStop(t *testing.T) {
	c := clock.Fake(epoch)
	reg := registry.New(c, nil)
	sw, srv := newSwitchable(t, http.StatusOK)
	register(t, reg, "a", srv.URL)

	mon := NewMonitor(reg, Config{Interval: 10 * time.Millisecond, Timeout: time.Second}, nil)
	mon.Start(context.Background())
	mon.Start(context.Background())

	require.Eventually(t, func() bool { return sw.hits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	mon.Stop()
	mon.Stop()

	after := sw.hits.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, sw.hits.Load(), "no probes after Stop")
}

func TestCheckOnce_HangingProbeTimesOutWithoutBlockingOthers(t *testing.T) {
	c := clock.Fake(epoch)
	reg := registry.New(c, nil)
	mon := NewMonitor(reg, Config{Timeout: 50 * time.Millisecond}, nil)

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })
	_, fast := newSwitchable(t, http.StatusOK)

	register(t, reg, "slow", slow.URL)
	register(t, reg, "fast", fast.URL)

	c.Advance(time.Minute)
	start := time.Now()
	mon.CheckOnce(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second, "a hanging node must not stall the round")

	got, _ := reg.Get("slow")
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, model.NodeRunning, got.Status)

	got, _ = reg.Get("fast")
	assert.Equal(t, 0, got.ErrorCount)
	assert.Equal(t, epoch.Add(time.Minute), got.LastHealthCheck)
}
