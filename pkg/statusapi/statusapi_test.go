package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vikashloomba/mcphub/pkg/discovery"
)

type fakeSource struct {
	busy    atomic.Bool
	scanned atomic.Int32
	last    time.Time
}

func (f *fakeSource) Snapshot() []discovery.InstanceStatus {
	return []discovery.InstanceStatus{
		{Name: "instance-1", Address: "127.0.0.1:8090", Status: discovery.StatusConnected, Capabilities: []string{"query"}},
		{Name: "instance-2", Address: "127.0.0.1:8091", Status: discovery.StatusNotDetected, Capabilities: []string{}},
	}
}

func (f *fakeSource) LastScanTime() (time.Time, bool) {
	return f.last, !f.last.IsZero()
}

func (f *fakeSource) ScanNow(ctx context.Context) bool {
	if f.busy.Load() {
		return false
	}
	f.scanned.Add(1)
	return true
}

func newTestServer(t *testing.T, src *fakeSource, gatherer prometheus.Gatherer) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(src, Options{Logger: zaptest.NewLogger(t), Gatherer: gatherer}))
	t.Cleanup(ts.Close)
	return ts
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestListInstances(t *testing.T) {
	src := &fakeSource{}
	ts := newTestServer(t, src, nil)

	resp, err := http.Get(ts.URL + "/api/instances")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Instances []discovery.InstanceStatus `json:"instances"`
		LastScan  *time.Time                 `json:"last_scan"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Instances, 2)
	assert.Equal(t, discovery.StatusConnected, body.Instances[0].Status)
	assert.Equal(t, []string{"query"}, body.Instances[0].Capabilities)
	assert.Equal(t, discovery.StatusNotDetected, body.Instances[1].Status)
	assert.Nil(t, body.LastScan, "no scan has completed yet")
}

func TestListInstancesReportsLastScan(t *testing.T) {
	src := &fakeSource{last: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ts := newTestServer(t, src, nil)

	resp, err := http.Get(ts.URL + "/api/instances")
	require.NoError(t, err)
	var body struct {
		LastScan *time.Time `json:"last_scan"`
	}
	decode(t, resp, &body)
	require.NotNil(t, body.LastScan)
	assert.True(t, body.LastScan.Equal(src.last))
}

func TestGetInstance(t *testing.T) {
	ts := newTestServer(t, &fakeSource{}, nil)

	resp, err := http.Get(ts.URL + "/api/instances/instance-2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var row discovery.InstanceStatus
	decode(t, resp, &row)
	assert.Equal(t, "127.0.0.1:8091", row.Address)

	resp, err = http.Get(ts.URL + "/api/instances/instance-9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScanNow(t *testing.T) {
	src := &fakeSource{}
	ts := newTestServer(t, src, nil)

	resp, err := http.Post(ts.URL+"/api/scan", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Ran bool `json:"ran"`
	}
	decode(t, resp, &body)
	assert.True(t, body.Ran)
	assert.Equal(t, int32(1), src.scanned.Load())

	src.busy.Store(true)
	resp, err = http.Post(ts.URL+"/api/scan", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, int32(1), src.scanned.Load())
}

func TestScanRequiresPost(t *testing.T) {
	ts := newTestServer(t, &fakeSource{}, nil)
	resp, err := http.Get(ts.URL + "/api/scan")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "mcphub_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	ts := newTestServer(t, &fakeSource{}, reg)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]string
	decode(t, resp, &health)
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "mcphub_test_total 1"))
}

func TestMetricsRouteAbsentWithoutGatherer(t *testing.T) {
	ts := newTestServer(t, &fakeSource{}, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMiddlewareGuardsEverythingButHealth(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	src := &fakeSource{}
	ts := httptest.NewServer(New(src, Options{Gatherer: prometheus.NewRegistry(), Middleware: deny}))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, path := range []string{"/api/instances", "/api/instances/instance-1", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp, err = http.Post(ts.URL+"/api/scan", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, src.scanned.Load())
}
