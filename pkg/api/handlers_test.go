package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/bpfpp/pkg/stats"
	"github.com/psaab/bpfpp/pkg/xsk"
)

type fakeRing struct{}

func (fakeRing) Stats() xsk.Stats {
	return xsk.Stats{RxFrames: 10, TxFrames: 4, InvalidFrees: 1, Heartbeats: 2, HeartbeatFailures: 1}
}

func (fakeRing) Occupancy() xsk.Occupancy {
	return xsk.Occupancy{Free: 3, Fill: 5}
}

func get(t *testing.T, h http.Handler, path string, data any) int {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	if resp.Success && data != nil {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return w.Code
}

func histogramStore(t *testing.T) *stats.Store {
	t.Helper()
	s := stats.New(stats.Options{Cores: 2, NumBuckets: 10, BucketWidth: 100})
	require.NoError(t, s.RecordLatency(0, 550))
	require.NoError(t, s.RecordLatency(1, 580))
	require.NoError(t, s.RecordLatency(1, 120))
	require.NoError(t, s.RecordLatency(0, 5000))
	require.NoError(t, s.RecordLatency(0, 0))
	s.Count(0, stats.CounterDrop)
	return s
}

func TestStatsHandler(t *testing.T) {
	s := NewServer(Config{Source: histogramStore(t), Ring: fakeRing{}})
	h := s.handler(nil)

	var resp StatsResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/stats", &resp))
	assert.Equal(t, "histogram", resp.Mode)
	assert.Equal(t, GlobalStats{TotalRounds: 4, MinNs: 120, MaxNs: 5000, ZeroCount: 1}, resp.Global)
	assert.Equal(t, uint64(1), resp.Engine.Drop)
	require.NotNil(t, resp.Ring)
	assert.Equal(t, uint64(10), resp.Ring.Counters.RxFrames)
	assert.Equal(t, 5, resp.Ring.Occupancy.Fill)
}

func TestHistogramHandler(t *testing.T) {
	s := NewServer(Config{Source: histogramStore(t), BucketWidth: 100})
	h := s.handler(nil)

	var resp HistogramResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/histogram", &resp))
	assert.Equal(t, uint64(100), resp.BucketWidthNs)
	assert.Equal(t, 10, resp.NumBuckets)
	assert.Equal(t, uint64(4), resp.Total)
	assert.Equal(t, []Bucket{
		{Index: 1, LowNs: 100, Count: 1},
		{Index: 5, LowNs: 500, Count: 2},
		{Index: 10, LowNs: 1000, Count: 1, Overflow: true},
	}, resp.Buckets)

	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/histogram?all=true", &resp))
	assert.Len(t, resp.Buckets, 11)
}

func TestHistogramHandlerRawLogMode(t *testing.T) {
	s := NewServer(Config{Source: stats.New(stats.Options{Cores: 1, Mode: stats.ModeRawLog})})
	assert.Equal(t, http.StatusConflict, get(t, s.handler(nil), "/api/v1/histogram", nil))
}

func TestTimestampHandler(t *testing.T) {
	store := stats.New(stats.Options{Cores: 1, Mode: stats.ModeRawLog, LogCapacity: 16})
	require.NoError(t, store.RecordTimestamps(0, stats.Timestamps{Round: 3, T1: 100, T2: 400, T3: 500, T4: 1000}))
	s := NewServer(Config{Source: store})
	h := s.handler(nil)

	var e TimestampEntry
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/timestamps/3", &e))
	assert.Equal(t, TimestampEntry{Round: 3, T1: 100, T2: 400, T3: 500, T4: 1000, LatencyNs: 400}, e)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/v1/timestamps/4", nil))
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/v1/timestamps/99", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/timestamps/x", nil))

	hs := NewServer(Config{Source: histogramStore(t)}).handler(nil)
	assert.Equal(t, http.StatusConflict, get(t, hs, "/api/v1/timestamps/3", nil))
}

func TestHandlersWithoutSource(t *testing.T) {
	h := NewServer(Config{}).handler(nil)
	for _, path := range []string{"/api/v1/stats", "/api/v1/histogram", "/api/v1/timestamps/1"} {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, h, path, nil), path)
	}

	var st StatusResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/v1/status", &st))
	assert.False(t, st.RingDriver)
	assert.Equal(t, http.StatusOK, get(t, h, "/health", nil))
}

func TestCollector(t *testing.T) {
	s := NewServer(Config{Source: histogramStore(t), Ring: fakeRing{}, BucketWidth: 100})
	c := newCollector(s)

	expected := `
# HELP bpfpp_rounds_total Total completed rounds with a non-zero latency.
# TYPE bpfpp_rounds_total counter
bpfpp_rounds_total 4
# HELP bpfpp_latency_max_nanoseconds Largest one-way latency observed.
# TYPE bpfpp_latency_max_nanoseconds gauge
bpfpp_latency_max_nanoseconds 5000
# HELP bpfpp_ring_refused_frees_total Frames returned to the pool that it already held or that lie outside the region.
# TYPE bpfpp_ring_refused_frees_total counter
bpfpp_ring_refused_frees_total 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"bpfpp_rounds_total", "bpfpp_latency_max_nanoseconds", "bpfpp_ring_refused_frees_total"))

	assert.Equal(t, 7, testutil.CollectAndCount(c, "bpfpp_engine_events_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "bpfpp_latency_nanoseconds"))
	assert.Equal(t, 5, testutil.CollectAndCount(c, "bpfpp_ring_frames"))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "bpfpp_ring_heartbeats_total"))
}

func TestCollectorRawLogSkipsHistogram(t *testing.T) {
	s := NewServer(Config{Source: stats.New(stats.Options{Cores: 1, Mode: stats.ModeRawLog})})
	c := newCollector(s)
	assert.Zero(t, testutil.CollectAndCount(c, "bpfpp_latency_nanoseconds"))
	assert.Zero(t, testutil.CollectAndCount(c, "bpfpp_ring_frames"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "bpfpp_rounds_total"))
}

func TestCumulative(t *testing.T) {
	count, sum, buckets := cumulative([]uint64{0, 1, 0, 2, 1}, 100)
	assert.Equal(t, uint64(4), count)
	assert.Equal(t, float64(100+2*300+400), sum)
	assert.Equal(t, map[float64]uint64{200: 1, 400: 3}, buckets)
}
