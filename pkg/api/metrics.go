package api

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/bpfpp/pkg/stats"
)

// latencyCollector implements prometheus.Collector, reading the latency
// tables on each scrape.
type latencyCollector struct {
	srv *Server

	// Aggregates
	roundsTotal     *prometheus.Desc
	zeroRoundsTotal *prometheus.Desc
	latencyMin      *prometheus.Desc
	latencyMax      *prometheus.Desc
	latency         *prometheus.Desc

	// Engine counters
	engineEvents *prometheus.Desc

	// Ring driver
	ringFrames     *prometheus.Desc
	ringTxFull     *prometheus.Desc
	ringCompleted  *prometheus.Desc
	ringInvalid    *prometheus.Desc
	ringBadFrees   *prometheus.Desc
	ringHeartbeats *prometheus.Desc
	ringOccupancy  *prometheus.Desc
}

func newCollector(srv *Server) *latencyCollector {
	return &latencyCollector{
		srv: srv,

		roundsTotal: prometheus.NewDesc(
			"bpfpp_rounds_total",
			"Total completed rounds with a non-zero latency.",
			nil, nil,
		),
		zeroRoundsTotal: prometheus.NewDesc(
			"bpfpp_zero_latency_rounds_total",
			"Total completed rounds with a zero latency.",
			nil, nil,
		),
		latencyMin: prometheus.NewDesc(
			"bpfpp_latency_min_nanoseconds",
			"Smallest non-zero one-way latency observed.",
			nil, nil,
		),
		latencyMax: prometheus.NewDesc(
			"bpfpp_latency_max_nanoseconds",
			"Largest one-way latency observed.",
			nil, nil,
		),
		latency: prometheus.NewDesc(
			"bpfpp_latency_nanoseconds",
			"One-way latency histogram. The sum uses bucket lower bounds.",
			nil, nil,
		),
		engineEvents: prometheus.NewDesc(
			"bpfpp_engine_events_total",
			"Bounce engine verdicts and pass reasons.",
			[]string{"event"}, nil,
		),
		ringFrames: prometheus.NewDesc(
			"bpfpp_ring_frames_total",
			"Frames received and transmitted by the ring driver.",
			[]string{"direction"}, nil,
		),
		ringTxFull: prometheus.NewDesc(
			"bpfpp_ring_tx_full_total",
			"Bounced frames dropped because the TX queue was full.",
			nil, nil,
		),
		ringCompleted: prometheus.NewDesc(
			"bpfpp_ring_completed_total",
			"Transmitted frames reclaimed from the completion queue.",
			nil, nil,
		),
		ringInvalid: prometheus.NewDesc(
			"bpfpp_ring_invalid_descriptors_total",
			"RX descriptors outside the frame region.",
			nil, nil,
		),
		ringBadFrees: prometheus.NewDesc(
			"bpfpp_ring_refused_frees_total",
			"Frames returned to the pool that it already held or that lie outside the region.",
			nil, nil,
		),
		ringHeartbeats: prometheus.NewDesc(
			"bpfpp_ring_heartbeats_total",
			"Heartbeat frames generated.",
			[]string{"result"}, nil,
		),
		ringOccupancy: prometheus.NewDesc(
			"bpfpp_ring_frames",
			"Frames currently held by each owner.",
			[]string{"owner"}, nil,
		),
	}
}

func (c *latencyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.roundsTotal
	ch <- c.zeroRoundsTotal
	ch <- c.latencyMin
	ch <- c.latencyMax
	ch <- c.latency
	ch <- c.engineEvents
	ch <- c.ringFrames
	ch <- c.ringTxFull
	ch <- c.ringCompleted
	ch <- c.ringInvalid
	ch <- c.ringBadFrees
	ch <- c.ringHeartbeats
	ch <- c.ringOccupancy
}

func (c *latencyCollector) Collect(ch chan<- prometheus.Metric) {
	if src := c.srv.src; src != nil {
		c.collectGlobal(ch, src)
		c.collectHistogram(ch, src)
		c.collectEngine(ch, src)
	}
	c.collectRing(ch)
}

func (c *latencyCollector) collectGlobal(ch chan<- prometheus.Metric, src stats.Source) {
	g, err := src.Global()
	if err != nil {
		slog.Debug("metrics: read global stats", "err", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.roundsTotal, prometheus.CounterValue, float64(g.TotalRounds))
	ch <- prometheus.MustNewConstMetric(c.zeroRoundsTotal, prometheus.CounterValue, float64(g.ZeroCount))
	ch <- prometheus.MustNewConstMetric(c.latencyMin, prometheus.GaugeValue, float64(g.Min))
	ch <- prometheus.MustNewConstMetric(c.latencyMax, prometheus.GaugeValue, float64(g.Max))
}

func (c *latencyCollector) collectHistogram(ch chan<- prometheus.Metric, src stats.Source) {
	if src.Mode() != stats.ModeHistogram {
		return
	}
	counts, err := src.Histogram()
	if err != nil || len(counts) == 0 {
		return
	}
	count, sum, buckets := cumulative(counts, c.srv.bucketWidth)
	ch <- prometheus.MustNewConstHistogram(c.latency, count, sum, buckets)
}

// cumulative converts per-bucket counts into Prometheus upper bounds.
// Only bounds where the cumulative count changes are emitted; the last
// (overflow) bucket is covered by the implicit +Inf bound.
func cumulative(counts []uint64, width uint64) (uint64, float64, map[float64]uint64) {
	buckets := make(map[float64]uint64)
	var total uint64
	var sum float64
	for i, n := range counts {
		if n == 0 {
			continue
		}
		total += n
		sum += float64(uint64(i)*width) * float64(n)
		if i < len(counts)-1 {
			buckets[float64(uint64(i+1)*width)] = total
		}
	}
	return total, sum, buckets
}

func (c *latencyCollector) collectEngine(ch chan<- prometheus.Metric, src stats.Source) {
	ctrs, err := src.Counters()
	if err != nil {
		return
	}
	ctrs.Each(func(name string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.engineEvents, prometheus.CounterValue, float64(v), name)
	})
}

func (c *latencyCollector) collectRing(ch chan<- prometheus.Metric) {
	ring := c.srv.ring
	if ring == nil {
		return
	}
	st := ring.Stats()
	ch <- prometheus.MustNewConstMetric(c.ringFrames, prometheus.CounterValue, float64(st.RxFrames), "rx")
	ch <- prometheus.MustNewConstMetric(c.ringFrames, prometheus.CounterValue, float64(st.TxFrames), "tx")
	ch <- prometheus.MustNewConstMetric(c.ringTxFull, prometheus.CounterValue, float64(st.TxRingFull))
	ch <- prometheus.MustNewConstMetric(c.ringCompleted, prometheus.CounterValue, float64(st.Completed))
	ch <- prometheus.MustNewConstMetric(c.ringInvalid, prometheus.CounterValue, float64(st.InvalidDescs))
	ch <- prometheus.MustNewConstMetric(c.ringBadFrees, prometheus.CounterValue, float64(st.InvalidFrees))
	ch <- prometheus.MustNewConstMetric(c.ringHeartbeats, prometheus.CounterValue, float64(st.Heartbeats), "sent")
	ch <- prometheus.MustNewConstMetric(c.ringHeartbeats, prometheus.CounterValue, float64(st.HeartbeatFailures), "failed")

	occ := ring.Occupancy()
	for _, o := range []struct {
		owner string
		n     int
	}{
		{"free", occ.Free},
		{"fill", occ.Fill},
		{"rx", occ.RX},
		{"tx", occ.TX},
		{"completion", occ.Completion},
	} {
		ch <- prometheus.MustNewConstMetric(c.ringOccupancy, prometheus.GaugeValue, float64(o.n), o.owner)
	}
}
