// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import (
	"github.com/psaab/bpfpp/pkg/stats"
	"github.com/psaab/bpfpp/pkg/xsk"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime          string `json:"uptime"`
	Mode            string `json:"mode"`
	DataplaneLoaded bool   `json:"dataplane_loaded"`
	RingDriver      bool   `json:"ring_driver"`
}

// GlobalStats is the merged aggregate record.
type GlobalStats struct {
	TotalRounds uint64 `json:"total_rounds"`
	MinNs       uint64 `json:"min_ns"`
	MaxNs       uint64 `json:"max_ns"`
	AvgNs       uint64 `json:"avg_ns"`
	ZeroCount   uint64 `json:"zero_count"`
}

func globalStatsFrom(g stats.Global) GlobalStats {
	return GlobalStats{
		TotalRounds: g.TotalRounds,
		MinNs:       g.Min,
		MaxNs:       g.Max,
		AvgNs:       g.Avg,
		ZeroCount:   g.ZeroCount,
	}
}

// StatsResponse is returned by /api/v1/stats.
type StatsResponse struct {
	Mode   string         `json:"mode"`
	Global GlobalStats    `json:"global"`
	Engine stats.Counters `json:"engine"`
	Ring   *RingStats     `json:"ring,omitempty"`
}

// RingStats holds the ring driver counters and frame occupancy.
type RingStats struct {
	Counters  xsk.Stats     `json:"counters"`
	Occupancy xsk.Occupancy `json:"occupancy"`
}

// Bucket is one non-empty histogram bucket. Overflow marks the bucket
// that collects every latency past the last regular bucket.
type Bucket struct {
	Index    int    `json:"index"`
	LowNs    uint64 `json:"low_ns"`
	Count    uint64 `json:"count"`
	Overflow bool   `json:"overflow,omitempty"`
}

// HistogramResponse is returned by /api/v1/histogram.
type HistogramResponse struct {
	BucketWidthNs uint64   `json:"bucket_width_ns"`
	NumBuckets    int      `json:"num_buckets"`
	Total         uint64   `json:"total"`
	Buckets       []Bucket `json:"buckets"`
}

// TimestampEntry is one raw log entry.
type TimestampEntry struct {
	Round     uint64 `json:"round"`
	T1        uint64 `json:"t1"`
	T2        uint64 `json:"t2"`
	T3        uint64 `json:"t3"`
	T4        uint64 `json:"t4"`
	LatencyNs uint64 `json:"latency_ns"`
}
