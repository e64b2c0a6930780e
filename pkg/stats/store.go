// Package stats implements the per-core timestamp and latency tables the
// bounce engine writes and collectors read.
//
// Every table is sharded by execution core. A shard has exactly one writer
// (the engine instance running on that core); cells are atomics so a reader
// can merge shards at any time without locking out the writers.
package stats

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Mode selects how completed probes are recorded. The modes are mutually
// exclusive for the lifetime of a Store.
type Mode int

const (
	// ModeHistogram tallies latencies into fixed-width buckets plus global
	// aggregates.
	ModeHistogram Mode = iota
	// ModeRawLog stores the full (round, t1..t4) tuple indexed by round.
	ModeRawLog
)

func (m Mode) String() string {
	switch m {
	case ModeHistogram:
		return "histogram"
	case ModeRawLog:
		return "raw-log"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "histogram":
		return ModeHistogram, nil
	case "raw-log", "rawlog", "raw":
		return ModeRawLog, nil
	}
	return 0, fmt.Errorf("unknown recording mode %q (valid: histogram, raw-log)", s)
}

// Kind selects a side table for bounce-point stamping.
type Kind int

const (
	KindArrival Kind = iota
	KindDeparture
	NumKinds
)

// Defaults give 100 ns buckets covering 1 ms.
const (
	DefaultNumBuckets   = 10000
	DefaultBucketWidth  = 100
	DefaultLogCapacity  = 1 << 16
	DefaultSideCapacity = 1 << 16
)

var (
	// ErrCapacityExceeded is returned when a write targets an index outside
	// its table. The write is dropped; callers continue.
	ErrCapacityExceeded = errors.New("table capacity exceeded")
	// ErrModeDisabled is returned when recording into a table the store's
	// mode does not maintain.
	ErrModeDisabled = errors.New("recording mode disabled")
	// ErrClosed is returned after the store has been torn down.
	ErrClosed = errors.New("store closed")
)

// Options configures a Store.
type Options struct {
	Cores        int
	Mode         Mode
	LogCapacity  int
	SideCapacity int
	NumBuckets   int
	BucketWidth  uint64
}

// WithDefaults returns o with unset fields replaced by their defaults.
func (o Options) WithDefaults() Options {
	o.setDefaults()
	return o
}

func (o *Options) setDefaults() {
	if o.Cores <= 0 {
		o.Cores = 1
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = DefaultLogCapacity
	}
	if o.SideCapacity <= 0 {
		o.SideCapacity = DefaultSideCapacity
	}
	if o.NumBuckets <= 0 {
		o.NumBuckets = DefaultNumBuckets
	}
	if o.BucketWidth == 0 {
		o.BucketWidth = DefaultBucketWidth
	}
}

// Timestamps is one raw log entry.
type Timestamps struct {
	Round uint64
	T1    uint64
	T2    uint64
	T3    uint64
	T4    uint64
}

// Global is the five-slot aggregate record. Avg is reserved and never
// populated; the slot exists so the exported record keeps its shape.
type Global struct {
	TotalRounds uint64
	Min         uint64
	Max         uint64
	Avg         uint64
	ZeroCount   uint64
}

// Global record slot indices, in exported order.
const (
	GlobalTotal = iota
	GlobalMin
	GlobalMax
	GlobalAvg
	GlobalZeroCount
	GlobalSlots
)

// MergeGlobal combines per-core aggregates: counts are summed, Min is the
// smallest non-zero Min (zero means unset), Max is the largest Max.
func MergeGlobal(parts []Global) Global {
	var g Global
	for _, p := range parts {
		g.TotalRounds += p.TotalRounds
		g.ZeroCount += p.ZeroCount
		if p.Min != 0 && (g.Min == 0 || p.Min < g.Min) {
			g.Min = p.Min
		}
		if p.Max > g.Max {
			g.Max = p.Max
		}
	}
	return g
}

// cursor is the next-write slot of one {kind, core} side table. It
// saturates at capacity and never wraps.
type cursor struct {
	n   atomic.Uint32
	cap uint32
}

func (c *cursor) next() (uint32, bool) {
	idx := c.n.Load()
	if idx >= c.cap {
		return 0, false
	}
	c.n.Store(idx + 1)
	return idx, true
}

type logEntry struct {
	vals  [5]atomic.Uint64
	valid atomic.Bool
}

type shard struct {
	log     []logEntry
	cursors [NumKinds]cursor
	side    [NumKinds][]atomic.Uint64
	buckets []atomic.Uint64
	global  [GlobalSlots]atomic.Uint64
	ctrs    [numCounters]atomic.Uint64
}

// Store holds the per-core tables. It is created at attach time and lives
// until Close.
type Store struct {
	opts   Options
	shards []*shard
	closed atomic.Bool
}

// New allocates the tables for opts.Cores shards. Only the tables the mode
// needs are allocated; side tables are always present.
func New(opts Options) *Store {
	opts.setDefaults()
	s := &Store{opts: opts, shards: make([]*shard, opts.Cores)}
	for i := range s.shards {
		sh := &shard{}
		switch opts.Mode {
		case ModeRawLog:
			sh.log = make([]logEntry, opts.LogCapacity)
		default:
			sh.buckets = make([]atomic.Uint64, opts.NumBuckets+1)
		}
		for k := range sh.side {
			sh.side[k] = make([]atomic.Uint64, opts.SideCapacity)
			sh.cursors[k].cap = uint32(opts.SideCapacity)
		}
		s.shards[i] = sh
	}
	return s
}

// Options returns the effective options (defaults applied).
func (s *Store) Options() Options { return s.opts }

// Mode returns the recording mode.
func (s *Store) Mode() Mode { return s.opts.Mode }

// Close tears the tables down. Writers must have stopped.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.shards = nil
	return nil
}

func (s *Store) shard(core int) (*shard, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if core < 0 || core >= len(s.shards) {
		return nil, fmt.Errorf("core %d of %d: %w", core, len(s.shards), ErrCapacityExceeded)
	}
	return s.shards[core], nil
}

// Bucket returns the histogram bucket for a latency in ns. The last bucket
// (index NumBuckets) collects everything at or beyond the covered range.
func (s *Store) Bucket(ns uint64) int {
	b := ns / s.opts.BucketWidth
	if b > uint64(s.opts.NumBuckets) {
		return s.opts.NumBuckets
	}
	return int(b)
}

// RecordTimestamps writes ts at index ts.Round of core's raw log. Writing
// the same round twice is harmless.
func (s *Store) RecordTimestamps(core int, ts Timestamps) error {
	sh, err := s.shard(core)
	if err != nil {
		return err
	}
	if s.opts.Mode != ModeRawLog {
		return ErrModeDisabled
	}
	if ts.Round >= uint64(len(sh.log)) {
		return ErrCapacityExceeded
	}
	e := &sh.log[ts.Round]
	e.vals[0].Store(ts.Round)
	e.vals[1].Store(ts.T1)
	e.vals[2].Store(ts.T2)
	e.vals[3].Store(ts.T3)
	e.vals[4].Store(ts.T4)
	e.valid.Store(true)
	return nil
}

// RecordLatency tallies one latency sample on core. A zero latency is a
// measurement artifact and only bumps the zero count.
func (s *Store) RecordLatency(core int, ns uint64) error {
	sh, err := s.shard(core)
	if err != nil {
		return err
	}
	if s.opts.Mode != ModeHistogram {
		return ErrModeDisabled
	}
	if ns == 0 {
		sh.global[GlobalZeroCount].Add(1)
		return nil
	}

	sh.buckets[s.Bucket(ns)].Add(1)
	sh.global[GlobalTotal].Add(1)
	if min := sh.global[GlobalMin].Load(); min == 0 || ns < min {
		sh.global[GlobalMin].Store(ns)
	}
	if ns > sh.global[GlobalMax].Load() {
		sh.global[GlobalMax].Store(ns)
	}
	return nil
}

// Stamp appends ts to the side table of kind on core.
func (s *Store) Stamp(kind Kind, core int, ts uint64) error {
	if kind < 0 || kind >= NumKinds {
		return fmt.Errorf("timestamp kind %d: %w", kind, ErrCapacityExceeded)
	}
	sh, err := s.shard(core)
	if err != nil {
		return err
	}
	idx, ok := sh.cursors[kind].next()
	if !ok {
		return ErrCapacityExceeded
	}
	sh.side[kind][idx].Store(ts)
	return nil
}

// Global merges the per-core aggregates.
func (s *Store) Global() (Global, error) {
	shards, err := s.live()
	if err != nil {
		return Global{}, err
	}
	parts := make([]Global, 0, len(shards))
	for _, sh := range shards {
		parts = append(parts, Global{
			TotalRounds: sh.global[GlobalTotal].Load(),
			Min:         sh.global[GlobalMin].Load(),
			Max:         sh.global[GlobalMax].Load(),
			Avg:         sh.global[GlobalAvg].Load(),
			ZeroCount:   sh.global[GlobalZeroCount].Load(),
		})
	}
	return MergeGlobal(parts), nil
}

// Histogram returns the per-bucket sums across cores. It is empty in raw
// log mode.
func (s *Store) Histogram() ([]uint64, error) {
	shards, err := s.live()
	if err != nil {
		return nil, err
	}
	if s.opts.Mode != ModeHistogram {
		return nil, nil
	}
	out := make([]uint64, s.opts.NumBuckets+1)
	for _, sh := range shards {
		for i := range sh.buckets {
			out[i] += sh.buckets[i].Load()
		}
	}
	return out, nil
}

// Timestamp looks round up in every core's raw log.
func (s *Store) Timestamp(round uint64) (Timestamps, bool, error) {
	shards, err := s.live()
	if err != nil {
		return Timestamps{}, false, err
	}
	if s.opts.Mode != ModeRawLog || round >= uint64(s.opts.LogCapacity) {
		return Timestamps{}, false, nil
	}
	for _, sh := range shards {
		e := &sh.log[round]
		if !e.valid.Load() {
			continue
		}
		return Timestamps{
			Round: e.vals[0].Load(),
			T1:    e.vals[1].Load(),
			T2:    e.vals[2].Load(),
			T3:    e.vals[3].Load(),
			T4:    e.vals[4].Load(),
		}, true, nil
	}
	return Timestamps{}, false, nil
}

// SideTable returns the written prefix of kind's table for each core.
func (s *Store) SideTable(kind Kind) ([][]uint64, error) {
	if kind < 0 || kind >= NumKinds {
		return nil, fmt.Errorf("unknown timestamp kind %d", kind)
	}
	shards, err := s.live()
	if err != nil {
		return nil, err
	}
	out := make([][]uint64, len(shards))
	for i, sh := range shards {
		n := sh.cursors[kind].n.Load()
		vals := make([]uint64, n)
		for j := range vals {
			vals[j] = sh.side[kind][j].Load()
		}
		out[i] = vals
	}
	return out, nil
}

func (s *Store) live() ([]*shard, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.shards, nil
}
