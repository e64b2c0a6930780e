package dataplane

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/psaab/bpfpp/pkg/stats"
)

// Mode returns the recording mode the tables were sized for.
func (m *Manager) Mode() stats.Mode {
	return m.opts.Stats.Mode
}

// perCPU reports whether lookups of t return one value per possible CPU.
func perCPU(t ebpf.MapType) bool {
	switch t {
	case ebpf.PerCPUArray, ebpf.PerCPUHash, ebpf.LRUCPUHash:
		return true
	}
	return false
}

// lookupCPUs reads key as a slice of per-CPU values. Shared maps yield a
// single value.
func lookupCPUs[T any](em *ebpf.Map, key uint32) ([]T, error) {
	if perCPU(em.Type()) {
		var vals []T
		if err := em.Lookup(key, &vals); err != nil {
			return nil, err
		}
		return vals, nil
	}
	var v T
	if err := em.Lookup(key, &v); err != nil {
		return nil, err
	}
	return []T{v}, nil
}

// iterateCPUs calls fn for every entry of an array of uint64 values,
// shared or per-CPU.
func iterateCPUs(em *ebpf.Map, fn func(key uint32, vals []uint64)) error {
	var key uint32
	iter := em.Iterate()
	if perCPU(em.Type()) {
		var vals []uint64
		for iter.Next(&key, &vals) {
			fn(key, vals)
		}
	} else {
		var v uint64
		for iter.Next(&key, &v) {
			fn(key, []uint64{v})
		}
	}
	return iter.Err()
}

// Global reads the aggregate slots and merges them across CPUs. A raw-log
// hook keeps no aggregates, which reads as empty.
func (m *Manager) Global() (stats.Global, error) {
	gm, ok := m.maps[MapGlobalStats]
	if !ok {
		if m.Mode() == stats.ModeRawLog {
			return stats.Global{}, nil
		}
		return stats.Global{}, fmt.Errorf("%s map not found", MapGlobalStats)
	}
	var slots [stats.GlobalSlots][]uint64
	for key := range slots {
		vals, err := lookupCPUs[uint64](gm, uint32(key))
		if err != nil {
			return stats.Global{}, fmt.Errorf("read %s[%d]: %w", MapGlobalStats, key, err)
		}
		slots[key] = vals
	}
	parts := make([]stats.Global, len(slots[stats.GlobalTotal]))
	for cpu := range parts {
		parts[cpu] = stats.Global{
			TotalRounds: slots[stats.GlobalTotal][cpu],
			Min:         slots[stats.GlobalMin][cpu],
			Max:         slots[stats.GlobalMax][cpu],
			Avg:         slots[stats.GlobalAvg][cpu],
			ZeroCount:   slots[stats.GlobalZeroCount][cpu],
		}
	}
	return stats.MergeGlobal(parts), nil
}

// Histogram reads the bucket counts, summed across CPUs.
func (m *Manager) Histogram() ([]uint64, error) {
	bm, ok := m.maps[MapBuckets]
	if !ok {
		return nil, fmt.Errorf("%s map not found", MapBuckets)
	}
	out := make([]uint64, bm.MaxEntries())
	err := iterateCPUs(bm, func(key uint32, vals []uint64) {
		if int(key) >= len(out) {
			return
		}
		for _, v := range vals {
			out[key] += v
		}
	})
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w", MapBuckets, err)
	}
	return out, nil
}

// Timestamp reads the raw log entry of round. An all-zero entry was never
// written.
func (m *Manager) Timestamp(round uint64) (stats.Timestamps, bool, error) {
	tm, ok := m.maps[MapTimestamps]
	if !ok {
		return stats.Timestamps{}, false, fmt.Errorf("%s map not found", MapTimestamps)
	}
	if round >= uint64(tm.MaxEntries()) {
		return stats.Timestamps{}, false, nil
	}
	var v TimestampsValue
	if err := tm.Lookup(uint32(round), &v); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return stats.Timestamps{}, false, nil
		}
		return stats.Timestamps{}, false, fmt.Errorf("read %s[%d]: %w", MapTimestamps, round, err)
	}
	if v == (TimestampsValue{}) {
		return stats.Timestamps{}, false, nil
	}
	return v.toStats(), true, nil
}

// Counters implements stats.Source. The kernel hook keeps no event
// counters, so the snapshot is always empty.
func (m *Manager) Counters() (stats.Counters, error) {
	return stats.Counters{}, nil
}

// SideTable returns, per CPU, the written prefix of the side table of kind.
func (m *Manager) SideTable(kind stats.Kind) ([][]uint64, error) {
	if kind < 0 || kind >= stats.NumKinds {
		return nil, fmt.Errorf("unknown timestamp kind %d", kind)
	}
	im, ok := m.maps[MapIndices]
	if !ok {
		return nil, fmt.Errorf("%s map not found", MapIndices)
	}
	name := sideMaps[kind]
	sm, ok := m.maps[name]
	if !ok {
		return nil, fmt.Errorf("%s map not found", name)
	}

	cursors, err := lookupCPUs[uint32](im, uint32(kind))
	if err != nil {
		return nil, fmt.Errorf("read %s[%d]: %w", MapIndices, kind, err)
	}
	out := make([][]uint64, len(cursors))
	for cpu, n := range cursors {
		out[cpu] = make([]uint64, 0, min(n, sm.MaxEntries()))
	}

	err = iterateCPUs(sm, func(key uint32, vals []uint64) {
		for cpu, v := range vals {
			if cpu < len(cursors) && key < cursors[cpu] {
				out[cpu] = append(out[cpu], v)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w", name, err)
	}
	return out, nil
}

var _ stats.Source = (*Manager)(nil)
