package dataplane

import (
	"github.com/cilium/ebpf"

	"github.com/psaab/bpfpp/pkg/stats"
)

// DefaultPinPath is where the exported tables are pinned.
const DefaultPinPath = "/sys/fs/bpf/bpfpp"

// Exported table names, shared with the hook object.
const (
	MapTimestamps  = "pp_timestamps"
	MapBuckets     = "latency_buckets"
	MapGlobalStats = "latency_global_stats"
	MapArrivals    = "xdp_map_t1"
	MapDepartures  = "xdp_map_t2"
	MapIndices     = "indices"
	MapXSKs        = "xsks_map"
)

// ProgramSection is the ELF section holding the XDP entry point. Objects
// without it must carry exactly one XDP program.
const ProgramSection = "xdp_pp"

// MaxTimestamps is the default capacity of the raw log and side tables,
// indexed by round.
const MaxTimestamps = 1 << 20

// MaxQueues bounds the entries of the XSK redirect map.
const MaxQueues = 64

// TimestampsValue is one pp_timestamps entry: round, t1, t2, t3, t4.
type TimestampsValue [5]uint64

func (v TimestampsValue) toStats() stats.Timestamps {
	return stats.Timestamps{Round: v[0], T1: v[1], T2: v[2], T3: v[3], T4: v[4]}
}

// sideMaps maps a side-table kind to its map name.
var sideMaps = [stats.NumKinds]string{
	stats.KindArrival:   MapArrivals,
	stats.KindDeparture: MapDepartures,
}

// tableOptions fills unset capacities with the kernel table defaults.
func tableOptions(opts stats.Options) stats.Options {
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = MaxTimestamps
	}
	if opts.SideCapacity <= 0 {
		opts.SideCapacity = MaxTimestamps
	}
	return opts.WithDefaults()
}

// MapSpecs returns the exported table definitions sized by opts, laid out
// as the hook objects declare them: aggregates and the raw log are plain
// arrays, side tables and their cursors per-CPU. All tables except the XSK
// map are pinned by name.
func MapSpecs(opts stats.Options) map[string]*ebpf.MapSpec {
	opts = tableOptions(opts)
	pinned := func(s *ebpf.MapSpec) *ebpf.MapSpec {
		s.Pinning = ebpf.PinByName
		return s
	}
	specs := map[string]*ebpf.MapSpec{
		MapTimestamps: pinned(&ebpf.MapSpec{
			Type:       ebpf.Array,
			KeySize:    4,
			ValueSize:  8 * 5,
			MaxEntries: uint32(opts.LogCapacity),
		}),
		MapBuckets: pinned(&ebpf.MapSpec{
			Type:       ebpf.Array,
			KeySize:    4,
			ValueSize:  8,
			MaxEntries: uint32(opts.NumBuckets + 1),
		}),
		MapGlobalStats: pinned(&ebpf.MapSpec{
			Type:       ebpf.Array,
			KeySize:    4,
			ValueSize:  8,
			MaxEntries: stats.GlobalSlots,
		}),
		MapArrivals: pinned(&ebpf.MapSpec{
			Type:       ebpf.PerCPUArray,
			KeySize:    4,
			ValueSize:  8,
			MaxEntries: uint32(opts.SideCapacity),
		}),
		MapDepartures: pinned(&ebpf.MapSpec{
			Type:       ebpf.PerCPUArray,
			KeySize:    4,
			ValueSize:  8,
			MaxEntries: uint32(opts.SideCapacity),
		}),
		MapIndices: pinned(&ebpf.MapSpec{
			Type:       ebpf.PerCPUArray,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: 4,
		}),
		MapXSKs: {
			Type:       ebpf.XSKMap,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: MaxQueues,
		},
	}
	for name, s := range specs {
		s.Name = name
	}
	return specs
}
