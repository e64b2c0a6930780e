package stats

// Source is a read-side view of recorded latencies. The in-process Store
// and the kernel map reader in pkg/dataplane both implement it, so the
// API, metrics collector and reporter do not care which hook is active.
type Source interface {
	Mode() Mode
	Global() (Global, error)
	Histogram() ([]uint64, error)
	Timestamp(round uint64) (Timestamps, bool, error)
	Counters() (Counters, error)
}

var _ Source = (*Store)(nil)
