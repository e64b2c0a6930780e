package stats

// Counter names a per-core engine event counter.
type Counter int

const (
	CounterPass Counter = iota
	CounterDrop
	CounterTransmit
	CounterTruncated
	CounterUnrecognized
	CounterFiltered
	CounterCapacityExceeded
	numCounters
)

var counterNames = [numCounters]string{
	CounterPass:             "pass",
	CounterDrop:             "drop",
	CounterTransmit:         "transmit",
	CounterTruncated:        "truncated",
	CounterUnrecognized:     "unrecognized",
	CounterFiltered:         "filtered",
	CounterCapacityExceeded: "capacity_exceeded",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Counters is a merged snapshot of the engine event counters.
type Counters struct {
	Pass             uint64 `json:"pass"`
	Drop             uint64 `json:"drop"`
	Transmit         uint64 `json:"transmit"`
	Truncated        uint64 `json:"truncated"`
	Unrecognized     uint64 `json:"unrecognized"`
	Filtered         uint64 `json:"filtered"`
	CapacityExceeded uint64 `json:"capacity_exceeded"`
}

// Each calls fn for every counter in declaration order.
func (c Counters) Each(fn func(name string, v uint64)) {
	fn(CounterPass.String(), c.Pass)
	fn(CounterDrop.String(), c.Drop)
	fn(CounterTransmit.String(), c.Transmit)
	fn(CounterTruncated.String(), c.Truncated)
	fn(CounterUnrecognized.String(), c.Unrecognized)
	fn(CounterFiltered.String(), c.Filtered)
	fn(CounterCapacityExceeded.String(), c.CapacityExceeded)
}

func countersFrom(v *[numCounters]uint64) Counters {
	return Counters{
		Pass:             v[CounterPass],
		Drop:             v[CounterDrop],
		Transmit:         v[CounterTransmit],
		Truncated:        v[CounterTruncated],
		Unrecognized:     v[CounterUnrecognized],
		Filtered:         v[CounterFiltered],
		CapacityExceeded: v[CounterCapacityExceeded],
	}
}

// Count bumps counter c on core. Out-of-range cores are ignored.
func (s *Store) Count(core int, c Counter) {
	if c < 0 || c >= numCounters {
		return
	}
	sh, err := s.shard(core)
	if err != nil {
		return
	}
	sh.ctrs[c].Add(1)
}

// Counters sums the event counters across cores.
func (s *Store) Counters() (Counters, error) {
	shards, err := s.live()
	if err != nil {
		return Counters{}, err
	}
	var sum [numCounters]uint64
	for _, sh := range shards {
		for i := range sh.ctrs {
			sum[i] += sh.ctrs[i].Load()
		}
	}
	return countersFrom(&sum), nil
}
