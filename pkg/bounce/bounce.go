// Package bounce implements the per-packet ping-pong state machine: PING
// probes are stamped and reflected back to their sender, PONG probes are
// turned into latency samples, everything else passes through untouched.
package bounce

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/psaab/bpfpp/pkg/clock"
	"github.com/psaab/bpfpp/pkg/packet"
	"github.com/psaab/bpfpp/pkg/probe"
	"github.com/psaab/bpfpp/pkg/stats"
)

// Verdict is the disposition of a frame. Values match the XDP action codes.
type Verdict uint32

const (
	Drop     Verdict = 1
	Pass     Verdict = 2
	Transmit Verdict = 3
)

func (v Verdict) String() string {
	switch v {
	case Drop:
		return "DROP"
	case Pass:
		return "PASS"
	case Transmit:
		return "TRANSMIT"
	default:
		return fmt.Sprintf("verdict(%d)", uint32(v))
	}
}

const (
	DefaultPort         = 1234
	DefaultWarmupRounds = 10
)

// Config controls which frames the engine treats as probes.
type Config struct {
	// Port is the UDP destination port of probe traffic.
	Port uint16
	// Peers, when set, restricts processing to traffic between exactly
	// these two addresses, in either direction.
	Peers []netip.Addr
	// PayloadOffset is the number of payload bytes preceding the record.
	PayloadOffset int
	// WarmupRounds excludes rounds below it from histogram recording.
	WarmupRounds uint64
	// ClockHz is the tick rate of the clock; 0 means nanoseconds.
	ClockHz uint64
	// SideTables also stamps PING arrival and departure into the per-core
	// side tables.
	SideTables bool
}

// Engine runs the bounce state machine. One Engine may be shared by all
// cores; per-core state lives in the store shard selected by the core
// argument of Process.
type Engine struct {
	cfg   Config
	store *stats.Store
	clk   clock.Clock
}

// New validates cfg and returns an engine writing into store.
func New(cfg Config, store *stats.Store, clk clock.Clock) (*Engine, error) {
	if store == nil {
		return nil, errors.New("bounce: nil store")
	}
	if clk == nil {
		clk = clock.Monotonic{}
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	switch len(cfg.Peers) {
	case 0:
	case 2:
		for _, a := range cfg.Peers {
			if !a.Is4() {
				return nil, fmt.Errorf("bounce: peer %s is not IPv4", a)
			}
		}
	default:
		return nil, fmt.Errorf("bounce: peer allow-list needs exactly 2 addresses, got %d", len(cfg.Peers))
	}
	if cfg.PayloadOffset < 0 {
		return nil, fmt.Errorf("bounce: negative payload offset %d", cfg.PayloadOffset)
	}
	return &Engine{cfg: cfg, store: store, clk: clk}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Process classifies and handles one frame received on core. The frame is
// modified in place only when the verdict is Transmit.
func (e *Engine) Process(frame []byte, core int) Verdict {
	arrival := e.clk.Now()

	h, err := packet.Parse(frame)
	if err != nil {
		if errors.Is(err, packet.ErrTruncated) {
			e.store.Count(core, stats.CounterTruncated)
		} else {
			e.store.Count(core, stats.CounterUnrecognized)
		}
		return e.pass(core)
	}
	if !e.allowed(h) {
		e.store.Count(core, stats.CounterFiltered)
		return e.pass(core)
	}
	rec, err := probe.View(h.Payload(), e.cfg.PayloadOffset)
	if err != nil {
		e.store.Count(core, stats.CounterTruncated)
		return e.pass(core)
	}

	switch rec.Role() {
	case probe.RolePing:
		return e.bounce(h, rec, arrival, core)
	case probe.RolePong:
		return e.complete(rec, arrival, core)
	default:
		e.store.Count(core, stats.CounterUnrecognized)
		return e.pass(core)
	}
}

func (e *Engine) allowed(h packet.Headers) bool {
	if h.UDP.DstPort() != e.cfg.Port {
		return false
	}
	if len(e.cfg.Peers) == 0 {
		return true
	}
	a, b := e.cfg.Peers[0], e.cfg.Peers[1]
	src, dst := h.IP.Src(), h.IP.Dst()
	return (src == a && dst == b) || (src == b && dst == a)
}

func (e *Engine) bounce(h packet.Headers, rec probe.Record, arrival uint64, core int) Verdict {
	if err := packet.SwapEthernetAddrs(h.Eth); err != nil {
		return e.pass(core)
	}
	if err := packet.SwapIPv4Addrs(h.IP); err != nil {
		return e.pass(core)
	}
	// Zeroed, not recomputed.
	h.IP.SetChecksum(0)

	rec.SetTS2(arrival)
	e.stamp(stats.KindArrival, core, arrival)
	rec.SetRole(probe.RolePong)

	departure := e.clk.Now()
	rec.SetTS3(departure)
	e.stamp(stats.KindDeparture, core, departure)

	e.store.Count(core, stats.CounterTransmit)
	return Transmit
}

func (e *Engine) stamp(kind stats.Kind, core int, ts uint64) {
	if !e.cfg.SideTables {
		return
	}
	if err := e.store.Stamp(kind, core, ts); err != nil {
		e.store.Count(core, stats.CounterCapacityExceeded)
	}
}

func (e *Engine) complete(rec probe.Record, t4 uint64, core int) Verdict {
	p := rec.Decode()

	var err error
	switch e.store.Mode() {
	case stats.ModeRawLog:
		err = e.store.RecordTimestamps(core, stats.Timestamps{
			Round: p.Round, T1: p.TS1, T2: p.TS2, T3: p.TS3, T4: t4,
		})
	default:
		if p.Round >= e.cfg.WarmupRounds {
			err = e.store.RecordLatency(core, Latency(p.TS1, p.TS2, p.TS3, t4, e.cfg.ClockHz))
		}
	}
	if errors.Is(err, stats.ErrCapacityExceeded) {
		e.store.Count(core, stats.CounterCapacityExceeded)
	}

	e.store.Count(core, stats.CounterDrop)
	return Drop
}

func (e *Engine) pass(core int) Verdict {
	e.store.Count(core, stats.CounterPass)
	return Pass
}

// Latency returns the one-way latency in ns of a completed round:
// half the round trip minus the bounce point's hold time. Inconsistent
// timestamps (negative intervals) yield 0.
func Latency(t1, t2, t3, t4, hz uint64) uint64 {
	if t4 < t1 || t3 < t2 {
		return 0
	}
	rtt, hold := t4-t1, t3-t2
	if rtt < hold {
		return 0
	}
	return clock.ToNanos((rtt-hold)/2, hz)
}
