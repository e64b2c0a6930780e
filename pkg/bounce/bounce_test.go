package bounce

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/bpfpp/pkg/clock"
	"github.com/psaab/bpfpp/pkg/probe"
	"github.com/psaab/bpfpp/pkg/stats"
)

var (
	macA = net.HardwareAddr{0x08, 0x00, 0x27, 0xe1, 0x1a, 0x3a}
	macB = net.HardwareAddr{0x08, 0x00, 0x27, 0x17, 0x3e, 0x18}
	ipA  = netip.MustParseAddr("192.168.56.101")
	ipB  = netip.MustParseAddr("192.168.56.102")
)

func buildProbe(t *testing.T, dstPort uint16, src, dst netip.Addr, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: macA, DstMAC: macB, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// ticks returns a clock that yields vals in order and then repeats the last.
func ticks(vals ...uint64) clock.Clock {
	i := 0
	return clock.Func(func() uint64 {
		v := vals[i]
		if i < len(vals)-1 {
			i++
		}
		return v
	})
}

func newEngine(t *testing.T, cfg Config, opts stats.Options, clk clock.Clock) (*Engine, *stats.Store) {
	t.Helper()
	s := stats.New(opts)
	e, err := New(cfg, s, clk)
	require.NoError(t, err)
	return e, s
}

func TestPingBounced(t *testing.T) {
	e, s := newEngine(t, Config{SideTables: true}, stats.Options{}, ticks(1500, 1600))
	frame := buildProbe(t, 1234, ipA, ipB, probe.Probe{Role: probe.RolePing, Round: 42, TS1: 1000}.Marshal())

	require.Equal(t, Transmit, e.Process(frame, 0))

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)

	assert.Equal(t, macB, eth.SrcMAC)
	assert.Equal(t, macA, eth.DstMAC)
	assert.Equal(t, ipB.AsSlice(), []byte(ip.SrcIP.To4()))
	assert.Equal(t, ipA.AsSlice(), []byte(ip.DstIP.To4()))
	assert.Zero(t, ip.Checksum)
	assert.Equal(t, layers.UDPPort(1234), udp.DstPort)

	rec, err := probe.View(udp.Payload, 0)
	require.NoError(t, err)
	assert.Equal(t, probe.Probe{Role: probe.RolePong, Round: 42, TS1: 1000, TS2: 1500, TS3: 1600}, rec.Decode())

	arr, err := s.SideTable(stats.KindArrival)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1500}, arr[0])
	dep, err := s.SideTable(stats.KindDeparture)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1600}, dep[0])

	c, err := s.Counters()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Transmit)
}

func TestPingWithShortUDPLengthBounced(t *testing.T) {
	e, _ := newEngine(t, Config{}, stats.Options{}, ticks(1500, 1600))
	frame := buildProbe(t, 1234, ipA, ipB, probe.Probe{Role: probe.RolePing, Round: 9, TS1: 1000}.Marshal())
	// UDP length claims a header-only datagram; the record still fits the frame.
	frame[14+20+4], frame[14+20+5] = 0, 8

	require.Equal(t, Transmit, e.Process(frame, 0))
	rec, err := probe.View(frame[14+20+8:], 0)
	require.NoError(t, err)
	assert.Equal(t, probe.Probe{Role: probe.RolePong, Round: 9, TS1: 1000, TS2: 1500, TS3: 1600}, rec.Decode())
}

func TestPongRecorded(t *testing.T) {
	e, s := newEngine(t, Config{WarmupRounds: 10},
		stats.Options{NumBuckets: 10000, BucketWidth: 100}, ticks(2200))
	pong := probe.Probe{Role: probe.RolePong, Round: 10, TS1: 1000, TS2: 1500, TS3: 1600}
	frame := buildProbe(t, 1234, ipB, ipA, pong.Marshal())

	require.Equal(t, Drop, e.Process(frame, 0))

	g, err := s.Global()
	require.NoError(t, err)
	assert.Equal(t, stats.Global{TotalRounds: 1, Min: 550, Max: 550}, g)

	h, err := s.Histogram()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h[5])
}

func TestWarmupRoundsExcluded(t *testing.T) {
	e, s := newEngine(t, Config{WarmupRounds: 10}, stats.Options{}, ticks(2200))

	for round := uint64(0); round < 10; round++ {
		pong := probe.Probe{Role: probe.RolePong, Round: round, TS1: 1000, TS2: 1500, TS3: 1600}
		require.Equal(t, Drop, e.Process(buildProbe(t, 1234, ipB, ipA, pong.Marshal()), 0))
	}
	g, err := s.Global()
	require.NoError(t, err)
	assert.Equal(t, stats.Global{}, g)

	// Warm-up rounds are still bounced.
	ping := probe.Probe{Role: probe.RolePing, Round: 3}
	assert.Equal(t, Transmit, e.Process(buildProbe(t, 1234, ipA, ipB, ping.Marshal()), 0))

	pong := probe.Probe{Role: probe.RolePong, Round: 10, TS1: 1000, TS2: 1500, TS3: 1600}
	require.Equal(t, Drop, e.Process(buildProbe(t, 1234, ipB, ipA, pong.Marshal()), 0))
	g, err = s.Global()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), g.TotalRounds)
}

func TestShortFramesPassUntouched(t *testing.T) {
	e, s := newEngine(t, Config{}, stats.Options{}, ticks(1))
	full := buildProbe(t, 1234, ipA, ipB, probe.Probe{Role: probe.RolePing}.Marshal())

	for n := 0; n < len(full); n++ {
		frame := bytes.Clone(full[:n])
		assert.Equal(t, Pass, e.Process(frame, 0), "len %d", n)
		assert.Equal(t, full[:n], frame, "len %d", n)
	}

	c, err := s.Counters()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(full)), c.Pass)
	assert.Equal(t, uint64(len(full)), c.Truncated)
	assert.Zero(t, c.Transmit)
}

func TestPayloadOffset(t *testing.T) {
	e, _ := newEngine(t, Config{PayloadOffset: 4}, stats.Options{}, ticks(5))
	payload := append([]byte{9, 9, 9, 9}, probe.Probe{Role: probe.RolePing}.Marshal()...)

	frame := buildProbe(t, 1234, ipA, ipB, payload)
	assert.Equal(t, Transmit, e.Process(frame, 0))

	short := buildProbe(t, 1234, ipA, ipB, payload[:len(payload)-1])
	assert.Equal(t, Pass, e.Process(short, 0))
}

func TestFiltering(t *testing.T) {
	other := netip.MustParseAddr("10.0.0.1")
	cfg := Config{Port: 5555, Peers: []netip.Addr{ipA, ipB}}
	ping := probe.Probe{Role: probe.RolePing}.Marshal()

	tests := []struct {
		name     string
		port     uint16
		src, dst netip.Addr
		want     Verdict
	}{
		{"forward", 5555, ipA, ipB, Transmit},
		{"reverse", 5555, ipB, ipA, Transmit},
		{"wrong port", 1234, ipA, ipB, Pass},
		{"foreign source", 5555, other, ipB, Pass},
		{"same endpoint", 5555, ipA, ipA, Pass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t, cfg, stats.Options{}, ticks(1))
			frame := buildProbe(t, tt.port, tt.src, tt.dst, ping)
			orig := bytes.Clone(frame)
			assert.Equal(t, tt.want, e.Process(frame, 0))
			if tt.want == Pass {
				assert.Equal(t, orig, frame)
			}
		})
	}
}

func TestUnknownRolePasses(t *testing.T) {
	e, s := newEngine(t, Config{}, stats.Options{}, ticks(1))
	payload := probe.Probe{Role: probe.Role(7)}.Marshal()
	frame := buildProbe(t, 1234, ipA, ipB, payload)
	orig := bytes.Clone(frame)

	assert.Equal(t, Pass, e.Process(frame, 0))
	assert.Equal(t, orig, frame)

	c, err := s.Counters()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Unrecognized)
}

func TestRawLogMode(t *testing.T) {
	e, s := newEngine(t, Config{WarmupRounds: 10},
		stats.Options{Mode: stats.ModeRawLog, LogCapacity: 4}, ticks(2200))

	pong := probe.Probe{Role: probe.RolePong, Round: 2, TS1: 1000, TS2: 1500, TS3: 1600}
	require.Equal(t, Drop, e.Process(buildProbe(t, 1234, ipB, ipA, pong.Marshal()), 0))

	ts, ok, err := s.Timestamp(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stats.Timestamps{Round: 2, T1: 1000, T2: 1500, T3: 1600, T4: 2200}, ts)

	// Beyond capacity: rejected write, verdict unchanged.
	pong.Round = 4
	require.Equal(t, Drop, e.Process(buildProbe(t, 1234, ipB, ipA, pong.Marshal()), 0))
	c, err := s.Counters()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.CapacityExceeded)
	assert.Equal(t, uint64(2), c.Drop)
}

func TestSideTableFullStillBounces(t *testing.T) {
	e, s := newEngine(t, Config{SideTables: true}, stats.Options{SideCapacity: 1}, ticks(1, 2, 3, 4))
	ping := probe.Probe{Role: probe.RolePing}.Marshal()

	assert.Equal(t, Transmit, e.Process(buildProbe(t, 1234, ipA, ipB, ping), 0))
	assert.Equal(t, Transmit, e.Process(buildProbe(t, 1234, ipA, ipB, ping), 0))

	c, err := s.Counters()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.CapacityExceeded)
}

func TestLatency(t *testing.T) {
	tests := []struct {
		name               string
		t1, t2, t3, t4, hz uint64
		want               uint64
	}{
		{"example", 1000, 1500, 1600, 2200, 0, 550},
		{"no hold", 0, 10, 10, 100, 0, 50},
		{"odd rtt truncates", 0, 0, 0, 3, 0, 1},
		{"hold exceeds rtt", 1000, 1000, 2000, 1500, 0, 0},
		{"clock went back", 2000, 0, 0, 1000, 0, 0},
		{"scaled ticks", 0, 0, 0, 2000, 2_000_000_000, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Latency(tt.t1, tt.t2, tt.t3, tt.t4, tt.hz))
		})
	}
}

func TestNewValidation(t *testing.T) {
	s := stats.New(stats.Options{})

	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Peers: []netip.Addr{ipA}}, s, nil)
	assert.Error(t, err)
	_, err = New(Config{Peers: []netip.Addr{ipA, netip.MustParseAddr("::1")}}, s, nil)
	assert.Error(t, err)
	_, err = New(Config{PayloadOffset: -1}, s, nil)
	assert.Error(t, err)

	e, err := New(Config{}, s, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultPort), e.Config().Port)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "TRANSMIT", Transmit.String())
	assert.Equal(t, "verdict(9)", Verdict(9).String())
}
