package daemon

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/bpfpp/pkg/config"
)

func TestPeerAddr(t *testing.T) {
	self := netip.MustParseAddr("192.168.56.102")

	cfg := &config.Config{Bounce: config.BounceConfig{Peers: []string{"192.168.56.102", "192.168.56.101"}}}
	got, err := peerAddr(cfg, self)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.168.56.101"), got)

	cfg.Prober.Target = "10.0.0.9"
	got, err = peerAddr(cfg, self)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.9"), got)

	_, err = peerAddr(&config.Config{}, self)
	assert.Error(t, err)
}

func TestXSKConfig(t *testing.T) {
	cfg := &config.Config{
		Queue: 2,
		XSK: config.XSKConfig{
			NumFrames:         1024,
			FrameSize:         4096,
			RingSize:          512,
			Copy:              true,
			BusyPoll:          true,
			BatchSize:         32,
			PollTimeout:       time.Millisecond,
			HeartbeatInterval: time.Second,
		},
	}
	s := xskConfig(cfg, 7, []byte("tmpl"))
	assert.Equal(t, 7, s.Ifindex)
	assert.Equal(t, uint32(2), s.QueueID)
	assert.Equal(t, uint32(512), s.RingSize)
	assert.True(t, s.Copy)
	assert.Equal(t, uint32(32), s.Driver.BatchSize)
	assert.True(t, s.Driver.BusyPoll)
	assert.Equal(t, time.Second, s.Driver.HeartbeatInterval)
	assert.Equal(t, []byte("tmpl"), s.Driver.Template)
}

func TestAPIConfig(t *testing.T) {
	d := &Daemon{cfg: &config.Config{
		API: config.APIConfig{
			Addr:    ":9464",
			Users:   map[string]string{"admin": "pw"},
			APIKeys: []string{"k1", "k2"},
		},
		Stats:  config.StatsConfig{BucketWidth: 50},
		Bounce: config.BounceConfig{ClockHz: 2_000_000_000},
	}}
	c := d.apiConfig(nil)
	assert.Equal(t, ":9464", c.API.Addr)
	assert.Equal(t, []string{"k1", "k2"}, c.API.APIKeys)
	assert.Equal(t, map[string]string{"admin": "pw"}, c.API.Users)
	assert.Equal(t, uint64(50), c.BucketWidth)
	assert.Equal(t, uint64(2_000_000_000), c.ClockHz)
	assert.False(t, c.DataplaneLoaded)
	assert.Nil(t, c.Ring)
}

func TestProberConfig(t *testing.T) {
	p := proberConfig(config.ProberConfig{
		Target:   "10.1.1.1",
		Port:     1234,
		Interval: time.Millisecond,
		Count:    100,
		TTL:      8,
	})
	assert.Equal(t, netip.MustParseAddr("10.1.1.1"), p.Target)
	assert.Equal(t, uint64(100), p.Count)
	assert.Equal(t, 8, p.TTL)
}

func TestBenchNeedsRing(t *testing.T) {
	d := New(Options{Bench: 10})
	assert.Error(t, d.bench())
}
