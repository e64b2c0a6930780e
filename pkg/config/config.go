// Package config loads the bpfpp daemon configuration.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/psaab/bpfpp/pkg/bounce"
	"github.com/psaab/bpfpp/pkg/stats"
)

// Engine selects where probes are bounced.
type Engine string

const (
	// EngineKernel attaches the XDP hook object; the kernel bounces.
	EngineKernel Engine = "kernel"
	// EngineUserspace runs the bounce engine over an AF_XDP socket.
	EngineUserspace Engine = "userspace"
)

// Config is the daemon configuration.
type Config struct {
	Interface  string `mapstructure:"interface"`
	Queue      uint32 `mapstructure:"queue"`
	Engine     Engine `mapstructure:"engine"`
	Object     string `mapstructure:"object"`
	AttachMode string `mapstructure:"attach_mode"`
	PinPath    string `mapstructure:"pin_path"`

	Bounce BounceConfig `mapstructure:"bounce"`
	Stats  StatsConfig  `mapstructure:"stats"`
	XSK    XSKConfig    `mapstructure:"xsk"`
	API    APIConfig    `mapstructure:"api"`
	Prober ProberConfig `mapstructure:"prober"`
}

// BounceConfig selects probe traffic.
type BounceConfig struct {
	Port          uint16   `mapstructure:"port"`
	Peers         []string `mapstructure:"peers"`
	PayloadOffset int      `mapstructure:"payload_offset"`
	WarmupRounds  uint64   `mapstructure:"warmup_rounds"`
	ClockHz       uint64   `mapstructure:"clock_hz"`
	SideTables    bool     `mapstructure:"side_tables"`
}

// StatsConfig sizes the latency tables.
type StatsConfig struct {
	Mode           string        `mapstructure:"mode"`
	Cores          int           `mapstructure:"cores"`
	LogCapacity    int           `mapstructure:"log_capacity"`
	SideCapacity   int           `mapstructure:"side_capacity"`
	NumBuckets     int           `mapstructure:"num_buckets"`
	BucketWidth    uint64        `mapstructure:"bucket_width"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// XSKConfig tunes the AF_XDP socket used by the userspace engine.
type XSKConfig struct {
	NumFrames         uint32        `mapstructure:"num_frames"`
	FrameSize         uint32        `mapstructure:"frame_size"`
	RingSize          uint32        `mapstructure:"ring_size"`
	Copy              bool          `mapstructure:"copy"`
	BusyPoll          bool          `mapstructure:"busy_poll"`
	BatchSize         uint32        `mapstructure:"batch_size"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// PeerMAC is the destination of heartbeat frames. Empty resolves it
	// from the neighbor table.
	PeerMAC string `mapstructure:"peer_mac"`
}

// APIConfig configures the HTTP API. With no users and no API keys the
// API is open.
type APIConfig struct {
	Addr      string            `mapstructure:"addr"`
	HTTPSAddr string            `mapstructure:"https_addr"`
	TLS       bool              `mapstructure:"tls"`
	CertDir   string            `mapstructure:"cert_dir"`
	Users     map[string]string `mapstructure:"users"`
	APIKeys   []string          `mapstructure:"api_keys"`
	// ProtectMetrics puts /metrics behind the credentials too.
	ProtectMetrics bool `mapstructure:"protect_metrics"`
}

// ProberConfig configures the probe originator.
type ProberConfig struct {
	Target        string        `mapstructure:"target"`
	Port          uint16        `mapstructure:"port"`
	Interval      time.Duration `mapstructure:"interval"`
	Count         uint64        `mapstructure:"count"`
	TTL           int           `mapstructure:"ttl"`
	PayloadOffset int           `mapstructure:"payload_offset"`
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	switch c.Engine {
	case EngineKernel:
		if c.Object == "" {
			return fmt.Errorf("object is required for the %s engine", c.Engine)
		}
	case EngineUserspace:
	default:
		return fmt.Errorf("unknown engine %q (valid: kernel, userspace)", c.Engine)
	}
	switch c.AttachMode {
	case "", "native", "generic", "offload":
	default:
		return fmt.Errorf("unknown attach_mode %q (valid: native, generic, offload)", c.AttachMode)
	}
	if _, err := c.BounceOptions(); err != nil {
		return err
	}
	if _, err := c.StatsOptions(); err != nil {
		return err
	}
	if c.Stats.ReportInterval < 0 {
		return fmt.Errorf("stats.report_interval must not be negative")
	}
	if c.XSK.PeerMAC != "" {
		if _, err := net.ParseMAC(c.XSK.PeerMAC); err != nil {
			return fmt.Errorf("xsk.peer_mac: %w", err)
		}
	}
	if c.Prober.Target != "" {
		if _, err := netip.ParseAddr(c.Prober.Target); err != nil {
			return fmt.Errorf("prober.target: %w", err)
		}
		if c.Prober.Interval <= 0 {
			return fmt.Errorf("prober.interval must be positive")
		}
	}
	return nil
}

// BounceOptions converts the bounce section into engine options.
func (c *Config) BounceOptions() (bounce.Config, error) {
	b := c.Bounce
	out := bounce.Config{
		Port:          b.Port,
		PayloadOffset: b.PayloadOffset,
		WarmupRounds:  b.WarmupRounds,
		ClockHz:       b.ClockHz,
		SideTables:    b.SideTables,
	}
	if b.PayloadOffset < 0 {
		return bounce.Config{}, fmt.Errorf("bounce.payload_offset must not be negative")
	}
	if n := len(b.Peers); n != 0 && n != 2 {
		return bounce.Config{}, fmt.Errorf("bounce.peers needs exactly 2 addresses, got %d", n)
	}
	for _, p := range b.Peers {
		a, err := netip.ParseAddr(p)
		if err != nil {
			return bounce.Config{}, fmt.Errorf("bounce.peers: %w", err)
		}
		if !a.Is4() {
			return bounce.Config{}, fmt.Errorf("bounce.peers: %s is not IPv4", a)
		}
		out.Peers = append(out.Peers, a)
	}
	return out, nil
}

// StatsOptions converts the stats section into store options.
func (c *Config) StatsOptions() (stats.Options, error) {
	s := c.Stats
	mode, err := stats.ParseMode(s.Mode)
	if err != nil {
		return stats.Options{}, fmt.Errorf("stats.mode: %w", err)
	}
	if s.Cores < 0 || s.LogCapacity < 0 || s.SideCapacity < 0 || s.NumBuckets < 0 {
		return stats.Options{}, fmt.Errorf("stats sizes must not be negative")
	}
	return stats.Options{
		Cores:        s.Cores,
		Mode:         mode,
		LogCapacity:  s.LogCapacity,
		SideCapacity: s.SideCapacity,
		NumBuckets:   s.NumBuckets,
		BucketWidth:  s.BucketWidth,
	}, nil
}
