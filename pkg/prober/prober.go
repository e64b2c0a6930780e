// Package prober originates PING probes toward a bounce point.
package prober

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/psaab/bpfpp/pkg/bounce"
	"github.com/psaab/bpfpp/pkg/clock"
	"github.com/psaab/bpfpp/pkg/probe"
)

// DefaultLocalPort is the source port probes are sent from.
const DefaultLocalPort = 7777

// Config describes the probe stream.
type Config struct {
	Target netip.Addr
	Port   uint16
	// Local is the bind address; zero binds the wildcard on DefaultLocalPort.
	Local netip.AddrPort
	// Interval between bursts. Zero sends back to back.
	Interval time.Duration
	// Burst is the number of probes written per batch.
	Burst int
	// Count stops after this many probes; zero runs until cancelled.
	Count uint64
	// FirstRound is the round of the first probe.
	FirstRound    uint64
	TTL           int
	PayloadOffset int
}

// Sender writes PING records with increasing rounds.
type Sender struct {
	cfg   Config
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	dst   *net.UDPAddr
	clk   clock.Clock
	round uint64
}

// Dial opens the UDP socket probes are sent from.
func Dial(cfg Config, clk clock.Clock) (*Sender, error) {
	if !cfg.Target.Is4() {
		return nil, fmt.Errorf("prober: target %s is not IPv4", cfg.Target)
	}
	if cfg.PayloadOffset < 0 {
		return nil, fmt.Errorf("prober: negative payload offset %d", cfg.PayloadOffset)
	}
	if cfg.Port == 0 {
		cfg.Port = bounce.DefaultPort
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if !cfg.Local.IsValid() {
		cfg.Local = netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultLocalPort)
	}
	if clk == nil {
		clk = clock.Monotonic{}
	}

	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(cfg.Local))
	if err != nil {
		return nil, fmt.Errorf("prober: bind %s: %w", cfg.Local, err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if cfg.TTL > 0 {
		if err := pconn.SetTTL(cfg.TTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("prober: set TTL: %w", err)
		}
	}
	return &Sender{
		cfg:   cfg,
		conn:  conn,
		pconn: pconn,
		dst:   net.UDPAddrFromAddrPort(netip.AddrPortFrom(cfg.Target, cfg.Port)),
		clk:   clk,
		round: cfg.FirstRound,
	}, nil
}

// LocalAddr returns the bound source address.
func (s *Sender) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Round returns the round the next probe carries.
func (s *Sender) Round() uint64 { return s.round }

// Close closes the socket.
func (s *Sender) Close() error { return s.conn.Close() }

func (s *Sender) fill(buf []byte) {
	p := probe.Probe{Role: probe.RolePing, Round: s.round, TS1: s.clk.Now()}
	// buf is always PayloadOffset+probe.Size bytes.
	_ = p.MarshalTo(buf[s.cfg.PayloadOffset:])
	s.round++
}

// SendBurst writes up to n probes in one batch and returns how many were
// sent.
func (s *Sender) SendBurst(n int) (int, error) {
	msgs := make([]ipv4.Message, n)
	for i := range msgs {
		buf := make([]byte, s.cfg.PayloadOffset+probe.Size)
		s.fill(buf)
		msgs[i] = ipv4.Message{Buffers: [][]byte{buf}, Addr: s.dst}
	}
	sent, err := s.pconn.WriteBatch(msgs, 0)
	if sent < n {
		// Unsent rounds are reused by the next burst.
		s.round -= uint64(n - max(sent, 0))
	}
	if err != nil {
		return max(sent, 0), fmt.Errorf("prober: write: %w", err)
	}
	return sent, nil
}

// Run sends probes until ctx is cancelled or Count probes were sent. It
// returns the number of probes sent.
func (s *Sender) Run(ctx context.Context) (uint64, error) {
	var ticker *time.Ticker
	if s.cfg.Interval > 0 {
		ticker = time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
	}

	var total uint64
	for {
		n := s.cfg.Burst
		if s.cfg.Count > 0 {
			left := s.cfg.Count - total
			if left == 0 {
				return total, nil
			}
			n = int(min(uint64(n), left))
		}
		sent, err := s.SendBurst(n)
		total += uint64(sent)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return total, nil
			}
			slog.Warn("probe send failed", "round", s.round, "err", err)
		}

		if ticker == nil {
			select {
			case <-ctx.Done():
				return total, nil
			default:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return total, nil
		case <-ticker.C:
		}
	}
}
