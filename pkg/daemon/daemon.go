// Package daemon implements the bpfpp daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/psaab/bpfpp/pkg/api"
	"github.com/psaab/bpfpp/pkg/bounce"
	"github.com/psaab/bpfpp/pkg/clock"
	"github.com/psaab/bpfpp/pkg/config"
	"github.com/psaab/bpfpp/pkg/dataplane"
	"github.com/psaab/bpfpp/pkg/prober"
	"github.com/psaab/bpfpp/pkg/stats"
	"github.com/psaab/bpfpp/pkg/xsk"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string
	// Bench, when positive, sends this many heartbeat frames through the
	// ring driver, logs the elapsed time and exits.
	Bench int
}

// Daemon is the main bpfpp daemon.
type Daemon struct {
	opts   Options
	cfg    *config.Config
	ifc    dataplane.Interface
	dp     *dataplane.Manager
	store  *stats.Store
	engine *bounce.Engine
	ring   ringSocket
}

// ringSocket is the AF_XDP socket as the daemon uses it.
type ringSocket interface {
	FD() int
	Zerocopy() bool
	Driver() *xsk.Driver
	Close() error
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	return &Daemon{opts: opts}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting bpfpp daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	d.cfg = cfg

	d.ifc, err = dataplane.LookupInterface(cfg.Interface)
	if err != nil {
		return err
	}
	slog.Info("interface resolved",
		"name", d.ifc.Name, "ifindex", d.ifc.Index, "mac", d.ifc.MAC, "addr", d.ifc.Addr)

	var src stats.Source
	switch cfg.Engine {
	case config.EngineKernel:
		src, err = d.startKernel()
	case config.EngineUserspace:
		src, err = d.startUserspace()
	}
	if err != nil {
		d.shutdown()
		return err
	}

	if d.opts.Bench > 0 {
		defer d.shutdown()
		return d.bench()
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	if d.ring != nil {
		drv := d.ring.Driver()
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := drv.Run(ctx, func(frame []byte) bounce.Verdict {
				return d.engine.Process(frame, 0)
			})
			if err != nil {
				errCh <- fmt.Errorf("ring driver: %w", err)
			}
		}()
	}

	if iv := cfg.Stats.ReportInterval; iv > 0 {
		r := stats.NewReporter(src, iv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	if cfg.API.Addr != "" {
		srv := api.NewServer(d.apiConfig(src))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("API server: %w", err)
			}
		}()
	}

	if cfg.Prober.Target != "" {
		s, err := prober.Dial(proberConfig(cfg.Prober), clock.Monotonic{})
		if err != nil {
			stop()
			wg.Wait()
			d.shutdown()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.Close()
			sent, err := s.Run(ctx)
			slog.Info("probe originator stopped", "sent", sent, "err", err)
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
		slog.Error("component failed, shutting down", "err", runErr)
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	d.shutdown()
	slog.Info("shutdown complete")
	return runErr
}

func (d *Daemon) statsOptions() (stats.Options, error) {
	opts, err := d.cfg.StatsOptions()
	if err != nil {
		return stats.Options{}, err
	}
	if opts.Cores == 0 {
		opts.Cores = runtime.NumCPU()
	}
	return opts, nil
}

// startKernel loads and attaches the hook object; the kernel bounces and
// the exported tables are the statistics source.
func (d *Daemon) startKernel() (stats.Source, error) {
	opts, err := d.statsOptions()
	if err != nil {
		return nil, err
	}
	d.dp = dataplane.New(dataplane.Options{PinPath: d.cfg.PinPath, Stats: opts})
	if err := d.dp.Load(d.cfg.Object); err != nil {
		return nil, err
	}
	if err := d.dp.AttachXDP(d.ifc.Index, dataplane.AttachMode(d.cfg.AttachMode)); err != nil {
		return nil, err
	}
	return d.dp, nil
}

// startUserspace runs the bounce engine over an AF_XDP socket. When an
// object is configured it is attached to redirect the queue into the
// socket.
func (d *Daemon) startUserspace() (stats.Source, error) {
	opts, err := d.statsOptions()
	if err != nil {
		return nil, err
	}
	// One driver loop per socket writes shard 0.
	if d.cfg.Stats.Cores == 0 {
		opts.Cores = 1
	}
	d.store = stats.New(opts)

	bcfg, err := d.cfg.BounceOptions()
	if err != nil {
		return nil, err
	}
	d.engine, err = bounce.New(bcfg, d.store, clock.Monotonic{})
	if err != nil {
		return nil, err
	}

	var tmpl []byte
	if d.cfg.XSK.HeartbeatInterval > 0 || d.opts.Bench > 0 {
		ep, err := d.heartbeatEndpoints()
		if err != nil {
			return nil, err
		}
		if tmpl, err = xsk.BuildHeartbeat(ep); err != nil {
			return nil, err
		}
	}

	d.ring, err = openRing(xskConfig(d.cfg, d.ifc.Index, tmpl))
	if err != nil {
		return nil, err
	}
	slog.Info("AF_XDP socket bound",
		"ifindex", d.ifc.Index, "queue", d.cfg.Queue, "zerocopy", d.ring.Zerocopy())

	if d.cfg.Object != "" {
		d.dp = dataplane.New(dataplane.Options{PinPath: d.cfg.PinPath, Stats: opts})
		if err := d.dp.Load(d.cfg.Object); err != nil {
			return nil, err
		}
		if err := d.dp.RegisterXSK(d.cfg.Queue, d.ring.FD()); err != nil {
			return nil, err
		}
		if err := d.dp.AttachXDP(d.ifc.Index, dataplane.AttachMode(d.cfg.AttachMode)); err != nil {
			return nil, err
		}
	}
	return d.store, nil
}

// heartbeatEndpoints addresses heartbeat frames from the interface to the
// prober target, or else to the allow-listed peer that is not us.
func (d *Daemon) heartbeatEndpoints() (xsk.Endpoints, error) {
	ep := xsk.Endpoints{
		SrcMAC: d.ifc.MAC,
		SrcIP:  d.ifc.Addr,
		Port:   d.cfg.Bounce.Port,
	}
	if !ep.SrcIP.IsValid() {
		return ep, fmt.Errorf("interface %s has no IPv4 address", d.ifc.Name)
	}

	dst, err := peerAddr(d.cfg, d.ifc.Addr)
	if err != nil {
		return ep, err
	}
	ep.DstIP = dst

	if d.cfg.XSK.PeerMAC != "" {
		ep.DstMAC, err = net.ParseMAC(d.cfg.XSK.PeerMAC)
	} else {
		ep.DstMAC, err = dataplane.ResolveNeighbor(d.ifc.Index, dst)
	}
	return ep, err
}

func peerAddr(cfg *config.Config, self netip.Addr) (netip.Addr, error) {
	if cfg.Prober.Target != "" {
		return netip.ParseAddr(cfg.Prober.Target)
	}
	for _, p := range cfg.Bounce.Peers {
		a, err := netip.ParseAddr(p)
		if err == nil && a != self {
			return a, nil
		}
	}
	return netip.Addr{}, errors.New("heartbeat needs prober.target or a bounce peer other than the local address")
}

func xskConfig(cfg *config.Config, ifindex int, tmpl []byte) xskSettings {
	x := cfg.XSK
	return xskSettings{
		Ifindex:   ifindex,
		QueueID:   cfg.Queue,
		NumFrames: x.NumFrames,
		FrameSize: x.FrameSize,
		RingSize:  x.RingSize,
		Copy:      x.Copy,
		Driver: xsk.Options{
			BatchSize:         x.BatchSize,
			HeartbeatInterval: x.HeartbeatInterval,
			BusyPoll:          x.BusyPoll,
			PollTimeout:       x.PollTimeout,
			Template:          tmpl,
		},
	}
}

// xskSettings carries the socket parameters to the platform opener.
type xskSettings struct {
	Ifindex   int
	QueueID   uint32
	NumFrames uint32
	FrameSize uint32
	RingSize  uint32
	Copy      bool
	Driver    xsk.Options
}

func proberConfig(p config.ProberConfig) prober.Config {
	return prober.Config{
		Target:        netip.MustParseAddr(p.Target),
		Port:          p.Port,
		Interval:      p.Interval,
		Count:         p.Count,
		TTL:           p.TTL,
		PayloadOffset: p.PayloadOffset,
	}
}

func (d *Daemon) apiConfig(src stats.Source) api.Config {
	c := api.Config{
		API:             d.cfg.API,
		Source:          src,
		DataplaneLoaded: d.dp != nil && d.dp.IsLoaded(),
		BucketWidth:     d.cfg.Stats.BucketWidth,
		ClockHz:         d.cfg.Bounce.ClockHz,
	}
	if d.ring != nil {
		c.Ring = d.ring.Driver()
	}
	return c
}

func (d *Daemon) bench() error {
	if d.ring == nil {
		return errors.New("bench needs the userspace engine")
	}
	sent, elapsed := d.ring.Driver().Bench(d.opts.Bench)
	var perFrame time.Duration
	if sent > 0 {
		perFrame = elapsed / time.Duration(sent)
	}
	slog.Info("heartbeat bench complete",
		"requested", d.opts.Bench, "sent", sent, "elapsed", elapsed, "per_frame", perFrame)
	return nil
}

// shutdown detaches the hook and releases the socket. Pinned tables stay
// for bpfppctl.
func (d *Daemon) shutdown() {
	if d.dp != nil {
		if err := d.dp.Close(); err != nil {
			slog.Warn("dataplane close", "err", err)
		}
	}
	if d.ring != nil {
		if err := d.ring.Close(); err != nil {
			slog.Warn("AF_XDP socket close", "err", err)
		}
	}
	if d.store != nil {
		d.store.Close()
	}
}
