package main

import (
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/psaab/bpfpp/pkg/bounce"
	"github.com/psaab/bpfpp/pkg/clock"
	"github.com/psaab/bpfpp/pkg/prober"
)

var probeOpts struct {
	port     uint16
	local    string
	interval time.Duration
	burst    int
	count    uint64
	first    uint64
	ttl      int
	offset   int
}

var probeCmd = &cobra.Command{
	Use:   "probe TARGET",
	Short: "Send PING probes to a bounce point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := netip.ParseAddr(args[0])
		if err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
		cfg := prober.Config{
			Target:        target,
			Port:          probeOpts.port,
			Interval:      probeOpts.interval,
			Burst:         probeOpts.burst,
			Count:         probeOpts.count,
			FirstRound:    probeOpts.first,
			TTL:           probeOpts.ttl,
			PayloadOffset: probeOpts.offset,
		}
		if probeOpts.local != "" {
			if cfg.Local, err = netip.ParseAddrPort(probeOpts.local); err != nil {
				return fmt.Errorf("invalid local address: %w", err)
			}
		}

		s, err := prober.Dial(cfg, clock.Monotonic{})
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		start := time.Now()
		sent, err := s.Run(ctx)
		fmt.Printf("sent %d probes from %s to %s in %s (next round %d)\n",
			sent, s.LocalAddr(), netip.AddrPortFrom(target, cfg.Port), time.Since(start).Round(time.Millisecond), s.Round())
		return err
	},
}

func init() {
	f := probeCmd.Flags()
	f.Uint16Var(&probeOpts.port, "port", bounce.DefaultPort, "destination UDP port")
	f.StringVar(&probeOpts.local, "local", "", "local address:port to bind (default 0.0.0.0:7777)")
	f.DurationVar(&probeOpts.interval, "interval", 0, "pause between bursts (0 = back to back)")
	f.IntVar(&probeOpts.burst, "burst", 1, "probes per batch write")
	f.Uint64Var(&probeOpts.count, "count", 1<<20, "probes to send (0 = until interrupted)")
	f.Uint64Var(&probeOpts.first, "first-round", 0, "round of the first probe")
	f.IntVar(&probeOpts.ttl, "ttl", 64, "IP TTL")
	f.IntVar(&probeOpts.offset, "payload-offset", 0, "bytes preceding the probe record")
}
