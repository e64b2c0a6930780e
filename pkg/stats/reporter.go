package stats

import (
	"context"
	"log/slog"
	"time"
)

// Reporter periodically logs the merged aggregates of a Source.
type Reporter struct {
	src      Source
	interval time.Duration

	lastG Global
	lastC Counters
}

// NewReporter creates a reporter for src.
func NewReporter(src Source, interval time.Duration) *Reporter {
	return &Reporter{src: src, interval: interval}
}

// Run starts the report loop. It blocks until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	slog.Info("stats reporter started", "interval", r.interval, "mode", r.src.Mode())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.report()
			slog.Info("stats reporter stopped")
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	g, err := r.src.Global()
	if err != nil {
		slog.Error("stats read failed", "err", err)
		return
	}
	c, err := r.src.Counters()
	if err != nil {
		slog.Debug("counter read failed", "err", err)
	}

	if g == r.lastG && c == r.lastC {
		return
	}
	r.lastG, r.lastC = g, c

	slog.Info("latency stats",
		"rounds", g.TotalRounds,
		"min_ns", g.Min,
		"max_ns", g.Max,
		"zero", g.ZeroCount,
		"bounced", c.Transmit,
		"passed", c.Pass,
		"truncated", c.Truncated,
		"capacity_exceeded", c.CapacityExceeded)
}
