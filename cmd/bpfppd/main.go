// bpfppd is the bpfpp latency daemon.
//
// It attaches the ping-pong XDP hook (or runs the bounce engine over an
// AF_XDP socket), reports latency statistics and serves them over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/bpfpp/pkg/config"
	"github.com/psaab/bpfpp/pkg/daemon"
)

func main() {
	configFile := flag.String("config", config.DefaultPath, "configuration file path")
	bench := flag.Int("bench", 0, "send N heartbeat frames through the ring driver, report timing and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Set up structured logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		Bench:      *bench,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "bpfppd: %v\n", err)
		os.Exit(1)
	}
}
