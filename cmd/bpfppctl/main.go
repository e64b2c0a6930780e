// bpfppctl reads the latency tables pinned by bpfppd, removes pinned
// state and originates probe traffic.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/psaab/bpfpp/pkg/dataplane"
	"github.com/psaab/bpfpp/pkg/stats"
)

var (
	pinPath  string
	modeName string
	asJSON   bool
	debug    bool
)

var rootCmd = &cobra.Command{
	Use:   "bpfppctl",
	Short: "Inspect and drive the bpfpp latency hook",
	Long: `bpfppctl reads the statistics tables bpfppd pins under the BPF
filesystem, removes pinned state, and sends probe traffic.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		level := slog.LevelWarn
		if debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&pinPath, "pin-path", dataplane.DefaultPinPath, "directory of the pinned tables")
	rootCmd.PersistentFlags().StringVar(&modeName, "mode", "histogram", "recording mode of the hook (histogram, raw-log)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(histogramCmd)
	rootCmd.AddCommand(timestampsCmd)
	rootCmd.AddCommand(sideTableCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(probeCmd)
}

// openTables opens the pinned tables without loading a program.
func openTables() (*dataplane.Manager, error) {
	mode, err := stats.ParseMode(modeName)
	if err != nil {
		return nil, err
	}
	m := dataplane.New(dataplane.Options{PinPath: pinPath, Stats: stats.Options{Mode: mode}})
	if err := m.Reuse(); err != nil {
		return nil, err
	}
	return m, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bpfppctl: %v\n", err)
		os.Exit(1)
	}
}
