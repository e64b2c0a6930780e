package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/psaab/bpfpp/pkg/bounce"
	"github.com/psaab/bpfpp/pkg/dataplane"
	"github.com/psaab/bpfpp/pkg/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show merged latency aggregates",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		m, err := openTables()
		if err != nil {
			return err
		}
		defer m.Close()

		g, err := m.Global()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(map[string]uint64{
				"total_rounds": g.TotalRounds,
				"min_ns":       g.Min,
				"max_ns":       g.Max,
				"avg_ns":       g.Avg,
				"zero_count":   g.ZeroCount,
			})
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Total rounds:\t%d\n", g.TotalRounds)
		fmt.Fprintf(w, "Zero latency rounds:\t%d\n", g.ZeroCount)
		fmt.Fprintf(w, "Min latency:\t%d ns\n", g.Min)
		fmt.Fprintf(w, "Max latency:\t%d ns\n", g.Max)
		return w.Flush()
	},
}

var (
	bucketWidth uint64
	showAll     bool
)

var histogramCmd = &cobra.Command{
	Use:   "histogram",
	Short: "Show the latency histogram",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		m, err := openTables()
		if err != nil {
			return err
		}
		defer m.Close()

		counts, err := m.Histogram()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(counts)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "Bucket\tFrom (ns)\tCount\t")
		for i, n := range counts {
			if n == 0 && !showAll {
				continue
			}
			from := strconv.FormatUint(uint64(i)*bucketWidth, 10)
			if i == len(counts)-1 {
				from = ">=" + from
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t\n", i, from, n)
		}
		return w.Flush()
	},
}

const maxRange = 1 << 20

var (
	clockHz   uint64
	fromRound uint64
	toRound   uint64
)

var timestampsCmd = &cobra.Command{
	Use:   "timestamps [round...]",
	Short: "Show raw-log timestamp entries",
	Long: `Show raw-log timestamp entries for the given rounds, or for every
written round in --from..--to when no round is given.`,
	RunE: func(_ *cobra.Command, args []string) error {
		m, err := openTables()
		if err != nil {
			return err
		}
		defer m.Close()

		var rounds []uint64
		for _, a := range args {
			r, err := strconv.ParseUint(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid round %q", a)
			}
			rounds = append(rounds, r)
		}
		explicit := len(rounds) > 0
		if !explicit {
			if toRound < fromRound || toRound-fromRound >= maxRange {
				return fmt.Errorf("invalid range %d..%d (at most %d rounds)", fromRound, toRound, maxRange)
			}
			for i := uint64(0); i <= toRound-fromRound; i++ {
				rounds = append(rounds, fromRound+i)
			}
		}

		var entries []stats.Timestamps
		for _, r := range rounds {
			ts, ok, err := m.Timestamp(r)
			if err != nil {
				return err
			}
			if !ok {
				if explicit {
					fmt.Fprintf(os.Stderr, "round %d not recorded\n", r)
				}
				continue
			}
			entries = append(entries, ts)
		}

		if asJSON {
			return printJSON(entries)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "Round\tT1\tT2\tT3\tT4\tLatency (ns)\t")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t\n",
				e.Round, e.T1, e.T2, e.T3, e.T4, bounce.Latency(e.T1, e.T2, e.T3, e.T4, clockHz))
		}
		return w.Flush()
	},
}

var sideTableCmd = &cobra.Command{
	Use:       "side-table arrival|departure",
	Short:     "Show per-CPU bounce-point stamps",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"arrival", "departure"},
	RunE: func(_ *cobra.Command, args []string) error {
		var kind stats.Kind
		switch args[0] {
		case "arrival":
			kind = stats.KindArrival
		case "departure":
			kind = stats.KindDeparture
		default:
			return fmt.Errorf("unknown side table %q (valid: arrival, departure)", args[0])
		}

		m, err := openTables()
		if err != nil {
			return err
		}
		defer m.Close()

		perCPU, err := m.SideTable(kind)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(perCPU)
		}
		for cpu, vals := range perCPU {
			if len(vals) == 0 {
				continue
			}
			fmt.Printf("cpu %d: %d stamps\n", cpu, len(vals))
			for i, v := range vals {
				fmt.Printf("  %6d  %d\n", i, v)
			}
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove all pinned tables",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		m := dataplane.New(dataplane.Options{PinPath: pinPath})
		if err := m.Cleanup(); err != nil {
			return err
		}
		fmt.Println("all pinned bpfpp state removed")
		return nil
	},
}

func init() {
	histogramCmd.Flags().Uint64Var(&bucketWidth, "bucket-width", stats.DefaultBucketWidth, "bucket width in ns the hook was built with")
	histogramCmd.Flags().BoolVar(&showAll, "all", false, "include empty buckets")

	timestampsCmd.Flags().Uint64Var(&clockHz, "clock-hz", 0, "timestamp tick rate (0 = ns)")
	timestampsCmd.Flags().Uint64Var(&fromRound, "from", 0, "first round of the range")
	timestampsCmd.Flags().Uint64Var(&toRound, "to", 99, "last round of the range")
}
