package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/pprof"

	"github.com/example/go-volconv/internal/bench"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		runs        int
		format      string
		forwardOnly bool
		maxMeanMS   float64
		cpuProfile  string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark forward and backward latency of the configured layer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			s, err := newSession(cfg)
			if err != nil {
				return err
			}

			if cpuProfile != "" {
				stop, err := startCPUProfile(cpuProfile)
				if err != nil {
					return err
				}
				defer stop()
			}

			var backward bench.Step
			if !forwardOnly {
				backward = s.backward
			}

			results, err := bench.Run(runs, s.flops(!forwardOnly), s.forward, backward)
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Totals(results))

			slog.Debug("bench complete",
				"runs", runs,
				"workers", cfg.Runtime.ConvWorkers,
				"mean", stats.Mean,
			)

			switch format {
			case "json":
				if err := bench.FormatJSON(results, stats, cmd.OutOrStdout()); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			return bench.CheckMeanThreshold(stats.Mean, maxMeanMS)
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 5, "Number of timed iterations")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().BoolVar(&forwardOnly, "forward-only", false, "Skip the backward pass")
	cmd.Flags().Float64Var(&maxMeanMS, "max-mean-ms", 0, "Exit non-zero if the mean iteration time exceeds this many milliseconds (0 = disabled)")
	cmd.Flags().StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile of the timed runs to this file")

	return cmd
}

func startCPUProfile(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create cpu profile: %w", err)
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("start cpu profile: %w", err)
	}

	return func() {
		pprof.StopCPUProfile()

		if err := f.Close(); err != nil {
			slog.Warn("close cpu profile", "path", path, "error", err)
		}
	}, nil
}
