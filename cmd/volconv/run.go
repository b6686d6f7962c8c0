package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func newRunCmd() *cobra.Command {
	var (
		backward bool
		format   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one forward (and optionally backward) pass and summarize the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			s, err := newSession(cfg)
			if err != nil {
				return err
			}

			rep, err := runOnce(s, backward)
			if err != nil {
				return err
			}

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}

			writeReport(rep, cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().BoolVar(&backward, "backward", false, "Also run the backward pass with a unit output gradient")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")

	return cmd
}

// summary describes the distribution of a buffer.
type summary struct {
	Name string  `json:"name"`
	Size int     `json:"size"`
	Sum  float64 `json:"sum"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

type runReport struct {
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Batch     int       `json:"batch"`
	Width     int       `json:"width"`
	Frame     string    `json:"frame"`
	Output    summary   `json:"output"`
	Gradients []summary `json:"gradients,omitempty"`
}

func runOnce(s *session, withBackward bool) (runReport, error) {
	if err := s.forward(); err != nil {
		return runReport{}, fmt.Errorf("forward: %w", err)
	}

	rep := runReport{
		Type:   s.cfg.Type,
		Name:   s.cfg.Name,
		Batch:  s.batch,
		Width:  s.width,
		Frame:  s.frame(),
		Output: summarize("output", s.layer.Output().Value.RawData()),
	}

	if !withBackward {
		return rep, nil
	}

	if err := s.backward(); err != nil {
		return runReport{}, fmt.Errorf("backward: %w", err)
	}

	if b := s.params.Bias; b != nil {
		rep.Gradients = append(rep.Gradients, summarize(b.Name(), b.Grad()))
	}

	for _, w := range s.params.Weights {
		rep.Gradients = append(rep.Gradients, summarize(w.Name(), w.Grad()))
	}

	for i, in := range s.inputs {
		rep.Gradients = append(rep.Gradients, summarize(fmt.Sprintf("input%d", i), in.Grad.RawData()))
	}

	slog.Info("run complete", "type", rep.Type, "batch", rep.Batch, "width", rep.Width, "output_sum", rep.Output.Sum)

	return rep, nil
}

func summarize(name string, xs []float32) summary {
	s := summary{Name: name, Size: len(xs)}
	if len(xs) == 0 {
		return s
	}

	vals := toFloat64(xs)

	s.Sum = floats.Sum(vals)
	s.Min = floats.Min(vals)
	s.Max = floats.Max(vals)

	if len(vals) > 1 {
		s.Mean, s.Std = stat.MeanStdDev(vals, nil)
	} else {
		s.Mean = vals[0]
	}

	return s
}

func writeReport(rep runReport, w io.Writer) {
	fmt.Fprintf(w, "layer   %s (%s)\n", rep.Name, rep.Type)
	fmt.Fprintf(w, "batch   %d\n", rep.Batch)
	fmt.Fprintf(w, "width   %d\n", rep.Width)
	fmt.Fprintf(w, "frame   %s\n", rep.Frame)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-14s  %8s  %12s  %10s  %10s  %10s  %10s\n", "Buffer", "Size", "Sum", "Mean", "Std", "Min", "Max")

	for _, s := range append([]summary{rep.Output}, rep.Gradients...) {
		fmt.Fprintf(w, "%-14s  %8d  %12.4f  %10.4f  %10.4f  %10.4f  %10.4f\n",
			s.Name, s.Size, s.Sum, s.Mean, s.Std, s.Min, s.Max)
	}
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = float64(v)
	}

	return out
}
