package main

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/example/go-volconv/internal/config"
	"github.com/example/go-volconv/internal/doctor"
	"github.com/example/go-volconv/internal/runtime/ops"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/floats"
)

// gradEps is the central-difference step. float32 forward passes lose too
// much precision below this.
const gradEps = 1e-2

func newCheckCmd() *cobra.Command {
	var samples int

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify vol2col/col2vol adjointness and finite-difference gradients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if samples < 1 {
				return fmt.Errorf("--samples must be at least 1")
			}

			failures, err := runChecks(cfg, samples, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if failures > 0 {
				return fmt.Errorf("%d checks failed", failures)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "all checks passed")
			return nil
		},
	}

	cmd.Flags().IntVar(&samples, "samples", 4, "Entries per buffer sampled by the finite-difference check")

	return cmd
}

// runChecks returns the number of failed comparisons. Errors are reserved for
// configurations that cannot be evaluated at all.
func runChecks(cfg config.Config, samples int, w io.Writer) (int, error) {
	cfg.Run.Random = true

	s, err := newSession(cfg)
	if err != nil {
		return 0, err
	}

	failures := 0

	adj, err := checkAdjoint(s, cfg.Run.Seed, w)
	if err != nil {
		return 0, err
	}
	failures += adj

	grad, err := checkGradients(s, cfg.Run.Seed, samples, w)
	if err != nil {
		return 0, err
	}
	failures += grad

	return failures, nil
}

// unfoldParams returns the vol2col problem the layer solves for input i.
func unfoldParams(s *session, i int) (ops.Vol2ColParams, error) {
	in := s.cfg.Inputs[i]

	if s.cfg.Type == "deconv3d" {
		out, err := in.DeconvOutput(in.Image)
		if err != nil {
			return ops.Vol2ColParams{}, err
		}

		return ops.Vol2ColParams{Channels: s.cfg.NumFilters, Volume: out, Output: in.Image, Window: in.Window}, nil
	}

	out, err := in.ConvOutput(in.Image)
	if err != nil {
		return ops.Vol2ColParams{}, err
	}

	return ops.Vol2ColParams{Channels: in.Channels, Volume: in.Image, Output: out, Window: in.Window}, nil
}

// checkAdjoint compares <Vol2Col(x), y> with <x, Col2Vol(y)> for every input.
func checkAdjoint(s *session, seed int64, w io.Writer) (int, error) {
	tol, err := ops.KernelTolerance("adjoint")
	if err != nil {
		return 0, err
	}

	rng := rand.New(rand.NewSource(seed))
	failures := 0

	for i := range s.cfg.Inputs {
		p, err := unfoldParams(s, i)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		x := make([]float32, p.Channels*p.Volume.Volume())
		y := make([]float32, p.Rows()*p.Cols())
		fill(x, 0, rng)
		fill(y, 0, rng)

		col := make([]float32, len(y))
		if err := ops.Vol2Col(x, col, p); err != nil {
			return 0, fmt.Errorf("input %d vol2col: %w", i, err)
		}

		vol := make([]float32, len(x))
		if err := ops.Col2Vol(y, vol, p, 1, 0); err != nil {
			return 0, fmt.Errorf("input %d col2vol: %w", i, err)
		}

		lhs := floats.Dot(toFloat64(col), toFloat64(y))
		rhs := floats.Dot(toFloat64(x), toFloat64(vol))

		mark := doctor.PassMark
		if !tol.Within(lhs, rhs) {
			mark = doctor.FailMark
			failures++
		}

		fmt.Fprintf(w, "%s adjoint input%d: <Ax,y>=%.6f <x,A'y>=%.6f\n", mark, i, lhs, rhs)
	}

	return failures, nil
}

// checkGradients compares analytic gradients of L = sum(out * r) against
// central differences at samples positions of every parameter and input.
func checkGradients(s *session, seed int64, samples int, w io.Writer) (int, error) {
	tol, err := ops.KernelTolerance("gradcheck")
	if err != nil {
		return 0, err
	}

	if err := s.forward(); err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}

	r := make([]float32, len(s.layer.Output().Grad.RawData()))
	fill(r, 0, rand.New(rand.NewSource(seed+1)))
	weight := toFloat64(r)

	for _, in := range s.inputs {
		in.Grad.Zero()
	}

	copy(s.layer.Output().Grad.RawData(), r)

	if err := s.layer.Backward(nil); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}

	var lossErr error

	loss := func() float64 {
		if err := s.forward(); err != nil {
			lossErr = multierr.Append(lossErr, err)
			return 0
		}

		return floats.Dot(toFloat64(s.layer.Output().Value.RawData()), weight)
	}

	failures := 0

	check := func(name string, buf, grad []float32) {
		analytic := append([]float32(nil), grad...)

		for _, j := range sampleIndices(len(buf), samples) {
			orig := buf[j]

			buf[j] = orig + gradEps
			plus := loss()

			buf[j] = orig - gradEps
			minus := loss()

			buf[j] = orig

			numeric := (plus - minus) / (2 * gradEps)

			mark := doctor.PassMark
			if !tol.Within(float64(analytic[j]), numeric) {
				mark = doctor.FailMark
				failures++
			}

			fmt.Fprintf(w, "%s gradient %s[%d]: analytic=%.6f numeric=%.6f\n", mark, name, j, analytic[j], numeric)
		}
	}

	if b := s.params.Bias; b != nil {
		check(b.Name(), b.Value(), b.Grad())
	}

	for _, p := range s.params.Weights {
		check(p.Name(), p.Value(), p.Grad())
	}

	for i, in := range s.inputs {
		check(fmt.Sprintf("input%d", i), in.Value.RawData(), in.Grad.RawData())
	}

	if lossErr != nil {
		return 0, fmt.Errorf("forward during gradient check: %w", lossErr)
	}

	return failures, nil
}

// sampleIndices spreads k indices evenly over [0, n).
func sampleIndices(n, k int) []int {
	if n <= 0 {
		return nil
	}

	if k >= n {
		k = n
	}

	out := make([]int, 0, k)
	for i := range k {
		j := 0
		if k > 1 {
			j = i * (n - 1) / (k - 1)
		}

		if len(out) > 0 && out[len(out)-1] == j {
			continue
		}

		out = append(out, j)
	}

	return out
}
