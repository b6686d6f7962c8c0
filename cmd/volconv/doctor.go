package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"

	"github.com/example/go-volconv/internal/doctor"
	"github.com/example/go-volconv/internal/runtime/ops"
	"github.com/example/go-volconv/internal/runtime/tensor"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and configuration checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			result := doctor.Run(doctor.Config{
				GoVersion:     runtime.Version(),
				ConvWorkers:   cfg.Runtime.ConvWorkers,
				ActiveWorkers: ops.ConvWorkers,
				NumCPU:        runtime.NumCPU(),
				CheckBLAS:     checkBLAS,
				ConfigFile:    cfgFile,
				ValidateLayer: func() error {
					_, err := newSession(cfg)
					return err
				},
			}, out)

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

// checkBLAS multiplies two small transposed operands through the SGEMM path
// and compares the result to a direct triple loop.
func checkBLAS() error {
	const m, k, n = 7, 5, 6

	a, err := tensor.ZerosMatrix(k, m)
	if err != nil {
		return err
	}

	b, err := tensor.ZerosMatrix(k, n)
	if err != nil {
		return err
	}

	for i, raw := 0, a.RawData(); i < len(raw); i++ {
		raw[i] = float32(i%11) - 5
	}

	for i, raw := 0, b.RawData(); i < len(raw); i++ {
		raw[i] = float32(i%7) * 0.5
	}

	c, err := tensor.ZerosMatrix(m, n)
	if err != nil {
		return err
	}

	if err := c.Mul(a.T(), b, 1, 0); err != nil {
		return err
	}

	tol, err := ops.KernelTolerance("grouped_gemm")
	if err != nil {
		return err
	}

	for i := range m {
		for j := range n {
			var want float64
			for p := range k {
				want += float64(a.At(p, i)) * float64(b.At(p, j))
			}

			got := float64(c.At(i, j))
			if !tol.Within(got, want) {
				return fmt.Errorf("c[%d,%d] = %g, want %g (diff %g)", i, j, got, want, math.Abs(got-want))
			}
		}
	}

	return nil
}
