package ops

import (
	"math"
	"strings"
	"testing"

	"github.com/example/go-volconv/internal/runtime/tensor"
)

func seqData(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i%17)-8) / 17
	}

	return out
}

func equalApprox(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		delta := math.Abs(float64(got[i] - want[i]))
		if delta > tol {
			return false
		}
	}

	return true
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}

	return s
}

func mustMatrix(tb testing.TB, data []float32, rows, cols int) *tensor.Matrix {
	tb.Helper()

	m, err := tensor.NewMatrix(data, rows, cols)
	if err != nil {
		tb.Fatalf("tensor.NewMatrix(%d, %d): %v", rows, cols, err)
	}

	return m
}

func cube(n int) Extent3 { return Extent3{D: n, H: n, W: n} }

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}

	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error %q does not contain %q", err.Error(), substr)
	}
}
