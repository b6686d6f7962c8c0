// Package testutil provides shared numeric helpers and direct-loop reference
// implementations for the volumetric kernel tests.
//
// The references trade speed for obviousness: every output voxel is a plain
// sum over its in-bounds taps, accumulated in float64.
//
// Typical usage:
//
//	func TestConvMatchesReference(t *testing.T) {
//	    testutil.SkipIfShort(t)
//	    ref, err := testutil.Conv3DRef(in, w, nil, geo)
//	    ...
//	    testutil.AssertClose(t, got, ref.Output, tol)
//	}
package testutil

import (
	"math"
	"math/rand"
	"testing"

	"github.com/example/go-volconv/internal/runtime/ops"
	"gonum.org/v1/gonum/floats"
)

// SkipIfShort skips the test under go test -short.
func SkipIfShort(tb testing.TB) {
	tb.Helper()

	if testing.Short() {
		tb.Skip("skipping reference comparison in -short mode")
	}
}

// Fill sets every element of buf to v.
func Fill(buf []float32, v float32) {
	for i := range buf {
		buf[i] = v
	}
}

// RandomFill fills buf with uniform values in [-1, 1).
func RandomFill(rng *rand.Rand, buf []float32) {
	for i := range buf {
		buf[i] = rng.Float32()*2 - 1
	}
}

// RandomSlice returns n uniform values in [-1, 1) from a fixed seed.
func RandomSlice(seed int64, n int) []float32 {
	buf := make([]float32, n)
	RandomFill(rand.New(rand.NewSource(seed)), buf)

	return buf
}

// Float64s widens xs.
func Float64s(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = float64(v)
	}

	return out
}

// MaxAbsDiff returns the largest element-wise distance between got and want.
// Mismatched lengths return +Inf.
func MaxAbsDiff(got []float32, want []float64) float64 {
	if len(got) != len(want) {
		return math.Inf(1)
	}

	if len(got) == 0 {
		return 0
	}

	return floats.Distance(Float64s(got), want, math.Inf(1))
}

// AssertClose fails the test when any element of got is outside tol of want.
func AssertClose(tb testing.TB, got []float32, want []float64, tol ops.Tolerance) {
	tb.Helper()

	if len(got) != len(want) {
		tb.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if !tol.Within(float64(got[i]), want[i]) {
			tb.Fatalf("element %d = %v, want %v (tolerance %+v, max diff %v)",
				i, got[i], want[i], tol, MaxAbsDiff(got, want))
		}
	}
}

// Dot returns the float64 inner product of a and b.
func Dot(a, b []float32) float64 {
	return floats.Dot(Float64s(a), Float64s(b))
}
