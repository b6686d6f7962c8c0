package tensor

import "gonum.org/v1/gonum/blas/blas32"

// Axpy computes dst += alpha * src element-wise.
// If src and dst lengths differ, the shorter length is used.
func Axpy(dst []float32, alpha float32, src []float32) {
	n := min(len(dst), len(src))

	if n == 0 || alpha == 0 {
		return
	}

	blas32.Axpy(alpha,
		blas32.Vector{N: n, Inc: 1, Data: src[:n]},
		blas32.Vector{N: n, Inc: 1, Data: dst[:n]},
	)
}

// Sum returns the float64 sum of xs.
func Sum(xs []float32) float64 {
	var s float64
	for _, v := range xs {
		s += float64(v)
	}

	return s
}
