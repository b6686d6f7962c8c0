package ops

import (
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
)

// convWorkers controls the number of goroutines used by Vol2Col, Col2Vol and
// the grouped GEMM dispatch. A value of 0 or 1 means sequential (default).
//
// Set via SetConvWorkers, typically wired to --runtime-conv-workers.
var convWorkers atomic.Int32

// SetConvWorkers sets the maximum number of goroutines used by the volume
// transforms and grouped GEMM. n <= 1 disables parallelism.
func SetConvWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	if n < 0 {
		n = 0
	}

	if n > maxInt32 {
		n = maxInt32
	}

	convWorkers.Store(int32(n))
}

// ConvWorkers returns the configured worker count.
func ConvWorkers() int { return getConvWorkers() }

func getConvWorkers() int { return int(convWorkers.Load()) }

// parallelFor splits the range [0, n) into chunks and runs fn(lo, hi)
// concurrently. When workers <= 1 the call is sequential (no goroutines).
// A panic in any chunk is re-raised on the calling goroutine.
func parallelFor(n, workers int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	if workers <= 1 || n == 1 {
		fn(0, n)
		return
	}

	if workers > n {
		workers = n
	}

	var wg conc.WaitGroup

	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)

		wg.Go(func() {
			fn(lo, hi)
		})
	}

	wg.Wait()
}

// scratchPools is a size-class pool for reusable []float32 scratch buffers,
// used for the per-call column buffers of the 3D convolution kernels.
//
// Size classes are powers of two from 2^10 (1 Ki) to 2^26 (64 Mi floats ~= 256 MB).
// A request for n floats rounds up to the next power-of-two class.
var scratchPools [17]sync.Pool // indices 10..26 -> pools[0..16]

// GetScratch returns a zeroed []float32 of exactly n elements from the pool.
// The caller must call PutScratch when done.
func GetScratch(n int) []float32 {
	cls := scratchClass(n)

	sz := 1 << (cls + 10)
	if sz < n {
		return make([]float32, n)
	}

	if v := scratchPools[cls].Get(); v != nil {
		buf, ok := v.([]float32)
		if !ok {
			return make([]float32, n)
		}

		buf = buf[:n]
		clear(buf)

		return buf
	}

	buf := make([]float32, sz)

	return buf[:n]
}

// PutScratch returns a buffer obtained from GetScratch back to the pool.
// Buffers that are not exactly a pool class size are dropped.
func PutScratch(buf []float32) {
	c := cap(buf)

	cls := scratchClass(c)
	if 1<<(cls+10) != c {
		return
	}

	buf = buf[:c]
	scratchPools[cls].Put(buf)
}

// scratchClass returns the pool index for a buffer of n elements.
func scratchClass(n int) int {
	if n <= 1<<10 {
		return 0
	}

	bits := 0

	v := n - 1
	for v > 0 {
		v >>= 1
		bits++
	}

	return min(max(bits-10, 0), 16)
}
