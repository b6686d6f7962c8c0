package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupedGEMMForwardTwoGroups(t *testing.T) {
	g := GroupedGEMM{Groups: 2}
	w := mustMatrix(t, []float32{1, 2, 3, 4}, 2, 2)
	cols := mustMatrix(t, []float32{
		1, 0,
		0, 1,
		1, 1,
		2, 0,
	}, 4, 2)
	out := mustMatrix(t, []float32{9, 9, 9, 9}, 2, 2)

	require.NoError(t, g.Forward(out, w, cols))
	assert.Equal(t, []float32{1, 2, 11, 3}, out.RawData())
}

func TestGroupedGEMMAccumulateWeightGrad(t *testing.T) {
	g := GroupedGEMM{Groups: 2}
	wGrad := mustMatrix(t, []float32{1, 1, 1, 1}, 2, 2)
	outGrad := mustMatrix(t, []float32{1, 2, 3, 4}, 2, 2)
	cols := mustMatrix(t, []float32{1, 0, 0, 1, 1, 1, 2, 0}, 4, 2)

	require.NoError(t, g.AccumulateWeightGrad(wGrad, outGrad, cols))
	assert.Equal(t, []float32{2, 3, 8, 7}, wGrad.RawData())

	// second call keeps accumulating
	require.NoError(t, g.AccumulateWeightGrad(wGrad, outGrad, cols))
	assert.Equal(t, []float32{3, 5, 15, 13}, wGrad.RawData())
}

func TestGroupedGEMMColumnGrad(t *testing.T) {
	g := GroupedGEMM{Groups: 2}
	w := mustMatrix(t, []float32{1, 2, 3, 4}, 2, 2)
	outGrad := mustMatrix(t, []float32{1, 2, 3, 4}, 2, 2)
	colGrad := mustMatrix(t, seqData(8), 4, 2)

	require.NoError(t, g.ColumnGrad(colGrad, w, outGrad))
	assert.Equal(t, []float32{1, 2, 2, 4, 9, 12, 12, 16}, colGrad.RawData())
}

func TestGroupedGEMMSingleGroupMatchesMul(t *testing.T) {
	const m, k, n = 5, 7, 6

	a := mustMatrix(t, seqData(m*k), m, k)
	b := mustMatrix(t, seqData(k*n), k, n)
	bt := mustMatrix(t, seqData(n*k), n, k)

	tol, err := KernelTolerance("grouped_gemm")
	require.NoError(t, err)

	got := mustMatrix(t, seqData(m*n), m, n)
	want := mustMatrix(t, seqData(m*n), m, n)

	require.NoError(t, GroupedGEMM{Groups: 1}.Mul(got, a, b, 0.5, 2))
	require.NoError(t, want.Mul(a, b, 0.5, 2))
	assert.True(t, equalApprox(got.RawData(), want.RawData(), tol.Abs))

	require.NoError(t, GroupedGEMM{Groups: 1}.Mul(got, a, bt.T(), 1, 0))
	require.NoError(t, want.Mul(a, bt.T(), 1, 0))
	assert.True(t, equalApprox(got.RawData(), want.RawData(), tol.Abs))
}

func TestGroupedGEMMParallelMatchesSequential(t *testing.T) {
	const groups, m, k, n = 4, 3, 5, 11

	g := GroupedGEMM{Groups: groups}
	w := mustMatrix(t, seqData(groups*m*k), groups*m, k)
	cols := mustMatrix(t, seqData(groups*k*n), groups*k, n)

	SetConvWorkers(1)

	want := mustMatrix(t, make([]float32, groups*m*n), groups*m, n)
	require.NoError(t, g.Forward(want, w, cols))

	wantCol := mustMatrix(t, make([]float32, groups*k*n), groups*k, n)
	require.NoError(t, g.ColumnGrad(wantCol, w, want))

	SetConvWorkers(4)
	defer SetConvWorkers(1)

	got := mustMatrix(t, make([]float32, groups*m*n), groups*m, n)
	require.NoError(t, g.Forward(got, w, cols))

	gotCol := mustMatrix(t, make([]float32, groups*k*n), groups*k, n)
	require.NoError(t, g.ColumnGrad(gotCol, w, got))

	assert.Equal(t, want.RawData(), got.RawData())
	assert.Equal(t, wantCol.RawData(), gotCol.RawData())
}

func TestGroupedGEMMRejectsIndivisibleRows(t *testing.T) {
	g := GroupedGEMM{Groups: 2}
	w := mustMatrix(t, seqData(6), 3, 2)
	cols := mustMatrix(t, seqData(8), 4, 2)
	out := mustMatrix(t, make([]float32, 6), 3, 2)

	err := g.Forward(out, w, cols)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
	assertErrContains(t, err, "not divisible")

	err = GroupedGEMM{}.Forward(out, w, cols)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestGroupedGEMMReportsShapeMismatch(t *testing.T) {
	g := GroupedGEMM{Groups: 2}
	w := mustMatrix(t, seqData(4), 2, 2)
	cols := mustMatrix(t, seqData(12), 6, 2)
	out := mustMatrix(t, make([]float32, 4), 2, 2)

	err := g.Forward(out, w, cols)
	assertErrContains(t, err, "group 0")
	assertErrContains(t, err, "group 1")
}
