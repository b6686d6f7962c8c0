package layer

import (
	"math/rand"
	"testing"

	"github.com/example/go-volconv/internal/runtime/ops"
	"github.com/example/go-volconv/internal/runtime/tensor"
	"github.com/example/go-volconv/internal/testutil"
	"github.com/stretchr/testify/require"
)

func cube(n int) ops.Extent3 { return ops.Extent3{D: n, H: n, W: n} }

func zerosMatrix(tb testing.TB, rows, cols int) *tensor.Matrix {
	tb.Helper()

	m, err := tensor.ZerosMatrix(rows, cols)
	require.NoError(tb, err)

	return m
}

func randMatrix(tb testing.TB, rng *rand.Rand, rows, cols int) *tensor.Matrix {
	tb.Helper()

	m := zerosMatrix(tb, rows, cols)
	testutil.RandomFill(rng, m.RawData())

	return m
}

// newLayer allocates parameters for cfg, fills them from rng and configures
// the layer.
func newLayer(tb testing.TB, cfg Config, rng *rand.Rand) (Layer, Params) {
	tb.Helper()

	params, err := NewParams(cfg, true)
	require.NoError(tb, err)

	for _, w := range params.Weights {
		testutil.RandomFill(rng, w.Value())
	}

	if params.Bias != nil {
		testutil.RandomFill(rng, params.Bias.Value())
	}

	l, err := New(cfg, params)
	require.NoError(tb, err)

	return l, params
}

// newInputs builds one random batch per configured input, each with a zeroed
// gradient matrix.
func newInputs(tb testing.TB, cfg Config, batch int, rng *rand.Rand) []Argument {
	tb.Helper()

	inputs := make([]Argument, len(cfg.Inputs))
	for i, in := range cfg.Inputs {
		width := in.Channels * in.Image.Volume()
		inputs[i] = Argument{
			Value: randMatrix(tb, rng, batch, width),
			Grad:  zerosMatrix(tb, batch, width),
		}
	}

	return inputs
}

func refGeometry(cfg Config, i int) testutil.RefGeometry {
	in := cfg.Inputs[i]

	return testutil.RefGeometry{
		Channels: in.Channels,
		Filters:  cfg.NumFilters,
		Groups:   in.Groups,
		Image:    in.Image,
		Window:   in.Window,
	}
}

type refFunc func(in, weight, outGrad []float32, g testutil.RefGeometry) (testutil.RefResult, error)

// checkAgainstReference runs one forward/backward pass with random data and
// compares output, input gradients, weight gradients and bias gradient with
// the direct-loop reference. Activation must be linear.
func checkAgainstReference(t *testing.T, cfg Config, batch int, ref refFunc) {
	t.Helper()

	rng := rand.New(rand.NewSource(11))
	l, params := newLayer(t, cfg, rng)

	width, err := l.OutputSize()
	require.NoError(t, err)

	inputs := newInputs(t, cfg, batch, rng)
	require.NoError(t, l.Forward(inputs))

	out := l.Output()
	testutil.RandomFill(rng, out.Grad.RawData())
	require.NoError(t, l.Backward(nil))

	tol, err := ops.KernelTolerance(cfg.Type)
	require.NoError(t, err)

	block := width / len(cfg.Inputs)
	planes := block / cfg.NumFilters

	biasIndex := func(j int) int {
		if cfg.SharedBiases {
			return (j / planes) % cfg.NumFilters
		}

		return j
	}

	wantWeights := make([][]float64, len(cfg.Inputs))
	for i, w := range params.Weights {
		wantWeights[i] = make([]float64, w.Size())
	}

	var wantBias []float64
	if params.Bias != nil {
		wantBias = make([]float64, params.Bias.Size())
	}

	for n := range batch {
		outRow := out.Value.Row(n)
		gradRow := out.Grad.Row(n)

		for i := range cfg.Inputs {
			lo := i * block
			res, err := ref(inputs[i].Value.Row(n), params.Weights[i].Value(), gradRow[lo:lo+block], refGeometry(cfg, i))
			require.NoError(t, err)

			want := res.Output
			if params.Bias != nil {
				for j := range want {
					want[j] += float64(params.Bias.Value()[biasIndex(lo+j)])
				}
			}

			testutil.AssertClose(t, outRow[lo:lo+block], want, tol)
			testutil.AssertClose(t, inputs[i].Grad.Row(n), res.InputGrad, tol)

			for j, v := range res.WeightGrad {
				wantWeights[i][j] += v
			}
		}

		for j, v := range gradRow {
			if wantBias != nil {
				wantBias[biasIndex(j)] += float64(v)
			}
		}
	}

	for i, w := range params.Weights {
		testutil.AssertClose(t, w.Grad(), wantWeights[i], tol)
	}

	if params.Bias != nil {
		testutil.AssertClose(t, params.Bias.Grad(), wantBias, tol)
	}
}
