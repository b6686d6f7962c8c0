package layer

import (
	"math/rand"
	"testing"

	"github.com/example/go-volconv/internal/runtime/ops"
	"github.com/example/go-volconv/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deconvConfig() Config {
	return Config{
		Type:         "deconv3d",
		Name:         "deconv",
		NumFilters:   3,
		SharedBiases: true,
		Inputs: []InputConfig{{
			Channels: 2,
			Image:    ops.Extent3{D: 3, H: 4, W: 2},
			Window: ops.Window{
				Filter: ops.Extent3{D: 3, H: 2, W: 3},
				Stride: ops.Extent3{D: 2, H: 1, W: 2},
				Pad:    ops.Extent3{D: 1, H: 0, W: 1},
			},
			Groups: 1,
		}},
	}
}

func TestDeconv3DOutputSize(t *testing.T) {
	cfg := deconvConfig()

	params, err := NewParams(cfg, false)
	require.NoError(t, err)
	assert.Equal(t, 3*18*2, params.Weights[0].Size())

	l, err := New(cfg, params)
	require.NoError(t, err)

	width, err := l.OutputSize()
	require.NoError(t, err)
	assert.Equal(t, 3*5*5*3, width)

	d := l.(*Deconv3D)
	assert.Equal(t, ops.Extent3{D: 5, H: 5, W: 3}, ops.Extent3{D: d.FrameDepth(), H: d.FrameHeight(), W: d.FrameWidth()})
}

func TestDeconv3DConstantOverlapAdd(t *testing.T) {
	// 1D line: input [1 1 1], filter 3, stride 2 -> output length 7 where
	// every second voxel collects two overlapping taps
	cfg := Config{
		Type:       "deconv3d",
		Name:       "line",
		NumFilters: 1,
		NoBias:     true,
		Inputs: []InputConfig{{
			Channels: 1,
			Image:    ops.Extent3{D: 1, H: 1, W: 3},
			Window: ops.Window{
				Filter: ops.Extent3{D: 1, H: 1, W: 3},
				Stride: ops.Extent3{D: 1, H: 1, W: 2},
			},
			Groups: 1,
		}},
	}

	params, err := NewParams(cfg, true)
	require.NoError(t, err)
	testutil.Fill(params.Weights[0].Value(), 1)

	l, err := New(cfg, params)
	require.NoError(t, err)

	in := zerosMatrix(t, 1, 3)
	in.Fill(1)

	require.NoError(t, l.Forward([]Argument{{Value: in}}))
	assert.Equal(t, []float32{1, 1, 2, 1, 2, 1, 1}, l.Output().Value.RawData())

	// a second pass must not see the first pass's output
	require.NoError(t, l.Forward([]Argument{{Value: in}}))
	assert.Equal(t, []float32{1, 1, 2, 1, 2, 1, 1}, l.Output().Value.RawData())
}

func TestDeconv3DMatchesReference(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "anisotropic shared bias", cfg: deconvConfig()},
		{
			name: "two groups per-position bias",
			cfg: Config{
				NumFilters: 2,
				Inputs: []InputConfig{{
					Channels: 4,
					Image:    cube(3),
					Window:   ops.Window{Filter: cube(2), Stride: cube(2)},
					Groups:   2,
				}},
			},
		},
		{
			name: "two inputs fused",
			cfg: Config{
				NumFilters:   2,
				SharedBiases: true,
				Inputs: []InputConfig{
					{
						Channels: 2,
						Image:    cube(2),
						Window:   ops.Window{Filter: cube(3), Stride: cube(2)},
						Groups:   1,
					},
					{
						Channels: 1,
						Image:    cube(5),
						Window:   ops.Window{Filter: cube(1), Stride: cube(1)},
						Groups:   1,
					},
				},
			},
		},
		{
			name: "padding trims border",
			cfg: Config{
				NumFilters: 1,
				NoBias:     true,
				Inputs: []InputConfig{{
					Channels: 1,
					Image:    cube(4),
					Window:   ops.Window{Filter: cube(3), Stride: cube(1), Pad: cube(1)},
					Groups:   1,
				}},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testutil.SkipIfShort(t)

			cfg := tc.cfg
			cfg.Type = "deconv3d"
			cfg.Name = "deconv"

			checkAgainstReference(t, cfg, 2, testutil.Deconv3DRef)
		})
	}
}

func TestDeconv3DInputGradientOverwrites(t *testing.T) {
	cfg := deconvConfig()
	rng := rand.New(rand.NewSource(4))
	l, params := newLayer(t, cfg, rng)

	inputs := newInputs(t, cfg, 1, rng)
	inputs[0].Grad.Fill(42)

	require.NoError(t, l.Forward(inputs))
	testutil.RandomFill(rng, l.Output().Grad.RawData())
	require.NoError(t, l.Backward(nil))

	ref, err := testutil.Deconv3DRef(inputs[0].Value.Row(0), params.Weights[0].Value(), l.Output().Grad.Row(0), refGeometry(cfg, 0))
	require.NoError(t, err)

	tol, err := ops.KernelTolerance("deconv3d")
	require.NoError(t, err)
	testutil.AssertClose(t, inputs[0].Grad.Row(0), ref.InputGrad, tol)
}

func TestDeconv3DUpdatesOncePerBatch(t *testing.T) {
	cfg := deconvConfig()
	rng := rand.New(rand.NewSource(6))
	l, params := newLayer(t, cfg, rng)

	var order []string

	require.NoError(t, l.Forward(newInputs(t, cfg, 4, rng)))
	l.Output().Grad.Fill(1)
	require.NoError(t, l.Backward(func(p *Parameter) { order = append(order, p.Name()) }))

	assert.Equal(t, []string{"deconv.bias", "deconv.w0"}, order)
	assert.Equal(t, 1, params.Weights[0].Updates())
}

func TestDeconv3DSkipsUnrequestedGradients(t *testing.T) {
	cfg := deconvConfig()

	params, err := NewParams(cfg, false)
	require.NoError(t, err)

	l, err := New(cfg, params)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	in := Argument{Value: randMatrix(t, rng, 2, 2*3*4*2)}

	require.NoError(t, l.Forward([]Argument{in}))
	l.Output().Grad.Fill(1)
	require.NoError(t, l.Backward(nil))

	assert.Nil(t, params.Weights[0].Grad())
	assert.Equal(t, 1, params.Weights[0].Updates())
}

func TestDeconv3DBatchAccumulation(t *testing.T) {
	cfg := deconvConfig()
	rng := rand.New(rand.NewSource(12))
	l, params := newLayer(t, cfg, rng)

	sample := testutil.RandomSlice(1, 2*3*4*2)
	outGrad := testutil.RandomSlice(2, 3*5*5*3)

	gradFor := func(batch int) []float32 {
		in := zerosMatrix(t, batch, len(sample))
		for n := range batch {
			copy(in.Row(n), sample)
		}

		require.NoError(t, l.Forward([]Argument{{Value: in}}))

		for n := range batch {
			copy(l.Output().Grad.Row(n), outGrad)
		}

		require.NoError(t, l.Backward(nil))

		return append([]float32(nil), params.Weights[0].Grad()...)
	}

	single := gradFor(1)
	double := gradFor(2)

	for i := range single {
		require.InDelta(t, 2*single[i], double[i], relDelta(single[i]))
	}
}

func TestDeconv3DFiniteDifferenceGradients(t *testing.T) {
	testutil.SkipIfShort(t)

	cfg := Config{
		Type:         "deconv3d",
		Name:         "gradcheck",
		NumFilters:   2,
		SharedBiases: true,
		Activation:   "sigmoid",
		Inputs: []InputConfig{{
			Channels: 2,
			Image:    ops.Extent3{D: 2, H: 3, W: 2},
			Window:   ops.Window{Filter: cube(2), Stride: ops.Extent3{D: 2, H: 1, W: 2}, Pad: ops.Extent3{W: 1}},
			Groups:   2,
		}},
	}

	checkFiniteDifferences(t, cfg)
}
