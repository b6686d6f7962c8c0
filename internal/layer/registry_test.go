package layer

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/example/go-volconv/internal/runtime/ops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypes(t *testing.T) {
	assert.Equal(t, []string{"conv3d", "deconv3d"}, Types())
}

func TestNewUnknownType(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Type = "conv2d"

	_, err := New(cfg, Params{})
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "conv2d")

	_, _, err = ParamSizes(cfg)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestParamSizes(t *testing.T) {
	cfg := scenarioConfig()

	weights, bias, err := ParamSizes(cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{6 * 3 * 27}, weights)
	assert.Equal(t, 6, bias)

	cfg.SharedBiases = false
	_, bias, err = ParamSizes(cfg)
	require.NoError(t, err)
	assert.Equal(t, 6*64, bias)

	cfg.NoBias = true
	_, bias, err = ParamSizes(cfg)
	require.NoError(t, err)
	assert.Zero(t, bias)

	cfg.Inputs[0].Image = cube(2)
	_, _, err = ParamSizes(cfg)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestConfigureErrors(t *testing.T) {
	base := scenarioConfig()

	tests := []struct {
		name   string
		mutate func(cfg *Config, p *Params)
		substr string
	}{
		{
			name:   "groups do not divide filters",
			mutate: func(cfg *Config, _ *Params) { cfg.NumFilters = 4; cfg.Inputs[0].Channels = 3; cfg.Inputs[0].Groups = 3 },
			substr: "do not divide 4 filters",
		},
		{
			name:   "groups do not divide channels",
			mutate: func(cfg *Config, _ *Params) { cfg.Inputs[0].Groups = 2 },
			substr: "do not divide 3 channels",
		},
		{
			name:   "missing weight",
			mutate: func(_ *Config, p *Params) { p.Weights = nil },
			substr: "1 inputs but 0 weight parameters",
		},
		{
			name: "weight buffer too small",
			mutate: func(_ *Config, p *Params) {
				p.Weights[0] = NewParameter("w", make([]float32, 10), false)
			},
			substr: "holds 10 values",
		},
		{
			name:   "shared bias size",
			mutate: func(_ *Config, p *Params) { p.Bias = NewParameter("b", make([]float32, 5), false) },
			substr: "want 6 filters",
		},
		{
			name:   "unknown activation",
			mutate: func(cfg *Config, _ *Params) { cfg.Activation = "softsign" },
			substr: "unknown activation",
		},
		{
			name:   "no filters",
			mutate: func(cfg *Config, _ *Params) { cfg.NumFilters = 0 },
			substr: "must be positive",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			cfg.Inputs = append([]InputConfig(nil), base.Inputs...)

			params, err := NewParams(base, false)
			require.NoError(t, err)

			tc.mutate(&cfg, &params)

			_, err = New(cfg, params)
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), tc.substr)
		})
	}
}

func TestConfigureCombinesErrors(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Activation = "softsign"
	cfg.Inputs[0].Groups = 2

	params, err := NewParams(scenarioConfig(), false)
	require.NoError(t, err)

	_, err = New(cfg, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown activation")
	assert.Contains(t, err.Error(), "do not divide 3 channels")
}

func TestInvalidGeometryAbortsForward(t *testing.T) {
	cfg := scenarioConfig()
	rng := rand.New(rand.NewSource(1))
	l, _ := newLayer(t, cfg, rng)

	inputs := newInputs(t, cfg, 1, rng)
	require.NoError(t, l.Forward(inputs))

	before := append([]float32(nil), l.Output().Value.RawData()...)

	conv := l.(*Conv3D)
	require.NoError(t, conv.SetImage(0, cube(2)))

	err := l.Forward(inputs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
	assert.True(t, errors.Is(err, ops.ErrInvalidGeometry))
	assert.Equal(t, before, l.Output().Value.RawData())

	err = l.Backward(nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	assert.ErrorIs(t, conv.SetImage(3, cube(9)), ErrConfiguration)
}

func TestVariableImageSize(t *testing.T) {
	cfg := scenarioConfig()
	rng := rand.New(rand.NewSource(1))
	l, _ := newLayer(t, cfg, rng)

	conv := l.(*Conv3D)
	require.NoError(t, conv.SetImage(0, cube(11)))

	width, err := l.OutputSize()
	require.NoError(t, err)
	assert.Equal(t, 6*125, width)
	assert.Equal(t, 5, conv.FrameDepth())

	in := Argument{Value: randMatrix(t, rng, 2, 3*11*11*11)}
	require.NoError(t, l.Forward([]Argument{in}))
	assert.Equal(t, 2, l.Output().Value.Rows())
	assert.Equal(t, 6*125, l.Output().Value.Cols())
}

func TestFusedShapeMismatch(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Inputs = append(cfg.Inputs, InputConfig{
		Channels: 1,
		Image:    cube(5),
		Window:   ops.Window{Filter: cube(1), Stride: cube(1)},
		Groups:   1,
	})

	params, err := NewParams(scenarioConfig(), false)
	require.NoError(t, err)
	params.Weights = append(params.Weights, NewParameter("w1", make([]float32, 6), false))

	l, err := New(cfg, params)
	require.NoError(t, err)

	_, err = l.OutputSize()
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestForwardArgumentErrors(t *testing.T) {
	cfg := scenarioConfig()
	rng := rand.New(rand.NewSource(1))
	l, _ := newLayer(t, cfg, rng)

	err := l.Forward([]Argument{{Value: zerosMatrix(t, 1, 10)}})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	err = l.Forward(nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	good := zerosMatrix(t, 2, 3*729)
	err = l.Forward([]Argument{{Value: good, Grad: zerosMatrix(t, 1, 3*729)}})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	err = l.Forward([]Argument{{Value: good.T()}})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestBackwardBeforeForward(t *testing.T) {
	cfg := scenarioConfig()
	l, _ := newLayer(t, cfg, rand.New(rand.NewSource(1)))

	err := l.Backward(nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = l.OutputSize()
	require.NoError(t, err)

	err = l.Backward(nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestUnconfiguredLayer(t *testing.T) {
	cfg := scenarioConfig()

	params, err := NewParams(cfg, false)
	require.NoError(t, err)

	l := NewDeconv3D(cfg, params)

	_, err = l.OutputSize()
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, "conv", l.Name())
}
