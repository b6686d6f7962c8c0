package main

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/example/go-volconv/internal/bench"
	"github.com/example/go-volconv/internal/config"
	"github.com/example/go-volconv/internal/layer"
	"github.com/example/go-volconv/internal/runtime/tensor"
)

// session is a configured layer with its parameters and a batch of inputs.
type session struct {
	cfg    layer.Config
	layer  layer.Layer
	params layer.Params
	inputs []layer.Argument
	batch  int
	width  int
}

// framer is implemented by layers that expose their output volume.
type framer interface {
	FrameDepth() int
	FrameHeight() int
	FrameWidth() int
}

func newSession(cfg config.Config) (*session, error) {
	lc, err := cfg.LayerConfig()
	if err != nil {
		return nil, err
	}

	if cfg.Run.Batch < 1 {
		return nil, fmt.Errorf("run.batch must be at least 1, got %d", cfg.Run.Batch)
	}

	params, err := layer.NewParams(lc, true)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if cfg.Run.Random {
		rng = rand.New(rand.NewSource(cfg.Run.Seed))
	}

	for _, w := range params.Weights {
		fill(w.Value(), cfg.Run.WeightFill, rng)
	}

	if params.Bias != nil {
		fill(params.Bias.Value(), cfg.Run.BiasFill, rng)
	}

	l, err := layer.New(lc, params)
	if err != nil {
		return nil, err
	}

	width, err := l.OutputSize()
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:    lc,
		layer:  l,
		params: params,
		inputs: make([]layer.Argument, len(lc.Inputs)),
		batch:  cfg.Run.Batch,
		width:  width,
	}

	for i, in := range lc.Inputs {
		n := in.Channels * in.Image.Volume()

		value, err := newMatrix(s.batch, n, cfg.Run.InputFill)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		if rng != nil {
			fill(value.RawData(), 0, rng)
		}

		grad, err := newMatrix(s.batch, n, 0)
		if err != nil {
			return nil, fmt.Errorf("input %d grad: %w", i, err)
		}

		s.inputs[i] = layer.Argument{Value: value, Grad: grad}
	}

	slog.Debug("session ready",
		"type", lc.Type,
		"name", lc.Name,
		"batch", s.batch,
		"width", width,
		"random", cfg.Run.Random,
	)

	return s, nil
}

func newMatrix(rows, cols int, v float32) (*tensor.Matrix, error) {
	m, err := tensor.ZerosMatrix(rows, cols)
	if err != nil {
		return nil, err
	}

	if v != 0 {
		m.Fill(v)
	}

	return m, nil
}

// fill sets dst to v, or to uniform values in [-1, 1) when rng is non-nil.
func fill(dst []float32, v float32, rng *rand.Rand) {
	if rng == nil {
		for i := range dst {
			dst[i] = v
		}

		return
	}

	for i := range dst {
		dst[i] = rng.Float32()*2 - 1
	}
}

func (s *session) forward() error { return s.layer.Forward(s.inputs) }

// backward seeds the output gradient with ones and runs the backward pass.
// Input gradients are cleared first since convolution accumulates into them.
func (s *session) backward() error {
	for _, in := range s.inputs {
		in.Grad.Zero()
	}

	s.layer.Output().Grad.Fill(1)

	return s.layer.Backward(nil)
}

func (s *session) frame() string {
	f, ok := s.layer.(framer)
	if !ok {
		return "-"
	}

	return fmt.Sprintf("%dx%dx%d", f.FrameDepth(), f.FrameHeight(), f.FrameWidth())
}

// flops estimates forward GEMM work for the whole batch. The backward pass
// runs two GEMMs of the same size per input.
func (s *session) flops(withBackward bool) float64 {
	var total float64

	for _, in := range s.cfg.Inputs {
		positions := in.Image.Volume()
		if s.cfg.Type == "conv3d" {
			out, err := in.Window.ConvOutput(in.Image)
			if err != nil {
				return 0
			}
			positions = out.Volume()
		}

		total += bench.GEMMFLOPs(s.cfg.NumFilters, in.Channels, in.Groups, in.Filter.Volume(), positions)
	}

	total *= float64(s.batch)
	if withBackward {
		total *= 3
	}

	return total
}
