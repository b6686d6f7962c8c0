package layer

import (
	"math"
	"strings"

	"github.com/example/go-volconv/internal/runtime/tensor"
)

// Activation is applied in place to a layer output after bias. Backward
// rewrites grad using the activated output.
type Activation interface {
	Name() string
	Forward(out *tensor.Matrix)
	Backward(out, grad *tensor.Matrix)
}

// NewActivation returns the built-in activation called name. The empty string
// selects linear.
func NewActivation(name string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear":
		return linear{}, nil
	case "relu":
		return relu{}, nil
	case "sigmoid":
		return sigmoid{}, nil
	case "tanh":
		return tanhAct{}, nil
	default:
		return nil, configErrorf("unknown activation %q", name)
	}
}

type linear struct{}

func (linear) Name() string                 { return "linear" }
func (linear) Forward(*tensor.Matrix)       {}
func (linear) Backward(_, _ *tensor.Matrix) {}

type relu struct{}

func (relu) Name() string { return "relu" }

func (relu) Forward(out *tensor.Matrix) {
	data := out.RawData()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
}

func (relu) Backward(out, grad *tensor.Matrix) {
	y, g := out.RawData(), grad.RawData()
	for i := range g {
		if y[i] <= 0 {
			g[i] = 0
		}
	}
}

type sigmoid struct{}

func (sigmoid) Name() string { return "sigmoid" }

func (sigmoid) Forward(out *tensor.Matrix) {
	data := out.RawData()
	for i, v := range data {
		data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
}

func (sigmoid) Backward(out, grad *tensor.Matrix) {
	y, g := out.RawData(), grad.RawData()
	for i := range g {
		g[i] *= y[i] * (1 - y[i])
	}
}

type tanhAct struct{}

func (tanhAct) Name() string { return "tanh" }

func (tanhAct) Forward(out *tensor.Matrix) {
	data := out.RawData()
	for i, v := range data {
		data[i] = float32(math.Tanh(float64(v)))
	}
}

func (tanhAct) Backward(out, grad *tensor.Matrix) {
	y, g := out.RawData(), grad.RawData()
	for i := range g {
		g[i] *= 1 - y[i]*y[i]
	}
}
