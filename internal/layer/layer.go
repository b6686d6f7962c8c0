package layer

import (
	"github.com/example/go-volconv/internal/runtime/ops"
	"github.com/example/go-volconv/internal/runtime/tensor"
)

// InputConfig is the geometry of one input volume.
type InputConfig struct {
	Channels int
	Image    ops.Extent3
	ops.Window
	Groups int
}

// FilterChannels returns Channels / Groups.
func (c InputConfig) FilterChannels() int {
	if c.Groups <= 0 {
		return 0
	}

	return c.Channels / c.Groups
}

// Config describes a volumetric convolution layer.
type Config struct {
	Type         string
	Name         string
	NumFilters   int
	SharedBiases bool
	NoBias       bool
	Activation   string
	// AccumulateGradients keeps parameter gradients across Backward calls.
	// By default every Backward starts from zeroed gradients.
	AccumulateGradients bool
	Inputs              []InputConfig
}

// Argument is a batch of row-major samples, one sample per row. Grad is nil
// when no gradient is requested for this argument.
type Argument struct {
	Value *tensor.Matrix
	Grad  *tensor.Matrix
}

// Layer is the capability set shared by the volumetric kernels.
//
// Configure validates the parameters against the config. OutputSize derives
// the per-sample output width and must precede every Forward; Forward calls
// it itself. Backward consumes Output().Grad, which the caller fills after
// Forward.
type Layer interface {
	Name() string
	Configure() error
	OutputSize() (int, error)
	Forward(inputs []Argument) error
	Backward(cb UpdateCallback) error
	Output() *Argument
}

// Params are the trainable buffers handed to a layer: one weight per input
// and an optional bias.
type Params struct {
	Weights []*Parameter
	Bias    *Parameter
}

type state int

const (
	stateUninitialized state = iota
	stateConfigured
	stateReady
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateConfigured:
		return "configured"
	case stateReady:
		return "ready"
	default:
		return "unknown"
	}
}
