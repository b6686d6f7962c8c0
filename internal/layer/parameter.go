package layer

import (
	"fmt"

	"github.com/example/go-volconv/internal/runtime/tensor"
)

// UpdateCallback is invoked once per parameter after its gradient for the
// current step is final. Optimizers hook in here.
type UpdateCallback func(p *Parameter)

// Parameter is a trainable buffer with an optional gradient of the same
// length. The layer decides how the flat buffer is viewed as a matrix.
type Parameter struct {
	name    string
	value   []float32
	grad    []float32
	updates int
}

// NewParameter wraps value. When withGrad is set a zeroed gradient buffer of
// the same length is allocated.
func NewParameter(name string, value []float32, withGrad bool) *Parameter {
	p := &Parameter{name: name, value: value}
	if withGrad {
		p.grad = make([]float32, len(value))
	}

	return p
}

// Name returns the parameter name.
func (p *Parameter) Name() string { return p.name }

// Size returns the number of elements.
func (p *Parameter) Size() int { return len(p.value) }

// Value returns the mutable value buffer.
func (p *Parameter) Value() []float32 { return p.value }

// Grad returns the mutable gradient buffer, or nil when no gradient was
// requested.
func (p *Parameter) Grad() []float32 { return p.grad }

// HasGrad reports whether the parameter carries a gradient.
func (p *Parameter) HasGrad() bool { return p.grad != nil }

// View returns the value buffer as a rows x cols matrix. The element count
// must match the buffer exactly.
func (p *Parameter) View(rows, cols int) (*tensor.Matrix, error) {
	return p.view(p.value, rows, cols)
}

// GradView returns the gradient buffer as a rows x cols matrix.
func (p *Parameter) GradView(rows, cols int) (*tensor.Matrix, error) {
	if p.grad == nil {
		return nil, fmt.Errorf("layer: parameter %q has no gradient", p.name)
	}

	return p.view(p.grad, rows, cols)
}

func (p *Parameter) view(buf []float32, rows, cols int) (*tensor.Matrix, error) {
	if rows*cols != len(buf) {
		return nil, configErrorf("parameter %q holds %d values, view %dx%d needs %d",
			p.name, len(buf), rows, cols, rows*cols)
	}

	return tensor.NewMatrix(buf, rows, cols)
}

// ZeroGrad clears the gradient buffer.
func (p *Parameter) ZeroGrad() { clear(p.grad) }

// IncUpdate records a finished gradient step and hands the parameter to cb.
func (p *Parameter) IncUpdate(cb UpdateCallback) {
	p.updates++

	if cb != nil {
		cb(p)
	}
}

// Updates returns how many times IncUpdate has been called.
func (p *Parameter) Updates() int { return p.updates }
