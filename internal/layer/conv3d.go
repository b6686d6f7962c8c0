package layer

import (
	"fmt"

	"github.com/example/go-volconv/internal/runtime/ops"
)

// Conv3D is a grouped 3D convolution over one or more inputs whose outputs
// are concatenated per sample.
//
// Per input the weight buffer is viewed as numFilters x K with
// K = filterChannels * filter volume, so group g owns rows [g*M, (g+1)*M)
// with M = numFilters / groups.
type Conv3D struct {
	kernel
}

// NewConv3D returns an unconfigured convolution layer.
func NewConv3D(cfg Config, params Params) *Conv3D {
	return &Conv3D{kernel: newKernel("conv3d", cfg, params)}
}

func convShape(numFilters int, in InputConfig) weightShape {
	k := in.FilterChannels() * in.Filter.Volume()

	return weightShape{
		m:    numFilters / in.Groups,
		k:    k,
		rows: numFilters,
		cols: k,
	}
}

func convGeometry(in InputConfig) (geometry, error) {
	out, err := in.ConvOutput(in.Image)
	if err != nil {
		return geometry{}, err
	}

	return geometry{
		n:       out.Volume(),
		planes:  out.Volume(),
		frame:   out,
		inWidth: in.Channels * in.Image.Volume(),
		cols: ops.Vol2ColParams{
			Channels: in.Channels,
			Volume:   in.Image,
			Output:   out,
			Window:   in.Window,
		},
	}, nil
}

// Configure validates parameters against the config.
func (c *Conv3D) Configure() error {
	if err := c.configure(convShape); err != nil {
		return fmt.Errorf("conv3d %q: %w", c.cfg.Name, err)
	}

	return nil
}

// OutputSize returns the fused per-sample output width.
func (c *Conv3D) OutputSize() (int, error) {
	return c.outputSize(convGeometry)
}

// Forward computes the convolution of every input into its output block, then
// adds bias and applies the activation. The output is fully overwritten.
func (c *Conv3D) Forward(inputs []Argument) error {
	batch, err := c.prepare(inputs, convGeometry)
	if err != nil {
		return err
	}

	for i := range inputs {
		if err := c.forwardInput(i, batch); err != nil {
			return fmt.Errorf("conv3d %q input %d: %w", c.cfg.Name, i, err)
		}
	}

	return c.finishForward()
}

func (c *Conv3D) forwardInput(i, batch int) error {
	g := c.geo[i]
	s := c.shapes[i]

	w, err := c.weights[i].View(s.rows, s.cols)
	if err != nil {
		return err
	}

	cols, release, err := columnBuffer(g.cols)
	if err != nil {
		return err
	}
	defer release()

	for n := range batch {
		if err := ops.Vol2Col(c.inputs[i].Value.Row(n), cols.RawData(), g.cols); err != nil {
			return err
		}

		out, err := c.blockMatrix(c.output.Value, i, n)
		if err != nil {
			return err
		}

		if err := g.gemm.Forward(out, w, cols); err != nil {
			return err
		}
	}

	return nil
}

// Backward consumes Output().Grad. It finalizes the bias gradient, then per
// input the weight gradient (summed over the batch) and, when the input
// carries a Grad matrix, accumulates the input gradient into it.
func (c *Conv3D) Backward(cb UpdateCallback) error {
	if err := c.beginBackward(cb); err != nil {
		return err
	}

	for i := range c.geo {
		if c.weights[i].HasGrad() {
			if err := c.bpropWeights(i); err != nil {
				return fmt.Errorf("conv3d %q input %d weight gradient: %w", c.cfg.Name, i, err)
			}
		}

		if c.inputs[i].Grad != nil {
			if err := c.bpropData(i); err != nil {
				return fmt.Errorf("conv3d %q input %d data gradient: %w", c.cfg.Name, i, err)
			}
		}

		c.weights[i].IncUpdate(cb)
	}

	return nil
}

func (c *Conv3D) bpropWeights(i int) error {
	g := c.geo[i]
	s := c.shapes[i]

	wGrad, err := c.weights[i].GradView(s.rows, s.cols)
	if err != nil {
		return err
	}

	cols, release, err := columnBuffer(g.cols)
	if err != nil {
		return err
	}
	defer release()

	for n := range c.output.Grad.Rows() {
		if err := ops.Vol2Col(c.inputs[i].Value.Row(n), cols.RawData(), g.cols); err != nil {
			return err
		}

		outGrad, err := c.blockMatrix(c.output.Grad, i, n)
		if err != nil {
			return err
		}

		if err := g.gemm.AccumulateWeightGrad(wGrad, outGrad, cols); err != nil {
			return err
		}
	}

	return nil
}

func (c *Conv3D) bpropData(i int) error {
	g := c.geo[i]
	s := c.shapes[i]

	w, err := c.weights[i].View(s.rows, s.cols)
	if err != nil {
		return err
	}

	cols, release, err := columnBuffer(g.cols)
	if err != nil {
		return err
	}
	defer release()

	inGrad := c.inputs[i].Grad

	for n := range inGrad.Rows() {
		outGrad, err := c.blockMatrix(c.output.Grad, i, n)
		if err != nil {
			return err
		}

		if err := g.gemm.ColumnGrad(cols, w, outGrad); err != nil {
			return err
		}

		if err := ops.Col2Vol(cols.RawData(), inGrad.Row(n), g.cols, 1, 1); err != nil {
			return err
		}
	}

	return nil
}
