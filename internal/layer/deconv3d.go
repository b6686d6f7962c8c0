package layer

import (
	"fmt"

	"github.com/example/go-volconv/internal/runtime/ops"
	"github.com/example/go-volconv/internal/runtime/tensor"
)

// Deconv3D is the transpose of Conv3D: every input voxel scatters a weighted
// filter footprint into the upsampled output, and overlapping footprints add.
//
// Per input the weight buffer is viewed as (filter volume * numFilters) x
// filterChannels. Group g owns rows [g*K, (g+1)*K) with
// K = filter volume * numFilters / groups, and M = filterChannels.
type Deconv3D struct {
	kernel
}

// NewDeconv3D returns an unconfigured transposed convolution layer.
func NewDeconv3D(cfg Config, params Params) *Deconv3D {
	return &Deconv3D{kernel: newKernel("deconv3d", cfg, params)}
}

func deconvShape(numFilters int, in InputConfig) weightShape {
	pix := in.Filter.Volume()

	return weightShape{
		m:    in.FilterChannels(),
		k:    pix * numFilters / in.Groups,
		rows: pix * numFilters,
		cols: in.FilterChannels(),
	}
}

// deconvGeometry folds numFilters channels of the output volume; the column
// buffer has one column per input voxel.
func deconvGeometry(numFilters int) func(in InputConfig) (geometry, error) {
	return func(in InputConfig) (geometry, error) {
		out, err := in.DeconvOutput(in.Image)
		if err != nil {
			return geometry{}, err
		}

		return geometry{
			n:       in.Image.Volume(),
			planes:  out.Volume(),
			frame:   out,
			inWidth: in.Channels * in.Image.Volume(),
			cols: ops.Vol2ColParams{
				Channels: numFilters,
				Volume:   out,
				Output:   in.Image,
				Window:   in.Window,
			},
		}, nil
	}
}

// Configure validates parameters against the config.
func (d *Deconv3D) Configure() error {
	if err := d.configure(deconvShape); err != nil {
		return fmt.Errorf("deconv3d %q: %w", d.cfg.Name, err)
	}

	return nil
}

// OutputSize returns the fused per-sample output width.
func (d *Deconv3D) OutputSize() (int, error) {
	return d.outputSize(deconvGeometry(d.cfg.NumFilters))
}

// Forward zeroes the output, then per sample expands each input through the
// weights into columns and folds them into the output block.
func (d *Deconv3D) Forward(inputs []Argument) error {
	batch, err := d.prepare(inputs, deconvGeometry(d.cfg.NumFilters))
	if err != nil {
		return err
	}

	d.output.Value.Zero()

	for i := range inputs {
		if err := d.forwardInput(i, batch); err != nil {
			return fmt.Errorf("deconv3d %q input %d: %w", d.cfg.Name, i, err)
		}
	}

	return d.finishForward()
}

func (d *Deconv3D) forwardInput(i, batch int) error {
	g := d.geo[i]
	s := d.shapes[i]

	w, err := d.weights[i].View(s.rows, s.cols)
	if err != nil {
		return err
	}

	cols, release, err := columnBuffer(g.cols)
	if err != nil {
		return err
	}
	defer release()

	for n := range batch {
		in, err := d.sampleMatrix(d.inputs[i].Value, i, n)
		if err != nil {
			return err
		}

		if err := g.gemm.Forward(cols, w, in); err != nil {
			return err
		}

		if err := ops.Col2Vol(cols.RawData(), d.block(d.output.Value, i, n), g.cols, 1, 1); err != nil {
			return err
		}
	}

	return nil
}

// Backward consumes Output().Grad. All gradient work happens inline: one
// unfold of the output gradient per sample feeds both the weight gradient
// (summed over the batch) and the input gradient (overwritten).
func (d *Deconv3D) Backward(cb UpdateCallback) error {
	if err := d.beginBackward(cb); err != nil {
		return err
	}

	for i := range d.geo {
		if err := d.backwardInput(i); err != nil {
			return fmt.Errorf("deconv3d %q input %d: %w", d.cfg.Name, i, err)
		}

		d.weights[i].IncUpdate(cb)
	}

	return nil
}

func (d *Deconv3D) backwardInput(i int) error {
	needWeights := d.weights[i].HasGrad()
	inGrad := d.inputs[i].Grad

	if !needWeights && inGrad == nil {
		return nil
	}

	g := d.geo[i]
	s := d.shapes[i]

	w, err := d.weights[i].View(s.rows, s.cols)
	if err != nil {
		return err
	}

	var wGrad *tensor.Matrix
	if needWeights {
		if wGrad, err = d.weights[i].GradView(s.rows, s.cols); err != nil {
			return err
		}
	}

	cols, release, err := columnBuffer(g.cols)
	if err != nil {
		return err
	}
	defer release()

	for n := range d.output.Grad.Rows() {
		if err := ops.Vol2Col(d.block(d.output.Grad, i, n), cols.RawData(), g.cols); err != nil {
			return err
		}

		if needWeights {
			in, err := d.sampleMatrix(d.inputs[i].Value, i, n)
			if err != nil {
				return err
			}

			if err := g.gemm.AccumulateWeightGrad(wGrad, cols, in); err != nil {
				return err
			}
		}

		if inGrad != nil {
			dst, err := d.sampleMatrix(inGrad, i, n)
			if err != nil {
				return err
			}

			if err := g.gemm.ColumnGrad(dst, w, cols); err != nil {
				return err
			}
		}
	}

	return nil
}
