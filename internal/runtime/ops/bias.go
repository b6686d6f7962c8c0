package ops

import (
	"fmt"

	"github.com/example/go-volconv/internal/runtime/tensor"
)

// BiasLayout describes how a bias vector maps onto one output row.
//
// Shared biases hold one scalar per filter. An output row is a run of blocks
// of Positions elements and block b belongs to filter b % Filters, which
// covers fused rows where several inputs each contribute Filters*Positions
// values. Non-shared biases hold one scalar per output element.
type BiasLayout struct {
	Shared    bool
	Filters   int
	Positions int
}

// Size returns the bias length the layout expects for rows of width values.
func (l BiasLayout) Size(width int) int {
	if l.Shared {
		return l.Filters
	}

	return width
}

func (l BiasLayout) check(width, biasLen int) error {
	if l.Filters <= 0 || l.Positions <= 0 {
		return fmt.Errorf("%w: bias filters %d, positions %d", ErrInvalidGeometry, l.Filters, l.Positions)
	}

	if block := l.Filters * l.Positions; width%block != 0 {
		return fmt.Errorf("%w: output width %d is not a multiple of %d filters x %d positions",
			ErrInvalidGeometry, width, l.Filters, l.Positions)
	}

	if want := l.Size(width); biasLen != want {
		return fmt.Errorf("ops: bias length %d, want %d", biasLen, want)
	}

	return nil
}

// AddBias adds bias to every row of out.
func AddBias(out *tensor.Matrix, bias []float32, l BiasLayout) error {
	if err := l.check(out.Cols(), len(bias)); err != nil {
		return err
	}

	for i := range out.Rows() {
		row := out.Row(i)

		if !l.Shared {
			tensor.Axpy(row, 1, bias)
			continue
		}

		blocks, err := tensor.NewMatrix(row, len(row)/l.Positions, l.Positions)
		if err != nil {
			return err
		}

		for b := range blocks.Rows() {
			blocks.SubRows(b, 1).AddScalar(bias[b%l.Filters])
		}
	}

	return nil
}

// CollectBias accumulates biasGrad += scale * (column sums of outGrad), folded
// per filter when the layout is shared.
func CollectBias(biasGrad []float32, outGrad *tensor.Matrix, l BiasLayout, scale float32) error {
	if err := l.check(outGrad.Cols(), len(biasGrad)); err != nil {
		return err
	}

	for i := range outGrad.Rows() {
		row := outGrad.Row(i)

		if !l.Shared {
			tensor.Axpy(biasGrad, scale, row)
			continue
		}

		for b := 0; b*l.Positions < len(row); b++ {
			sum := tensor.Sum(row[b*l.Positions : (b+1)*l.Positions])
			biasGrad[b%l.Filters] += scale * float32(sum)
		}
	}

	return nil
}
