package ops

import (
	"fmt"

	"github.com/example/go-volconv/internal/runtime/tensor"
	"go.uber.org/multierr"
)

// GroupedGEMM runs one matrix product per channel group. Every operand is
// split into Groups contiguous blocks of stored rows; block g of the
// destination only ever sees block g of each operand.
//
// A transposed operand is split along its stored rows as well, so the block
// of a.T() is the transpose of the block of a.
type GroupedGEMM struct {
	Groups int
}

// Forward computes out_g = weight_g x cols_g, overwriting out.
func (g GroupedGEMM) Forward(out, weight, cols *tensor.Matrix) error {
	return g.Mul(out, weight, cols, 1, 0)
}

// AccumulateWeightGrad computes wGrad_g += outGrad_g x cols_g^T.
func (g GroupedGEMM) AccumulateWeightGrad(wGrad, outGrad, cols *tensor.Matrix) error {
	return g.Mul(wGrad, outGrad, cols.T(), 1, 1)
}

// ColumnGrad computes colGrad_g = weight_g^T x outGrad_g, overwriting colGrad.
func (g GroupedGEMM) ColumnGrad(colGrad, weight, outGrad *tensor.Matrix) error {
	return g.Mul(colGrad, weight.T(), outGrad, 1, 0)
}

// Mul computes c_g = scaleNew*a_g*b_g + scaleExisting*c_g for every group.
func (g GroupedGEMM) Mul(c, a, b *tensor.Matrix, scaleNew, scaleExisting float32) error {
	groups := g.Groups
	if groups <= 0 {
		return fmt.Errorf("%w: groups %d", ErrInvalidGeometry, groups)
	}

	if c.IsTransposed() {
		return fmt.Errorf("ops: grouped gemm destination must not be transposed")
	}

	for _, op := range []struct {
		name string
		m    *tensor.Matrix
	}{{"destination", c}, {"lhs", a}, {"rhs", b}} {
		if rows := storedRows(op.m); rows%groups != 0 {
			return fmt.Errorf("%w: %s has %d rows, not divisible into %d groups", ErrInvalidGeometry, op.name, rows, groups)
		}
	}

	if groups == 1 {
		return c.Mul(a, b, scaleNew, scaleExisting)
	}

	errs := make([]error, groups)

	parallelFor(groups, getConvWorkers(), func(lo, hi int) {
		for gi := lo; gi < hi; gi++ {
			cg := groupBlock(c, groups, gi)
			ag := groupBlock(a, groups, gi)
			bg := groupBlock(b, groups, gi)

			if err := cg.Mul(ag, bg, scaleNew, scaleExisting); err != nil {
				errs[gi] = fmt.Errorf("group %d: %w", gi, err)
			}
		}
	})

	return multierr.Combine(errs...)
}

func storedRows(m *tensor.Matrix) int {
	if m.IsTransposed() {
		return m.Cols()
	}

	return m.Rows()
}

func groupBlock(m *tensor.Matrix, groups, gi int) *tensor.Matrix {
	if m.IsTransposed() {
		base := m.T()
		n := base.Rows() / groups

		return base.SubRows(gi*n, n).T()
	}

	n := m.Rows() / groups

	return m.SubRows(gi*n, n)
}
