// Package tensor provides row-major float32 matrix views whose products run
// through gonum BLAS.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matrix is a row-major 2D view over a float32 buffer. Views never copy:
// SubRows and T share storage with the matrix they were derived from.
//
// A transposed view swaps the logical Rows/Cols and is only usable as an
// operand of Mul.
type Matrix struct {
	rows   int // stored rows
	cols   int // stored cols
	stride int
	data   []float32
	trans  bool
}

// NewMatrix wraps data as a rows x cols matrix. len(data) must equal
// rows*cols.
func NewMatrix(data []float32, rows, cols int) (*Matrix, error) {
	n, err := matrixElemCount(rows, cols)
	if err != nil {
		return nil, err
	}

	if len(data) != n {
		return nil, fmt.Errorf("tensor: matrix %dx%d needs %d elements, buffer has %d", rows, cols, n, len(data))
	}

	return &Matrix{rows: rows, cols: cols, stride: cols, data: data}, nil
}

// ZerosMatrix allocates a zero-filled rows x cols matrix.
func ZerosMatrix(rows, cols int) (*Matrix, error) {
	n, err := matrixElemCount(rows, cols)
	if err != nil {
		return nil, err
	}

	return &Matrix{rows: rows, cols: cols, stride: cols, data: make([]float32, n)}, nil
}

// Rows returns the logical row count.
func (m *Matrix) Rows() int {
	if m.trans {
		return m.cols
	}

	return m.rows
}

// Cols returns the logical column count.
func (m *Matrix) Cols() int {
	if m.trans {
		return m.rows
	}

	return m.cols
}

// IsTransposed reports whether m is a transposed view.
func (m *Matrix) IsTransposed() bool { return m.trans }

// RawData returns the backing slice of a non-transposed, contiguous matrix.
func (m *Matrix) RawData() []float32 { return m.data }

// At returns the element at logical position (i, j).
func (m *Matrix) At(i, j int) float32 {
	if m.trans {
		i, j = j, i
	}

	return m.data[i*m.stride+j]
}

// Row returns stored row i as a slice sharing storage.
func (m *Matrix) Row(i int) []float32 {
	if m.trans {
		panic("tensor: Row on transposed view")
	}

	return m.data[i*m.stride : i*m.stride+m.cols]
}

// SubRows returns the view over stored rows [start, start+n). It panics when
// the range is out of bounds or m is a transposed view.
func (m *Matrix) SubRows(start, n int) *Matrix {
	if m.trans {
		panic("tensor: SubRows on transposed view")
	}

	if start < 0 || n < 0 || start+n > m.rows {
		panic(fmt.Sprintf("tensor: SubRows [%d:%d] out of range for %d rows", start, start+n, m.rows))
	}

	if n == 0 {
		return &Matrix{cols: m.cols, stride: m.stride}
	}

	lo := start * m.stride
	hi := (start+n-1)*m.stride + m.cols

	return &Matrix{rows: n, cols: m.cols, stride: m.stride, data: m.data[lo:hi]}
}

// T returns a transposed view of m.
func (m *Matrix) T() *Matrix {
	t := *m
	t.trans = !m.trans

	return &t
}

// Fill sets every element to v.
func (m *Matrix) Fill(v float32) {
	for i := range m.rows {
		row := m.data[i*m.stride : i*m.stride+m.cols]
		for j := range row {
			row[j] = v
		}
	}
}

// Zero sets every element to zero.
func (m *Matrix) Zero() { m.Fill(0) }

// AddScalar adds v to every element.
func (m *Matrix) AddScalar(v float32) {
	for i := range m.rows {
		row := m.data[i*m.stride : i*m.stride+m.cols]
		for j := range row {
			row[j] += v
		}
	}
}

// Scale multiplies every element by v.
func (m *Matrix) Scale(v float32) {
	if v == 1 {
		return
	}

	for i := range m.rows {
		row := m.data[i*m.stride : i*m.stride+m.cols]
		for j := range row {
			row[j] *= v
		}
	}
}

// Mul computes m = scaleNew*a*b + scaleExisting*m. Either operand may be a
// transposed view; m may not. With scaleExisting == 0 the previous contents
// of m are never read.
func (m *Matrix) Mul(a, b *Matrix, scaleNew, scaleExisting float32) error {
	if m.trans {
		return fmt.Errorf("tensor: mul destination must not be a transposed view")
	}

	if a.Cols() != b.Rows() || a.Rows() != m.rows || b.Cols() != m.cols {
		return fmt.Errorf("tensor: mul shape mismatch [%d,%d] x [%d,%d] -> [%d,%d]",
			a.Rows(), a.Cols(), b.Rows(), b.Cols(), m.rows, m.cols)
	}

	if m.rows == 0 || m.cols == 0 {
		return nil
	}

	if a.Cols() == 0 {
		if scaleExisting == 0 {
			m.Zero()
		} else {
			m.Scale(scaleExisting)
		}

		return nil
	}

	blas32.Gemm(a.blasTranspose(), b.blasTranspose(), scaleNew, a.general(), b.general(), scaleExisting, m.general())

	return nil
}

func (m *Matrix) blasTranspose() blas.Transpose {
	if m.trans {
		return blas.Trans
	}

	return blas.NoTrans
}

func (m *Matrix) general() blas32.General {
	return blas32.General{Rows: m.rows, Cols: m.cols, Stride: m.stride, Data: m.data}
}
