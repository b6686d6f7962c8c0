package tensor

import (
	"fmt"
	"math"
)

// matrixElemCount returns rows*cols, rejecting negative dimensions and
// products that do not fit in an int.
func matrixElemCount(rows, cols int) (int, error) {
	if rows < 0 || cols < 0 {
		return 0, fmt.Errorf("tensor: matrix dims %dx%d must be non-negative", rows, cols)
	}

	if cols != 0 && rows > math.MaxInt/cols {
		return 0, fmt.Errorf("tensor: matrix dims %dx%d too large", rows, cols)
	}

	return rows * cols, nil
}
