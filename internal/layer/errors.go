package layer

import (
	"errors"
	"fmt"

	"github.com/example/go-volconv/internal/runtime/ops"
)

var (
	// ErrConfiguration reports a layer configuration that cannot be built:
	// mismatched parameter counts, indivisible groups, wrong buffer sizes or
	// an unknown layer type.
	ErrConfiguration = errors.New("layer: configuration error")

	// ErrInvalidGeometry reports a kernel geometry that yields a non-positive
	// extent. It matches ops.ErrInvalidGeometry as well.
	ErrInvalidGeometry = fmt.Errorf("layer: %w", ops.ErrInvalidGeometry)

	// ErrShapeMismatch reports inputs whose fused output blocks differ in
	// size. It is a kind of ErrInvalidGeometry.
	ErrShapeMismatch = fmt.Errorf("%w: fused output shape mismatch", ErrInvalidGeometry)
)

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}
