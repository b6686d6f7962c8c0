package ops

import (
	"errors"
	"fmt"
)

// ErrInvalidGeometry reports a kernel geometry that yields a non-positive
// extent or uses a non-positive stride/filter.
var ErrInvalidGeometry = errors.New("ops: invalid geometry")

// Extent3 is a depth/height/width triple.
type Extent3 struct {
	D, H, W int
}

// Volume returns D*H*W.
func (e Extent3) Volume() int { return e.D * e.H * e.W }

func (e Extent3) positive() bool { return e.D > 0 && e.H > 0 && e.W > 0 }

func (e Extent3) String() string { return fmt.Sprintf("%dx%dx%d", e.D, e.H, e.W) }

// ConvOutputSize returns floor((in + 2*pad - filter) / stride) + 1.
func ConvOutputSize(in, filter, pad, stride int) (int, error) {
	if err := checkWindow(filter, pad, stride); err != nil {
		return 0, err
	}

	span := in + 2*pad - filter
	if in <= 0 || span < 0 {
		return 0, fmt.Errorf("%w: input %d, filter %d, pad %d leaves no output", ErrInvalidGeometry, in, filter, pad)
	}

	return span/stride + 1, nil
}

// DeconvOutputSize returns (in-1)*stride - 2*pad + filter.
func DeconvOutputSize(in, stride, pad, filter int) (int, error) {
	if err := checkWindow(filter, pad, stride); err != nil {
		return 0, err
	}

	out := (in-1)*stride - 2*pad + filter
	if in <= 0 || out <= 0 {
		return 0, fmt.Errorf("%w: transposed output %d from input %d, stride %d, pad %d, filter %d",
			ErrInvalidGeometry, out, in, stride, pad, filter)
	}

	return out, nil
}

func checkWindow(filter, pad, stride int) error {
	if filter <= 0 || stride <= 0 || pad < 0 {
		return fmt.Errorf("%w: filter %d, stride %d, pad %d", ErrInvalidGeometry, filter, stride, pad)
	}

	return nil
}

// Window is a 3D kernel footprint with its stride and zero padding.
type Window struct {
	Filter Extent3
	Stride Extent3
	Pad    Extent3
}

// ConvOutput applies ConvOutputSize per axis.
func (w Window) ConvOutput(in Extent3) (Extent3, error) {
	var (
		out Extent3
		err error
	)

	if out.D, err = ConvOutputSize(in.D, w.Filter.D, w.Pad.D, w.Stride.D); err != nil {
		return Extent3{}, fmt.Errorf("depth: %w", err)
	}

	if out.H, err = ConvOutputSize(in.H, w.Filter.H, w.Pad.H, w.Stride.H); err != nil {
		return Extent3{}, fmt.Errorf("height: %w", err)
	}

	if out.W, err = ConvOutputSize(in.W, w.Filter.W, w.Pad.W, w.Stride.W); err != nil {
		return Extent3{}, fmt.Errorf("width: %w", err)
	}

	return out, nil
}

// DeconvOutput applies DeconvOutputSize per axis.
func (w Window) DeconvOutput(in Extent3) (Extent3, error) {
	var (
		out Extent3
		err error
	)

	if out.D, err = DeconvOutputSize(in.D, w.Stride.D, w.Pad.D, w.Filter.D); err != nil {
		return Extent3{}, fmt.Errorf("depth: %w", err)
	}

	if out.H, err = DeconvOutputSize(in.H, w.Stride.H, w.Pad.H, w.Filter.H); err != nil {
		return Extent3{}, fmt.Errorf("height: %w", err)
	}

	if out.W, err = DeconvOutputSize(in.W, w.Stride.W, w.Pad.W, w.Filter.W); err != nil {
		return Extent3{}, fmt.Errorf("width: %w", err)
	}

	return out, nil
}
