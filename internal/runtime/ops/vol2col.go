package ops

import "fmt"

// Vol2ColParams describes one unfold/fold problem: a single sample volume of
// Channels x Volume, scanned by Window so that it produces Output positions.
//
// The column buffer is Rows() x Cols(), row-major. Row index is
// ((c*fD + kd)*fH + kh)*fW + kw, column index is (od*oH + oh)*oW + ow.
type Vol2ColParams struct {
	Channels int
	Volume   Extent3
	Output   Extent3
	Window
}

// Rows returns Channels * filter volume.
func (p Vol2ColParams) Rows() int { return p.Channels * p.Filter.Volume() }

// Cols returns the number of output positions.
func (p Vol2ColParams) Cols() int { return p.Output.Volume() }

func (p Vol2ColParams) check(volLen, colLen int) error {
	if p.Channels <= 0 || !p.Volume.positive() || !p.Output.positive() {
		return fmt.Errorf("%w: channels %d, volume %v, output %v", ErrInvalidGeometry, p.Channels, p.Volume, p.Output)
	}

	for _, axis := range [][3]int{
		{p.Filter.D, p.Pad.D, p.Stride.D},
		{p.Filter.H, p.Pad.H, p.Stride.H},
		{p.Filter.W, p.Pad.W, p.Stride.W},
	} {
		if err := checkWindow(axis[0], axis[1], axis[2]); err != nil {
			return err
		}
	}

	if want := p.Channels * p.Volume.Volume(); volLen != want {
		return fmt.Errorf("ops: vol2col volume length %d, want %d", volLen, want)
	}

	if want := p.Rows() * p.Cols(); colLen != want {
		return fmt.Errorf("ops: vol2col column length %d, want %d (%dx%d)", colLen, want, p.Rows(), p.Cols())
	}

	return nil
}

// Vol2Col gathers every kernel-sized patch of vol into col. Taps that fall in
// the zero padding write 0.
func Vol2Col(vol, col []float32, p Vol2ColParams) error {
	if err := p.check(len(vol), len(col)); err != nil {
		return err
	}

	plane := p.Volume.Volume()
	n := p.Cols()

	parallelFor(p.Channels, getConvWorkers(), func(lo, hi int) {
		for c := lo; c < hi; c++ {
			src := vol[c*plane : (c+1)*plane]

			for kd := range p.Filter.D {
				for kh := range p.Filter.H {
					for kw := range p.Filter.W {
						row := ((c*p.Filter.D+kd)*p.Filter.H+kh)*p.Filter.W + kw
						unfoldRow(src, col[row*n:(row+1)*n], p, kd, kh, kw)
					}
				}
			}
		}
	})

	return nil
}

func unfoldRow(src, dst []float32, p Vol2ColParams, kd, kh, kw int) {
	out := p.Output
	in := p.Volume
	idx := 0

	for od := range out.D {
		id := od*p.Stride.D - p.Pad.D + kd
		if id < 0 || id >= in.D {
			clear(dst[idx : idx+out.H*out.W])
			idx += out.H * out.W

			continue
		}

		for oh := range out.H {
			ih := oh*p.Stride.H - p.Pad.H + kh
			if ih < 0 || ih >= in.H {
				clear(dst[idx : idx+out.W])
				idx += out.W

				continue
			}

			base := (id*in.H + ih) * in.W
			for ow := range out.W {
				iw := ow*p.Stride.W - p.Pad.W + kw
				if iw >= 0 && iw < in.W {
					dst[idx] = src[base+iw]
				} else {
					dst[idx] = 0
				}
				idx++
			}
		}
	}
}

// Col2Vol is the adjoint of Vol2Col. vol is first multiplied by
// accumulateScale, then every in-bounds column entry is added to its source
// voxel scaled by scale. Overlapping taps sum; padding taps are dropped.
func Col2Vol(col, vol []float32, p Vol2ColParams, scale, accumulateScale float32) error {
	if err := p.check(len(vol), len(col)); err != nil {
		return err
	}

	plane := p.Volume.Volume()
	n := p.Cols()

	parallelFor(p.Channels, getConvWorkers(), func(lo, hi int) {
		for c := lo; c < hi; c++ {
			dst := vol[c*plane : (c+1)*plane]

			if accumulateScale == 0 {
				clear(dst)
			} else if accumulateScale != 1 {
				for i := range dst {
					dst[i] *= accumulateScale
				}
			}

			for kd := range p.Filter.D {
				for kh := range p.Filter.H {
					for kw := range p.Filter.W {
						row := ((c*p.Filter.D+kd)*p.Filter.H+kh)*p.Filter.W + kw
						foldRow(col[row*n:(row+1)*n], dst, p, kd, kh, kw, scale)
					}
				}
			}
		}
	})

	return nil
}

func foldRow(src, dst []float32, p Vol2ColParams, kd, kh, kw int, scale float32) {
	out := p.Output
	in := p.Volume
	idx := 0

	for od := range out.D {
		id := od*p.Stride.D - p.Pad.D + kd
		if id < 0 || id >= in.D {
			idx += out.H * out.W
			continue
		}

		for oh := range out.H {
			ih := oh*p.Stride.H - p.Pad.H + kh
			if ih < 0 || ih >= in.H {
				idx += out.W
				continue
			}

			base := (id*in.H + ih) * in.W
			for ow := range out.W {
				iw := ow*p.Stride.W - p.Pad.W + kw
				if iw >= 0 && iw < in.W {
					dst[base+iw] += scale * src[idx]
				}
				idx++
			}
		}
	}
}
