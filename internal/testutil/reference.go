package testutil

import (
	"fmt"

	"github.com/example/go-volconv/internal/runtime/ops"
)

// RefGeometry describes one sample for the direct-loop references.
//
// Weight layouts match the layer package: a convolution weight is
// Filters x (Channels/Groups) x filter volume; a transposed convolution
// weight is (Filters x filter volume) x (Channels/Groups).
type RefGeometry struct {
	Channels int
	Filters  int
	Groups   int
	Image    ops.Extent3
	ops.Window
}

// tap is one multiply-add of a direct convolution loop.
type tap struct{ in, w, out int }

func (g RefGeometry) check() error {
	if g.Channels <= 0 || g.Filters <= 0 || g.Groups <= 0 ||
		g.Channels%g.Groups != 0 || g.Filters%g.Groups != 0 {
		return fmt.Errorf("testutil: channels %d, filters %d, groups %d", g.Channels, g.Filters, g.Groups)
	}

	return nil
}

// convTaps enumerates the taps of a direct convolution from Image to out.
func (g RefGeometry) convTaps(out ops.Extent3, visit func(tap)) {
	fc := g.Channels / g.Groups
	mf := g.Filters / g.Groups
	f := g.Filter
	pix := f.Volume()

	for fi := range g.Filters {
		grp := fi / mf
		for cl := range fc {
			c := grp*fc + cl
			for kd := range f.D {
				for kh := range f.H {
					for kw := range f.W {
						k := (kd*f.H+kh)*f.W + kw
						w := fi*fc*pix + cl*pix + k

						for od := range out.D {
							id := od*g.Stride.D - g.Pad.D + kd
							if id < 0 || id >= g.Image.D {
								continue
							}

							for oh := range out.H {
								ih := oh*g.Stride.H - g.Pad.H + kh
								if ih < 0 || ih >= g.Image.H {
									continue
								}

								for ow := range out.W {
									iw := ow*g.Stride.W - g.Pad.W + kw
									if iw < 0 || iw >= g.Image.W {
										continue
									}

									visit(tap{
										in:  ((c*g.Image.D+id)*g.Image.H+ih)*g.Image.W + iw,
										w:   w,
										out: ((fi*out.D+od)*out.H+oh)*out.W + ow,
									})
								}
							}
						}
					}
				}
			}
		}
	}
}

// deconvTaps enumerates the taps of a direct transposed convolution from
// Image to out: input voxel (id) scatters into output voxel id*s - p + k.
func (g RefGeometry) deconvTaps(out ops.Extent3, visit func(tap)) {
	fc := g.Channels / g.Groups
	mf := g.Filters / g.Groups
	f := g.Filter
	pix := f.Volume()

	for fi := range g.Filters {
		grp := fi / mf
		for cl := range fc {
			c := grp*fc + cl
			for kd := range f.D {
				for kh := range f.H {
					for kw := range f.W {
						k := (kd*f.H+kh)*f.W + kw
						w := (fi*pix+k)*fc + cl

						for id := range g.Image.D {
							od := id*g.Stride.D - g.Pad.D + kd
							if od < 0 || od >= out.D {
								continue
							}

							for ih := range g.Image.H {
								oh := ih*g.Stride.H - g.Pad.H + kh
								if oh < 0 || oh >= out.H {
									continue
								}

								for iw := range g.Image.W {
									ow := iw*g.Stride.W - g.Pad.W + kw
									if ow < 0 || ow >= out.W {
										continue
									}

									visit(tap{
										in:  ((c*g.Image.D+id)*g.Image.H+ih)*g.Image.W + iw,
										w:   w,
										out: ((fi*out.D+od)*out.H+oh)*out.W + ow,
									})
								}
							}
						}
					}
				}
			}
		}
	}
}

// RefResult holds a reference forward output and, when requested, the
// gradients for a given output gradient. All values are float64.
type RefResult struct {
	Extent     ops.Extent3
	Output     []float64
	InputGrad  []float64
	WeightGrad []float64
}

// Conv3DRef runs a direct-loop convolution of one sample. outGrad may be nil.
func Conv3DRef(in, weight, outGrad []float32, g RefGeometry) (RefResult, error) {
	if err := g.check(); err != nil {
		return RefResult{}, err
	}

	out, err := g.ConvOutput(g.Image)
	if err != nil {
		return RefResult{}, err
	}

	return run(in, weight, outGrad, g, out, g.convTaps)
}

// Deconv3DRef runs a direct-loop transposed convolution of one sample.
// outGrad may be nil.
func Deconv3DRef(in, weight, outGrad []float32, g RefGeometry) (RefResult, error) {
	if err := g.check(); err != nil {
		return RefResult{}, err
	}

	out, err := g.DeconvOutput(g.Image)
	if err != nil {
		return RefResult{}, err
	}

	return run(in, weight, outGrad, g, out, g.deconvTaps)
}

func run(in, weight, outGrad []float32, g RefGeometry, out ops.Extent3, taps func(ops.Extent3, func(tap))) (RefResult, error) {
	if want := g.Channels * g.Image.Volume(); len(in) != want {
		return RefResult{}, fmt.Errorf("testutil: input has %d values, want %d", len(in), want)
	}

	if want := g.Filters * (g.Channels / g.Groups) * g.Filter.Volume(); len(weight) != want {
		return RefResult{}, fmt.Errorf("testutil: weight has %d values, want %d", len(weight), want)
	}

	outLen := g.Filters * out.Volume()
	if outGrad != nil && len(outGrad) != outLen {
		return RefResult{}, fmt.Errorf("testutil: output gradient has %d values, want %d", len(outGrad), outLen)
	}

	res := RefResult{Extent: out, Output: make([]float64, outLen)}
	if outGrad != nil {
		res.InputGrad = make([]float64, len(in))
		res.WeightGrad = make([]float64, len(weight))
	}

	taps(out, func(t tap) {
		res.Output[t.out] += float64(in[t.in]) * float64(weight[t.w])

		if outGrad != nil {
			og := float64(outGrad[t.out])
			res.InputGrad[t.in] += og * float64(weight[t.w])
			res.WeightGrad[t.w] += og * float64(in[t.in])
		}
	})

	return res, nil
}
