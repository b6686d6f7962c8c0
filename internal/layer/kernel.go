package layer

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/example/go-volconv/internal/runtime/ops"
	"github.com/example/go-volconv/internal/runtime/tensor"
	"go.uber.org/multierr"
)

// weightShape is the GEMM decomposition of one input: per-group sizes M and
// K plus the logical rows x cols view of the weight buffer.
type weightShape struct {
	m, k       int
	rows, cols int
}

// geometry is derived from an InputConfig on every OutputSize call.
type geometry struct {
	n       int         // columns of the column buffer
	planes  int         // spatial positions per output filter
	frame   ops.Extent3 // output extents
	offset  int         // start of this input's block inside an output row
	inWidth int         // per-sample input length
	cols    ops.Vol2ColParams
	gemm    ops.GroupedGEMM
}

// kernel holds what the convolution and its transpose share: validated
// parameters, the derived geometry and the batch buffers of the last Forward.
type kernel struct {
	kind    string
	cfg     Config
	weights []*Parameter
	bias    *Parameter
	act     Activation
	st      state

	shapes []weightShape
	geo    []geometry
	width  int
	frame  ops.Extent3

	inputs []Argument
	output Argument
}

func newKernel(kind string, cfg Config, params Params) kernel {
	cfg.Inputs = slices.Clone(cfg.Inputs)

	return kernel{
		kind:    kind,
		cfg:     cfg,
		weights: params.Weights,
		bias:    params.Bias,
	}
}

// Name returns the configured layer name.
func (k *kernel) Name() string { return k.cfg.Name }

// Output returns the output value and gradient of the last Forward.
func (k *kernel) Output() *Argument { return &k.output }

// Weights returns the per-input weight parameters.
func (k *kernel) Weights() []*Parameter { return k.weights }

// Bias returns the bias parameter, or nil.
func (k *kernel) Bias() *Parameter { return k.bias }

// FrameDepth returns the output depth of input 0 after OutputSize.
func (k *kernel) FrameDepth() int { return k.frame.D }

// FrameHeight returns the output height of input 0 after OutputSize.
func (k *kernel) FrameHeight() int { return k.frame.H }

// FrameWidth returns the output width of input 0 after OutputSize.
func (k *kernel) FrameWidth() int { return k.frame.W }

// SetImage changes the image extents of input i, e.g. for variable-size
// volumes. The new geometry is validated by the next OutputSize or Forward.
func (k *kernel) SetImage(i int, image ops.Extent3) error {
	if i < 0 || i >= len(k.cfg.Inputs) {
		return configErrorf("layer %q has no input %d", k.cfg.Name, i)
	}

	k.cfg.Inputs[i].Image = image

	return nil
}

func (k *kernel) configure(shapeOf func(numFilters int, in InputConfig) weightShape) error {
	var errs error

	cfg := k.cfg

	if cfg.NumFilters <= 0 {
		errs = multierr.Append(errs, configErrorf("num filters %d must be positive", cfg.NumFilters))
	}

	if len(cfg.Inputs) == 0 {
		errs = multierr.Append(errs, configErrorf("layer %q has no inputs", cfg.Name))
	}

	if len(cfg.Inputs) != len(k.weights) {
		errs = multierr.Append(errs, configErrorf("layer %q has %d inputs but %d weight parameters",
			cfg.Name, len(cfg.Inputs), len(k.weights)))
	}

	act, err := NewActivation(cfg.Activation)
	errs = multierr.Append(errs, err)

	shapes := make([]weightShape, len(cfg.Inputs))

	for i, in := range cfg.Inputs {
		if err := checkInput(cfg.NumFilters, in); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("input %d: %w", i, err))
			continue
		}

		shapes[i] = shapeOf(cfg.NumFilters, in)

		if i >= len(k.weights) {
			continue
		}

		w := k.weights[i]
		if w == nil {
			errs = multierr.Append(errs, configErrorf("input %d: nil weight parameter", i))
			continue
		}

		if _, err := w.View(shapes[i].rows, shapes[i].cols); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("input %d: %w", i, err))
		}
	}

	if k.bias != nil {
		if cfg.NoBias {
			errs = multierr.Append(errs, configErrorf("layer %q is configured without bias but got one", cfg.Name))
		} else if cfg.SharedBiases && k.bias.Size() != cfg.NumFilters {
			errs = multierr.Append(errs, configErrorf("shared bias holds %d values, want %d filters",
				k.bias.Size(), cfg.NumFilters))
		}
	}

	if errs != nil {
		return errs
	}

	k.act = act
	k.shapes = shapes
	k.st = stateConfigured

	for i, s := range shapes {
		slog.Debug("configured volumetric layer",
			"layer", cfg.Name, "type", k.kind, "input", i,
			"M", s.m, "K", s.k, "groups", cfg.Inputs[i].Groups,
			"weight_rows", s.rows, "weight_cols", s.cols)
	}

	return nil
}

func checkInput(numFilters int, in InputConfig) error {
	if in.Channels <= 0 || in.Groups <= 0 {
		return configErrorf("channels %d and groups %d must be positive", in.Channels, in.Groups)
	}

	if numFilters%in.Groups != 0 {
		return configErrorf("groups %d do not divide %d filters", in.Groups, numFilters)
	}

	if in.Channels%in.Groups != 0 {
		return configErrorf("groups %d do not divide %d channels", in.Groups, in.Channels)
	}

	if in.Filter.D <= 0 || in.Filter.H <= 0 || in.Filter.W <= 0 {
		return configErrorf("filter %v must be positive", in.Filter)
	}

	return nil
}

// outputSize derives the geometry of every input and the fused per-sample
// width. Nothing is committed unless every input is valid. It starts a new
// pass: the batch of a previous Forward can no longer be backpropagated.
func (k *kernel) outputSize(derive func(in InputConfig) (geometry, error)) (int, error) {
	if k.st == stateUninitialized {
		return 0, configErrorf("layer %q used before Configure", k.cfg.Name)
	}

	k.inputs = k.inputs[:0]

	geo := make([]geometry, len(k.cfg.Inputs))
	block := 0
	width := 0

	for i, in := range k.cfg.Inputs {
		g, err := derive(in)
		if err != nil {
			k.st = stateConfigured
			return 0, fmt.Errorf("%w: layer %q input %d: %w", ErrInvalidGeometry, k.cfg.Name, i, err)
		}

		size := k.cfg.NumFilters * g.planes
		if i > 0 && size != block {
			k.st = stateConfigured
			return 0, fmt.Errorf("%w: layer %q input %d yields %d values per sample, input 0 yields %d",
				ErrShapeMismatch, k.cfg.Name, i, size, block)
		}

		block = size
		g.offset = width
		g.gemm = ops.GroupedGEMM{Groups: in.Groups}
		width += size
		geo[i] = g
	}

	if k.bias != nil && !k.cfg.SharedBiases && k.bias.Size() != width {
		k.st = stateConfigured
		return 0, configErrorf("per-position bias holds %d values, output width is %d", k.bias.Size(), width)
	}

	k.geo = geo
	k.width = width
	k.frame = geo[0].frame
	k.st = stateReady

	return width, nil
}

// prepare validates a batch against the current geometry and sizes the output
// buffers. It returns the batch size.
func (k *kernel) prepare(inputs []Argument, derive func(in InputConfig) (geometry, error)) (int, error) {
	width, err := k.outputSize(derive)
	if err != nil {
		return 0, err
	}

	if len(inputs) != len(k.geo) {
		return 0, configErrorf("layer %q expects %d inputs, got %d", k.cfg.Name, len(k.geo), len(inputs))
	}

	if inputs[0].Value == nil {
		return 0, fmt.Errorf("%w: input 0 has no value", ErrShapeMismatch)
	}

	batch := inputs[0].Value.Rows()

	for i, in := range inputs {
		want := k.geo[i].inWidth
		if err := checkArgument(in.Value, batch, want); err != nil {
			return 0, fmt.Errorf("input %d value: %w", i, err)
		}

		if in.Grad != nil {
			if err := checkArgument(in.Grad, batch, want); err != nil {
				return 0, fmt.Errorf("input %d gradient: %w", i, err)
			}
		}
	}

	if k.output.Value == nil || k.output.Value.Rows() != batch || k.output.Value.Cols() != width {
		if k.output.Value, err = tensor.ZerosMatrix(batch, width); err != nil {
			return 0, err
		}

		if k.output.Grad, err = tensor.ZerosMatrix(batch, width); err != nil {
			return 0, err
		}
	} else {
		k.output.Grad.Zero()
	}

	k.inputs = append(k.inputs[:0], inputs...)

	return batch, nil
}

func checkArgument(m *tensor.Matrix, batch, width int) error {
	if m == nil {
		return fmt.Errorf("%w: missing matrix", ErrShapeMismatch)
	}

	if m.IsTransposed() {
		return fmt.Errorf("%w: transposed view", ErrShapeMismatch)
	}

	if m.Rows() != batch || m.Cols() != width {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrShapeMismatch, m.Rows(), m.Cols(), batch, width)
	}

	return nil
}

// block returns the slice of row n of m owned by input i.
func (k *kernel) block(m *tensor.Matrix, i, n int) []float32 {
	g := k.geo[i]
	return m.Row(n)[g.offset : g.offset+k.cfg.NumFilters*g.planes]
}

// blockMatrix views block(m, i, n) as numFilters x planes.
func (k *kernel) blockMatrix(m *tensor.Matrix, i, n int) (*tensor.Matrix, error) {
	return tensor.NewMatrix(k.block(m, i, n), k.cfg.NumFilters, k.geo[i].planes)
}

// sampleMatrix views row n of an input argument as channels x positions.
func (k *kernel) sampleMatrix(m *tensor.Matrix, i, n int) (*tensor.Matrix, error) {
	return tensor.NewMatrix(m.Row(n), k.cfg.Inputs[i].Channels, k.geo[i].n)
}

func (k *kernel) biasLayout() ops.BiasLayout {
	return ops.BiasLayout{
		Shared:    k.cfg.SharedBiases,
		Filters:   k.cfg.NumFilters,
		Positions: k.geo[0].planes,
	}
}

func (k *kernel) finishForward() error {
	if k.bias != nil {
		if err := ops.AddBias(k.output.Value, k.bias.Value(), k.biasLayout()); err != nil {
			return fmt.Errorf("layer %q bias: %w", k.cfg.Name, err)
		}
	}

	k.act.Forward(k.output.Value)

	return nil
}

// beginBackward runs the activation backward, resets parameter gradients
// unless they accumulate across calls, and finalizes the bias gradient.
func (k *kernel) beginBackward(cb UpdateCallback) error {
	if k.st != stateReady || len(k.inputs) == 0 {
		return configErrorf("layer %q: backward called in state %s without a forward pass", k.cfg.Name, k.st)
	}

	k.act.Backward(k.output.Value, k.output.Grad)

	if !k.cfg.AccumulateGradients {
		for _, w := range k.weights {
			w.ZeroGrad()
		}

		if k.bias != nil {
			k.bias.ZeroGrad()
		}
	}

	if k.bias != nil && k.bias.HasGrad() {
		if err := ops.CollectBias(k.bias.Grad(), k.output.Grad, k.biasLayout(), 1); err != nil {
			return fmt.Errorf("layer %q bias gradient: %w", k.cfg.Name, err)
		}

		k.bias.IncUpdate(cb)
	}

	return nil
}

// columnBuffer borrows a zeroed scratch column matrix for p.
func columnBuffer(p ops.Vol2ColParams) (*tensor.Matrix, func(), error) {
	buf := ops.GetScratch(p.Rows() * p.Cols())

	m, err := tensor.NewMatrix(buf, p.Rows(), p.Cols())
	if err != nil {
		ops.PutScratch(buf)
		return nil, nil, err
	}

	return m, func() { ops.PutScratch(buf) }, nil
}
