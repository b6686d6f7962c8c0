package layer

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an unconfigured layer.
type Factory func(cfg Config, params Params) Layer

type registration struct {
	build Factory
	shape func(numFilters int, in InputConfig) weightShape
	geo   func(numFilters int) func(in InputConfig) (geometry, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

func register(typ string, r registration) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[typ]; dup {
		panic(fmt.Sprintf("layer: type %q registered twice", typ))
	}

	registry[typ] = r
}

func init() {
	register("conv3d", registration{
		build: func(cfg Config, params Params) Layer { return NewConv3D(cfg, params) },
		shape: convShape,
		geo: func(int) func(InputConfig) (geometry, error) {
			return convGeometry
		},
	})

	register("deconv3d", registration{
		build: func(cfg Config, params Params) Layer { return NewDeconv3D(cfg, params) },
		shape: deconvShape,
		geo:   deconvGeometry,
	})
}

func lookup(typ string) (registration, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	r, ok := registry[typ]
	if !ok {
		return registration{}, configErrorf("unknown layer type %q (known: %v)", typ, typesLocked())
	}

	return r, nil
}

// Types lists the registered layer types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	return typesLocked()
}

func typesLocked() []string {
	out := make([]string, 0, len(registry))
	for typ := range registry {
		out = append(out, typ)
	}

	sort.Strings(out)

	return out
}

// New builds and configures the layer registered for cfg.Type.
func New(cfg Config, params Params) (Layer, error) {
	r, err := lookup(cfg.Type)
	if err != nil {
		return nil, err
	}

	l := r.build(cfg, params)
	if err := l.Configure(); err != nil {
		return nil, err
	}

	return l, nil
}

// ParamSizes returns the element count of every weight buffer and of the bias
// buffer cfg needs. The bias size is 0 when cfg.NoBias is set.
func ParamSizes(cfg Config) ([]int, int, error) {
	r, err := lookup(cfg.Type)
	if err != nil {
		return nil, 0, err
	}

	weights := make([]int, len(cfg.Inputs))
	width := 0

	for i, in := range cfg.Inputs {
		if err := checkInput(cfg.NumFilters, in); err != nil {
			return nil, 0, fmt.Errorf("input %d: %w", i, err)
		}

		s := r.shape(cfg.NumFilters, in)
		weights[i] = s.rows * s.cols

		g, err := r.geo(cfg.NumFilters)(in)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: input %d: %w", ErrInvalidGeometry, i, err)
		}

		width += cfg.NumFilters * g.planes
	}

	switch {
	case cfg.NoBias:
		return weights, 0, nil
	case cfg.SharedBiases:
		return weights, cfg.NumFilters, nil
	default:
		return weights, width, nil
	}
}

// NewParams allocates zeroed parameters sized for cfg. Gradient buffers are
// allocated when withGrad is set.
func NewParams(cfg Config, withGrad bool) (Params, error) {
	weights, bias, err := ParamSizes(cfg)
	if err != nil {
		return Params{}, err
	}

	p := Params{Weights: make([]*Parameter, len(weights))}
	for i, n := range weights {
		p.Weights[i] = NewParameter(fmt.Sprintf("%s.w%d", cfg.Name, i), make([]float32, n), withGrad)
	}

	if bias > 0 {
		p.Bias = NewParameter(cfg.Name+".bias", make([]float32, bias), withGrad)
	}

	return p, nil
}
