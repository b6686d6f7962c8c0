package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/go-volconv/internal/layer"
	"github.com/example/go-volconv/internal/runtime/ops"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Layer    LayerConfig   `mapstructure:"layer"`
	Run      RunConfig     `mapstructure:"run"`
}

type RuntimeConfig struct {
	ConvWorkers int `mapstructure:"conv_workers"`
}

type LayerConfig struct {
	Type                string        `mapstructure:"type"`
	Name                string        `mapstructure:"name"`
	NumFilters          int           `mapstructure:"num_filters"`
	SharedBiases        bool          `mapstructure:"shared_biases"`
	NoBias              bool          `mapstructure:"no_bias"`
	Activation          string        `mapstructure:"activation"`
	AccumulateGradients bool          `mapstructure:"accumulate_gradients"`
	Inputs              []InputConfig `mapstructure:"inputs"`
}

// InputConfig holds one input's geometry. Extents are [depth, height, width].
type InputConfig struct {
	Channels int   `mapstructure:"channels"`
	Image    []int `mapstructure:"image"`
	Filter   []int `mapstructure:"filter"`
	Stride   []int `mapstructure:"stride"`
	Padding  []int `mapstructure:"padding"`
	Groups   int   `mapstructure:"groups"`
}

type RunConfig struct {
	Batch      int     `mapstructure:"batch"`
	InputFill  float32 `mapstructure:"input_fill"`
	WeightFill float32 `mapstructure:"weight_fill"`
	BiasFill   float32 `mapstructure:"bias_fill"`
	Seed       int64   `mapstructure:"seed"`
	Random     bool    `mapstructure:"random"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Runtime: RuntimeConfig{
			ConvWorkers: 1,
		},
		Layer: LayerConfig{
			Type:         "conv3d",
			Name:         "conv3d",
			NumFilters:   6,
			SharedBiases: true,
			Activation:   "linear",
			Inputs: []InputConfig{{
				Channels: 3,
				Image:    []int{9, 9, 9},
				Filter:   []int{3, 3, 3},
				Stride:   []int{2, 2, 2},
				Padding:  []int{0, 0, 0},
				Groups:   1,
			}},
		},
		Run: RunConfig{
			Batch:      1,
			InputFill:  1,
			WeightFill: 1,
			BiasFill:   0.5,
			Seed:       1,
		},
	}
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"log-level":                  "log_level",
	"runtime-conv-workers":       "runtime.conv_workers",
	"layer-type":                 "layer.type",
	"layer-name":                 "layer.name",
	"layer-num-filters":          "layer.num_filters",
	"layer-shared-biases":        "layer.shared_biases",
	"layer-no-bias":              "layer.no_bias",
	"layer-activation":           "layer.activation",
	"layer-accumulate-gradients": "layer.accumulate_gradients",
	"run-batch":                  "run.batch",
	"run-input-fill":             "run.input_fill",
	"run-weight-fill":            "run.weight_fill",
	"run-bias-fill":              "run.bias_fill",
	"run-seed":                   "run.seed",
	"run-random":                 "run.random",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("runtime-conv-workers", defaults.Runtime.ConvWorkers, "Goroutines for vol2col/col2vol and grouped GEMM (<=1 is sequential)")
	fs.String("layer-type", defaults.Layer.Type, "Layer type (conv3d|deconv3d)")
	fs.String("layer-name", defaults.Layer.Name, "Layer name used in logs and parameter names")
	fs.Int("layer-num-filters", defaults.Layer.NumFilters, "Number of output filters")
	fs.Bool("layer-shared-biases", defaults.Layer.SharedBiases, "Use one bias per filter instead of one per output value")
	fs.Bool("layer-no-bias", defaults.Layer.NoBias, "Build the layer without a bias parameter")
	fs.String("layer-activation", defaults.Layer.Activation, "Activation (linear|relu|sigmoid|tanh)")
	fs.Bool("layer-accumulate-gradients", defaults.Layer.AccumulateGradients, "Keep parameter gradients across backward passes")
	fs.Int("run-batch", defaults.Run.Batch, "Samples per batch")
	fs.Float32("run-input-fill", defaults.Run.InputFill, "Constant input value")
	fs.Float32("run-weight-fill", defaults.Run.WeightFill, "Constant weight value")
	fs.Float32("run-bias-fill", defaults.Run.BiasFill, "Constant bias value")
	fs.Int64("run-seed", defaults.Run.Seed, "Random seed used with --run-random")
	fs.Bool("run-random", defaults.Run.Random, "Fill inputs and parameters with uniform random values")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("VOLCONV")
	replacer := strings.NewReplacer("-", "_", ".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("volconv")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("layer.type", c.Layer.Type)
	v.SetDefault("layer.name", c.Layer.Name)
	v.SetDefault("layer.num_filters", c.Layer.NumFilters)
	v.SetDefault("layer.shared_biases", c.Layer.SharedBiases)
	v.SetDefault("layer.no_bias", c.Layer.NoBias)
	v.SetDefault("layer.activation", c.Layer.Activation)
	v.SetDefault("layer.accumulate_gradients", c.Layer.AccumulateGradients)
	v.SetDefault("layer.inputs", inputDefaults(c.Layer.Inputs))
	v.SetDefault("run.batch", c.Run.Batch)
	v.SetDefault("run.input_fill", c.Run.InputFill)
	v.SetDefault("run.weight_fill", c.Run.WeightFill)
	v.SetDefault("run.bias_fill", c.Run.BiasFill)
	v.SetDefault("run.seed", c.Run.Seed)
	v.SetDefault("run.random", c.Run.Random)
}

// inputDefaults renders inputs the way a config file would decode them, so
// Unmarshal treats defaults and file values alike.
func inputDefaults(inputs []InputConfig) []map[string]any {
	out := make([]map[string]any, len(inputs))
	for i, in := range inputs {
		out[i] = map[string]any{
			"channels": in.Channels,
			"image":    in.Image,
			"filter":   in.Filter,
			"stride":   in.Stride,
			"padding":  in.Padding,
			"groups":   in.Groups,
		}
	}

	return out
}

// LayerConfig converts the loaded settings into a layer configuration.
// Missing stride defaults to 1, missing padding to 0 and missing groups to 1.
func (c Config) LayerConfig() (layer.Config, error) {
	lc := layer.Config{
		Type:                strings.ToLower(strings.TrimSpace(c.Layer.Type)),
		Name:                c.Layer.Name,
		NumFilters:          c.Layer.NumFilters,
		SharedBiases:        c.Layer.SharedBiases,
		NoBias:              c.Layer.NoBias,
		Activation:          c.Layer.Activation,
		AccumulateGradients: c.Layer.AccumulateGradients,
	}

	if len(c.Layer.Inputs) == 0 {
		return layer.Config{}, errors.New("config: layer.inputs is empty")
	}

	for i, in := range c.Layer.Inputs {
		image, err := extent(in.Image, 0)
		if err != nil {
			return layer.Config{}, fmt.Errorf("config: layer.inputs[%d].image: %w", i, err)
		}

		filter, err := extent(in.Filter, 0)
		if err != nil {
			return layer.Config{}, fmt.Errorf("config: layer.inputs[%d].filter: %w", i, err)
		}

		stride, err := extent(in.Stride, 1)
		if err != nil {
			return layer.Config{}, fmt.Errorf("config: layer.inputs[%d].stride: %w", i, err)
		}

		pad, err := extent(in.Padding, 0)
		if err != nil {
			return layer.Config{}, fmt.Errorf("config: layer.inputs[%d].padding: %w", i, err)
		}

		groups := in.Groups
		if groups == 0 {
			groups = 1
		}

		lc.Inputs = append(lc.Inputs, layer.InputConfig{
			Channels: in.Channels,
			Image:    image,
			Window:   ops.Window{Filter: filter, Stride: stride, Pad: pad},
			Groups:   groups,
		})
	}

	return lc, nil
}

// extent accepts [d, h, w], a single value for all three axes, or nothing
// (which yields def on every axis).
func extent(xs []int, def int) (ops.Extent3, error) {
	switch len(xs) {
	case 0:
		return ops.Extent3{D: def, H: def, W: def}, nil
	case 1:
		return ops.Extent3{D: xs[0], H: xs[0], W: xs[0]}, nil
	case 3:
		return ops.Extent3{D: xs[0], H: xs[1], W: xs[2]}, nil
	default:
		return ops.Extent3{}, fmt.Errorf("want 1 or 3 values, got %d", len(xs))
	}
}

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", s)
	}
}
