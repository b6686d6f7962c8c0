// Package doctor provides environment preflight checks for volconv.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// minGoMinor is the oldest Go 1.x toolchain the kernels are tested with.
const minGoMinor = 22

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// GoVersion is the runtime version string, e.g. "go1.25.0".
	GoVersion string
	// Features lists detected CPU features. Nil uses CPUFeatures.
	Features func() []Feature
	// ConvWorkers is the configured kernel worker count.
	ConvWorkers int
	// ActiveWorkers reports the worker count the kernels actually use. It must
	// match ConvWorkers. Nil skips the comparison.
	ActiveWorkers func() int
	// NumCPU is the number of logical CPUs available to the process.
	NumCPU int
	// CheckBLAS runs a small GEMM and compares it to a naive product.
	CheckBLAS func() error
	// ConfigFile is verified on disk when non-empty.
	ConfigFile string
	// ValidateLayer builds the configured layer and reports configuration errors.
	ValidateLayer func() error
}

// Feature is a named CPU capability.
type Feature struct {
	Name    string
	Present bool
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- Go runtime -------------------------------------------------------
	if cfg.GoVersion != "" {
		if err := checkGoVersion(cfg.GoVersion); err != nil {
			res.fail(fmt.Sprintf("go version: %v", err))
			fmt.Fprintf(w, "%s go version %s: %v\n", FailMark, cfg.GoVersion, err)
		} else {
			fmt.Fprintf(w, "%s go version: %s\n", PassMark, cfg.GoVersion)
		}
	}

	// ---- CPU features -----------------------------------------------------
	features := cfg.Features
	if features == nil {
		features = CPUFeatures
	}
	fmt.Fprintf(w, "%s cpu features: %s\n", PassMark, formatFeatures(features()))

	// ---- conv workers -----------------------------------------------------
	switch {
	case cfg.ConvWorkers < 0:
		res.fail(fmt.Sprintf("conv workers: %d is negative", cfg.ConvWorkers))
		fmt.Fprintf(w, "%s conv workers: %d is negative\n", FailMark, cfg.ConvWorkers)
	case cfg.NumCPU > 0 && cfg.ConvWorkers > cfg.NumCPU:
		res.fail(fmt.Sprintf("conv workers: %d exceed %d CPUs", cfg.ConvWorkers, cfg.NumCPU))
		fmt.Fprintf(w, "%s conv workers: %d exceed %d CPUs\n", FailMark, cfg.ConvWorkers, cfg.NumCPU)
	case cfg.ConvWorkers <= 1:
		fmt.Fprintf(w, "%s conv workers: sequential\n", PassMark)
	default:
		fmt.Fprintf(w, "%s conv workers: %d of %d CPUs\n", PassMark, cfg.ConvWorkers, cfg.NumCPU)
	}

	if cfg.ActiveWorkers != nil && cfg.ConvWorkers >= 0 {
		if active := cfg.ActiveWorkers(); active != cfg.ConvWorkers {
			res.fail(fmt.Sprintf("conv workers: runtime uses %d, config sets %d", active, cfg.ConvWorkers))
			fmt.Fprintf(w, "%s conv workers: runtime uses %d, config sets %d\n", FailMark, active, cfg.ConvWorkers)
		} else {
			fmt.Fprintf(w, "%s conv workers: runtime uses %d\n", PassMark, active)
		}
	}

	// ---- BLAS sanity ------------------------------------------------------
	if cfg.CheckBLAS != nil {
		if err := cfg.CheckBLAS(); err != nil {
			res.fail(fmt.Sprintf("blas sgemm: %v", err))
			fmt.Fprintf(w, "%s blas sgemm: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s blas sgemm: ok\n", PassMark)
		}
	}

	// ---- config file ------------------------------------------------------
	if cfg.ConfigFile != "" {
		if _, err := os.Stat(cfg.ConfigFile); err != nil {
			res.fail(fmt.Sprintf("config file %q: %v", cfg.ConfigFile, err))
			fmt.Fprintf(w, "%s config file %s: not found\n", FailMark, cfg.ConfigFile)
		} else {
			fmt.Fprintf(w, "%s config file: %s\n", PassMark, cfg.ConfigFile)
		}
	}

	// ---- layer configuration ----------------------------------------------
	if cfg.ValidateLayer != nil {
		if err := cfg.ValidateLayer(); err != nil {
			res.fail(fmt.Sprintf("layer validation: %v", err))
			fmt.Fprintf(w, "%s layer validation: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s layer validation: ok\n", PassMark)
		}
	}

	return res
}

func formatFeatures(fs []Feature) string {
	if len(fs) == 0 {
		return "none detected"
	}

	names := make([]string, 0, len(fs))
	for _, f := range fs {
		if f.Present {
			names = append(names, f.Name)
		} else {
			names = append(names, "-"+f.Name)
		}
	}

	return strings.Join(names, " ")
}

// checkGoVersion returns an error if ver is older than go1.minGoMinor.
// ver is expected to be a string like "go1.25.0"; devel builds pass.
func checkGoVersion(ver string) error {
	if strings.HasPrefix(ver, "devel") {
		return nil
	}
	major, minor, err := parseMajorMinor(strings.TrimPrefix(ver, "go"))
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires Go 1, got %d", major)
	}
	if minor < minGoMinor {
		return fmt.Errorf("requires Go >=1.%d, got 1.%d", minGoMinor, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
