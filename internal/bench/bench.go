// Package bench provides timing primitives for the volconv bench command.
package bench

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of a single forward/backward iteration.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run (cold scratch pools)
	Forward  time.Duration
	Backward time.Duration
	GFLOPS   float64
}

// Total is the combined forward and backward time.
func (r RunResult) Total() time.Duration { return r.Forward + r.Backward }

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// The slice must be non-empty.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Totals returns the combined forward and backward duration of each run.
func Totals(runs []RunResult) []time.Duration {
	out := make([]time.Duration, len(runs))
	for i, r := range runs {
		out[i] = r.Total()
	}
	return out
}

// ---------------------------------------------------------------------------
// Run loop
// ---------------------------------------------------------------------------

// Step is one timed phase of an iteration.
type Step func() error

// Run executes forward and backward n times and records their durations.
// backward may be nil for forward-only runs. flops is the work per
// iteration used for the GFLOPS column; zero leaves it empty.
func Run(n int, flops float64, forward, backward Step) ([]RunResult, error) {
	if n <= 0 {
		return nil, fmt.Errorf("runs must be positive, got %d", n)
	}
	if forward == nil {
		return nil, errors.New("forward step is required")
	}

	runs := make([]RunResult, 0, n)
	for i := range n {
		r := RunResult{Index: i, Cold: i == 0}

		start := time.Now()
		if err := forward(); err != nil {
			return runs, fmt.Errorf("run %d forward: %w", i, err)
		}
		r.Forward = time.Since(start)

		if backward != nil {
			start = time.Now()
			if err := backward(); err != nil {
				return runs, fmt.Errorf("run %d backward: %w", i, err)
			}
			r.Backward = time.Since(start)
		}

		r.GFLOPS = CalcGFLOPS(flops, r.Total())
		runs = append(runs, r)
	}

	return runs, nil
}

// ---------------------------------------------------------------------------
// Throughput helpers
// ---------------------------------------------------------------------------

// GEMMFLOPs returns the multiply-add work of one lowered convolution GEMM per
// sample: every filter/channel pair within a group sees taps kernel values at
// each of positions columns.
func GEMMFLOPs(filters, channels, groups, taps, positions int) float64 {
	if groups <= 0 {
		return 0
	}
	return 2 * float64(filters) * float64(channels/groups) * float64(taps) * float64(positions)
}

// CalcGFLOPS returns flops / dur in units of 1e9 per second.
// Returns 0 if dur is zero to avoid division by zero.
func CalcGFLOPS(flops float64, dur time.Duration) float64 {
	if dur <= 0 {
		return 0
	}
	return flops / dur.Seconds() / 1e9
}

// ---------------------------------------------------------------------------
// Latency threshold gate
// ---------------------------------------------------------------------------

// CheckMeanThreshold returns an error if mean exceeds maxMS milliseconds.
// A threshold of 0 disables the gate.
func CheckMeanThreshold(mean time.Duration, maxMS float64) error {
	if maxMS <= 0 {
		return nil
	}
	ms := float64(mean) / float64(time.Millisecond)
	if ms > maxMS {
		return fmt.Errorf("mean %.3f ms exceeds threshold %.3f ms", ms, maxMS)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %10s  %10s  %8s\n", "Run", "Cold", "Fwd(ms)", "Bwd(ms)", "Total(ms)", "GFLOPS")
	fmt.Fprintln(sb, strings.Repeat("-", 58))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.3f  %10.3f  %10.3f  %8.2f\n",
			r.Index+1,
			cold,
			millis(r.Forward),
			millis(r.Backward),
			millis(r.Total()),
			r.GFLOPS,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 58))
	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %10s  %10.3f  (min)\n", "", "", "", "", millis(stats.Min))
	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %10s  %10.3f  (mean)\n", "", "", "", "", millis(stats.Mean))
	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %10s  %10.3f  (max)\n", "", "", "", "", millis(stats.Max))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	ForwardMS  float64 `json:"forward_ms"`
	BackwardMS float64 `json:"backward_ms"`
	TotalMS    float64 `json:"total_ms"`
	GFLOPS     float64 `json:"gflops"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:  millis(stats.Min),
			MeanMS: millis(stats.Mean),
			MaxMS:  millis(stats.Max),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			ForwardMS:  millis(r.Forward),
			BackwardMS: millis(r.Backward),
			TotalMS:    millis(r.Total()),
			GFLOPS:     r.GFLOPS,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
