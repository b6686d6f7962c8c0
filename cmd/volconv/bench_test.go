package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-volconv/internal/config"
)

func TestBenchCmd_JSON(t *testing.T) {
	out, err := execute(t, "bench", "--runs", "2", "--format", "json")
	if err != nil {
		t.Fatalf("bench: %v", err)
	}

	var rep struct {
		Runs []struct {
			Cold       bool    `json:"cold"`
			BackwardMS float64 `json:"backward_ms"`
		} `json:"runs"`
	}

	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}

	if len(rep.Runs) != 2 || !rep.Runs[0].Cold || rep.Runs[1].Cold {
		t.Errorf("unexpected runs: %+v", rep.Runs)
	}
}

func TestBenchCmd_ForwardOnlyTable(t *testing.T) {
	out, err := execute(t, "bench", "--runs", "1", "--forward-only")
	if err != nil {
		t.Fatalf("bench: %v", err)
	}

	if !strings.Contains(out, "(mean)") {
		t.Errorf("table output missing stats:\n%s", out)
	}
}

func TestBenchCmd_ValidatesFlags(t *testing.T) {
	if _, err := execute(t, "bench", "--runs", "0"); err == nil {
		t.Error("want error for zero runs")
	}

	if _, err := execute(t, "bench", "--format", "csv"); err == nil {
		t.Error("want error for unknown format")
	}
}

func TestBenchCmd_ThresholdGate(t *testing.T) {
	// a nanosecond budget cannot be met
	if _, err := execute(t, "bench", "--runs", "1", "--max-mean-ms", "0.000001"); err == nil {
		t.Error("want error when the mean exceeds --max-mean-ms")
	}
}

func TestBenchCmd_CPUProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.pprof")

	if _, err := execute(t, "bench", "--runs", "1", "--cpuprofile", path); err != nil {
		t.Fatalf("bench: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("cpu profile not written: %v", err)
	}
}

func TestSessionFLOPs(t *testing.T) {
	s, err := newSession(config.DefaultConfig())
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	// 6 filters x 3 channels x 27 taps x 64 positions, two flops each
	const forward = 2 * 6 * 3 * 27 * 64

	if got := s.flops(false); got != forward {
		t.Errorf("forward flops = %v; want %d", got, forward)
	}

	if got := s.flops(true); got != 3*forward {
		t.Errorf("forward+backward flops = %v; want %d", got, 3*forward)
	}
}
