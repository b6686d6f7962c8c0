//go:build arm64

package doctor

import "golang.org/x/sys/cpu"

// CPUFeatures reports the arm64 SIMD extensions relevant to SGEMM throughput.
func CPUFeatures() []Feature {
	return []Feature{
		{Name: "asimd", Present: cpu.ARM64.HasASIMD},
		{Name: "fphp", Present: cpu.ARM64.HasFPHP},
		{Name: "asimdhp", Present: cpu.ARM64.HasASIMDHP},
		{Name: "sve", Present: cpu.ARM64.HasSVE},
	}
}
