//go:build amd64

package doctor

import "golang.org/x/sys/cpu"

// CPUFeatures reports the x86 vector extensions relevant to SGEMM throughput.
func CPUFeatures() []Feature {
	return []Feature{
		{Name: "sse4.1", Present: cpu.X86.HasSSE41},
		{Name: "avx", Present: cpu.X86.HasAVX},
		{Name: "avx2", Present: cpu.X86.HasAVX2},
		{Name: "fma", Present: cpu.X86.HasFMA},
		{Name: "avx512f", Present: cpu.X86.HasAVX512F},
	}
}
