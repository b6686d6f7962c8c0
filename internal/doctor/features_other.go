//go:build !amd64 && !arm64

package doctor

// CPUFeatures returns nothing on architectures without feature probing.
func CPUFeatures() []Feature { return nil }
