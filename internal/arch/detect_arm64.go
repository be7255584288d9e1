//go:build arm64

package arch

import "golang.org/x/sys/cpu"

func detect() Generation {
	if cpu.ARM64.HasASIMD {
		return SIMD128
	}
	return Generic
}
