//go:build amd64

package arch

import "golang.org/x/sys/cpu"

func detect() Generation {
	switch {
	case cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW && cpu.X86.HasAVX512VL:
		return AVX512
	case cpu.X86.HasAVX2 && cpu.X86.HasFMA:
		return AVX2
	case cpu.X86.HasSSE41:
		return SIMD128
	default:
		return Generic
	}
}
