// Package arch identifies the accelerator generation the tiled kernels are
// specialized for. On CPUs a generation is the widest vector extension the
// processor offers, since it bounds the lane width and tile shapes a kernel
// may use.
package arch

import (
	"fmt"
	"strings"
)

type Generation int

const (
	// Generic has no specialized kernels; dispatch always falls back.
	Generic Generation = iota
	// SIMD128 covers SSE4.1 on amd64 and NEON on arm64.
	SIMD128
	AVX2
	AVX512
)

// All lists every generation, slowest first.
var All = []Generation{Generic, SIMD128, AVX2, AVX512}

func (g Generation) String() string {
	switch g {
	case Generic:
		return "generic"
	case SIMD128:
		return "simd128"
	case AVX2:
		return "avx2"
	case AVX512:
		return "avx512"
	default:
		return "unknown"
	}
}

// VectorBytes is the register width, which caps the alignment class.
func (g Generation) VectorBytes() int {
	switch g {
	case SIMD128:
		return 16
	case AVX2:
		return 32
	case AVX512:
		return 64
	default:
		return 8
	}
}

// Parse accepts the String form; "auto" and "" resolve to Detect().
func Parse(s string) (Generation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Detect(), nil
	case "generic", "scalar":
		return Generic, nil
	case "simd128", "sse4", "neon":
		return SIMD128, nil
	case "avx2":
		return AVX2, nil
	case "avx512":
		return AVX512, nil
	}
	return Generic, fmt.Errorf("unknown accelerator generation %q", s)
}

var detected = detect()

// Detect returns the generation of the running CPU.
func Detect() Generation {
	return detected
}
