// Package dtype enumerates the floating point formats the kernels accept and
// the accumulator each one widens into.
package dtype

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

type DType int

const (
	Invalid DType = iota
	Float32
	Float64
	Float16
	BFloat16
)

// All lists the supported types in registration order.
var All = []DType{Float32, Float64, Float16, BFloat16}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return "invalid"
	}
}

// Size is the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float64:
		return 8
	case Float16, BFloat16:
		return 2
	default:
		return 0
	}
}

// Narrow reports whether the type accumulates in a wider format.
func (d DType) Narrow() bool {
	return d == Float16 || d == BFloat16
}

// Parse accepts the String form plus the common short aliases.
func Parse(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "fp32":
		return Float32, nil
	case "float64", "f64", "fp64":
		return Float64, nil
	case "float16", "f16", "fp16", "half":
		return Float16, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}

// Element is the set of Go types backing the supported formats.
type Element interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// Accum is the set of accumulator types.
type Accum interface {
	float32 | float64
}

// Of returns the DType of a typed slice, or Invalid.
func Of(data any) DType {
	switch data.(type) {
	case []float32:
		return Float32
	case []float64:
		return Float64
	case []float16.Float16:
		return Float16
	case []bfloat16.BFloat16:
		return BFloat16
	default:
		return Invalid
	}
}

// Codec converts between an element type and its accumulator.
type Codec[T Element, A Accum] struct {
	Widen  func(T) A
	Narrow func(A) T
}

var (
	F32 = Codec[float32, float32]{
		Widen:  func(v float32) float32 { return v },
		Narrow: func(v float32) float32 { return v },
	}
	F64 = Codec[float64, float64]{
		Widen:  func(v float64) float64 { return v },
		Narrow: func(v float64) float64 { return v },
	}
	F16 = Codec[float16.Float16, float32]{
		Widen:  func(v float16.Float16) float32 { return v.Float32() },
		Narrow: float16.Fromfloat32,
	}
	BF16 = Codec[bfloat16.BFloat16, float32]{
		Widen:  func(v bfloat16.BFloat16) float32 { return v.Float32() },
		Narrow: bfloat16.FromFloat32,
	}
)

// Make allocates a zeroed slice of n elements of type d.
func Make(d DType, n int) any {
	switch d {
	case Float32:
		return make([]float32, n)
	case Float64:
		return make([]float64, n)
	case Float16:
		return make([]float16.Float16, n)
	case BFloat16:
		return make([]bfloat16.BFloat16, n)
	default:
		return nil
	}
}

// Len returns the length of a typed slice created by Make.
func Len(data any) int {
	switch v := data.(type) {
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	case []float16.Float16:
		return len(v)
	case []bfloat16.BFloat16:
		return len(v)
	default:
		return 0
	}
}

// Get reads element i as float64.
func Get(data any, i int) float64 {
	switch v := data.(type) {
	case []float32:
		return float64(v[i])
	case []float64:
		return v[i]
	case []float16.Float16:
		return float64(v[i].Float32())
	case []bfloat16.BFloat16:
		return float64(v[i].Float32())
	default:
		return 0
	}
}

// Set writes element i, rounding to the element format.
func Set(data any, i int, x float64) {
	switch v := data.(type) {
	case []float32:
		v[i] = float32(x)
	case []float64:
		v[i] = x
	case []float16.Float16:
		v[i] = float16.Fromfloat32(float32(x))
	case []bfloat16.BFloat16:
		v[i] = bfloat16.FromFloat32(float32(x))
	}
}
