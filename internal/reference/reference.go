// Package reference is the portable engine: a direct loop nest per pattern,
// parallel over (batch, head) pairs. It is the correctness baseline for the
// tiled kernels and the fallback whenever no tiled member matches.
//
// Kernels assume validated input and never re-check per element.
package reference

import (
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
)

type key struct {
	pattern kernel.Pattern
	dtype   dtype.DType
}

var runners = map[key]kernel.Runner{}

func register[T dtype.Element, A dtype.Accum](d dtype.DType, codec dtype.Codec[T, A]) {
	runners[key{kernel.PointwiseNeighborhood, d}] = kernel.Bind[T, A](PointwiseNeighborhood[T, A], codec)
	runners[key{kernel.NeighborhoodNeighborhood, d}] = kernel.Bind[T, A](NeighborhoodNeighborhood[T, A], codec)
	runners[key{kernel.InverseNeighborhood, d}] = kernel.Bind[T, A](InverseNeighborhood[T, A], codec)
	runners[key{kernel.BiasGradient, d}] = kernel.Bind[T, A](RelativeBiasGradient[T, A], codec)
	runners[key{kernel.Softmax, d}] = kernel.Bind[T, A](SoftmaxRows[T, A], codec)
	runners[key{kernel.SoftmaxGradient, d}] = kernel.Bind[T, A](SoftmaxRowsGradient[T, A], codec)
}

func init() {
	register[float32, float32](dtype.Float32, dtype.F32)
	register[float64, float64](dtype.Float64, dtype.F64)
	register[float16.Float16, float32](dtype.Float16, dtype.F16)
	register[bfloat16.BFloat16, float32](dtype.BFloat16, dtype.BF16)
}

// Lookup returns the reference implementation of a pattern for a dtype.
func Lookup(p kernel.Pattern, d dtype.DType) (kernel.Runner, bool) {
	r, ok := runners[key{p, d}]
	return r, ok
}
