// Package kernel defines the problem geometry and the argument binding shared
// by the reference engine and the tiled kernel family.
//
// Problems of rank 1 and 2 are padded to rank 3 with leading unit axes (extent
// 1, kernel 1, stride 0), so every implementation is written once as a 3D loop
// nest and the real axes always end at the last spatial position.
package kernel

import (
	"fmt"

	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/parallel"
	"github.com/23skdu/longbow-natten/internal/tensor"
	"github.com/23skdu/longbow-natten/internal/window"
)

// MaxRank is the highest supported spatial rank.
const MaxRank = 3

// Pattern identifies one accumulation routine.
type Pattern int

const (
	// PointwiseNeighborhood computes one score per (query, neighbor) pair:
	// attention scores forward, and the attention gradient in the AV backward pass.
	PointwiseNeighborhood Pattern = iota
	// NeighborhoodNeighborhood aggregates neighbor rows weighted by scores:
	// AV forward, and the query gradient in the QK backward pass.
	NeighborhoodNeighborhood
	// InverseNeighborhood gathers, for each key, the contributions of every
	// query whose window contains it: key and value gradients.
	InverseNeighborhood
	// BiasGradient reduces score gradients into the relative positional bias table.
	BiasGradient
	// Softmax normalizes the visited slots of each score row.
	Softmax
	// SoftmaxGradient is the backward pass of Softmax.
	SoftmaxGradient
)

// Patterns lists every pattern.
var Patterns = []Pattern{
	PointwiseNeighborhood, NeighborhoodNeighborhood, InverseNeighborhood,
	BiasGradient, Softmax, SoftmaxGradient,
}

func (p Pattern) String() string {
	switch p {
	case PointwiseNeighborhood:
		return "pn"
	case NeighborhoodNeighborhood:
		return "nn"
	case InverseNeighborhood:
		return "in"
	case BiasGradient:
		return "rpb_grad"
	case Softmax:
		return "softmax"
	case SoftmaxGradient:
		return "softmax_grad"
	default:
		return "unknown"
	}
}

// Geometry is a problem shape padded to MaxRank spatial axes.
type Geometry struct {
	Batch  int
	Heads  int
	Dim    int
	Rank   int
	Extent [MaxRank]int
	Axes   [MaxRank]window.Axis
}

// Pad builds a Geometry from the real spatial extents and window axes.
func Pad(batch, heads, dim int, extent []int, axes []window.Axis) Geometry {
	g := Geometry{Batch: batch, Heads: heads, Dim: dim, Rank: len(extent)}
	lead := MaxRank - len(extent)
	for i := 0; i < MaxRank; i++ {
		if i < lead {
			g.Extent[i] = 1
			g.Axes[i] = window.Unit
			continue
		}
		g.Extent[i] = extent[i-lead]
		g.Axes[i] = axes[i-lead]
	}
	return g
}

// Positions is the number of spatial positions per (batch, head).
func (g Geometry) Positions() int {
	return g.Extent[0] * g.Extent[1] * g.Extent[2]
}

// WindowVolume is the flattened number of slots in a window.
func (g Geometry) WindowVolume() int {
	return g.Axes[0].KernelSize * g.Axes[1].KernelSize * g.Axes[2].KernelSize
}

// BiasVolume is the flattened size of one head's bias table.
func (g Geometry) BiasVolume() int {
	return g.Axes[0].BiasLength() * g.Axes[1].BiasLength() * g.Axes[2].BiasLength()
}

// Windows returns the neighbor ranges of query (x, y, z).
func (g Geometry) Windows(x, y, z int) [MaxRank]window.Range {
	return [MaxRank]window.Range{
		g.Axes[0].Range(x, g.Extent[0]),
		g.Axes[1].Range(y, g.Extent[1]),
		g.Axes[2].Range(z, g.Extent[2]),
	}
}

// Slot flattens per-axis window positions into a score column.
func (g Geometry) Slot(kx, ky, kz int) int {
	return (kx*g.Axes[1].KernelSize+ky)*g.Axes[2].KernelSize + kz
}

// KernelSizes returns the kernel size of every real axis.
func (g Geometry) KernelSizes() []int {
	out := make([]int, 0, g.Rank)
	for _, a := range g.Axes[MaxRank-g.Rank:] {
		out = append(out, a.KernelSize)
	}
	return out
}

// Operand addresses a [batch, head, x, y, z, inner] buffer whose innermost
// axis is contiguous.
type Operand[T dtype.Element] struct {
	Data    []T
	Batch   int
	Head    int
	Spatial [MaxRank]int
}

// Row returns the offset of the innermost row at (b, h, x, y, z).
func (o Operand[T]) Row(b, h, x, y, z int) int {
	return b*o.Batch + h*o.Head + x*o.Spatial[0] + y*o.Spatial[1] + z*o.Spatial[2]
}

func view[T dtype.Element](d tensor.Desc) tensor.View[T] {
	v, ok := tensor.As[T](d)
	if !ok {
		panic(fmt.Sprintf("kernel: buffer of %s bound as %T", d.DType, *new(T)))
	}
	return v
}

// OperandOf adapts a [B, H, *spatial, inner] descriptor of the given rank.
func OperandOf[T dtype.Element](d tensor.Desc, rank int) Operand[T] {
	v := view[T](d)
	o := Operand[T]{Data: v.Data, Batch: v.Strides[0], Head: v.Strides[1]}
	lead := MaxRank - rank
	for i := 0; i < rank; i++ {
		o.Spatial[lead+i] = v.Strides[2+i]
	}
	return o
}

// BiasOperandOf adapts a [H, *bias] relative positional bias descriptor.
func BiasOperandOf[T dtype.Element](d tensor.Desc, rank int) Operand[T] {
	v := view[T](d)
	o := Operand[T]{Data: v.Data, Head: v.Strides[0]}
	lead := MaxRank - rank
	for i := 0; i < rank; i++ {
		o.Spatial[lead+i] = v.Strides[1+i]
	}
	return o
}

// Args is a fully typed invocation.
type Args[T dtype.Element, A dtype.Accum] struct {
	G       Geometry
	A, B    Operand[T]
	Out     Operand[T]
	Bias    Operand[T]
	HasBias bool
	Scale   A
	Fill    A
	Codec   dtype.Codec[T, A]
	Pool    *parallel.Pool
	Grain   int
}

// Func is a typed kernel entry point.
type Func[T dtype.Element, A dtype.Accum] func(*Args[T, A])

// Call is a type-erased invocation, as produced by the call boundary.
//
// Role bindings per pattern:
//
//	PointwiseNeighborhood: A query-like, B key-like, Out scores, Bias optional
//	NeighborhoodNeighborhood: A scores, B value-like, Out value-like
//	InverseNeighborhood: A scores, B query-side rows, Out key-side rows
//	BiasGradient: A score gradient, Out bias gradient
//	Softmax: A scores, Out probabilities (may alias A)
//	SoftmaxGradient: A probabilities, B probability gradient, Out score gradient
type Call struct {
	Pattern  Pattern
	Geometry Geometry
	DType    dtype.DType
	A, B     tensor.Desc
	Out      tensor.Desc
	Bias     *tensor.Desc
	Scale    float64
	Fill     float64
	Pool     *parallel.Pool
	Grain    int
}

// Runner executes a Call.
type Runner func(*Call)

// Bind adapts a typed kernel into a Runner. Descriptors are converted once
// per call; the loop nest itself only sees typed operands.
func Bind[T dtype.Element, A dtype.Accum](fn Func[T, A], codec dtype.Codec[T, A]) Runner {
	return func(c *Call) {
		rank := c.Geometry.Rank
		args := Args[T, A]{
			G:     c.Geometry,
			Scale: A(c.Scale),
			Fill:  A(c.Fill),
			Codec: codec,
			Pool:  c.Pool,
			Grain: c.Grain,
		}
		if c.Pattern == BiasGradient {
			args.A = OperandOf[T](c.A, rank)
			args.Out = BiasOperandOf[T](c.Out, rank)
			fn(&args)
			return
		}
		args.A = OperandOf[T](c.A, rank)
		if c.B.Data != nil {
			args.B = OperandOf[T](c.B, rank)
		}
		args.Out = OperandOf[T](c.Out, rank)
		if c.Bias != nil {
			args.Bias = BiasOperandOf[T](*c.Bias, rank)
			args.HasBias = true
		}
		fn(&args)
	}
}
