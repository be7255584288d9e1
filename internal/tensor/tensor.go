// Package tensor holds the buffer descriptors passed across the call
// boundary: a typed slice plus its logical shape and element strides.
//
// The binding layer adapts whatever array type it owns into a Desc; the
// kernels never see anything else.
package tensor

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-natten/internal/dtype"
)

// MaxAlign is the largest alignment class, in bytes, that is ever reported.
const MaxAlign = 64

// Desc is a type-erased strided buffer. Data is one of the slice types listed
// by dtype.Element; Strides are in elements.
type Desc struct {
	DType   dtype.DType
	Data    any
	Shape   []int
	Strides []int
}

// New wraps data as a contiguous row-major buffer of the given shape.
func New(data any, shape ...int) Desc {
	return Desc{
		DType:   dtype.Of(data),
		Data:    data,
		Shape:   append([]int(nil), shape...),
		Strides: ContiguousStrides(shape),
	}
}

// Zeros allocates a contiguous zero-filled buffer.
func Zeros(d dtype.DType, shape ...int) Desc {
	return New(dtype.Make(d, product(shape)), shape...)
}

// ContiguousStrides returns row-major strides for shape.
func ContiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func (d Desc) Rank() int { return len(d.Shape) }

// NumElements is the number of logical elements.
func (d Desc) NumElements() int { return product(d.Shape) }

// Validate checks that the descriptor is self-consistent and that every
// logical element addresses a valid position in Data.
func (d Desc) Validate() error {
	if d.DType == dtype.Invalid || dtype.Of(d.Data) != d.DType {
		return fmt.Errorf("buffer type %T does not match dtype %s", d.Data, d.DType)
	}
	if len(d.Shape) != len(d.Strides) {
		return fmt.Errorf("shape %v and strides %v differ in rank", d.Shape, d.Strides)
	}
	maxOffset := 0
	for i, s := range d.Shape {
		if s < 1 {
			return fmt.Errorf("shape %v has non-positive extent", d.Shape)
		}
		if d.Strides[i] < 0 {
			return fmt.Errorf("negative stride in %v", d.Strides)
		}
		maxOffset += (s - 1) * d.Strides[i]
	}
	if n := dtype.Len(d.Data); maxOffset >= n {
		return fmt.Errorf("buffer of %d elements too small for shape %v strides %v", n, d.Shape, d.Strides)
	}
	return nil
}

// Offset returns the element offset of a logical index.
func (d Desc) Offset(idx ...int) int {
	off := 0
	for i, v := range idx {
		off += v * d.Strides[i]
	}
	return off
}

// At reads a logical element as float64.
func (d Desc) At(idx ...int) float64 {
	return dtype.Get(d.Data, d.Offset(idx...))
}

// Set writes a logical element.
func (d Desc) Set(x float64, idx ...int) {
	dtype.Set(d.Data, d.Offset(idx...), x)
}

// Each visits every logical index in row-major order.
func (d Desc) Each(fn func(idx []int)) {
	idx := make([]int, len(d.Shape))
	for n := d.NumElements(); n > 0; n-- {
		fn(idx)
		for a := len(idx) - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < d.Shape[a] {
				break
			}
			idx[a] = 0
		}
	}
}

// Float64s copies the logical contents in row-major order.
func (d Desc) Float64s() []float64 {
	out := make([]float64, 0, d.NumElements())
	d.Each(func(idx []int) {
		out = append(out, d.At(idx...))
	})
	return out
}

// Contiguous returns a row-major copy of d.
func (d Desc) Contiguous() Desc {
	c := Zeros(d.DType, d.Shape...)
	i := 0
	d.Each(func(idx []int) {
		dtype.Set(c.Data, i, d.At(idx...))
		i++
	})
	return c
}

// Permute returns a view with the axes reordered; no data is copied.
func (d Desc) Permute(perm ...int) Desc {
	v := Desc{DType: d.DType, Data: d.Data, Shape: make([]int, len(perm)), Strides: make([]int, len(perm))}
	for i, p := range perm {
		v.Shape[i] = d.Shape[p]
		v.Strides[i] = d.Strides[p]
	}
	return v
}

func basePointer(data any) uintptr {
	switch v := data.(type) {
	case []float32:
		return uintptr(unsafe.Pointer(unsafe.SliceData(v)))
	case []float64:
		return uintptr(unsafe.Pointer(unsafe.SliceData(v)))
	case []float16.Float16:
		return uintptr(unsafe.Pointer(unsafe.SliceData(v)))
	case []bfloat16.BFloat16:
		return uintptr(unsafe.Pointer(unsafe.SliceData(v)))
	default:
		return 0
	}
}

func pow2Factor(x uintptr) int {
	if x == 0 {
		return MaxAlign
	}
	return min(1<<bits.TrailingZeros64(uint64(x)), MaxAlign)
}

// BaseAlignment returns the byte alignment of the first element.
func (d Desc) BaseAlignment() int {
	return pow2Factor(basePointer(d.Data))
}

// Alignment returns the byte alignment guaranteed for the start of every
// innermost row: the base pointer combined with every outer stride that can
// move it.
func (d Desc) Alignment() int {
	size := d.DType.Size()
	align := d.BaseAlignment()
	for i := 0; i < len(d.Shape)-1; i++ {
		if d.Shape[i] > 1 {
			align = min(align, pow2Factor(uintptr(d.Strides[i]*size)))
		}
	}
	return align
}

// span returns the byte range [lo, hi) touched by the descriptor.
func (d Desc) span() (uintptr, uintptr) {
	size := uintptr(d.DType.Size())
	maxOffset := 0
	for i, s := range d.Shape {
		maxOffset += (s - 1) * d.Strides[i]
	}
	base := basePointer(d.Data)
	return base, base + uintptr(maxOffset+1)*size
}

// Overlaps reports whether the two buffers share any memory.
func (d Desc) Overlaps(o Desc) bool {
	if d.Data == nil || o.Data == nil || dtype.Len(d.Data) == 0 || dtype.Len(o.Data) == 0 {
		return false
	}
	alo, ahi := d.span()
	blo, bhi := o.span()
	return alo < bhi && blo < ahi
}

// View is a typed strided buffer.
type View[T dtype.Element] struct {
	Data    []T
	Shape   []int
	Strides []int
}

// As returns the typed view of d; ok is false when T does not match.
func As[T dtype.Element](d Desc) (View[T], bool) {
	data, ok := d.Data.([]T)
	if !ok {
		return View[T]{}, false
	}
	return View[T]{Data: data, Shape: d.Shape, Strides: d.Strides}, true
}
