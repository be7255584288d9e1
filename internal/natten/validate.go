package natten

import (
	"fmt"
	"slices"

	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
	"github.com/23skdu/longbow-natten/internal/metrics"
	"github.com/23skdu/longbow-natten/internal/reference"
	"github.com/23skdu/longbow-natten/internal/tensor"
)

// operand is a named buffer taking part in a call.
type operand struct {
	name  string
	desc  tensor.Desc
	inner int // expected innermost extent; 0 for bias tables
	out   bool
}

// checker validates one call and records the first rejection.
type checker struct {
	op    string
	opt   Options
	geom  kernel.Geometry
	dtype dtype.DType
}

func (c *checker) reject(kind string, sentinel error, format string, args ...any) error {
	metrics.RecordValidationError(c.op, kind)
	return fmt.Errorf("%s: %w: %s", c.op, sentinel, fmt.Sprintf(format, args...))
}

// geometry derives the problem shape from a [B, H, *spatial, D] descriptor.
func (c *checker) geometry(ref operand) error {
	rank := len(c.opt.Window)
	if rank < 1 || rank > kernel.MaxRank {
		return c.reject("rank", ErrPrecondition, "window rank %d (must be 1, 2 or 3)", rank)
	}
	c.dtype = ref.desc.DType
	if _, ok := reference.Lookup(kernel.PointwiseNeighborhood, c.dtype); !ok {
		return c.reject("dtype", ErrUnsupported, "dtype %s", c.dtype)
	}
	if len(ref.desc.Shape) != rank+3 {
		return c.reject("shape", ErrPrecondition, "%s has shape %v, want rank %d", ref.name, ref.desc.Shape, rank+3)
	}
	s := ref.desc.Shape
	c.geom = kernel.Pad(s[0], s[1], s[rank+2], s[2:rank+2], c.opt.Window)
	for i, ax := range c.opt.Window {
		if err := ax.Validate(s[2+i]); err != nil {
			return c.reject("window", ErrPrecondition, "axis %d: %v", i, err)
		}
	}
	return nil
}

// rowShape is the expected [B, H, *spatial, inner] shape.
func (c *checker) rowShape(inner int) []int {
	g := c.geom
	s := []int{g.Batch, g.Heads}
	s = append(s, g.Extent[kernel.MaxRank-g.Rank:]...)
	return append(s, inner)
}

func (c *checker) biasShape() []int {
	s := []int{c.geom.Heads}
	for _, ax := range c.opt.Window {
		s = append(s, ax.BiasLength())
	}
	return s
}

func (c *checker) check(ops ...operand) error {
	for _, o := range ops {
		if o.desc.DType != c.dtype {
			return c.reject("dtype", ErrPrecondition, "%s is %s, want %s", o.name, o.desc.DType, c.dtype)
		}
		if err := o.desc.Validate(); err != nil {
			return c.reject("layout", ErrPrecondition, "%s: %v", o.name, err)
		}
		want := c.biasShape()
		if o.inner > 0 {
			want = c.rowShape(o.inner)
		}
		if !slices.Equal(o.desc.Shape, want) {
			return c.reject("shape", ErrPrecondition, "%s has shape %v, want %v", o.name, o.desc.Shape, want)
		}
		if o.desc.Strides[len(o.desc.Strides)-1] != 1 && o.desc.Shape[len(o.desc.Shape)-1] > 1 {
			return c.reject("layout", ErrPrecondition, "%s innermost stride %d (must be 1)", o.name, o.desc.Strides[len(o.desc.Strides)-1])
		}
	}
	for i, o := range ops {
		if !o.out {
			continue
		}
		for j, p := range ops {
			if i != j && o.desc.Overlaps(p.desc) {
				return c.reject("alias", ErrPrecondition, "%s overlaps %s", o.name, p.name)
			}
		}
	}
	return nil
}

// checkBias rejects a bias on any causal axis.
func (c *checker) checkBias() error {
	for i, ax := range c.opt.Window {
		if ax.Causal {
			return c.reject("bias", ErrPrecondition, "relative positional bias with causal axis %d", i)
		}
	}
	return nil
}
