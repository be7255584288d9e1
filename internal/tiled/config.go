// Package tiled holds the shape-specialized kernel family. Every member is a
// blocked matrix multiply over one dilation group of the last spatial axis:
// a block of queries shares one packed, widened span of keys or values, the
// output columns are split into block and warp tiles, and the innermost
// loops are unrolled to the member's lane width.
//
// Members are expanded from a declarative catalog at init; none is written
// out by hand. A member assumes the dispatcher already checked that its
// window bucket and alignment class fit the call.
package tiled

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-natten/internal/arch"
	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
)

// Shape is one level of the tile hierarchy.
//
// For the score pattern M counts queries, N counts packed key columns and K
// is the channel contraction chunk. For the aggregate pattern N counts
// output channels and K counts window slots.
type Shape struct {
	M, N, K int
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.M, s.N, s.K)
}

// Area is the output footprint of the tile.
func (s Shape) Area() int { return s.M * s.N }

// Bucket is the set of kernel sizes a member was specialized for.
type Bucket []int

// Contains reports whether every size in ks belongs to the bucket.
func (b Bucket) Contains(ks ...int) bool {
	for _, k := range ks {
		if !slices.Contains(b, k) {
			return false
		}
	}
	return true
}

// Max is the largest kernel size in the bucket.
func (b Bucket) Max() int {
	if len(b) == 0 {
		return 0
	}
	return slices.Max(b)
}

func (b Bucket) String() string {
	parts := make([]string, len(b))
	for i, k := range b {
		parts[i] = strconv.Itoa(k)
	}
	return strings.Join(parts, "-")
}

// Config identifies one member of the family. It is never mutated after the
// catalog is expanded.
type Config struct {
	Pattern     kernel.Pattern
	DType       dtype.DType
	Arch        arch.Generation
	Align       int // bytes guaranteed for every row start
	Block       Shape
	Warp        Shape
	Instruction Shape // N is the lane count, Align / element size
	// Stages is the pipeline depth the tile was tuned for. It only
	// distinguishes members by Name; the templates run the same loop for
	// every depth.
	Stages      int
	KernelSizes Bucket
}

// Name is a stable identifier suitable for logs and metric labels.
func (c Config) Name() string {
	return fmt.Sprintf("%s_%s_%s_a%d_b%s_w%s_i%s_s%d_k%s",
		c.Pattern, c.DType, c.Arch, c.Align,
		c.Block, c.Warp, c.Instruction, c.Stages, c.KernelSizes)
}

// Lanes is the vector width in elements.
func (c Config) Lanes() int { return c.Instruction.N }

// ScratchLen is the number of accumulator elements one block needs for the
// given channel dimension.
func (c Config) ScratchLen(dim int) int {
	span := c.Block.M + c.KernelSizes.Max()
	switch c.Pattern {
	case kernel.PointwiseNeighborhood:
		// queries, key span, score tile
		return c.Block.M*dim + span*dim + c.Block.M*span
	default:
		// value span, per-query accumulators
		return span*dim + c.Block.M*dim
	}
}
