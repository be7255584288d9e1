package tiled

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-natten/internal/arch"
	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
)

// Window-size buckets. A tile configuration is compiled for a subset of them.
var (
	Small  = Bucket{1, 3, 5, 7}
	Medium = Bucket{9, 11, 13}
	Large  = Bucket{15, 17, 19, 21, 23, 25, 27, 29, 31}
)

// tileSpec is one row of the catalog: a tile hierarchy and the buckets it is
// built for. Instruction shapes and alignment classes are derived per dtype.
type tileSpec struct {
	block, warp Shape
	stages      int
	buckets     []Bucket
}

// Patterns with a tiled implementation. The remaining patterns always run on
// the reference engine.
var Patterns = []kernel.Pattern{kernel.PointwiseNeighborhood, kernel.NeighborhoodNeighborhood}

// Generic has no entry and always uses the reference engine.
var catalog = map[arch.Generation][]tileSpec{
	arch.SIMD128: {
		{block: Shape{8, 32, 32}, warp: Shape{4, 32, 32}, stages: 1, buckets: []Bucket{Small, Medium}},
		{block: Shape{16, 64, 64}, warp: Shape{8, 32, 32}, stages: 2, buckets: []Bucket{Small, Medium, Large}},
	},
	arch.AVX2: {
		{block: Shape{16, 64, 64}, warp: Shape{8, 32, 32}, stages: 2, buckets: []Bucket{Small, Medium, Large}},
		{block: Shape{32, 64, 64}, warp: Shape{16, 32, 32}, stages: 2, buckets: []Bucket{Small, Medium}},
		{block: Shape{32, 128, 64}, warp: Shape{16, 64, 32}, stages: 4, buckets: []Bucket{Medium, Large}},
	},
	arch.AVX512: {
		{block: Shape{32, 128, 64}, warp: Shape{16, 64, 32}, stages: 2, buckets: []Bucket{Small, Medium, Large}},
		{block: Shape{64, 128, 128}, warp: Shape{32, 64, 64}, stages: 4, buckets: []Bucket{Small, Medium, Large}},
		{block: Shape{64, 256, 128}, warp: Shape{32, 128, 64}, stages: 4, buckets: []Bucket{Medium, Large}},
	},
}

// Member is a bound family member.
type Member struct {
	Config Config
	Run    kernel.Runner
}

var (
	membersMu sync.Mutex
	members   = map[arch.Generation][]Member{}
)

// Members returns every member built for gen. A generation's members are
// bound on first use.
func Members(gen arch.Generation) []Member {
	membersMu.Lock()
	defer membersMu.Unlock()
	ms, ok := members[gen]
	if !ok {
		ms = expand(gen)
		members[gen] = ms
	}
	return ms
}

// AlignmentClasses lists the alignment classes, in bytes, built for a dtype
// on gen: every power of two from the element size to the vector width.
func AlignmentClasses(d dtype.DType, gen arch.Generation) []int {
	var out []int
	for a := d.Size(); a > 0 && a <= gen.VectorBytes(); a *= 2 {
		out = append(out, a)
	}
	return out
}

// Configs expands the catalog for gen without binding any kernel.
func Configs(gen arch.Generation) []Config {
	var out []Config
	for _, spec := range catalog[gen] {
		for _, p := range Patterns {
			for _, d := range dtype.All {
				for _, align := range AlignmentClasses(d, gen) {
					for _, b := range spec.buckets {
						out = append(out, Config{
							Pattern:     p,
							DType:       d,
							Arch:        gen,
							Align:       align,
							Block:       spec.block,
							Warp:        spec.warp,
							Instruction: Shape{M: 1, N: align / d.Size(), K: 1},
							Stages:      spec.stages,
							KernelSizes: b,
						})
					}
				}
			}
		}
	}
	return out
}

func expand(gen arch.Generation) []Member {
	var out []Member
	for _, c := range Configs(gen) {
		out = append(out, Member{Config: c, Run: Bind(c)})
	}
	return out
}

// Bind instantiates the kernel template for c.
func Bind(c Config) kernel.Runner {
	switch c.DType {
	case dtype.Float32:
		return instantiate[float32, float32](c, dtype.F32)
	case dtype.Float64:
		return instantiate[float64, float64](c, dtype.F64)
	case dtype.Float16:
		return instantiate[float16.Float16, float32](c, dtype.F16)
	case dtype.BFloat16:
		return instantiate[bfloat16.BFloat16, float32](c, dtype.BF16)
	}
	panic(fmt.Sprintf("tiled: no instantiation for %s", c.DType))
}

func instantiate[T dtype.Element, A dtype.Accum](c Config, codec dtype.Codec[T, A]) kernel.Runner {
	mb := &member[T, A]{
		cfg:  c,
		dot:  dotFor[A](c.Lanes()),
		axpy: axpyFor[A](c.Lanes()),
		buf:  newScratch[A](runtime.GOMAXPROCS(0)),
	}
	switch c.Pattern {
	case kernel.PointwiseNeighborhood:
		return kernel.Bind[T, A](mb.pointwise, codec)
	case kernel.NeighborhoodNeighborhood:
		return kernel.Bind[T, A](mb.aggregate, codec)
	}
	panic(fmt.Sprintf("tiled: pattern %s has no tiled template", c.Pattern))
}
