package reference

import (
	"math"

	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
)

// visitedSlots appends the score columns visited by query (x, y, z).
func visitedSlots(g kernel.Geometry, x, y, z int, dst []int) []int {
	w := g.Windows(x, y, z)
	nx, ny, nz := w[0].Len(), w[1].Len(), w[2].Len()
	dst = dst[:0]
	for kx := 0; kx < nx; kx++ {
		for ky := 0; ky < ny; ky++ {
			for kz := 0; kz < nz; kz++ {
				dst = append(dst, g.Slot(kx, ky, kz))
			}
		}
	}
	return dst
}

// SoftmaxRows normalizes the visited slots of every score row; unvisited
// slots are set to zero. A and Out may be the same buffer.
func SoftmaxRows[T dtype.Element, A dtype.Accum](a *kernel.Args[T, A]) {
	g := a.G
	kv := g.WindowVolume()
	widen, narrow := a.Codec.Widen, a.Codec.Narrow
	zero := narrow(0)

	a.Pool.ParallelFor(g.Batch*g.Heads, a.Grain, func(start, end int) {
		slots := make([]int, 0, kv)
		exps := make([]float64, kv)
		for bh := start; bh < end; bh++ {
			b, h := bh/g.Heads, bh%g.Heads
			for x := 0; x < g.Extent[0]; x++ {
				for y := 0; y < g.Extent[1]; y++ {
					for z := 0; z < g.Extent[2]; z++ {
						in := a.A.Row(b, h, x, y, z)
						o := a.Out.Row(b, h, x, y, z)
						slots = visitedSlots(g, x, y, z, slots)
						maxv := math.Inf(-1)
						for _, s := range slots {
							maxv = max(maxv, float64(widen(a.A.Data[in+s])))
						}
						var sum float64
						for i, s := range slots {
							exps[i] = math.Exp(float64(widen(a.A.Data[in+s])) - maxv)
							sum += exps[i]
						}
						for k := 0; k < kv; k++ {
							a.Out.Data[o+k] = zero
						}
						for i, s := range slots {
							a.Out.Data[o+s] = narrow(A(exps[i] / sum))
						}
					}
				}
			}
		}
	})
}

// SoftmaxRowsGradient computes dS = P * (dP - sum(P * dP)) over the visited
// slots, with A = P and B = dP.
func SoftmaxRowsGradient[T dtype.Element, A dtype.Accum](a *kernel.Args[T, A]) {
	g := a.G
	kv := g.WindowVolume()
	widen, narrow := a.Codec.Widen, a.Codec.Narrow
	zero := narrow(0)

	a.Pool.ParallelFor(g.Batch*g.Heads, a.Grain, func(start, end int) {
		slots := make([]int, 0, kv)
		for bh := start; bh < end; bh++ {
			b, h := bh/g.Heads, bh%g.Heads
			for x := 0; x < g.Extent[0]; x++ {
				for y := 0; y < g.Extent[1]; y++ {
					for z := 0; z < g.Extent[2]; z++ {
						p := a.A.Row(b, h, x, y, z)
						dp := a.B.Row(b, h, x, y, z)
						o := a.Out.Row(b, h, x, y, z)
						slots = visitedSlots(g, x, y, z, slots)
						var dot A
						for _, s := range slots {
							dot += widen(a.A.Data[p+s]) * widen(a.B.Data[dp+s])
						}
						for k := 0; k < kv; k++ {
							a.Out.Data[o+k] = zero
						}
						for _, s := range slots {
							pv := widen(a.A.Data[p+s])
							a.Out.Data[o+s] = narrow(pv * (widen(a.B.Data[dp+s]) - dot))
						}
					}
				}
			}
		}
	})
}
