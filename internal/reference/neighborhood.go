package reference

import (
	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
)

// PointwiseNeighborhood writes, for every query and window slot,
// scale * <A[query], B[neighbor]> plus the relative positional bias when one
// is bound. Slots the window does not visit receive Fill.
func PointwiseNeighborhood[T dtype.Element, A dtype.Accum](a *kernel.Args[T, A]) {
	g := a.G
	kv := g.WindowVolume()
	widen, narrow := a.Codec.Widen, a.Codec.Narrow
	fill := narrow(a.Fill)

	a.Pool.ParallelFor(g.Batch*g.Heads, a.Grain, func(start, end int) {
		for bh := start; bh < end; bh++ {
			b, h := bh/g.Heads, bh%g.Heads
			for x := 0; x < g.Extent[0]; x++ {
				for y := 0; y < g.Extent[1]; y++ {
					for z := 0; z < g.Extent[2]; z++ {
						q := a.A.Row(b, h, x, y, z)
						o := a.Out.Row(b, h, x, y, z)
						for k := 0; k < kv; k++ {
							a.Out.Data[o+k] = fill
						}
						w := g.Windows(x, y, z)
						for kx, nx := 0, w[0].Start; nx < w[0].End; kx, nx = kx+1, nx+w[0].Step {
							for ky, ny := 0, w[1].Start; ny < w[1].End; ky, ny = ky+1, ny+w[1].Step {
								for kz, nz := 0, w[2].Start; nz < w[2].End; kz, nz = kz+1, nz+w[2].Step {
									kr := a.B.Row(b, h, nx, ny, nz)
									var sum A
									for d := 0; d < g.Dim; d++ {
										sum += widen(a.A.Data[q+d]) * widen(a.B.Data[kr+d])
									}
									sum *= a.Scale
									if a.HasBias {
										bi := h*a.Bias.Head +
											g.Axes[0].BiasIndex(x, nx)*a.Bias.Spatial[0] +
											g.Axes[1].BiasIndex(y, ny)*a.Bias.Spatial[1] +
											g.Axes[2].BiasIndex(z, nz)*a.Bias.Spatial[2]
										sum += widen(a.Bias.Data[bi])
									}
									a.Out.Data[o+g.Slot(kx, ky, kz)] = narrow(sum)
								}
							}
						}
					}
				}
			}
		}
	})
}

// NeighborhoodNeighborhood writes, for every query and channel,
// scale * sum over the window of A[query, slot] * B[neighbor, channel].
func NeighborhoodNeighborhood[T dtype.Element, A dtype.Accum](a *kernel.Args[T, A]) {
	g := a.G
	widen, narrow := a.Codec.Widen, a.Codec.Narrow

	a.Pool.ParallelFor(g.Batch*g.Heads, a.Grain, func(start, end int) {
		acc := make([]A, g.Dim)
		for bh := start; bh < end; bh++ {
			b, h := bh/g.Heads, bh%g.Heads
			for x := 0; x < g.Extent[0]; x++ {
				for y := 0; y < g.Extent[1]; y++ {
					for z := 0; z < g.Extent[2]; z++ {
						clear(acc)
						wr := a.A.Row(b, h, x, y, z)
						w := g.Windows(x, y, z)
						for kx, nx := 0, w[0].Start; nx < w[0].End; kx, nx = kx+1, nx+w[0].Step {
							for ky, ny := 0, w[1].Start; ny < w[1].End; ky, ny = ky+1, ny+w[1].Step {
								for kz, nz := 0, w[2].Start; nz < w[2].End; kz, nz = kz+1, nz+w[2].Step {
									weight := widen(a.A.Data[wr+g.Slot(kx, ky, kz)])
									vr := a.B.Row(b, h, nx, ny, nz)
									for d := range acc {
										acc[d] += weight * widen(a.B.Data[vr+d])
									}
								}
							}
						}
						o := a.Out.Row(b, h, x, y, z)
						for d, v := range acc {
							a.Out.Data[o+d] = narrow(v * a.Scale)
						}
					}
				}
			}
		}
	})
}

// InverseNeighborhood writes, for every key position and channel,
// scale * sum over the queries whose window contains the key of
// A[query, slot(query, key)] * B[query, channel]. Each output row is
// gathered by the task that owns it, never scattered into.
func InverseNeighborhood[T dtype.Element, A dtype.Accum](a *kernel.Args[T, A]) {
	g := a.G
	widen, narrow := a.Codec.Widen, a.Codec.Narrow
	ax, ay, az := g.Axes[0], g.Axes[1], g.Axes[2]

	a.Pool.ParallelFor(g.Batch*g.Heads, a.Grain, func(start, end int) {
		acc := make([]A, g.Dim)
		for bh := start; bh < end; bh++ {
			b, h := bh/g.Heads, bh%g.Heads
			for x := 0; x < g.Extent[0]; x++ {
				ix := ax.InverseRange(x, g.Extent[0])
				for y := 0; y < g.Extent[1]; y++ {
					iy := ay.InverseRange(y, g.Extent[1])
					for z := 0; z < g.Extent[2]; z++ {
						iz := az.InverseRange(z, g.Extent[2])
						clear(acc)
						for qx := ix.Start; qx < ix.End; qx += ix.Step {
							sx, ok := ax.Slot(qx, x, g.Extent[0])
							if !ok {
								continue
							}
							for qy := iy.Start; qy < iy.End; qy += iy.Step {
								sy, ok := ay.Slot(qy, y, g.Extent[1])
								if !ok {
									continue
								}
								for qz := iz.Start; qz < iz.End; qz += iz.Step {
									sz, ok := az.Slot(qz, z, g.Extent[2])
									if !ok {
										continue
									}
									weight := widen(a.A.Data[a.A.Row(b, h, qx, qy, qz)+g.Slot(sx, sy, sz)])
									vr := a.B.Row(b, h, qx, qy, qz)
									for d := range acc {
										acc[d] += weight * widen(a.B.Data[vr+d])
									}
								}
							}
						}
						o := a.Out.Row(b, h, x, y, z)
						for d, v := range acc {
							a.Out.Data[o+d] = narrow(v * a.Scale)
						}
					}
				}
			}
		}
	})
}
