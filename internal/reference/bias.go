package reference

import (
	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
)

// RelativeBiasGradient reduces a score gradient into the gradient of the
// relative positional bias table. Tasks are split by head, and each head owns
// its own table, so every bias cell is still written by one task.
func RelativeBiasGradient[T dtype.Element, A dtype.Accum](a *kernel.Args[T, A]) {
	g := a.G
	widen, narrow := a.Codec.Widen, a.Codec.Narrow
	lx, ly, lz := g.Axes[0].BiasLength(), g.Axes[1].BiasLength(), g.Axes[2].BiasLength()

	a.Pool.ParallelFor(g.Heads, a.Grain, func(start, end int) {
		acc := make([]A, g.BiasVolume())
		for h := start; h < end; h++ {
			clear(acc)
			for b := 0; b < g.Batch; b++ {
				for x := 0; x < g.Extent[0]; x++ {
					for y := 0; y < g.Extent[1]; y++ {
						for z := 0; z < g.Extent[2]; z++ {
							row := a.A.Row(b, h, x, y, z)
							w := g.Windows(x, y, z)
							for kx, nx := 0, w[0].Start; nx < w[0].End; kx, nx = kx+1, nx+w[0].Step {
								bx := g.Axes[0].BiasIndex(x, nx)
								for ky, ny := 0, w[1].Start; ny < w[1].End; ky, ny = ky+1, ny+w[1].Step {
									by := g.Axes[1].BiasIndex(y, ny)
									for kz, nz := 0, w[2].Start; nz < w[2].End; kz, nz = kz+1, nz+w[2].Step {
										bz := g.Axes[2].BiasIndex(z, nz)
										acc[(bx*ly+by)*lz+bz] += widen(a.A.Data[row+g.Slot(kx, ky, kz)])
									}
								}
							}
						}
					}
				}
			}
			for bx := 0; bx < lx; bx++ {
				for by := 0; by < ly; by++ {
					for bz := 0; bz < lz; bz++ {
						o := h*a.Out.Head + bx*a.Out.Spatial[0] + by*a.Out.Spatial[1] + bz*a.Out.Spatial[2]
						a.Out.Data[o] = narrow(acc[(bx*ly+by)*lz+bz] * a.Scale)
					}
				}
			}
		}
	})
}
