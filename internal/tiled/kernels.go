package tiled

import (
	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
	"github.com/23skdu/longbow-natten/internal/window"
)

type member[T dtype.Element, A dtype.Accum] struct {
	cfg  Config
	dot  dotFunc[A]
	axpy axpyFunc[A]
	buf  scratch[A]
}

// line is one dilation group of the last spatial axis at fixed (b, h, x, y).
type line struct {
	b, h, x, y, r int
}

func numLines(g kernel.Geometry) int {
	return g.Batch * g.Heads * g.Extent[0] * g.Extent[1] * g.Axes[2].Dilation
}

func lineAt(g kernel.Geometry, i int) line {
	d := g.Axes[2].Dilation
	l := line{r: i % d}
	i /= d
	l.y = i % g.Extent[1]
	i /= g.Extent[1]
	l.x = i % g.Extent[0]
	i /= g.Extent[0]
	l.h = i % g.Heads
	l.b = i / g.Heads
	return l
}

// groupLen is the number of positions of the last axis that fall in group r.
func groupLen(length, d, r int) int {
	if r >= length {
		return 0
	}
	return (length - r + d - 1) / d
}

// groupWindow returns the window of group query gi as (start, len) in group
// units.
func groupWindow(ax window.Axis, gi, r, length int) (int, int) {
	rg := ax.Range(gi*ax.Dilation+r, length)
	return (rg.Start - r) / ax.Dilation, rg.Len()
}

// pointwise is the tiled score kernel. For each block of queries and each
// neighbor (x, y) pair, the keys covering the union of the block's windows
// are packed once, a dense query-by-span score tile is accumulated over
// channel chunks, and the columns inside each query's window are scattered
// to their slots.
func (mb *member[T, A]) pointwise(a *kernel.Args[T, A]) {
	g, cfg := a.G, mb.cfg
	az, lz := g.Axes[2], g.Extent[2]
	dz := az.Dilation
	dim, kv := g.Dim, g.WindowVolume()
	widen, narrow := a.Codec.Widen, a.Codec.Narrow
	fill := narrow(a.Fill)
	bm := cfg.Block.M
	maxSpan := bm + cfg.KernelSizes.Max()

	a.Pool.ParallelFor(numLines(g), a.Grain, func(start, end int) {
		p := mb.buf.get(cfg.ScratchLen(dim))
		defer mb.buf.put(p)
		buf := *p
		qs := buf[:bm*dim]
		ks := buf[bm*dim : (bm+maxSpan)*dim]
		tile := buf[(bm+maxSpan)*dim:]

		for i := start; i < end; i++ {
			l := lineAt(g, i)
			group := groupLen(lz, dz, l.r)
			w := g.Windows(l.x, l.y, 0)
			for q0 := 0; q0 < group; q0 += bm {
				rows := min(bm, group-q0)
				lo, _ := groupWindow(az, q0, l.r, lz)
				hs, hl := groupWindow(az, q0+rows-1, l.r, lz)
				span := hs + hl - lo

				for m := 0; m < rows; m++ {
					z := (q0+m)*dz + l.r
					qr := a.A.Row(l.b, l.h, l.x, l.y, z)
					for d := 0; d < dim; d++ {
						qs[m*dim+d] = widen(a.A.Data[qr+d])
					}
					or := a.Out.Row(l.b, l.h, l.x, l.y, z)
					for k := 0; k < kv; k++ {
						a.Out.Data[or+k] = fill
					}
				}

				for kx, nx := 0, w[0].Start; nx < w[0].End; kx, nx = kx+1, nx+w[0].Step {
					for ky, ny := 0, w[1].Start; ny < w[1].End; ky, ny = ky+1, ny+w[1].Step {
						for c := 0; c < span; c++ {
							kr := a.B.Row(l.b, l.h, nx, ny, (lo+c)*dz+l.r)
							for d := 0; d < dim; d++ {
								ks[c*dim+d] = widen(a.B.Data[kr+d])
							}
						}
						clear(tile[:rows*span])
						mb.scoreTile(qs, ks, tile, az, q0, rows, lo, span, l.r, lz, dim)

						for m := 0; m < rows; m++ {
							ws, wl := groupWindow(az, q0+m, l.r, lz)
							or := a.Out.Row(l.b, l.h, l.x, l.y, (q0+m)*dz+l.r)
							for kz := 0; kz < wl; kz++ {
								a.Out.Data[or+g.Slot(kx, ky, kz)] = narrow(tile[m*span+ws-lo+kz] * a.Scale)
							}
						}
					}
				}
			}
		}
	})
}

// scoreTile accumulates tile[m, c] = <qs[m], ks[c]> for every column c that
// lies inside query m's window. Columns outside are left at zero.
func (mb *member[T, A]) scoreTile(qs, ks, tile []A, az window.Axis, q0, rows, lo, span, r, lz, dim int) {
	cfg := mb.cfg
	for k0 := 0; k0 < dim; k0 += cfg.Block.K {
		k1 := min(k0+cfg.Block.K, dim)
		for n0 := 0; n0 < span; n0 += cfg.Block.N {
			n1 := min(n0+cfg.Block.N, span)
			for m0 := 0; m0 < rows; m0 += cfg.Warp.M {
				m1 := min(m0+cfg.Warp.M, rows)
				for w0 := n0; w0 < n1; w0 += cfg.Warp.N {
					w1 := min(w0+cfg.Warp.N, n1)
					for m := m0; m < m1; m++ {
						ws, wl := groupWindow(az, q0+m, r, lz)
						c0, c1 := max(w0, ws-lo), min(w1, ws-lo+wl)
						q := qs[m*dim+k0 : m*dim+k1]
						row := tile[m*span:]
						for c := c0; c < c1; c++ {
							row[c] += mb.dot(q, ks[c*dim+k0:c*dim+k1])
						}
					}
				}
			}
		}
	}
}

// aggregate is the tiled weighted-sum kernel. Values covering the union of
// the block's windows are packed once per neighbor (x, y) pair and every
// query of the block accumulates its window into channel tiles.
func (mb *member[T, A]) aggregate(a *kernel.Args[T, A]) {
	g, cfg := a.G, mb.cfg
	az, lz := g.Axes[2], g.Extent[2]
	dz := az.Dilation
	dim := g.Dim
	widen, narrow := a.Codec.Widen, a.Codec.Narrow
	bm := cfg.Block.M
	maxSpan := bm + cfg.KernelSizes.Max()

	a.Pool.ParallelFor(numLines(g), a.Grain, func(start, end int) {
		p := mb.buf.get(cfg.ScratchLen(dim))
		defer mb.buf.put(p)
		buf := *p
		vs := buf[:maxSpan*dim]
		acc := buf[maxSpan*dim:]

		for i := start; i < end; i++ {
			l := lineAt(g, i)
			group := groupLen(lz, dz, l.r)
			w := g.Windows(l.x, l.y, 0)
			for q0 := 0; q0 < group; q0 += bm {
				rows := min(bm, group-q0)
				lo, _ := groupWindow(az, q0, l.r, lz)
				hs, hl := groupWindow(az, q0+rows-1, l.r, lz)
				span := hs + hl - lo
				clear(acc[:rows*dim])

				for kx, nx := 0, w[0].Start; nx < w[0].End; kx, nx = kx+1, nx+w[0].Step {
					for ky, ny := 0, w[1].Start; ny < w[1].End; ky, ny = ky+1, ny+w[1].Step {
						for c := 0; c < span; c++ {
							vr := a.B.Row(l.b, l.h, nx, ny, (lo+c)*dz+l.r)
							for d := 0; d < dim; d++ {
								vs[c*dim+d] = widen(a.B.Data[vr+d])
							}
						}
						for n0 := 0; n0 < dim; n0 += cfg.Block.N {
							n1 := min(n0+cfg.Block.N, dim)
							for m := 0; m < rows; m++ {
								ws, wl := groupWindow(az, q0+m, l.r, lz)
								wr := a.A.Row(l.b, l.h, l.x, l.y, (q0+m)*dz+l.r)
								for w0 := n0; w0 < n1; w0 += cfg.Warp.N {
									w1 := min(w0+cfg.Warp.N, n1)
									y := acc[m*dim+w0 : m*dim+w1]
									for kz := 0; kz < wl; kz++ {
										weight := widen(a.A.Data[wr+g.Slot(kx, ky, kz)])
										c := ws - lo + kz
										mb.axpy(y, weight, vs[c*dim+w0:c*dim+w1])
									}
								}
							}
						}
					}
				}

				for m := 0; m < rows; m++ {
					or := a.Out.Row(l.b, l.h, l.x, l.y, (q0+m)*dz+l.r)
					for d := 0; d < dim; d++ {
						a.Out.Data[or+d] = narrow(acc[m*dim+d] * a.Scale)
					}
				}
			}
		}
	})
}
