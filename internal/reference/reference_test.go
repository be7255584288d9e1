package reference

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
	"github.com/23skdu/longbow-natten/internal/parallel"
	"github.com/23skdu/longbow-natten/internal/tensor"
	"github.com/23skdu/longbow-natten/internal/window"
)

func fill(d tensor.Desc, v float64) tensor.Desc {
	d.Each(func(idx []int) { d.Set(v, idx...) })
	return d
}

func random(rng *rand.Rand, dt dtype.DType, shape ...int) tensor.Desc {
	d := tensor.Zeros(dt, shape...)
	d.Each(func(idx []int) { d.Set(rng.Float64()*2-1, idx...) })
	return d
}

func shape(g kernel.Geometry, inner int) []int {
	s := []int{g.Batch, g.Heads}
	s = append(s, g.Extent[kernel.MaxRank-g.Rank:]...)
	return append(s, inner)
}

func run(t *testing.T, pool *parallel.Pool, c kernel.Call) {
	t.Helper()
	r, ok := Lookup(c.Pattern, c.Out.DType)
	require.True(t, ok, "no reference runner for %s/%s", c.Pattern, c.Out.DType)
	c.Pool = pool
	c.DType = c.Out.DType
	r(&c)
}

func TestAggregateScenarios(t *testing.T) {
	pool := parallel.New(2)
	defer pool.Close()

	tests := []struct {
		name   string
		causal bool
		want   []float64
	}{
		{"sliding", false, []float64{3, 3, 3, 3, 3}},
		{"causal", true, []float64{1, 2, 3, 3, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := kernel.Pad(1, 1, 1, []int{5}, []window.Axis{{KernelSize: 3, Dilation: 1, Causal: tt.causal}})
			attn := fill(tensor.Zeros(dtype.Float32, shape(g, 3)...), 1)
			value := fill(tensor.Zeros(dtype.Float32, shape(g, 1)...), 1)
			out := tensor.Zeros(dtype.Float32, shape(g, 1)...)
			run(t, pool, kernel.Call{
				Pattern: kernel.NeighborhoodNeighborhood, Geometry: g,
				A: attn, B: value, Out: out, Scale: 1,
			})
			assert.Equal(t, tt.want, out.Float64s())
		})
	}
}

// neighbors lists every (key, slot) pair of query q using only Axis.Slot.
func neighbors(g kernel.Geometry, q [3]int) (keys [][3]int, slots []int) {
	for x := 0; x < g.Extent[0]; x++ {
		sx, ok := g.Axes[0].Slot(q[0], x, g.Extent[0])
		if !ok {
			continue
		}
		for y := 0; y < g.Extent[1]; y++ {
			sy, ok := g.Axes[1].Slot(q[1], y, g.Extent[1])
			if !ok {
				continue
			}
			for z := 0; z < g.Extent[2]; z++ {
				sz, ok := g.Axes[2].Slot(q[2], z, g.Extent[2])
				if !ok {
					continue
				}
				keys = append(keys, [3]int{x, y, z})
				slots = append(slots, g.Slot(sx, sy, sz))
			}
		}
	}
	return keys, slots
}

func positions(g kernel.Geometry) [][3]int {
	var out [][3]int
	for x := 0; x < g.Extent[0]; x++ {
		for y := 0; y < g.Extent[1]; y++ {
			for z := 0; z < g.Extent[2]; z++ {
				out = append(out, [3]int{x, y, z})
			}
		}
	}
	return out
}

// at reads a [B, H, x, y, z, inner] element from a rank-padded descriptor.
func at(g kernel.Geometry, d tensor.Desc, b, h int, p [3]int, i int) float64 {
	idx := []int{b, h}
	idx = append(idx, p[kernel.MaxRank-g.Rank:]...)
	return d.At(append(idx, i)...)
}

var geometries = []struct {
	name   string
	extent []int
	axes   []window.Axis
}{
	{"1d", []int{9}, []window.Axis{{KernelSize: 3, Dilation: 2}}},
	{"1d causal", []int{7}, []window.Axis{{KernelSize: 5, Dilation: 1, Causal: true}}},
	{"2d", []int{5, 6}, []window.Axis{{KernelSize: 3, Dilation: 1}, {KernelSize: 5, Dilation: 1}}},
	{"2d mixed", []int{6, 7}, []window.Axis{{KernelSize: 3, Dilation: 2}, {KernelSize: 3, Dilation: 1, Causal: true}}},
	{"3d", []int{3, 4, 5}, []window.Axis{{KernelSize: 3, Dilation: 1}, {KernelSize: 3, Dilation: 1, Causal: true}, {KernelSize: 3, Dilation: 1}}},
}

func TestPatternsMatchBruteForce(t *testing.T) {
	pool := parallel.New(3)
	defer pool.Close()
	rng := rand.New(rand.NewSource(7))

	for _, tc := range geometries {
		t.Run(tc.name, func(t *testing.T) {
			g := kernel.Pad(2, 2, 4, tc.extent, tc.axes)
			kv := g.WindowVolume()
			q := random(rng, dtype.Float64, shape(g, g.Dim)...)
			k := random(rng, dtype.Float64, shape(g, g.Dim)...)
			attn := random(rng, dtype.Float64, shape(g, kv)...)

			scores := tensor.Zeros(dtype.Float64, shape(g, kv)...)
			run(t, pool, kernel.Call{Pattern: kernel.PointwiseNeighborhood, Geometry: g,
				A: q, B: k, Out: scores, Scale: 0.5, Fill: math.Inf(-1)})
			agg := tensor.Zeros(dtype.Float64, shape(g, g.Dim)...)
			run(t, pool, kernel.Call{Pattern: kernel.NeighborhoodNeighborhood, Geometry: g,
				A: attn, B: k, Out: agg, Scale: 1})
			inv := tensor.Zeros(dtype.Float64, shape(g, g.Dim)...)
			run(t, pool, kernel.Call{Pattern: kernel.InverseNeighborhood, Geometry: g,
				A: attn, B: q, Out: inv, Scale: 2})

			wantInv := make(map[[5]int]float64)
			for b := 0; b < g.Batch; b++ {
				for h := 0; h < g.Heads; h++ {
					for _, p := range positions(g) {
						keys, slots := neighbors(g, p)
						visited := map[int]bool{}
						for n, key := range keys {
							visited[slots[n]] = true
							var dot float64
							for d := 0; d < g.Dim; d++ {
								dot += at(g, q, b, h, p, d) * at(g, k, b, h, key, d)
							}
							assert.InDelta(t, 0.5*dot, at(g, scores, b, h, p, slots[n]), 1e-12)
							for d := 0; d < g.Dim; d++ {
								wantInv[[5]int{b, h, key[0]*100 + key[1]*10 + key[2], d}] +=
									2 * at(g, attn, b, h, p, slots[n]) * at(g, q, b, h, p, d)
							}
						}
						for s := 0; s < kv; s++ {
							if !visited[s] {
								assert.True(t, math.IsInf(at(g, scores, b, h, p, s), -1), "slot %d of %v", s, p)
							}
						}
						for d := 0; d < g.Dim; d++ {
							var sum float64
							for n, key := range keys {
								sum += at(g, attn, b, h, p, slots[n]) * at(g, k, b, h, key, d)
							}
							assert.InDelta(t, sum, at(g, agg, b, h, p, d), 1e-12)
						}
					}
					for _, p := range positions(g) {
						for d := 0; d < g.Dim; d++ {
							want := wantInv[[5]int{b, h, p[0]*100 + p[1]*10 + p[2], d}]
							assert.InDelta(t, want, at(g, inv, b, h, p, d), 1e-12)
						}
					}
				}
			}
		})
	}
}

func TestRelativeBias(t *testing.T) {
	pool := parallel.New(2)
	defer pool.Close()
	rng := rand.New(rand.NewSource(11))

	g := kernel.Pad(2, 3, 2, []int{5, 7}, []window.Axis{{KernelSize: 3, Dilation: 1}, {KernelSize: 3, Dilation: 2}})
	kv := g.WindowVolume()
	bias := random(rng, dtype.Float64, 3, 5, 5)
	q := tensor.Zeros(dtype.Float64, shape(g, g.Dim)...)
	scores := tensor.Zeros(dtype.Float64, shape(g, kv)...)
	run(t, pool, kernel.Call{Pattern: kernel.PointwiseNeighborhood, Geometry: g,
		A: q, B: q, Out: scores, Bias: &bias, Scale: 1})

	dAttn := random(rng, dtype.Float64, shape(g, kv)...)
	dBias := tensor.Zeros(dtype.Float64, 3, 5, 5)
	run(t, pool, kernel.Call{Pattern: kernel.BiasGradient, Geometry: g, A: dAttn, Out: dBias, Scale: 1})

	want := tensor.Zeros(dtype.Float64, 3, 5, 5)
	for b := 0; b < g.Batch; b++ {
		for h := 0; h < g.Heads; h++ {
			for _, p := range positions(g) {
				keys, slots := neighbors(g, p)
				for n, key := range keys {
					by := g.Axes[1].BiasIndex(p[1], key[1])
					bz := g.Axes[2].BiasIndex(p[2], key[2])
					assert.InDelta(t, bias.At(h, by, bz), at(g, scores, b, h, p, slots[n]), 1e-12)
					want.Set(want.At(h, by, bz)+at(g, dAttn, b, h, p, slots[n]), h, by, bz)
				}
			}
		}
	}
	assert.InDeltaSlice(t, want.Float64s(), dBias.Float64s(), 1e-9)
}

func TestSoftmaxRows(t *testing.T) {
	pool := parallel.New(2)
	defer pool.Close()
	rng := rand.New(rand.NewSource(3))

	g := kernel.Pad(1, 2, 1, []int{6}, []window.Axis{{KernelSize: 3, Dilation: 1, Causal: true}})
	scores := random(rng, dtype.Float32, shape(g, 3)...)
	run(t, pool, kernel.Call{Pattern: kernel.Softmax, Geometry: g, A: scores, Out: scores})

	for h := 0; h < 2; h++ {
		for i := 0; i < 6; i++ {
			visited := min(3, i+1)
			var sum float64
			for s := 0; s < 3; s++ {
				v := scores.At(0, h, i, s)
				if s >= visited {
					assert.Zero(t, v)
				}
				sum += v
			}
			assert.InDelta(t, 1.0, sum, 1e-6)
		}
	}

	// The gradient of sum(P * c) w.r.t. scores, with c constant, is zero.
	dP := fill(tensor.Zeros(dtype.Float32, shape(g, 3)...), 0.25)
	dS := tensor.Zeros(dtype.Float32, shape(g, 3)...)
	run(t, pool, kernel.Call{Pattern: kernel.SoftmaxGradient, Geometry: g, A: scores, B: dP, Out: dS})
	for _, v := range dS.Float64s() {
		assert.InDelta(t, 0, v, 1e-6)
	}
}

func TestNarrowTypesTrackFloat64(t *testing.T) {
	pool := parallel.New(2)
	defer pool.Close()
	rng := rand.New(rand.NewSource(5))

	g := kernel.Pad(1, 2, 8, []int{6, 6}, []window.Axis{{KernelSize: 5, Dilation: 1}, {KernelSize: 3, Dilation: 2}})
	kv := g.WindowVolume()
	attn64 := random(rng, dtype.Float64, shape(g, kv)...)
	v64 := random(rng, dtype.Float64, shape(g, g.Dim)...)

	for _, dt := range []dtype.DType{dtype.Float32, dtype.Float16, dtype.BFloat16} {
		t.Run(dt.String(), func(t *testing.T) {
			attn := tensor.Zeros(dt, shape(g, kv)...)
			v := tensor.Zeros(dt, shape(g, g.Dim)...)
			attn64.Each(func(idx []int) { attn.Set(attn64.At(idx...), idx...) })
			v64.Each(func(idx []int) { v.Set(v64.At(idx...), idx...) })

			// Compare against float64 run on the already-rounded inputs.
			want := tensor.Zeros(dtype.Float64, shape(g, g.Dim)...)
			run(t, pool, kernel.Call{Pattern: kernel.NeighborhoodNeighborhood, Geometry: g,
				A: tensor.New(attn.Float64s(), attn.Shape...), B: tensor.New(v.Float64s(), v.Shape...), Out: want, Scale: 0.5})

			out := tensor.Zeros(dt, shape(g, g.Dim)...)
			run(t, pool, kernel.Call{Pattern: kernel.NeighborhoodNeighborhood, Geometry: g,
				A: attn, B: v, Out: out, Scale: 0.5})
			tol := 1e-5
			if dt.Narrow() {
				tol = 5e-2
			}
			assert.InDeltaSlice(t, want.Float64s(), out.Float64s(), tol)
		})
	}
}

func TestLookupCoversEveryDType(t *testing.T) {
	for _, p := range kernel.Patterns {
		for _, d := range dtype.All {
			_, ok := Lookup(p, d)
			assert.True(t, ok, "%s/%s", p, d)
		}
	}
	_, ok := Lookup(kernel.PointwiseNeighborhood, dtype.Invalid)
	assert.False(t, ok)
}
