package tiled

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-natten/internal/arch"
	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
	"github.com/23skdu/longbow-natten/internal/parallel"
	"github.com/23skdu/longbow-natten/internal/reference"
	"github.com/23skdu/longbow-natten/internal/tensor"
	"github.com/23skdu/longbow-natten/internal/window"
)

func TestConfigNamesAreUnique(t *testing.T) {
	for _, gen := range arch.All {
		seen := make(map[string]bool)
		for _, c := range Configs(gen) {
			assert.False(t, seen[c.Name()], "duplicate %s", c.Name())
			seen[c.Name()] = true
			assert.Equal(t, c.Align, c.Lanes()*c.DType.Size())
			assert.Zero(t, c.Block.K%c.Lanes(), c.Name())
			assert.Zero(t, c.Warp.N%c.Lanes(), c.Name())
			assert.Positive(t, c.Stages)
		}
		assert.Len(t, Members(gen), len(Configs(gen)))
	}
	assert.Empty(t, Configs(arch.Generic))
	assert.Greater(t, len(Configs(arch.AVX512)), 200)
}

func TestAlignmentClasses(t *testing.T) {
	assert.Equal(t, []int{4, 8, 16, 32}, AlignmentClasses(dtype.Float32, arch.AVX2))
	assert.Equal(t, []int{8, 16}, AlignmentClasses(dtype.Float64, arch.SIMD128))
	assert.Equal(t, []int{2, 4, 8, 16, 32, 64}, AlignmentClasses(dtype.BFloat16, arch.AVX512))
}

func TestBucket(t *testing.T) {
	assert.True(t, Small.Contains(3, 7))
	assert.False(t, Small.Contains(3, 9))
	assert.True(t, Medium.Contains())
	assert.Equal(t, 31, Large.Max())
	assert.Equal(t, "9-11-13", Medium.String())
}

func TestConfigName(t *testing.T) {
	c := Config{
		Pattern: kernel.NeighborhoodNeighborhood, DType: dtype.Float16, Arch: arch.AVX2, Align: 16,
		Block: Shape{32, 64, 64}, Warp: Shape{16, 32, 32}, Instruction: Shape{1, 8, 1},
		Stages: 2, KernelSizes: Small,
	}
	assert.Equal(t, "nn_float16_avx2_a16_b32x64x64_w16x32x32_i1x8x1_s2_k1-3-5-7", c.Name())
}

func fillRandom(rng *rand.Rand, d tensor.Desc) tensor.Desc {
	d.Each(func(idx []int) { d.Set(rng.Float64()*2-1, idx...) })
	return d
}

func shapeOf(g kernel.Geometry, inner int) []int {
	s := []int{g.Batch, g.Heads}
	s = append(s, g.Extent[kernel.MaxRank-g.Rank:]...)
	return append(s, inner)
}

func closeEnough(d dtype.DType, want, got []float64) bool {
	atol, rtol := 1e-4, 1e-5
	if d.Narrow() {
		atol, rtol = 1e-2, 1e-2
	}
	for i := range want {
		if math.IsInf(want[i], 0) || math.IsInf(got[i], 0) {
			if want[i] != got[i] {
				return false
			}
			continue
		}
		if math.Abs(want[i]-got[i]) > atol+rtol*math.Abs(want[i]) {
			return false
		}
	}
	return true
}

var problems = []struct {
	name   string
	extent []int
	axes   []window.Axis
}{
	{"1d dilated", []int{23}, []window.Axis{{KernelSize: 5, Dilation: 2}}},
	{"1d causal", []int{19}, []window.Axis{{KernelSize: 7, Dilation: 1, Causal: true}}},
	{"2d", []int{6, 11}, []window.Axis{{KernelSize: 3, Dilation: 2}, {KernelSize: 5, Dilation: 1}}},
	{"3d mixed", []int{3, 4, 9}, []window.Axis{{KernelSize: 3, Dilation: 1}, {KernelSize: 3, Dilation: 1, Causal: true}, {KernelSize: 3, Dilation: 3}}},
}

// pick selects one small-bucket member per (pattern, dtype, alignment) so the
// sweep covers every lane width without running the whole family.
func pick(gen arch.Generation) []Member {
	type key struct {
		p     kernel.Pattern
		d     dtype.DType
		align int
	}
	seen := make(map[key]bool)
	var out []Member
	for _, m := range Members(gen) {
		k := key{m.Config.Pattern, m.Config.DType, m.Config.Align}
		if seen[k] || !m.Config.KernelSizes.Contains(3, 5, 7) {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}
	return out
}

// matchReference runs m and the reference engine on the same random inputs.
func matchReference(t *testing.T, pool *parallel.Pool, rng *rand.Rand, m Member, dim int, extent []int, axes []window.Axis) {
	t.Helper()
	c := m.Config
	g := kernel.Pad(1, 2, dim, extent, axes)
	kv := g.WindowVolume()
	call := kernel.Call{Pattern: c.Pattern, Geometry: g, DType: c.DType, Pool: pool, Scale: 0.125}
	var outShape []int
	switch c.Pattern {
	case kernel.PointwiseNeighborhood:
		call.A = fillRandom(rng, tensor.Zeros(c.DType, shapeOf(g, g.Dim)...))
		call.B = fillRandom(rng, tensor.Zeros(c.DType, shapeOf(g, g.Dim)...))
		call.Fill = math.Inf(-1)
		outShape = shapeOf(g, kv)
	case kernel.NeighborhoodNeighborhood:
		call.A = fillRandom(rng, tensor.Zeros(c.DType, shapeOf(g, kv)...))
		call.B = fillRandom(rng, tensor.Zeros(c.DType, shapeOf(g, g.Dim)...))
		outShape = shapeOf(g, g.Dim)
	}

	ref, ok := reference.Lookup(c.Pattern, c.DType)
	require.True(t, ok)
	want := call
	want.Out = tensor.Zeros(c.DType, outShape...)
	ref(&want)

	got := call
	got.Out = tensor.Zeros(c.DType, outShape...)
	m.Run(&got)

	assert.True(t, closeEnough(c.DType, want.Out.Float64s(), got.Out.Float64s()))
}

func TestMembersMatchReference(t *testing.T) {
	pool := parallel.New(4)
	defer pool.Close()
	rng := rand.New(rand.NewSource(42))

	for _, gen := range []arch.Generation{arch.SIMD128, arch.AVX2, arch.AVX512} {
		members := pick(gen)
		require.NotEmpty(t, members)
		for _, m := range members {
			for _, pr := range problems {
				t.Run(m.Config.Name()+"/"+pr.name, func(t *testing.T) {
					matchReference(t, pool, rng, m, 32, pr.extent, pr.axes)
				})
			}
		}
	}
}

// TestBucketsMatchReference runs one member per (pattern, dtype, bucket) at
// the bucket's largest kernel size, with more channels than any Block.K so
// the contraction is split into chunks.
func TestBucketsMatchReference(t *testing.T) {
	if testing.Short() {
		t.Skip("large windows")
	}
	pool := parallel.New(4)
	defer pool.Close()
	rng := rand.New(rand.NewSource(7))
	const dim = 160

	for _, gen := range []arch.Generation{arch.SIMD128, arch.AVX2, arch.AVX512} {
		for _, b := range []Bucket{Small, Medium, Large} {
			k := b.Max()
			cases := []struct {
				name   string
				extent []int
				axes   []window.Axis
			}{
				{"dilated", []int{2*k + 5}, []window.Axis{{KernelSize: k, Dilation: 2}}},
				{"causal", []int{k + 9}, []window.Axis{{KernelSize: k, Dilation: 1, Causal: true}}},
				{"2d causal dilated", []int{3, 2 * k}, []window.Axis{{KernelSize: b[0], Dilation: 1, Causal: true}, {KernelSize: k, Dilation: 2, Causal: true}}},
			}
			seen := make(map[[2]int]bool)
			for _, m := range Members(gen) {
				c := m.Config
				key := [2]int{int(c.Pattern), int(c.DType)}
				if seen[key] || !c.KernelSizes.Contains(b[0], k) || c.KernelSizes.Max() != k {
					continue
				}
				seen[key] = true
				require.Less(t, c.Block.K, dim, c.Name())
				for _, tc := range cases {
					t.Run(c.Name()+"/"+tc.name, func(t *testing.T) {
						matchReference(t, pool, rng, m, dim, tc.extent, tc.axes)
					})
				}
			}
			assert.Len(t, seen, len(Patterns)*len(dtype.All), "%s bucket %s", gen, b)
		}
	}
}

func TestMembersHonorStrides(t *testing.T) {
	pool := parallel.New(2)
	defer pool.Close()
	rng := rand.New(rand.NewSource(9))

	var member Member
	for _, m := range Members(arch.AVX2) {
		if m.Config.Pattern == kernel.NeighborhoodNeighborhood && m.Config.DType == dtype.Float32 && m.Config.Align == 16 {
			member = m
			break
		}
	}
	require.NotNil(t, member.Run)

	// Values stored as [B, L, H, D] and viewed as [B, H, L, D].
	g := kernel.Pad(1, 3, 8, []int{12}, []window.Axis{{KernelSize: 5, Dilation: 1}})
	values := fillRandom(rng, tensor.Zeros(dtype.Float32, 1, 12, 3, 8)).Permute(0, 2, 1, 3)
	attn := fillRandom(rng, tensor.Zeros(dtype.Float32, 1, 3, 12, 5))

	want := kernel.Call{Pattern: kernel.NeighborhoodNeighborhood, Geometry: g, DType: dtype.Float32,
		A: attn, B: values.Contiguous(), Out: tensor.Zeros(dtype.Float32, 1, 3, 12, 8), Scale: 1, Pool: pool}
	ref, _ := reference.Lookup(kernel.NeighborhoodNeighborhood, dtype.Float32)
	ref(&want)

	got := want
	got.B = values
	got.Out = tensor.Zeros(dtype.Float32, 1, 3, 12, 8)
	member.Run(&got)
	assert.InDeltaSlice(t, want.Out.Float64s(), got.Out.Float64s(), 1e-5)
}

func TestStagesDoNotChangeResults(t *testing.T) {
	pool := parallel.New(2)
	defer pool.Close()
	rng := rand.New(rand.NewSource(11))

	g := kernel.Pad(1, 2, 24, []int{5, 13}, []window.Axis{{KernelSize: 3, Dilation: 1}, {KernelSize: 5, Dilation: 2}})
	for _, p := range Patterns {
		base := Config{
			Pattern: p, DType: dtype.Float32, Arch: arch.AVX2, Align: 16,
			Block: Shape{16, 64, 64}, Warp: Shape{8, 32, 32}, Instruction: Shape{1, 4, 1},
			Stages: 1, KernelSizes: Small,
		}
		call := kernel.Call{Pattern: p, Geometry: g, DType: dtype.Float32, Pool: pool, Scale: 0.5}
		var outShape []int
		if p == kernel.PointwiseNeighborhood {
			call.A = fillRandom(rng, tensor.Zeros(dtype.Float32, shapeOf(g, g.Dim)...))
			outShape = shapeOf(g, g.WindowVolume())
		} else {
			call.A = fillRandom(rng, tensor.Zeros(dtype.Float32, shapeOf(g, g.WindowVolume())...))
			outShape = shapeOf(g, g.Dim)
		}
		call.B = fillRandom(rng, tensor.Zeros(dtype.Float32, shapeOf(g, g.Dim)...))

		var outs [][]float64
		for _, stages := range []int{1, 2, 4} {
			c := base
			c.Stages = stages
			run := call
			run.Out = tensor.Zeros(dtype.Float32, outShape...)
			Bind(c)(&run)
			outs = append(outs, run.Out.Float64s())
		}
		assert.Equal(t, outs[0], outs[1], p.String())
		assert.Equal(t, outs[0], outs[2], p.String())
	}
}
