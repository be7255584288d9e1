package tiled

import (
	"unsafe"

	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/metrics"
)

// scratch recycles the per-task packing buffers of one member through a
// bounded free list. Buffers are checked out for the duration of a task and
// never shared between tasks. Every buffer the list cannot keep is released
// explicitly, so the scratch gauge tracks exactly what is pooled or in use.
type scratch[A dtype.Accum] struct {
	free chan *[]A
}

func newScratch[A dtype.Accum](slots int) scratch[A] {
	return scratch[A]{free: make(chan *[]A, max(slots, 1))}
}

func (s *scratch[A]) get(n int) *[]A {
	select {
	case p := <-s.free:
		if cap(*p) >= n {
			*p = (*p)[:n]
			return p
		}
		// Too small for this geometry.
		metrics.RecordScratchAlloc(-bytesOf(*p))
	default:
	}
	buf := make([]A, n)
	metrics.RecordScratchAlloc(bytesOf(buf))
	return &buf
}

func (s *scratch[A]) put(p *[]A) {
	select {
	case s.free <- p:
	default:
		metrics.RecordScratchAlloc(-bytesOf(*p))
	}
}

func bytesOf[A dtype.Accum](b []A) int64 {
	var zero A
	return int64(cap(b)) * int64(unsafe.Sizeof(zero))
}
