// Package dispatch selects the implementation for one kernel call: a member
// of the tiled family when one was built for the call's dtype, accelerator
// generation, window sizes and measured alignment, or the reference engine.
package dispatch

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/23skdu/longbow-natten/internal/arch"
	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
	"github.com/23skdu/longbow-natten/internal/logger"
	"github.com/23skdu/longbow-natten/internal/metrics"
	"github.com/23skdu/longbow-natten/internal/reference"
	"github.com/23skdu/longbow-natten/internal/tensor"
	"github.com/23skdu/longbow-natten/internal/tiled"
)

// ErrUnsupported means no implementation, tiled or reference, can serve the
// requested configuration.
var ErrUnsupported = errors.New("configuration unsupported")

// ReferenceName labels selections served by the reference engine.
const ReferenceName = "reference"

// Backend restricts which implementations may be selected.
type Backend int

const (
	// Auto prefers a tiled member and falls back to the reference engine.
	Auto Backend = iota
	// Reference always uses the reference engine.
	Reference
	// Tiled requires a tiled member and fails otherwise.
	Tiled
)

func (b Backend) String() string {
	switch b {
	case Auto:
		return "auto"
	case Reference:
		return "reference"
	case Tiled:
		return "tiled"
	default:
		return "unknown"
	}
}

// ParseBackend accepts the String form.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "reference", "ref":
		return Reference, nil
	case "tiled":
		return Tiled, nil
	}
	return Auto, fmt.Errorf("unknown backend %q", s)
}

// Reason explains why a call was not served by a tiled member.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonBackend    Reason = "backend"
	ReasonPattern    Reason = "pattern"
	ReasonBias       Reason = "bias"
	ReasonGeneration Reason = "generation"
	ReasonBucket     Reason = "kernel_size"
	ReasonAlignment  Reason = "alignment"
)

// Request is everything selection depends on. Dilation and causality are
// carried for logging; every member accepts any combination of them.
type Request struct {
	Pattern     kernel.Pattern
	DType       dtype.DType
	Arch        arch.Generation
	KernelSizes []int
	Dilations   []int
	Causal      []bool
	Align       int
	HasBias     bool
}

type requestKey struct {
	pattern kernel.Pattern
	dtype   dtype.DType
	arch    arch.Generation
	kernels [kernel.MaxRank]int
	align   int
	bias    bool
}

func (r Request) key() requestKey {
	k := requestKey{pattern: r.Pattern, dtype: r.DType, arch: r.Arch, align: r.Align, bias: r.HasBias}
	copy(k.kernels[:], r.KernelSizes)
	return k
}

// MeasureAlignment returns the alignment class a call can rely on: the
// weakest row alignment among the channel buffers, further limited by the
// channel dimension's power-of-two factor and capped at the vector width of
// gen. Buffers whose innermost extent is not dim (score rows) are read one
// slot at a time, so only their base pointer counts.
func MeasureAlignment(gen arch.Generation, d dtype.DType, dim int, bufs ...tensor.Desc) int {
	align := gen.VectorBytes()
	for _, b := range bufs {
		if n := len(b.Shape); n > 0 && b.Shape[n-1] != dim {
			align = min(align, b.BaseAlignment())
			continue
		}
		align = min(align, b.Alignment())
	}
	row := dim * d.Size()
	return min(align, row&-row)
}

type registryKey struct {
	pattern kernel.Pattern
	dtype   dtype.DType
	arch    arch.Generation
}

// Registry indexes tiled members by (pattern, dtype, generation). Members
// under one key are ordered by preference: widest alignment first, then
// largest tile area.
type Registry struct {
	mu      sync.RWMutex
	members map[registryKey][]tiled.Member
	// load binds a generation's members on first use; nil for fixed tables.
	load   func(arch.Generation) []tiled.Member
	loaded map[arch.Generation]bool
}

// NewRegistry builds a registry from an explicit member table.
func NewRegistry(members ...tiled.Member) *Registry {
	r := &Registry{members: make(map[registryKey][]tiled.Member)}
	r.add(members)
	return r
}

func (r *Registry) add(members []tiled.Member) {
	touched := map[registryKey]bool{}
	for _, m := range members {
		k := registryKey{m.Config.Pattern, m.Config.DType, m.Config.Arch}
		r.members[k] = append(r.members[k], m)
		touched[k] = true
	}
	for k := range touched {
		slices.SortStableFunc(r.members[k], func(a, b tiled.Member) int {
			return cmp.Or(
				cmp.Compare(b.Config.Align, a.Config.Align),
				cmp.Compare(b.Config.Block.Area(), a.Config.Block.Area()),
				cmp.Compare(a.Config.Name(), b.Config.Name()),
			)
		})
	}
}

// ensure binds gen's members if the registry loads lazily.
func (r *Registry) ensure(gen arch.Generation) {
	if r.load == nil {
		return
	}
	r.mu.RLock()
	done := r.loaded[gen]
	r.mu.RUnlock()
	if done {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded[gen] {
		return
	}
	ms := r.load(gen)
	r.add(ms)
	r.loaded[gen] = true
	metrics.RecordRegisteredKernels(gen.String(), len(ms))
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry holds the built-in catalog. A generation's members are
// bound the first time it is queried.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = &Registry{
			members: make(map[registryKey][]tiled.Member),
			load:    tiled.Members,
			loaded:  make(map[arch.Generation]bool),
		}
	})
	return defaultRegistry
}

// Len is the number of registered members across every generation.
func (r *Registry) Len() int {
	for _, gen := range arch.All {
		r.ensure(gen)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ms := range r.members {
		n += len(ms)
	}
	return n
}

// Configs lists the registered members for gen in preference order.
func (r *Registry) Configs(gen arch.Generation) []tiled.Config {
	r.ensure(gen)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []tiled.Config
	for _, p := range kernel.Patterns {
		for _, d := range dtype.All {
			for _, m := range r.members[registryKey{p, d, gen}] {
				out = append(out, m.Config)
			}
		}
	}
	return out
}

// Lookup returns the preferred member for req, or the reason none fits.
func (r *Registry) Lookup(req Request) (tiled.Member, Reason) {
	r.ensure(req.Arch)
	r.mu.RLock()
	ms := r.members[registryKey{req.Pattern, req.DType, req.Arch}]
	r.mu.RUnlock()
	if len(ms) == 0 {
		if !slices.Contains(tiled.Patterns, req.Pattern) {
			return tiled.Member{}, ReasonPattern
		}
		return tiled.Member{}, ReasonGeneration
	}
	reason := ReasonBucket
	for _, m := range ms {
		if !m.Config.KernelSizes.Contains(req.KernelSizes...) {
			continue
		}
		if m.Config.Align > req.Align {
			reason = ReasonAlignment
			continue
		}
		return m, ReasonNone
	}
	return tiled.Member{}, reason
}

// State is the progress of one selection.
type State int

const (
	Resolving State = iota
	Dispatched
)

func (s State) String() string {
	if s == Dispatched {
		return "dispatched"
	}
	return "resolving"
}

// Selection is the outcome of resolving a Request.
type Selection struct {
	State  State
	Kernel string
	Config *tiled.Config
	Reason Reason
	Run    kernel.Runner
}

// Tiled reports whether a tiled member was selected.
func (s Selection) Tiled() bool { return s.Config != nil }

// Selector resolves requests against a registry and memoizes the result, so
// repeated calls with the same configuration go straight to the kernel.
type Selector struct {
	registry *Registry
	backend  Backend
	cache    sync.Map // requestKey -> Selection
}

func NewSelector(r *Registry, backend Backend) *Selector {
	return &Selector{registry: r, backend: backend}
}

// Backend returns the backend restriction in force.
func (s *Selector) Backend() Backend { return s.backend }

// Select resolves req to a runnable implementation.
func (s *Selector) Select(req Request) (Selection, error) {
	k := req.key()
	if v, ok := s.cache.Load(k); ok {
		return v.(Selection), nil
	}
	sel, err := s.resolve(req)
	if err != nil {
		return sel, err
	}
	s.cache.Store(k, sel)

	if sel.Tiled() {
		logger.Log.Debug("kernel selected",
			"pattern", req.Pattern.String(), "dtype", req.DType.String(), "arch", req.Arch.String(),
			"kernel", sel.Kernel, "align", req.Align)
	} else {
		logger.Log.Debug("reference fallback",
			"pattern", req.Pattern.String(), "dtype", req.DType.String(), "arch", req.Arch.String(),
			"reason", string(sel.Reason), "kernel_sizes", req.KernelSizes, "align", req.Align)
	}
	return sel, nil
}

func (s *Selector) resolve(req Request) (Selection, error) {
	sel := Selection{State: Resolving}
	ref, ok := reference.Lookup(req.Pattern, req.DType)
	if !ok {
		return sel, fmt.Errorf("%w: no %s implementation for dtype %s", ErrUnsupported, req.Pattern, req.DType)
	}

	reason := ReasonBackend
	if s.backend != Reference {
		var m tiled.Member
		switch {
		case req.HasBias:
			reason = ReasonBias
		default:
			m, reason = s.registry.Lookup(req)
		}
		if reason == ReasonNone {
			cfg := m.Config
			sel.State, sel.Kernel, sel.Config, sel.Run = Dispatched, cfg.Name(), &cfg, m.Run
			return sel, nil
		}
	}
	// Patterns without a tiled template always run on the reference engine.
	if s.backend == Tiled && reason != ReasonPattern {
		return sel, fmt.Errorf("%w: no tiled %s member for %s on %s (%s)",
			ErrUnsupported, req.Pattern, req.DType, req.Arch, reason)
	}
	sel.State, sel.Kernel, sel.Reason, sel.Run = Dispatched, ReferenceName, reason, ref
	return sel, nil
}
