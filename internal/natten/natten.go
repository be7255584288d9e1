// Package natten is the call boundary of the neighborhood attention engine.
// It validates buffers and window parameters, resolves every kernel a call
// needs through the dispatcher, and only then runs them, so a call either
// writes all of its outputs or fails without touching any.
//
// Buffers follow the [batch, heads, *spatial, channels] layout, with scores
// laid out as [batch, heads, *spatial, window volume]. Any outer strides are
// accepted; the innermost axis must be contiguous.
package natten

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-natten/internal/arch"
	"github.com/23skdu/longbow-natten/internal/config"
	"github.com/23skdu/longbow-natten/internal/dispatch"
	"github.com/23skdu/longbow-natten/internal/kernel"
	"github.com/23skdu/longbow-natten/internal/logger"
	"github.com/23skdu/longbow-natten/internal/metrics"
	"github.com/23skdu/longbow-natten/internal/parallel"
	"github.com/23skdu/longbow-natten/internal/tensor"
	"github.com/23skdu/longbow-natten/internal/window"
)

var (
	// ErrUnsupported is returned when no implementation serves the requested
	// dtype, or the tiled backend is forced and no member fits.
	ErrUnsupported = dispatch.ErrUnsupported
	// ErrPrecondition is returned for inconsistent shapes, layouts, window
	// parameters or aliasing.
	ErrPrecondition = errors.New("precondition violated")
)

// Options carries the per-call window and tuning parameters.
type Options struct {
	// Window holds one axis per spatial dimension; its length is the rank.
	Window []window.Axis
	// Scale multiplies query-key products. Nil means 1/sqrt(channels).
	Scale *float64
	// Grain overrides the engine's task grain; 0 keeps it.
	Grain int
}

// ScaleOf returns a pointer for Options.Scale.
func ScaleOf(s float64) *float64 { return &s }

func (o Options) scale(dim int) float64 {
	if o.Scale != nil {
		return *o.Scale
	}
	return 1 / math.Sqrt(float64(dim))
}

// Engine runs neighborhood attention kernels on a shared worker pool.
type Engine struct {
	cfg      config.Config
	gen      arch.Generation
	pool     *parallel.Pool
	selector *dispatch.Selector
	log      *logger.Logger
}

// New validates cfg and starts the worker pool.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	e := &Engine{
		cfg:      cfg,
		gen:      cfg.Generation(),
		pool:     parallel.New(cfg.Workers),
		selector: dispatch.NewSelector(dispatch.DefaultRegistry(), cfg.BackendValue()),
	}
	e.log = logger.Log.With("component", "natten", "arch", e.gen.String())
	e.log.Info("engine ready",
		"backend", cfg.BackendValue().String(), "workers", e.pool.NumWorkers(),
		"tiled_members", len(dispatch.DefaultRegistry().Configs(e.gen)))
	return e, nil
}

// Generation is the accelerator generation kernels are selected for.
func (e *Engine) Generation() arch.Generation { return e.gen }

// Close stops the worker pool. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.pool.Close()
}

// step is one resolved kernel invocation.
type step struct {
	call kernel.Call
	sel  dispatch.Selection
}

func (e *Engine) grain(opt Options) int {
	if opt.Grain > 0 {
		return opt.Grain
	}
	return e.cfg.GrainSize
}

// plan resolves the implementation for a call whose buffers are set.
func (e *Engine) plan(c *checker, call kernel.Call) (step, error) {
	call.Geometry = c.geom
	call.DType = c.dtype
	call.Pool = e.pool
	call.Grain = e.grain(c.opt)
	bufs := []tensor.Desc{call.A, call.Out}
	if call.B.Data != nil {
		bufs = append(bufs, call.B)
	}
	req := dispatch.Request{
		Pattern:     call.Pattern,
		DType:       c.dtype,
		Arch:        e.gen,
		KernelSizes: c.geom.KernelSizes(),
		Align:       dispatch.MeasureAlignment(e.gen, c.dtype, c.geom.Dim, bufs...),
		HasBias:     call.Bias != nil,
	}
	for _, ax := range c.opt.Window {
		req.Dilations = append(req.Dilations, ax.Dilation)
		req.Causal = append(req.Causal, ax.Causal)
	}
	sel, err := e.selector.Select(req)
	if err != nil {
		metrics.RecordValidationError(c.op, "unsupported")
		return step{}, fmt.Errorf("%s: %w", c.op, err)
	}
	return step{call: call, sel: sel}, nil
}

func (e *Engine) run(steps ...step) {
	for i := range steps {
		s := &steps[i]
		p := s.call.Pattern.String()
		start := time.Now()
		s.sel.Run(&s.call)
		metrics.RecordKernelDuration(p, s.sel.Kernel, time.Since(start))
		metrics.RecordDispatch(p, s.sel.Kernel)
		if !s.sel.Tiled() {
			metrics.RecordFallback(p, string(s.sel.Reason))
		}
	}
}

// QK computes attention scores, scale * q.k over each query's window plus the
// optional relative positional bias. Window slots a causal query does not
// visit are set to -Inf so a following softmax gives them zero weight.
func (e *Engine) QK(query, key tensor.Desc, bias *tensor.Desc, scores tensor.Desc, opt Options) error {
	c := &checker{op: "qk", opt: opt}
	if err := c.geometry(operand{"query", query, 0, false}); err != nil {
		return err
	}
	kv, dim := c.geom.WindowVolume(), c.geom.Dim
	ops := []operand{{"query", query, dim, false}, {"key", key, dim, false}, {"scores", scores, kv, true}}
	if bias != nil {
		if err := c.checkBias(); err != nil {
			return err
		}
		ops = append(ops, operand{"bias", *bias, 0, false})
	}
	if err := c.check(ops...); err != nil {
		return err
	}
	s, err := e.plan(c, kernel.Call{
		Pattern: kernel.PointwiseNeighborhood, A: query, B: key, Out: scores, Bias: bias,
		Scale: opt.scale(dim), Fill: math.Inf(-1),
	})
	if err != nil {
		return err
	}
	e.run(s)
	return nil
}

// AV aggregates values weighted by attention probabilities.
func (e *Engine) AV(attn, value, out tensor.Desc, opt Options) error {
	c := &checker{op: "av", opt: opt}
	if err := c.geometry(operand{"value", value, 0, false}); err != nil {
		return err
	}
	kv, dim := c.geom.WindowVolume(), c.geom.Dim
	if err := c.check(
		operand{"attn", attn, kv, false}, operand{"value", value, dim, false}, operand{"out", out, dim, true},
	); err != nil {
		return err
	}
	s, err := e.plan(c, kernel.Call{Pattern: kernel.NeighborhoodNeighborhood, A: attn, B: value, Out: out, Scale: 1})
	if err != nil {
		return err
	}
	e.run(s)
	return nil
}

// QKBackward propagates the score gradient to the query, the key and, when
// dBias is non-nil, the relative positional bias.
func (e *Engine) QKBackward(query, key, dScores, dQuery, dKey tensor.Desc, dBias *tensor.Desc, opt Options) error {
	c := &checker{op: "qk_backward", opt: opt}
	if err := c.geometry(operand{"query", query, 0, false}); err != nil {
		return err
	}
	steps, err := e.planQKBackward(c, query, key, dScores, dQuery, dKey, dBias)
	if err != nil {
		return err
	}
	e.run(steps...)
	return nil
}

func (e *Engine) planQKBackward(c *checker, query, key, dScores, dQuery, dKey tensor.Desc, dBias *tensor.Desc) ([]step, error) {
	kv, dim := c.geom.WindowVolume(), c.geom.Dim
	ops := []operand{
		{"query", query, dim, false}, {"key", key, dim, false}, {"d_scores", dScores, kv, false},
		{"d_query", dQuery, dim, true}, {"d_key", dKey, dim, true},
	}
	if dBias != nil {
		if err := c.checkBias(); err != nil {
			return nil, err
		}
		ops = append(ops, operand{"d_bias", *dBias, 0, true})
	}
	if err := c.check(ops...); err != nil {
		return nil, err
	}
	scale := c.opt.scale(dim)
	calls := []kernel.Call{
		{Pattern: kernel.NeighborhoodNeighborhood, A: dScores, B: key, Out: dQuery, Scale: scale},
		{Pattern: kernel.InverseNeighborhood, A: dScores, B: query, Out: dKey, Scale: scale},
	}
	if dBias != nil {
		calls = append(calls, kernel.Call{Pattern: kernel.BiasGradient, A: dScores, Out: *dBias, Scale: 1})
	}
	return e.planAll(c, calls)
}

// AVBackward propagates the output gradient to the attention probabilities
// and the values.
func (e *Engine) AVBackward(attn, value, dOut, dAttn, dValue tensor.Desc, opt Options) error {
	c := &checker{op: "av_backward", opt: opt}
	if err := c.geometry(operand{"value", value, 0, false}); err != nil {
		return err
	}
	steps, err := e.planAVBackward(c, attn, value, dOut, dAttn, dValue)
	if err != nil {
		return err
	}
	e.run(steps...)
	return nil
}

func (e *Engine) planAVBackward(c *checker, attn, value, dOut, dAttn, dValue tensor.Desc) ([]step, error) {
	kv, dim := c.geom.WindowVolume(), c.geom.Dim
	if err := c.check(
		operand{"attn", attn, kv, false}, operand{"value", value, dim, false}, operand{"d_out", dOut, dim, false},
		operand{"d_attn", dAttn, kv, true}, operand{"d_value", dValue, dim, true},
	); err != nil {
		return nil, err
	}
	return e.planAll(c, []kernel.Call{
		{Pattern: kernel.PointwiseNeighborhood, A: dOut, B: value, Out: dAttn, Scale: 1, Fill: 0},
		{Pattern: kernel.InverseNeighborhood, A: attn, B: dOut, Out: dValue, Scale: 1},
	})
}

func (e *Engine) planAll(c *checker, calls []kernel.Call) ([]step, error) {
	steps := make([]step, 0, len(calls))
	for _, call := range calls {
		s, err := e.plan(c, call)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// Attention runs QK, the window softmax and AV. The normalized probabilities
// are left in attn for the backward pass.
func (e *Engine) Attention(query, key, value tensor.Desc, bias *tensor.Desc, attn, out tensor.Desc, opt Options) error {
	c := &checker{op: "attention", opt: opt}
	if err := c.geometry(operand{"query", query, 0, false}); err != nil {
		return err
	}
	kv, dim := c.geom.WindowVolume(), c.geom.Dim
	ops := []operand{
		{"query", query, dim, false}, {"key", key, dim, false}, {"value", value, dim, false},
		{"attn", attn, kv, true}, {"out", out, dim, true},
	}
	if bias != nil {
		if err := c.checkBias(); err != nil {
			return err
		}
		ops = append(ops, operand{"bias", *bias, 0, false})
	}
	if err := c.check(ops...); err != nil {
		return err
	}
	steps, err := e.planAll(c, []kernel.Call{
		{Pattern: kernel.PointwiseNeighborhood, A: query, B: key, Out: attn, Bias: bias, Scale: opt.scale(dim), Fill: math.Inf(-1)},
		{Pattern: kernel.Softmax, A: attn, Out: attn},
		{Pattern: kernel.NeighborhoodNeighborhood, A: attn, B: value, Out: out, Scale: 1},
	})
	if err != nil {
		return err
	}
	e.run(steps...)
	return nil
}

// AttentionBackward is the backward pass of Attention, given the
// probabilities it saved in attn. dBias may be nil.
func (e *Engine) AttentionBackward(query, key, value, attn, dOut, dQuery, dKey, dValue tensor.Desc, dBias *tensor.Desc, opt Options) error {
	c := &checker{op: "attention_backward", opt: opt}
	if err := c.geometry(operand{"query", query, 0, false}); err != nil {
		return err
	}
	kv, dim := c.geom.WindowVolume(), c.geom.Dim
	ops := []operand{
		{"query", query, dim, false}, {"key", key, dim, false}, {"value", value, dim, false},
		{"attn", attn, kv, false}, {"d_out", dOut, dim, false},
		{"d_query", dQuery, dim, true}, {"d_key", dKey, dim, true}, {"d_value", dValue, dim, true},
	}
	if dBias != nil {
		ops = append(ops, operand{"d_bias", *dBias, 0, true})
	}
	if err := c.check(ops...); err != nil {
		return err
	}

	dAttn := tensor.Zeros(c.dtype, c.rowShape(kv)...)
	dScores := tensor.Zeros(c.dtype, c.rowShape(kv)...)
	av, err := e.planAVBackward(c, attn, value, dOut, dAttn, dValue)
	if err != nil {
		return err
	}
	soft, err := e.planAll(c, []kernel.Call{{Pattern: kernel.SoftmaxGradient, A: attn, B: dAttn, Out: dScores}})
	if err != nil {
		return err
	}
	qk, err := e.planQKBackward(c, query, key, dScores, dQuery, dKey, dBias)
	if err != nil {
		return err
	}
	e.run(append(append(av, soft...), qk...)...)
	return nil
}

// Plan reports which implementation a pattern would run with for the given
// buffers, without running it. bufs are bound in call order (A, B, Out):
// query, key, scores for PN; scores, value, out for NN and IN.
func (e *Engine) Plan(p kernel.Pattern, opt Options, hasBias bool, bufs ...tensor.Desc) (dispatch.Selection, error) {
	if len(bufs) == 0 {
		return dispatch.Selection{}, fmt.Errorf("plan: %w: no buffers", ErrPrecondition)
	}
	c := &checker{op: "plan", opt: opt}
	// The channel count comes from a [B, H, *spatial, D] operand.
	ref := bufs[0]
	if (p == kernel.NeighborhoodNeighborhood || p == kernel.InverseNeighborhood) && len(bufs) > 1 {
		ref = bufs[1]
	}
	if err := c.geometry(operand{"buffer", ref, 0, false}); err != nil {
		return dispatch.Selection{}, err
	}
	call := kernel.Call{Pattern: p, A: bufs[0], Out: bufs[0]}
	if len(bufs) > 1 {
		call.B = bufs[1]
	}
	if len(bufs) > 2 {
		call.Out = bufs[2]
	}
	if hasBias {
		call.Bias = &tensor.Desc{}
	}
	s, err := e.plan(c, call)
	return s.sel, err
}
