package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/23skdu/longbow-natten/internal/config"
	"github.com/23skdu/longbow-natten/internal/dispatch"
	"github.com/23skdu/longbow-natten/internal/dtype"
	"github.com/23skdu/longbow-natten/internal/kernel"
	"github.com/23skdu/longbow-natten/internal/logger"
	"github.com/23skdu/longbow-natten/internal/monitoring"
	"github.com/23skdu/longbow-natten/internal/natten"
	"github.com/23skdu/longbow-natten/internal/tensor"
	"github.com/23skdu/longbow-natten/internal/tensorio"
	"github.com/23skdu/longbow-natten/internal/window"
)

var (
	extent    = flag.String("extent", "56,56", "Comma-separated spatial extents (1 to 3 axes)")
	kernels   = flag.String("kernel", "7", "Kernel size per axis; a single value applies to every axis")
	dilations = flag.String("dilation", "1", "Dilation per axis; a single value applies to every axis")
	causal    = flag.String("causal", "false", "Causal flag per axis; a single value applies to every axis")
	batch     = flag.Int("batch", 1, "Batch size")
	heads     = flag.Int("heads", 4, "Attention heads")
	dim       = flag.Int("dim", 32, "Channels per head")
	dtypeName = flag.String("dtype", "float32", "Element type: float32, float64, float16, bfloat16")
	iters     = flag.Int("iters", 10, "Timed iterations")
	backend   = flag.String("backend", "", "auto, reference or tiled (default from NATTEN_BACKEND)")
	grain     = flag.Int("grain", -1, "Parallel grain size, 0 for automatic (default from NATTEN_GRAIN_SIZE)")
	archName  = flag.String("arch", "", "Accelerator generation override (default from NATTEN_ARCH)")
	list      = flag.Bool("list", false, "Print the tiled kernels registered for the generation and exit")
	dump      = flag.String("dump", "", "Directory to write inputs and outputs as Arrow IPC streams")
	metrics   = flag.String("metrics", "", "Address to serve /metrics, /health and /status, e.g. :9090")
	logLevel  = flag.String("log-level", "", "debug, info, warn or error (default from NATTEN_LOG_LEVEL)")
	logFormat = flag.String("log-format", "", "console or json (default from NATTEN_LOG_FORMAT)")
)

func main() {
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	overrideConfig(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if *list {
		listKernels(cfg)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := monitoring.NewServer(cfg.MetricsAddr, cfg.Generation(), cfg.BackendValue())
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Log.Error("monitoring server error", "error", err)
			}
		}()
	}

	if err := run(ctx, cfg); err != nil {
		logger.Log.Error("benchmark failed", "error", err)
		os.Exit(1)
	}
}

func overrideConfig(cfg *config.Config) {
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *grain >= 0 {
		cfg.GrainSize = *grain
	}
	if *archName != "" {
		cfg.Arch = *archName
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *metrics != "" {
		cfg.MetricsAddr = *metrics
	}
}

func listKernels(cfg config.Config) {
	gen := cfg.Generation()
	cfgs := dispatch.DefaultRegistry().Configs(gen)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPATTERN\tDTYPE\tALIGN\tBLOCK\tWARP\tLANES\tSTAGES\tKERNELS")
	for _, c := range cfgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
			c.Name(), c.Pattern, c.DType, c.Align, c.Block, c.Warp, c.Lanes(), c.Stages, c.KernelSizes)
	}
	tw.Flush()
	fmt.Printf("%d tiled kernels for %s\n", len(cfgs), gen)
}

// perAxis expands a comma-separated flag to rank values.
func perAxis(name, s string, rank int) ([]string, error) {
	parts := strings.Split(s, ",")
	switch len(parts) {
	case rank:
		return parts, nil
	case 1:
		out := make([]string, rank)
		for i := range out {
			out[i] = parts[0]
		}
		return out, nil
	}
	return nil, fmt.Errorf("-%s has %d values for %d axes", name, len(parts), rank)
}

func atoi(name string, parts []string) ([]int, error) {
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("-%s: %w", name, err)
		}
		out[i] = n
	}
	return out, nil
}

type problem struct {
	extent []int
	opt    natten.Options
	dt     dtype.DType
	kv     int
}

func parseProblem() (problem, error) {
	var p problem
	var err error
	if p.extent, err = atoi("extent", strings.Split(*extent, ",")); err != nil {
		return p, err
	}
	rank := len(p.extent)
	ks, err := perAxis("kernel", *kernels, rank)
	if err != nil {
		return p, err
	}
	ds, err := perAxis("dilation", *dilations, rank)
	if err != nil {
		return p, err
	}
	cs, err := perAxis("causal", *causal, rank)
	if err != nil {
		return p, err
	}
	kv, err := atoi("kernel", ks)
	if err != nil {
		return p, err
	}
	dv, err := atoi("dilation", ds)
	if err != nil {
		return p, err
	}
	p.kv = 1
	for i := range p.extent {
		c, err := strconv.ParseBool(strings.TrimSpace(cs[i]))
		if err != nil {
			return p, fmt.Errorf("-causal: %w", err)
		}
		p.opt.Window = append(p.opt.Window, window.Axis{KernelSize: kv[i], Dilation: dv[i], Causal: c})
		p.kv *= kv[i]
	}
	if p.dt, err = dtype.Parse(*dtypeName); err != nil {
		return p, err
	}
	return p, nil
}

func (p problem) shape(inner int) []int {
	s := append([]int{*batch, *heads}, p.extent...)
	return append(s, inner)
}

func randomTensor(rng *rand.Rand, d dtype.DType, shape []int) tensor.Desc {
	t := tensor.Zeros(d, shape...)
	n := t.NumElements()
	for i := 0; i < n; i++ {
		dtype.Set(t.Data, i, rng.Float64()*2-1)
	}
	return t
}

// step is a tiled-capable pattern of Attention and the buffers it is bound to.
type step struct {
	pattern kernel.Pattern
	bufs    []tensor.Desc
}

// attentionSteps mirrors the calls Attention makes, so Plan reports the
// kernels that actually run.
func attentionSteps(q, k, v, attn, out tensor.Desc) []step {
	return []step{
		{kernel.PointwiseNeighborhood, []tensor.Desc{q, k, attn}},
		{kernel.NeighborhoodNeighborhood, []tensor.Desc{attn, v, out}},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	p, err := parseProblem()
	if err != nil {
		return err
	}

	e, err := natten.New(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	refCfg := cfg
	refCfg.Backend = dispatch.Reference.String()
	ref, err := natten.New(refCfg)
	if err != nil {
		return err
	}
	defer ref.Close()

	rng := rand.New(rand.NewSource(1))
	q := randomTensor(rng, p.dt, p.shape(*dim))
	k := randomTensor(rng, p.dt, p.shape(*dim))
	v := randomTensor(rng, p.dt, p.shape(*dim))
	attn := tensor.Zeros(p.dt, p.shape(p.kv)...)
	out := tensor.Zeros(p.dt, p.shape(*dim)...)

	for _, pl := range attentionSteps(q, k, v, attn, out) {
		pat := pl.pattern
		sel, err := e.Plan(pat, p.opt, false, pl.bufs...)
		if err != nil {
			return err
		}
		reason := string(sel.Reason)
		if reason == "" {
			reason = "-"
		}
		fmt.Printf("%-3s %s (fallback reason: %s)\n", pat, sel.Kernel, reason)
	}

	// Warm-up also resolves and caches every selection.
	if err := e.Attention(q, k, v, nil, attn, out, p.opt); err != nil {
		return err
	}
	var total time.Duration
	done := 0
	for i := 0; i < *iters; i++ {
		if ctx.Err() != nil {
			logger.Log.Warn("interrupted", "completed", done)
			break
		}
		start := time.Now()
		if err := e.Attention(q, k, v, nil, attn, out, p.opt); err != nil {
			return err
		}
		total += time.Since(start)
		done++
	}
	if done > 0 {
		avg := total / time.Duration(done)
		positions := out.NumElements() / *dim
		flops := 4 * float64(positions) * float64(p.kv) * float64(*dim)
		fmt.Printf("attention: %d iters, avg %v, %.2f GFLOP/s\n", done, avg, flops/avg.Seconds()/1e9)
	}

	wantAttn := tensor.Zeros(p.dt, p.shape(p.kv)...)
	wantOut := tensor.Zeros(p.dt, p.shape(*dim)...)
	if err := ref.Attention(q, k, v, nil, wantAttn, wantOut, p.opt); err != nil {
		return err
	}
	fmt.Printf("max |out - reference| = %.3g\n", maxAbsDiff(out, wantOut))

	if *dump != "" {
		if err := dumpAll(*dump, map[string]tensor.Desc{"query": q, "key": k, "value": v, "attn": attn, "out": out}); err != nil {
			return err
		}
		logger.Log.Info("tensors written", "dir", *dump)
	}
	return nil
}

func maxAbsDiff(a, b tensor.Desc) float64 {
	x, y := a.Float64s(), b.Float64s()
	var m float64
	for i := range x {
		m = math.Max(m, math.Abs(x[i]-y[i]))
	}
	return m
}

func dumpAll(dir string, tensors map[string]tensor.Desc) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, t := range tensors {
		f, err := os.Create(filepath.Join(dir, name+".arrow"))
		if err != nil {
			return err
		}
		if err := tensorio.Write(f, name, t); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
