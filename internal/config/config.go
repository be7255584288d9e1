package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-natten/internal/arch"
	"github.com/23skdu/longbow-natten/internal/dispatch"
)

// Environment variables read by FromEnv.
const (
	EnvBackend   = "NATTEN_BACKEND"
	EnvGrainSize = "NATTEN_GRAIN_SIZE"
	EnvWorkers   = "NATTEN_WORKERS"
	EnvArch      = "NATTEN_ARCH"
	EnvLogLevel  = "NATTEN_LOG_LEVEL"
	EnvLogFormat = "NATTEN_LOG_FORMAT"
)

type Config struct {
	// Backend is "auto", "reference" or "tiled".
	Backend string
	// GrainSize is the number of (batch, head) pairs per parallel task; 0 picks one.
	GrainSize int
	Workers   int
	// Arch overrides the detected accelerator generation; "" or "auto" detects.
	Arch string

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func (c *Config) Validate() error {
	if _, err := dispatch.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("invalid backend: %q (must be auto, reference or tiled)", c.Backend)
	}
	if c.GrainSize < 0 {
		return fmt.Errorf("invalid grain_size: %d (must be non-negative)", c.GrainSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d (must be positive)", c.Workers)
	}
	if _, err := arch.Parse(c.Arch); err != nil {
		return fmt.Errorf("invalid arch: %w", err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return nil
}

// BackendValue returns the parsed backend; call Validate first.
func (c *Config) BackendValue() dispatch.Backend {
	b, _ := dispatch.ParseBackend(c.Backend)
	return b
}

// Generation returns the configured or detected accelerator generation.
func (c *Config) Generation() arch.Generation {
	g, err := arch.Parse(c.Arch)
	if err != nil {
		return arch.Detect()
	}
	return g
}

func Default() Config {
	return Config{
		Backend:   "auto",
		GrainSize: 0,
		Workers:   runtime.GOMAXPROCS(0),
		Arch:      "auto",
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// FromEnv overlays NATTEN_* environment variables on Default.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	if v, ok := lookup(EnvBackend); ok {
		c.Backend = v
	}
	if v, ok := lookup(EnvArch); ok {
		c.Arch = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvLogFormat); ok {
		c.LogFormat = v
	}
	for name, dst := range map[string]*int{EnvGrainSize: &c.GrainSize, EnvWorkers: &c.Workers} {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return c, fmt.Errorf("invalid %s: %q: %w", name, v, err)
		}
		*dst = n
	}
	return c, c.Validate()
}
