package config

import (
	"runtime"
	"testing"

	"github.com/23skdu/longbow-natten/internal/arch"
	"github.com/23skdu/longbow-natten/internal/dispatch"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend != "auto" {
		t.Errorf("expected Backend auto, got %q", cfg.Backend)
	}
	if cfg.GrainSize != 0 {
		t.Errorf("expected GrainSize 0, got %d", cfg.GrainSize)
	}
	if cfg.Workers != runtime.GOMAXPROCS(0) {
		t.Errorf("expected Workers %d, got %d", runtime.GOMAXPROCS(0), cfg.Workers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if cfg.Generation() != arch.Detect() {
		t.Errorf("expected detected generation, got %s", cfg.Generation())
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"reference backend", func(c *Config) { c.Backend = "reference" }, false},
		{"forced arch", func(c *Config) { c.Arch = "avx2" }, false},
		{"json logs", func(c *Config) { c.LogFormat = "json" }, false},
		{"invalid backend", func(c *Config) { c.Backend = "cuda" }, true},
		{"negative grain", func(c *Config) { c.GrainSize = -1 }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"invalid arch", func(c *Config) { c.Arch = "sm90" }, true},
		{"invalid log format", func(c *Config) { c.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestFromLookup(t *testing.T) {
	cfg, err := fromLookup(env(map[string]string{
		EnvBackend:   "tiled",
		EnvGrainSize: "4",
		EnvWorkers:   " 3 ",
		EnvArch:      "simd128",
		EnvLogLevel:  "debug",
		EnvLogFormat: "json",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BackendValue() != dispatch.Tiled {
		t.Errorf("expected tiled backend, got %s", cfg.BackendValue())
	}
	if cfg.GrainSize != 4 || cfg.Workers != 3 {
		t.Errorf("expected grain 4 workers 3, got %d %d", cfg.GrainSize, cfg.Workers)
	}
	if cfg.Generation() != arch.SIMD128 {
		t.Errorf("expected simd128, got %s", cfg.Generation())
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("unexpected log settings %q %q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestFromLookupErrors(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"non-numeric grain", map[string]string{EnvGrainSize: "lots"}},
		{"zero workers", map[string]string{EnvWorkers: "0"}},
		{"bad backend", map[string]string{EnvBackend: "gpu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fromLookup(env(tt.vars)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestFromLookupEmpty(t *testing.T) {
	cfg, err := fromLookup(env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}
