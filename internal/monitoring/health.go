package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-natten/internal/arch"
	"github.com/23skdu/longbow-natten/internal/dispatch"
	"github.com/23skdu/longbow-natten/internal/logger"
	"github.com/23skdu/longbow-natten/internal/metrics"
)

// Status is the body of the /status endpoint.
type Status struct {
	Status       string        `json:"status"`
	Timestamp    time.Time     `json:"timestamp"`
	Uptime       time.Duration `json:"uptime"`
	Generation   string        `json:"generation"`
	Backend      string        `json:"backend"`
	TiledKernels int           `json:"tiled_kernels"`
	ScratchBytes int64         `json:"scratch_bytes"`
	GoVersion    string        `json:"go_version"`
	NumCPU       int           `json:"num_cpu"`
}

// Server exposes Prometheus metrics and health endpoints for a running engine.
type Server struct {
	start   time.Time
	gen     arch.Generation
	backend dispatch.Backend
	server  *http.Server
}

func NewServer(addr string, gen arch.Generation, backend dispatch.Backend) *Server {
	s := &Server{start: time.Now(), gen: gen, backend: backend}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdown)
	}()
	logger.Log.Info("monitoring server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) status() Status {
	return Status{
		Status:       "healthy",
		Timestamp:    time.Now(),
		Uptime:       time.Since(s.start),
		Generation:   s.gen.String(),
		Backend:      s.backend.String(),
		TiledKernels: len(dispatch.DefaultRegistry().Configs(s.gen)),
		ScratchBytes: metrics.ScratchBytesHeld(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    st.Status,
		"timestamp": st.Timestamp.Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status())
}
