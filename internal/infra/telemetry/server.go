package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mcproute/internal/domain"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// HTTPServerOptions configures the observability listener.
type HTTPServerOptions struct {
	Addr     string
	Health   *HealthTracker
	Registry prometheus.Gatherer
	// Stats reports dynamic registry occupancy on /registry. Nil hides the route.
	Stats func() domain.RegistryStats
}

// NewHandler routes /metrics, /healthz, /healthz/{server} and /registry.
func NewHandler(opts HTTPServerOptions) http.Handler {
	gatherer := opts.Registry
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", healthHandler(opts.Health))
	mux.Handle("GET /healthz/{server}", backendHealthHandler(opts.Health))
	if opts.Stats != nil {
		mux.HandleFunc("GET /registry", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, opts.Stats())
		})
	}
	return mux
}

// StartHTTPServer serves NewHandler until ctx is done. An empty address disables the server.
func StartHTTPServer(ctx context.Context, opts HTTPServerOptions, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Addr == "" {
		return nil
	}

	listener, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("observability listen on %s: %w", opts.Addr, err)
	}
	server := &http.Server{
		Handler:           NewHandler(opts),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	logger.Info("observability server listening", zap.String("addr", listener.Addr().String()))

	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("observability server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability server shutdown", zap.Error(err))
		return err
	}
	logger.Info("observability server stopped")
	return nil
}

func healthHandler(tracker *HealthTracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := HealthReport{Status: "ok"}
		if tracker != nil {
			report = tracker.Report()
		}
		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})
}

func backendHealthHandler(tracker *HealthTracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("server")
		if tracker == nil {
			http.NotFound(w, r)
			return
		}
		backend, ok := tracker.Backend(name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		status := http.StatusOK
		if backend.Health != domain.HealthHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, backend)
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
