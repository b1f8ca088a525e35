package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcproute/internal/domain"
)

func TestStartHTTPServer_ServesMetricsAndHealth(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	registry := prometheus.NewRegistry()
	NewPrometheusMetrics(registry).SetRegistrySize(3, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- StartHTTPServer(ctx, HTTPServerOptions{
			Addr:     fmt.Sprintf("127.0.0.1:%d", port),
			Health:   NewHealthTracker(),
			Registry: registry,
		}, zap.NewNop())
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mcproute_registry_tools")

	health, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	require.NoError(t, err)
	_ = health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	cancel()
	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

func TestStartHTTPServer_DisabledWithoutAddress(t *testing.T) {
	require.NoError(t, StartHTTPServer(context.Background(), HTTPServerOptions{}, nil))
}

func TestHealthHandler_Degraded(t *testing.T) {
	tracker := NewHealthTracker()
	tracker.Update([]domain.BackendStatus{{Server: "git-server", Health: domain.HealthUnreachable}})

	rec := httptest.NewRecorder()
	healthHandler(tracker).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "degraded", report.Status)
	require.Len(t, report.Backends, 1)
}

func TestHandler_BackendHealthAndRegistry(t *testing.T) {
	tracker := NewHealthTracker()
	tracker.Update([]domain.BackendStatus{
		{Server: "git-server", Health: domain.HealthHealthy},
		{Server: "fs-server", Health: domain.HealthUnreachable},
	})
	handler := NewHandler(HTTPServerOptions{
		Health:   tracker,
		Registry: prometheus.NewRegistry(),
		Stats: func() domain.RegistryStats {
			return domain.RegistryStats{BaseTools: 3, DynamicTools: 2, Capacity: 20}
		},
	})

	cases := []struct {
		path string
		want int
	}{
		{path: "/healthz/git-server", want: http.StatusOK},
		{path: "/healthz/fs-server", want: http.StatusServiceUnavailable},
		{path: "/healthz/missing", want: http.StatusNotFound},
		{path: "/registry", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/registry", nil))
	var stats domain.RegistryStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.DynamicTools)
}
