package telemetry

import (
	"sort"
	"sync"
	"time"

	"mcproute/internal/domain"
)

// HealthReport is served on /healthz.
type HealthReport struct {
	Status   string                 `json:"status"`
	Checked  time.Time              `json:"checked"`
	Backends []domain.BackendStatus `json:"backends,omitempty"`
}

// HealthTracker keeps the latest backend statuses for the health endpoint.
type HealthTracker struct {
	mu       sync.RWMutex
	backends map[string]domain.BackendStatus
	checked  time.Time
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{backends: make(map[string]domain.BackendStatus)}
}

// Update replaces the tracked statuses with statuses.
func (h *HealthTracker) Update(statuses []domain.BackendStatus) {
	next := make(map[string]domain.BackendStatus, len(statuses))
	for _, status := range statuses {
		next[status.Server] = status
	}
	h.mu.Lock()
	h.backends = next
	h.checked = time.Now()
	h.mu.Unlock()
}

// Report summarizes the tracked statuses. The gateway is "ok" when no backend is configured or at least one
// backend is healthy; otherwise it is "degraded".
func (h *HealthTracker) Report() HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	report := HealthReport{Status: "ok", Checked: h.checked}
	if len(h.backends) == 0 {
		return report
	}
	healthy := 0
	report.Backends = make([]domain.BackendStatus, 0, len(h.backends))
	for _, status := range h.backends {
		if status.Health == domain.HealthHealthy {
			healthy++
		}
		report.Backends = append(report.Backends, status)
	}
	sort.Slice(report.Backends, func(i, j int) bool {
		return report.Backends[i].Server < report.Backends[j].Server
	})
	if healthy == 0 {
		report.Status = "degraded"
	}
	return report
}

// Backend returns the tracked status for one server.
func (h *HealthTracker) Backend(server string) (domain.BackendStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status, ok := h.backends[server]
	return status, ok
}
