package domain

import "time"

type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
)

// BackendStatus is a point-in-time view of one backend connection.
type BackendStatus struct {
	Server      string      `json:"server"`
	Health      HealthState `json:"health"`
	ToolCount   int         `json:"toolCount"`
	LastCheck   time.Time   `json:"lastCheck"`
	LastError   string      `json:"lastError,omitempty"`
	StartedAt   time.Time   `json:"startedAt,omitempty"`
	Restarts    int         `json:"restarts"`
	Description string      `json:"description,omitempty"`
}

// ServerDiscovery is what one backend contributed during discovery.
type ServerDiscovery struct {
	Server      string
	Description string
	Category    string
	Tools       []BackendTool
}

// Discovery is the pool's discovery snapshot. It is rebuilt wholesale, never mutated in place.
type Discovery struct {
	Servers []ServerDiscovery
}

// AllTools flattens the snapshot in server order.
func (d Discovery) AllTools() []BackendTool {
	total := 0
	for _, server := range d.Servers {
		total += len(server.Tools)
	}
	out := make([]BackendTool, 0, total)
	for _, server := range d.Servers {
		out = append(out, server.Tools...)
	}
	return out
}

// Lookup finds a discovered tool by server and name.
func (d Discovery) Lookup(server, tool string) (BackendTool, bool) {
	for _, entry := range d.Servers {
		if entry.Server != server {
			continue
		}
		for _, candidate := range entry.Tools {
			if candidate.Name == tool {
				return candidate, true
			}
		}
	}
	return BackendTool{}, false
}
