package store

import "sync"

// ServiceStatus is the lifecycle view of one managed service.
type ServiceStatus string

const (
	StatusRunning  ServiceStatus = "running"
	StatusStopped  ServiceStatus = "stopped"
	StatusDegraded ServiceStatus = "degraded"
	StatusUnknown  ServiceStatus = "unknown"
)

// ServiceInfo is a simplified view of a managed service for listing.
type ServiceInfo struct {
	Name       string        `json:"name"`
	Role       string        `json:"role"`
	Status     ServiceStatus `json:"status"`
	Restarts   int           `json:"restarts"`
	LastHealth string        `json:"last_health"` // healthy|unhealthy|unknown
	PID        int           `json:"pid"`
}

// StatusStore is a tiny in-memory store for service status.
type StatusStore struct {
	mu    sync.RWMutex
	items map[string]ServiceInfo
}

func NewStatusStore() *StatusStore {
	return &StatusStore{items: make(map[string]ServiceInfo)}
}

// Upsert merges the given info with the stored one; zero-valued fields of
// si keep their previous values.
func (s *StatusStore) Upsert(si ServiceInfo) {
	s.mu.Lock()
	prev, ok := s.items[si.Name]
	if ok {
		if si.Status == "" {
			si.Status = prev.Status
		}
		if si.Role == "" {
			si.Role = prev.Role
		}
		if si.Restarts == 0 {
			si.Restarts = prev.Restarts
		}
		if si.LastHealth == "" {
			si.LastHealth = prev.LastHealth
		}
		if si.PID == 0 {
			si.PID = prev.PID
		}
	}
	if si.Status == "" {
		si.Status = StatusUnknown
	}
	if si.LastHealth == "" {
		si.LastHealth = "unknown"
	}
	s.items[si.Name] = si
	s.mu.Unlock()
}

func (s *StatusStore) List() []ServiceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	return out
}

func (s *StatusStore) Get(name string) (ServiceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[name]
	return v, ok
}
