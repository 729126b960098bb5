package http

import (
	"net/http"
	"runtime"
	"time"
)

// Health status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Checks    map[string]CheckResult `json:"checks"`

	LastValuation *time.Time `json:"last_valuation,omitempty"`
	NextRebalance *time.Time `json:"next_rebalance,omitempty"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult is the outcome of one dependency probe
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      m.Alloc,
		NumGC:         m.NumGC,
	}
}

// health probes the state store and lock backend. A failing state store is
// unhealthy; a failing lock backend only degrades the service.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Version:   s.config.Version,
		System:    systemInfo(),
		Checks:    make(map[string]CheckResult),
	}

	if last, err := s.state.LastHistoryPoint(ctx); err != nil {
		resp.Status = StatusUnhealthy
		resp.Checks["state_store"] = CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	} else {
		resp.Checks["state_store"] = CheckResult{Status: StatusHealthy}
		if last != nil {
			resp.LastValuation = &last.Timestamp
		}
	}

	if s.locker != nil {
		if lock, err := s.locker.Current(ctx); err != nil {
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
			resp.Checks["rebalance_lock"] = CheckResult{Status: StatusDegraded, Message: err.Error()}
		} else {
			resp.Checks["rebalance_lock"] = CheckResult{Status: StatusHealthy}
			if lock != nil {
				resp.NextRebalance = &lock.NextAllowedAt
			}
		}
	}

	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
