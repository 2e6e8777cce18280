package handlers

import (
	"net/http"
	"sync"
	"time"
)

var (
	startTime time.Time
	startOnce sync.Once
)

// InitStartTime initializes the server start time.
// Should be called when the server starts.
func InitStartTime() {
	startOnce.Do(func() {
		startTime = time.Now()
	})
}

// ConnectionCounter reports current WebSocket peer counts.
type ConnectionCounter interface {
	ClientCount() int
	WorkerCount() int
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime"`
	Clients int    `json:"clients"`
	Workers int    `json:"workers"`
}

// HealthHandler returns a health check handler. Status degrades to
// "no_workers" while the worker pool is empty, since nothing can be
// executed in that state.
func HealthHandler(version string, conns ConnectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(0)
		if !startTime.IsZero() {
			uptime = int64(time.Since(startTime).Seconds())
		}

		status := "ok"
		workers := 0
		clients := 0
		if conns != nil {
			workers = conns.WorkerCount()
			clients = conns.ClientCount()
			if workers == 0 {
				status = "no_workers"
			}
		}

		SendJSON(w, http.StatusOK, HealthResponse{
			Status:  status,
			Version: version,
			Uptime:  uptime,
			Clients: clients,
			Workers: workers,
		})
	}
}
