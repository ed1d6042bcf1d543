package api

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/busybox42/mailq/internal/queue"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status          string             `json:"status"`
	Queue           queue.HealthStatus `json:"queue"`
	Uptime          int64              `json:"uptime_seconds"`
	UptimeFormatted string             `json:"uptime_formatted"`
	StartedAt       time.Time          `json:"started_at"`
	GoVersion       string             `json:"go_version"`
	NumGoroutines   int                `json:"num_goroutines"`
	Memory          MemoryStats        `json:"memory"`
}

// MemoryStats contains process memory statistics
type MemoryStats struct {
	HeapAlloc uint64  `json:"heap_alloc"`
	HeapInuse uint64  `json:"heap_inuse"`
	Sys       uint64  `json:"sys"`
	NumGC     uint32  `json:"num_gc"`
	AllocMB   float64 `json:"alloc_mb"`
}

// handleHealth reports the snapshot cached by the maintenance loop. An
// unhealthy queue answers 503 so load balancers can act on it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	health := s.queue.CachedHealth()
	uptime := time.Since(s.startedAt)

	resp := HealthResponse{
		Status:          health.Status,
		Queue:           health,
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		Memory: MemoryStats{
			HeapAlloc: memStats.HeapAlloc,
			HeapInuse: memStats.HeapInuse,
			Sys:       memStats.Sys,
			NumGC:     memStats.NumGC,
			AllocMB:   float64(memStats.Alloc) / 1024 / 1024,
		},
	}

	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, resp)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%dh %dm %ds", h, m, d/time.Second)
}
