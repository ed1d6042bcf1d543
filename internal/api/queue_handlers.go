package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/busybox42/mailq/internal/queue"
)

var (
	errMaintenanceUnavailable = errors.New("queue maintenance loop is not running")
	errAdminTimeout           = errors.New("timed out waiting for the queue maintenance loop")
)

// QueueStats is the body of GET /api/queue/stats
type QueueStats struct {
	Metrics           queue.MetricsSnapshot `json:"metrics"`
	SuccessRate       float64               `json:"success_rate"`
	RetryRate         float64               `json:"retry_rate"`
	DeadLetterRate    float64               `json:"dead_letter_rate"`
	AvgProcessingTime string                `json:"avg_processing_time"`
	Buckets           map[string]int        `json:"buckets"`
	InFlight          int                   `json:"in_flight"`
	DeadLetters       int                   `json:"dead_letters"`
	Paused            bool                  `json:"paused"`
	Workers           *queue.WorkerStats    `json:"workers,omitempty"`
	// Submissions rejected by the per-producer rate limit
	RateLimited uint64 `json:"rate_limited"`
}

// EnqueueRequest is the body of POST /api/queue/messages
type EnqueueRequest struct {
	ReturnPath string            `json:"return_path"`
	Recipients []string          `json:"recipients"`
	Size       int64             `json:"size"`
	Priority   string            `json:"priority,omitempty"`
	Delay      string            `json:"delay,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EnqueueResponse reports the assigned message id
type EnqueueResponse struct {
	ID       uint64 `json:"id"`
	Priority string `json:"priority"`
}

// RequeueRequest selects dead letters to requeue; no ids means all
type RequeueRequest struct {
	IDs []uint64 `json:"ids"`
}

// AdminResponse is returned by the admin endpoints
type AdminResponse struct {
	EventID     string `json:"event_id"`
	Status      string `json:"status"`
	Paused      bool   `json:"paused"`
	DeadLetters int    `json:"dead_letters"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	snap := s.queue.MetricsSnapshot()
	stats := QueueStats{
		Metrics:           snap,
		SuccessRate:       snap.SuccessRate(),
		RetryRate:         snap.RetryRate(),
		DeadLetterRate:    snap.DeadLetterRate(),
		AvgProcessingTime: snap.AverageProcessingTime().String(),
		Buckets:           make(map[string]int),
		InFlight:          s.queue.InFlightCount(),
		DeadLetters:       s.queue.DeadLetterCount(),
		Paused:            s.queue.Paused(),
		RateLimited:       s.limiter.Rejected(),
	}
	for _, p := range queue.Priorities() {
		stats.Buckets[p.String()] = s.queue.BucketLen(p)
	}
	if s.workerStats != nil {
		ws := s.workerStats()
		stats.Workers = &ws
	}
	writeJSON(w, stats)
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records := s.queue.DeadLetters()
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	if records == nil {
		records = []*queue.Record{}
	}
	writeJSON(w, records)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "dead-letter archive is not enabled")
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := s.archive.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read dead-letter archive", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read archive")
		return
	}
	writeJSON(w, msgs)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	prio := queue.DefaultPriority
	if req.Priority != "" {
		p, err := queue.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		prio = p
	}

	var delay time.Duration
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "delay must be a non-negative duration")
			return
		}
		delay = d
	}

	payload := queue.Payload{
		ReturnPath: req.ReturnPath,
		Recipients: req.Recipients,
		Size:       req.Size,
		Metadata:   req.Metadata,
	}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		payload.SourceIP = net.ParseIP(host)
		payload.SourcePort, _ = strconv.Atoi(port)
	}

	id, err := s.queue.Enqueue(payload, prio, delay)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSONStatus(w, http.StatusAccepted, EnqueueResponse{ID: uint64(id), Priority: prio.String()})
}

// dispatch hands ev to the maintenance loop and waits for its reply
func (s *Server) dispatch(ctx context.Context, ev queue.AdminEvent) error {
	if s.events == nil {
		return errMaintenanceUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ReplyTimeout)
	defer cancel()

	select {
	case s.events <- ev:
	case <-ctx.Done():
		return errAdminTimeout
	}
	select {
	case err := <-ev.Reply:
		return err
	case <-ctx.Done():
		return errAdminTimeout
	}
}

func (s *Server) runAdmin(w http.ResponseWriter, r *http.Request, ev queue.AdminEvent) {
	if err := s.dispatch(r.Context(), ev); err != nil {
		status := statusFor(err)
		if errors.Is(err, errAdminTimeout) || errors.Is(err, errMaintenanceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("admin request failed",
			"event_id", ev.ID,
			"event_kind", ev.Kind,
			"error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, AdminResponse{
		EventID:     ev.ID,
		Status:      "ok",
		Paused:      s.queue.Paused(),
		DeadLetters: s.queue.DeadLetterCount(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.runAdmin(w, r, queue.NewAdminEvent(queue.EventPause))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.runAdmin(w, r, queue.NewAdminEvent(queue.EventResume))
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req RequeueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ev := queue.NewAdminEvent(queue.EventRequeue)
	for _, id := range req.IDs {
		ev.IDs = append(ev.IDs, queue.MessageID(id))
	}
	s.runAdmin(w, r, ev)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, "configuration reload is not available")
		return
	}
	cfg, err := s.reload()
	if err != nil {
		s.logger.Warn("configuration reload rejected", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := queue.NewAdminEvent(queue.EventReload)
	ev.Config = &cfg
	s.runAdmin(w, r, ev)
}
