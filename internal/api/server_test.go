package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailq/internal/logging"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQueueConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.Capacity = 10
	cfg.MaxRetryAttempts = 1
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.RefreshInterval = 10 * time.Millisecond
	return cfg
}

type harness struct {
	q       *queue.Queue
	srv     *Server
	handler http.Handler
}

// newHarness builds a queue with its maintenance loop running and an API
// server in front of it
func newHarness(t *testing.T, cfg queue.Config, opts ...Option) *harness {
	t.Helper()
	q, err := queue.New(cfg, queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	events := make(chan queue.AdminEvent)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Run(ctx, events) }()
	t.Cleanup(func() {
		cancel()
		<-q.Done()
	})

	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	srv, err := NewServer(Config{ReplyTimeout: time.Second}, q, events, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	return &harness{q: q, srv: srv, handler: srv.Router()}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "192.0.2.10:40000"
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func (h *harness) deadLetter(t *testing.T, rcpt string) queue.MessageID {
	t.Helper()
	_, err := h.q.Enqueue(queue.Payload{ReturnPath: "s@example.com", Recipients: []string{rcpt}, Size: 10}, queue.PriorityNormal, 0)
	require.NoError(t, err)
	rec, ok := h.q.Dequeue()
	require.True(t, ok)
	require.NoError(t, h.q.MarkFailure(rec.ID, "550 5.1.1 unknown user"))
	return rec.ID
}

func TestNewServerDefaults(t *testing.T) {
	q, err := queue.New(testQueueConfig(), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	srv, err := NewServer(Config{}, q, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultListenAddr, srv.Addr())
	assert.Equal(t, defaultReplyTimeout, srv.config.ReplyTimeout)

	_, err = NewServer(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, testQueueConfig())

	rr := h.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	decode(t, rr, &resp)
	assert.Equal(t, queue.StatusHealthy, resp.Status)
	assert.Equal(t, 1.0, resp.Queue.Score)
	assert.NotEmpty(t, resp.GoVersion)
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Capacity = 2
	cfg.DeadLetterThreshold = 0
	h := newHarness(t, cfg)

	h.deadLetter(t, "a@example.com")
	for i := 0; i < 2; i++ {
		_, err := h.q.Enqueue(queue.Payload{Recipients: []string{"b@example.com"}}, queue.PriorityLow, time.Hour)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return !h.q.CachedHealth().Healthy()
	}, 2*time.Second, 10*time.Millisecond)

	rr := h.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp HealthResponse
	decode(t, rr, &resp)
	assert.Equal(t, queue.StatusUnhealthy, resp.Status)
	assert.Equal(t, 1, resp.Queue.DeadLetterCount)
}

func TestEnqueueEndpoint(t *testing.T) {
	h := newHarness(t, testQueueConfig())

	rr := h.do(t, "POST", "/api/queue/messages",
		`{"return_path":"s@example.com","recipients":["r@example.com"],"size":128,"priority":"critical","metadata":{"tenant":"acme"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp EnqueueResponse
	decode(t, rr, &resp)
	assert.Equal(t, uint64(1), resp.ID)
	assert.Equal(t, "critical", resp.Priority)

	rec, ok := h.q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, queue.PriorityCritical, rec.Priority)
	assert.Equal(t, "192.0.2.10", rec.Payload.SourceIP.String())
	assert.Equal(t, 40000, rec.Payload.SourcePort)
	assert.Equal(t, "acme", rec.Payload.Metadata["tenant"])
}

func TestEnqueueEndpointDelay(t *testing.T) {
	h := newHarness(t, testQueueConfig())

	rr := h.do(t, "POST", "/api/queue/messages", `{"recipients":["r@example.com"],"delay":"1h"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	assert.Equal(t, 1, h.q.Len())
	_, ok := h.q.Dequeue()
	assert.False(t, ok, "delayed message must not be eligible yet")
}

func TestEnqueueEndpointErrors(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Capacity = 1
	h := newHarness(t, cfg)

	rr := h.do(t, "POST", "/api/queue/messages", `{"recipients":["first@example.com"]}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	tests := []struct {
		name   string
		body   string
		status int
		text   string
	}{
		{"malformed json", `{"recipients":`, http.StatusBadRequest, "invalid request body"},
		{"unknown field", `{"recipients":["a@example.com"],"bogus":1}`, http.StatusBadRequest, "invalid request body"},
		{"unknown priority", `{"recipients":["a@example.com"],"priority":"urgent"}`, http.StatusBadRequest, "unknown priority"},
		{"negative delay", `{"recipients":["a@example.com"],"delay":"-1s"}`, http.StatusBadRequest, "delay"},
		{"no recipients", `{"recipients":[]}`, http.StatusBadRequest, "no recipients"},
		{"queue full", `{"recipients":["a@example.com"]}`, http.StatusTooManyRequests, "queue is full: 1 messages (max: 1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(t, "POST", "/api/queue/messages", tt.body)
			assert.Equal(t, tt.status, rr.Code)
			var resp ErrorResponse
			decode(t, rr, &resp)
			assert.Contains(t, resp.Error, tt.text)
		})
	}
	assert.Equal(t, 1, h.q.Len())
}

func TestQueueStatsEndpoint(t *testing.T) {
	h := newHarness(t, testQueueConfig(), WithWorkerStats(func() queue.WorkerStats {
		return queue.WorkerStats{Delivered: 7, CircuitState: "closed"}
	}))

	for _, prio := range []queue.Priority{queue.PriorityNormal, queue.PriorityLow, queue.PriorityLow} {
		_, err := h.q.Enqueue(queue.Payload{Recipients: []string{"r@example.com"}}, prio, 0)
		require.NoError(t, err)
	}
	rec, ok := h.q.Dequeue()
	require.True(t, ok)
	require.NoError(t, h.q.MarkSuccess(rec.ID))
	_, ok = h.q.Dequeue()
	require.True(t, ok)

	rr := h.do(t, "GET", "/api/queue/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var stats QueueStats
	decode(t, rr, &stats)
	assert.Equal(t, uint64(3), stats.Metrics.TotalEnqueued)
	assert.Equal(t, uint64(1), stats.Metrics.Succeeded)
	assert.Equal(t, 100.0, stats.SuccessRate)
	assert.Equal(t, map[string]int{"critical": 0, "normal": 0, "low": 1}, stats.Buckets)
	assert.Equal(t, 1, stats.InFlight)
	assert.False(t, stats.Paused)
	require.NotNil(t, stats.Workers)
	assert.Equal(t, uint64(7), stats.Workers.Delivered)
}

func TestDeadLetterEndpoint(t *testing.T) {
	h := newHarness(t, testQueueConfig())
	h.deadLetter(t, "a@example.com")
	h.deadLetter(t, "b@example.com")

	rr := h.do(t, "GET", "/api/queue/deadletter", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var records []queue.Record
	decode(t, rr, &records)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"a@example.com"}, records[0].Payload.Recipients)
	require.Len(t, records[0].FailureHistory, 1)
	assert.Equal(t, "550 5.1.1 unknown user", records[0].FailureHistory[0].Reason)

	rr = h.do(t, "GET", "/api/queue/deadletter?limit=1", "")
	decode(t, rr, &records)
	assert.Len(t, records, 1)

	rr = h.do(t, "GET", "/api/queue/deadletter?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeadLetterEndpointEmpty(t *testing.T) {
	h := newHarness(t, testQueueConfig())
	rr := h.do(t, "GET", "/api/queue/deadletter", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

type fakeArchive struct {
	msgs  []store.ArchivedMessage
	err   error
	limit int
}

func (f *fakeArchive) List(ctx context.Context, limit int) ([]store.ArchivedMessage, error) {
	f.limit = limit
	return f.msgs, f.err
}

func TestArchiveEndpoint(t *testing.T) {
	h := newHarness(t, testQueueConfig())
	rr := h.do(t, "GET", "/api/queue/deadletter/archive", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	archive := &fakeArchive{msgs: []store.ArchivedMessage{{MessageID: 9, Reason: "550 gone"}}}
	h = newHarness(t, testQueueConfig(), WithArchive(archive))
	rr = h.do(t, "GET", "/api/queue/deadletter/archive?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var msgs []store.ArchivedMessage
	decode(t, rr, &msgs)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(9), msgs[0].MessageID)
	assert.Equal(t, 5, archive.limit)

	archive.err = errors.New("database is locked")
	rr = h.do(t, "GET", "/api/queue/deadletter/archive", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, 100, archive.limit)
}

func TestPauseResumeEndpoints(t *testing.T) {
	h := newHarness(t, testQueueConfig())
	_, err := h.q.Enqueue(queue.Payload{Recipients: []string{"r@example.com"}}, queue.PriorityNormal, 0)
	require.NoError(t, err)

	rr := h.do(t, "POST", "/api/queue/pause", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp AdminResponse
	decode(t, rr, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Paused)
	assert.NotEmpty(t, resp.EventID)

	_, ok := h.q.Dequeue()
	assert.False(t, ok)

	rr = h.do(t, "POST", "/api/queue/resume", "")
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &resp)
	assert.False(t, resp.Paused)

	_, ok = h.q.Dequeue()
	assert.True(t, ok)
}

func TestRequeueEndpoint(t *testing.T) {
	h := newHarness(t, testQueueConfig())
	first := h.deadLetter(t, "a@example.com")
	h.deadLetter(t, "b@example.com")

	rr := h.do(t, "POST", "/api/queue/requeue", `{"ids":[`+itoa(first)+`]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp AdminResponse
	decode(t, rr, &resp)
	assert.Equal(t, 1, resp.DeadLetters)
	assert.Equal(t, 1, h.q.Len())

	rr = h.do(t, "POST", "/api/queue/requeue", `{"ids":[999]}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// no body requeues everything
	rr = h.do(t, "POST", "/api/queue/requeue", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, h.q.DeadLetterCount())
	assert.Equal(t, 2, h.q.Len())

	rr = h.do(t, "POST", "/api/queue/requeue", `{"ids":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func itoa(id queue.MessageID) string {
	b, _ := json.Marshal(uint64(id))
	return string(b)
}

func TestReloadEndpoint(t *testing.T) {
	h := newHarness(t, testQueueConfig())
	rr := h.do(t, "POST", "/api/queue/reload", "")
	assert.Equal(t, http.StatusNotImplemented, rr.Code)

	next := testQueueConfig()
	next.Capacity = 3
	var reloadErr error
	h = newHarness(t, testQueueConfig(), WithReloader(func() (queue.Config, error) {
		return next, reloadErr
	}))

	rr = h.do(t, "POST", "/api/queue/reload", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 3, h.q.Config().Capacity)

	next.Capacity = 0
	rr = h.do(t, "POST", "/api/queue/reload", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 3, h.q.Config().Capacity)

	reloadErr = errors.New("unknown configuration keys: queue.bogus")
	rr = h.do(t, "POST", "/api/queue/reload", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "queue.bogus")
}

func TestAdminWithoutMaintenanceLoop(t *testing.T) {
	q, err := queue.New(testQueueConfig(), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	srv, err := NewServer(Config{}, q, nil, WithLogger(discardLogger()))
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("POST", "/api/queue/pause", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	// nobody reads the channel
	stuck := make(chan queue.AdminEvent)
	srv, err = NewServer(Config{ReplyTimeout: 20 * time.Millisecond}, q, stuck, WithLogger(discardLogger()))
	require.NoError(t, err)
	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest("POST", "/api/queue/pause", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "timed out")
	assert.False(t, q.Paused())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "mailq_test_total", Help: "test counter"})
	reg.MustRegister(c)
	c.Add(3)

	h := newHarness(t, testQueueConfig(), WithGatherer(reg))
	rr := h.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "mailq_test_total 3")
}

func TestLogLevelEndpoints(t *testing.T) {
	manager := logging.GetLogLevelManager()
	original := manager.GetLevel()
	t.Cleanup(func() { manager.SetLevel(original) })

	h := newHarness(t, testQueueConfig())

	rr := h.do(t, "PUT", "/api/logging/level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, "GET", "/api/logging/level", "")
	var resp LogLevelResponse
	decode(t, rr, &resp)
	assert.Equal(t, "DEBUG", resp.CurrentLevel)

	rr = h.do(t, "POST", "/api/logging/level", `{"level":"verbose"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, "POST", "/api/logging/level", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServerStartStop(t *testing.T) {
	q, err := queue.New(testQueueConfig(), queue.WithLogger(discardLogger()))
	require.NoError(t, err)

	srv, err := NewServer(Config{ListenAddr: "127.0.0.1:0"}, q, nil, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	resp, err := http.Post("http://"+srv.Addr()+"/api/queue/messages", "application/json",
		bytes.NewBufferString(`{"recipients":["r@example.com"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0h 0m 0s", formatDuration(0))
	assert.Equal(t, "26h 3m 4s", formatDuration(26*time.Hour+3*time.Minute+4*time.Second))
}
