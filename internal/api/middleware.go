package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds message submissions per producer address
type RateLimitConfig struct {
	Enabled           bool     `toml:"enabled" json:"enabled"`
	RequestsPerSecond float64  `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int      `toml:"burst" json:"burst"`
	TrustedProxies    []string `toml:"trusted_proxies" json:"trusted_proxies"`
}

const (
	defaultSubmitRate  = 10
	defaultSubmitBurst = 20
	producerIdleAfter  = 10 * time.Minute
	producerSweepEvery = time.Minute
)

// proxySet holds the networks whose forwarding headers are believed
type proxySet []*net.IPNet

func parseProxy(proxy string) (*net.IPNet, bool) {
	if strings.Contains(proxy, "/") {
		_, cidr, err := net.ParseCIDR(proxy)
		return cidr, err == nil
	}
	ip := net.ParseIP(proxy)
	if ip == nil {
		return nil, false
	}
	bits := 128
	if ip.To4() != nil {
		ip, bits = ip.To4(), 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, true
}

func parseProxies(list []string) proxySet {
	var ps proxySet
	for _, p := range list {
		if n, ok := parseProxy(p); ok {
			ps = append(ps, n)
		}
	}
	return ps
}

func (ps proxySet) contains(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range ps {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidProxy reports whether proxy is an IP address or CIDR
func ValidProxy(proxy string) bool {
	_, ok := parseProxy(proxy)
	return ok
}

// producerAddr identifies the submitting producer. Forwarding headers count
// only when the peer is a trusted proxy, and then the rightmost address that
// is not itself a proxy wins.
func producerAddr(r *http.Request, proxies proxySet) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if len(proxies) == 0 || !proxies.contains(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !proxies.contains(hop) {
				return hop
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return peer
}

type producerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SubmissionLimiter is a token bucket per producer in front of the enqueue
// endpoint. A nil *SubmissionLimiter lets everything through.
type SubmissionLimiter struct {
	limit   rate.Limit
	burst   int
	proxies proxySet
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	producers map[string]*producerBucket

	rejected atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSubmissionLimiter starts a limiter, or returns nil when cfg disables it
func NewSubmissionLimiter(cfg RateLimitConfig, logger *slog.Logger) *SubmissionLimiter {
	return newSubmissionLimiter(cfg, logger, time.Now)
}

func newSubmissionLimiter(cfg RateLimitConfig, logger *slog.Logger, now func() time.Time) *SubmissionLimiter {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	perSecond := cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultSubmitRate
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultSubmitBurst
	}

	l := &SubmissionLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		proxies:   parseProxies(cfg.TrustedProxies),
		logger:    logger,
		now:       now,
		producers: make(map[string]*producerBucket),
		stop:      make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop ends the idle-producer sweep
func (l *SubmissionLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })
}

// Rejected returns how many submissions were turned away
func (l *SubmissionLimiter) Rejected() uint64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

func (l *SubmissionLimiter) sweep() {
	ticker := time.NewTicker(producerSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.forgetIdle(l.now())
		case <-l.stop:
			return
		}
	}
}

// forgetIdle drops buckets of producers quiet for longer than
// producerIdleAfter. A returning producer starts with a full bucket.
func (l *SubmissionLimiter) forgetIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for addr, b := range l.producers {
		if now.Sub(b.lastSeen) > producerIdleAfter {
			delete(l.producers, addr)
			n++
		}
	}
	return n
}

func (l *SubmissionLimiter) bucket(addr string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.producers[addr]
	if !ok {
		b = &producerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.producers[addr] = b
	}
	b.lastSeen = now
	return b.limiter
}

// admit takes a token for addr. When none is available it returns how long
// the producer should wait.
func (l *SubmissionLimiter) admit(addr string) (time.Duration, bool) {
	now := l.now()
	res := l.bucket(addr, now).ReserveN(now, 1)
	if !res.OK() {
		return time.Second, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

// Wrap throttles next. Rejected submissions get 429 with Retry-After.
func (l *SubmissionLimiter) Wrap(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := producerAddr(r, l.proxies)
		wait, ok := l.admit(addr)
		if !ok {
			if l.rejected.Add(1)%100 == 1 {
				l.logger.Warn("throttling message submissions",
					"producer", addr,
					"rejected_total", l.rejected.Load())
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs each request at debug level, and server errors at warn
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			level := slog.LevelDebug
			if sw.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "api request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"status", sw.status,
				"duration", time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
