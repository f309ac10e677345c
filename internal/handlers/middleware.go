package handlers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pinchtab/authstream/internal/config"
	"github.com/pinchtab/authstream/internal/web"
)

var (
	metricRequestsTotal   uint64
	metricRequestsFailed  uint64
	metricRequestLatencyN uint64
	metricRateLimited     uint64
)

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &web.StatusWriter{ResponseWriter: w, Code: 200}
		next.ServeHTTP(sw, r)
		ms := uint64(time.Since(start).Milliseconds())
		atomic.AddUint64(&metricRequestsTotal, 1)
		atomic.AddUint64(&metricRequestLatencyN, ms)
		if sw.Code >= 400 {
			atomic.AddUint64(&metricRequestsFailed, 1)
		}
		slog.Info("request",
			"requestId", w.Header().Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.Code,
			"ms", ms,
		)
	})
}

// AuthMiddleware requires the bearer token when one is configured. Browsers
// cannot set headers on a WebSocket handshake, so the stream route alone
// also accepts ?token=.
func AuthMiddleware(cfg *config.RuntimeConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Token == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		presented := ""
		if auth := r.Header.Get("Authorization"); auth != "" {
			presented = strings.TrimPrefix(auth, "Bearer ")
			if presented == auth {
				presented = "\x00"
			}
		} else if isStreamPath(r.URL.Path) {
			presented = r.URL.Query().Get("token")
		}
		if presented == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authstream", error="missing_token"`)
			web.ErrorCode(w, 401, "missing_token", "unauthorized")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authstream", error="bad_token"`)
			web.ErrorCode(w, 401, "bad_token", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isStreamPath(p string) bool {
	rest, ok := strings.CutPrefix(p, "/sessions/")
	if !ok {
		return false
	}
	id, ok := strings.CutSuffix(rest, "/stream")
	return ok && id != "" && !strings.Contains(id, "/")
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			b := make([]byte, 8)
			_, _ = rand.Read(b)
			rid = hex.EncodeToString(b)
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r)
	})
}

const (
	rateWindow = 10 * time.Second
	rateMax    = 120
	rateIdle   = 5 * time.Minute
)

type hostLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// hostLimiters hands out one token bucket per client host.
type hostLimiters struct {
	mu    sync.Mutex
	hosts map[string]*hostLimiter
	swept time.Time
}

func (h *hostLimiters) allow(host string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hosts == nil {
		h.hosts = make(map[string]*hostLimiter)
	}
	if now.Sub(h.swept) > rateIdle {
		for k, v := range h.hosts {
			if now.Sub(v.seen) > rateIdle {
				delete(h.hosts, k)
			}
		}
		h.swept = now
	}
	hl, ok := h.hosts[host]
	if !ok {
		hl = &hostLimiter{lim: rate.NewLimiter(rate.Every(rateWindow/rateMax), rateMax)}
		h.hosts[host] = hl
	}
	hl.seen = now
	return hl.lim.AllowN(now, 1)
}

var limiters hostLimiters

func RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimSpace(r.URL.Path)
		if p == "/health" || p == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host == "" {
			host = r.RemoteAddr
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			host = strings.TrimSpace(strings.Split(xff, ",")[0])
		}

		if !limiters.allow(host, time.Now()) {
			atomic.AddUint64(&metricRateLimited, 1)
			web.RetryLater(w, 429, "rate_limited", "too many requests", rateWindow/rateMax)
			return
		}
		next.ServeHTTP(w, r)
	})
}
