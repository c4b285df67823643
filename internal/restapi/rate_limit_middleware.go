package restapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sxwatch.onebusaway.org/internal/models"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepInterval = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware allows each client a fixed number of requests per
// interval. Clients are identified by API key, or by remote address when the
// request carries none.
type RateLimitMiddleware struct {
	limit    rate.Limit
	burst    int
	interval time.Duration

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRateLimitMiddleware returns a limiter admitting requestsPerInterval
// requests per interval per client. A non-positive count disables limiting.
func NewRateLimitMiddleware(requestsPerInterval int, interval time.Duration) *RateLimitMiddleware {
	m := &RateLimitMiddleware{
		interval: interval,
		clients:  make(map[string]*clientLimiter),
		stop:     make(chan struct{}),
	}
	if requestsPerInterval > 0 && interval > 0 {
		m.limit = rate.Every(interval / time.Duration(requestsPerInterval))
		m.burst = requestsPerInterval
	} else {
		m.limit = rate.Inf
	}

	m.wg.Add(1)
	go m.sweep()
	return m
}

func (m *RateLimitMiddleware) sweep() {
	defer m.wg.Done()
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.evictIdle(now)
		}
	}
}

func (m *RateLimitMiddleware) evictIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(m.clients, key)
		}
	}
}

func (m *RateLimitMiddleware) limiterFor(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.clients[key] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Handler returns the middleware wrapping function.
func (m *RateLimitMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.limit == rate.Inf {
				next.ServeHTTP(w, r)
				return
			}
			if !m.limiterFor(clientKey(r)).Allow() {
				writeRateLimited(w, m.interval)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Stop ends the idle-client sweeper. Safe to call more than once.
func (m *RateLimitMiddleware) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

func clientKey(r *http.Request) string {
	if key := r.URL.Query().Get("key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(models.NewResponse(http.StatusTooManyRequests, nil, "rate limit exceeded", nil))
}
