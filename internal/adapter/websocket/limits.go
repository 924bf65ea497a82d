package websocket

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterIdleTimeout     = 10 * time.Minute
)

type limitReason string

const (
	limitReasonPerIP limitReason = "per_ip_limit"
	limitReasonRate  limitReason = "rate_limit"
)

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// connectionLimits caps concurrent connections and the rate of new
// connections per client IP. Zero values disable the respective limit.
type connectionLimits struct {
	mu        sync.Mutex
	open      map[string]int
	maxPerIP  int
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	clock     clockwork.Clock
	cleanupAt time.Time
}

func newConnectionLimits(maxPerIP int, connectRate rate.Limit, burst int, clock clockwork.Clock) *connectionLimits {
	return &connectionLimits{
		open:      make(map[string]int),
		maxPerIP:  maxPerIP,
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      connectRate,
		burst:     burst,
		clock:     clock,
		cleanupAt: clock.Now().Add(limiterCleanupInterval),
	}
}

// acquire reserves a slot for ip. The caller must release it when the
// connection ends.
func (l *connectionLimits) acquire(ip string) (bool, limitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.rate > 0 {
		if now.After(l.cleanupAt) {
			l.cleanupLocked(now)
			l.cleanupAt = now.Add(limiterCleanupInterval)
		}
		entry, ok := l.limiters[ip]
		if !ok {
			entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
			l.limiters[ip] = entry
		}
		entry.lastSeen = now
		if !entry.limiter.AllowN(now, 1) {
			return false, limitReasonRate
		}
	}

	if l.maxPerIP > 0 && l.open[ip] >= l.maxPerIP {
		return false, limitReasonPerIP
	}
	l.open[ip]++
	return true, ""
}

func (l *connectionLimits) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.open[ip]; count > 1 {
		l.open[ip] = count - 1
	} else {
		delete(l.open, ip)
	}
}

func (l *connectionLimits) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[ip]
}

func (l *connectionLimits) cleanupLocked(now time.Time) {
	cutoff := now.Add(-limiterIdleTimeout)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
