package websocket

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestConnectionLimits_PerIP(t *testing.T) {
	l := newConnectionLimits(2, 0, 0, clockwork.NewFakeClock())

	ok, _ := l.acquire("1.1.1.1")
	assert.True(t, ok)
	ok, _ = l.acquire("1.1.1.1")
	assert.True(t, ok)

	ok, reason := l.acquire("1.1.1.1")
	assert.False(t, ok)
	assert.Equal(t, limitReasonPerIP, reason)

	ok, _ = l.acquire("2.2.2.2")
	assert.True(t, ok, "limits are per address")

	l.release("1.1.1.1")
	assert.Equal(t, 1, l.count("1.1.1.1"))
	ok, _ = l.acquire("1.1.1.1")
	assert.True(t, ok)
}

func TestConnectionLimits_ReleaseUnknownIsNoop(t *testing.T) {
	l := newConnectionLimits(1, 0, 0, clockwork.NewFakeClock())
	l.release("9.9.9.9")
	assert.Zero(t, l.count("9.9.9.9"))
}

func TestConnectionLimits_Rate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newConnectionLimits(0, 1, 2, clock)

	for range 2 {
		ok, _ := l.acquire("1.1.1.1")
		assert.True(t, ok)
	}
	ok, reason := l.acquire("1.1.1.1")
	assert.False(t, ok)
	assert.Equal(t, limitReasonRate, reason)

	clock.Advance(time.Second)
	ok, _ = l.acquire("1.1.1.1")
	assert.True(t, ok)
}

func TestConnectionLimits_CleanupDropsIdleLimiters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newConnectionLimits(0, 1, 1, clock)

	l.acquire("1.1.1.1")
	clock.Advance(limiterIdleTimeout + limiterCleanupInterval)
	l.acquire("2.2.2.2")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.limiters, "1.1.1.1")
	assert.Contains(t, l.limiters, "2.2.2.2")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(r))

	r.RemoteAddr = "garbage"
	assert.Equal(t, "garbage", clientIP(r))
}
