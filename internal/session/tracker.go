// Package session indexes open connections by their owning user so that an
// identity change (logout, password change, deactivation, deletion) can close
// every connection still authenticated with the old credentials.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/connection"
)

const DefaultChangeWindow = 10 * time.Second

// Listener is the registration point for authentication subsystems.
type Listener interface {
	OnIdentityChanged(ctx context.Context, userID string) int
}

// Ticket marks the moment authentication of a connection began.
type Ticket uint64

type change struct {
	seq uint64
	at  time.Time
}

type Tracker struct {
	mu      sync.Mutex
	byUser  map[string]map[string]*connection.Conn
	changes map[string]change
	seq     uint64

	clock   clockwork.Clock
	window  time.Duration
	metrics *metrics.RealtimeMetrics
}

// New creates a tracker. window bounds how long an identity change is
// remembered for connections that were still authenticating when it happened;
// it must be at least the handshake timeout.
func New(window time.Duration, clock clockwork.Clock, m *metrics.RealtimeMetrics) *Tracker {
	if window <= 0 {
		window = DefaultChangeWindow
	}
	return &Tracker{
		byUser:  make(map[string]map[string]*connection.Conn),
		changes: make(map[string]change),
		clock:   clock,
		window:  window,
		metrics: m,
	}
}

// Begin returns a ticket to take before authenticating a connection.
func (t *Tracker) Begin() Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Ticket(t.seq)
}

// Register indexes an Open connection under its identity. If the identity
// changed after ticket was taken the connection is closed instead and
// Register returns false. Anonymous connections are not indexed.
func (t *Tracker) Register(c *connection.Conn, ticket Ticket) bool {
	userID := c.Identity().UserID
	if userID == "" {
		return true
	}

	t.mu.Lock()
	if ch, ok := t.changes[userID]; ok && ch.seq > uint64(ticket) {
		t.mu.Unlock()
		slog.Info("Identity changed during handshake, closing connection", "conn_id", c.ID(), "user_id", userID)
		t.countClosures(1)
		c.Close(connection.CloseIdentityChanged, "identity changed")
		return false
	}
	conns, ok := t.byUser[userID]
	if !ok {
		conns = make(map[string]*connection.Conn)
		t.byUser[userID] = conns
	}
	conns[c.ID()] = c
	t.mu.Unlock()

	c.OnClose(t.Unregister)
	return true
}

// Unregister removes c from the index. It is a no-op for unknown connections.
func (t *Tracker) Unregister(c *connection.Conn) {
	userID := c.Identity().UserID
	if userID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	conns, ok := t.byUser[userID]
	if !ok {
		return
	}
	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(t.byUser, userID)
	}
}

// OnIdentityChanged closes every connection owned by userID and returns how many were closed.
func (t *Tracker) OnIdentityChanged(ctx context.Context, userID string) int {
	if userID == "" {
		return 0
	}

	t.mu.Lock()
	t.seq++
	now := t.clock.Now()
	t.changes[userID] = change{seq: t.seq, at: now}
	t.pruneLocked(now)

	victims := make([]*connection.Conn, 0, len(t.byUser[userID]))
	for _, c := range t.byUser[userID] {
		victims = append(victims, c)
	}
	t.mu.Unlock()

	for _, c := range victims {
		c.Close(connection.CloseIdentityChanged, "identity changed")
	}

	t.countClosures(len(victims))
	slog.InfoContext(ctx, "Identity changed", "user_id", userID, "closed_connections", len(victims))
	return len(victims)
}

func (t *Tracker) pruneLocked(now time.Time) {
	for userID, ch := range t.changes {
		if now.Sub(ch.at) > t.window {
			delete(t.changes, userID)
		}
	}
}

func (t *Tracker) countClosures(n int) {
	if t.metrics != nil && n > 0 {
		t.metrics.IdentityClosures.Add(float64(n))
	}
}

// Connections returns the open connections indexed under userID.
func (t *Tracker) Connections(userID string) []*connection.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*connection.Conn, 0, len(t.byUser[userID]))
	for _, c := range t.byUser[userID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Users returns the sorted ids of users with at least one indexed connection.
func (t *Tracker) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.byUser))
	for userID := range t.byUser {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}
