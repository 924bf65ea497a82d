package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/connection"
	"github.com/pscheid92/realtimeapi/internal/connection/connectiontest"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/pscheid92/realtimeapi/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
	err    error
}

func (r *fakeRelay) Publish(_ context.Context, ev domain.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *fakeRelay) published() []domain.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChangeEvent(nil), r.events...)
}

func openConn(t *testing.T, queueSize int) *connection.Conn {
	t.Helper()
	c := connection.New(connectiontest.New(), connection.Options{QueueSize: queueSize})
	require.NoError(t, c.Open(domain.Identity{UserID: "u"}))
	return c
}

func pending(c *connection.Conn) []string {
	var out []string
	for {
		msg, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, string(msg))
	}
}

func event(t *testing.T, pk string, groups ...string) domain.ChangeEvent {
	t.Helper()
	ev, err := NewEvent("widgets", domain.ActionUpdate, pk, groups, map[string]any{"id": pk})
	require.NoError(t, err)
	return ev
}

func TestEngine_DeliversOnlyToSubscribers(t *testing.T) {
	reg := registry.New(4, nil)
	engine := New(reg, nil)

	a, b := openConn(t, 16), openConn(t, 16)
	_, err := reg.Add(a, "widgets-5")
	require.NoError(t, err)

	n := engine.Broadcast(context.Background(), event(t, "5", "widgets-5"))

	assert.Equal(t, 1, n)
	msgs := pending(a)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"stream":"widgets","action":"update","data":{"id":"5"}}`, msgs[0])
	assert.Empty(t, pending(b))
}

func TestEngine_MemberInSeveralTargetGroupsGetsOneCopy(t *testing.T) {
	reg := registry.New(4, nil)
	engine := New(reg, nil)

	a := openConn(t, 16)
	_, _ = reg.Add(a, "widgets-5")
	_, _ = reg.Add(a, "widgets-all")

	n := engine.Broadcast(context.Background(), event(t, "5", "widgets-5", "widgets-all"))

	assert.Equal(t, 1, n)
	assert.Len(t, pending(a), 1)
}

func TestEngine_ClosedConnectionIsSkipped(t *testing.T) {
	reg := registry.New(4, nil)
	engine := New(reg, nil)

	a := openConn(t, 16)
	_, _ = reg.Add(a, "widgets-5")
	a.Close(connection.CloseNormal, "")

	assert.Zero(t, engine.Broadcast(context.Background(), event(t, "5", "widgets-5")))
}

func TestEngine_NoGroupsIsNoop(t *testing.T) {
	engine := New(registry.New(1, nil), nil)
	assert.Zero(t, engine.Broadcast(context.Background(), event(t, "5")))
}

func TestEngine_FullQueueDropsNewest(t *testing.T) {
	reg := registry.New(4, nil)
	m := metrics.NewRealtimeMetrics(metrics.NewRegistry())
	engine := New(reg, m)

	slow := openConn(t, 2)
	_, _ = reg.Add(slow, "widgets-5")

	var delivered int
	for _, pk := range []string{"5", "5", "5"} {
		delivered += engine.Broadcast(context.Background(), event(t, pk, "widgets-5"))
	}

	assert.Equal(t, 2, delivered)
	assert.Equal(t, uint64(1), slow.Dropped())
	assert.Equal(t, connection.StateOpen, slow.State())
	assert.Len(t, pending(slow), 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("local")))
}

func TestEngine_PerConnectionOrder(t *testing.T) {
	reg := registry.New(4, nil)
	engine := New(reg, nil)

	a := openConn(t, 16)
	_, _ = reg.Add(a, "widgets-1")
	_, _ = reg.Add(a, "widgets-2")

	engine.Broadcast(context.Background(), event(t, "1", "widgets-1"))
	engine.Broadcast(context.Background(), event(t, "2", "widgets-2"))
	engine.Broadcast(context.Background(), event(t, "1", "widgets-1"))

	var pks []string
	for _, raw := range pending(a) {
		var n struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(raw), &n))
		pks = append(pks, n.Data.ID)
	}
	assert.Equal(t, []string{"1", "2", "1"}, pks)
}

func TestEngine_Relay(t *testing.T) {
	reg := registry.New(4, nil)
	engine := New(reg, nil)
	relay := &fakeRelay{}
	engine.SetRelay(relay)

	a := openConn(t, 16)
	_, _ = reg.Add(a, "widgets-5")

	engine.Broadcast(context.Background(), event(t, "5", "widgets-5"))
	require.Len(t, relay.published(), 1)
	assert.Equal(t, []string{"widgets-5"}, relay.published()[0].Groups)

	engine.DeliverRemote(event(t, "5", "widgets-5"))
	assert.Len(t, relay.published(), 1, "remote events are not relayed again")
	assert.Len(t, pending(a), 2)
}

func TestEngine_RelayFailureDoesNotAffectLocalDelivery(t *testing.T) {
	reg := registry.New(4, nil)
	engine := New(reg, nil)
	engine.SetRelay(&fakeRelay{err: errors.New("redis down")})

	a := openConn(t, 16)
	_, _ = reg.Add(a, "widgets-5")

	assert.Equal(t, 1, engine.Broadcast(context.Background(), event(t, "5", "widgets-5")))
}

func TestEngine_ConcurrentBroadcastAndMembershipChanges(t *testing.T) {
	reg := registry.New(8, nil)
	engine := New(reg, nil)

	conns := make([]*connection.Conn, 20)
	for i := range conns {
		conns[i] = openConn(t, 1000)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_, _ = reg.Add(c, "widgets-5")
				reg.Remove(c, "widgets-5")
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				engine.Broadcast(context.Background(), event(t, "5", "widgets-5"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, reg.MemberCount("widgets-5"))
}
