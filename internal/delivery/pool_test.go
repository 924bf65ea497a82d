package delivery

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/connection"
	"github.com/pscheid92/realtimeapi/internal/connection/connectiontest"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T, p *Pool, queueSize int) (*connection.Conn, *connectiontest.Transport) {
	t.Helper()
	tr := connectiontest.New()
	c := connection.New(tr, connection.Options{QueueSize: queueSize, Scheduler: p})
	require.NoError(t, c.Open(domain.Identity{UserID: "u"}))
	return c, tr
}

func waitForMessages(t *testing.T, tr *connectiontest.Transport, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(tr.Messages()) >= n }, 2*time.Second, 5*time.Millisecond)
	return tr.Messages()
}

func TestPool_DeliversInOrder(t *testing.T) {
	p := NewPool(4, time.Second, clockwork.NewRealClock(), nil)
	t.Cleanup(p.Stop)

	c, tr := newConn(t, p, 200)
	for i := range 100 {
		require.True(t, c.Enqueue([]byte(fmt.Sprintf("m%03d", i))))
	}

	msgs := waitForMessages(t, tr, 100)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%03d", i), string(m))
	}
}

func TestPool_SlowConnectionDoesNotBlockOthers(t *testing.T) {
	p := NewPool(2, 5*time.Second, clockwork.NewRealClock(), nil)
	t.Cleanup(p.Stop)

	slow, slowTr := newConn(t, p, 16)
	fast, fastTr := newConn(t, p, 16)

	slowTr.Pause()
	slow.Enqueue([]byte("stuck"))
	fast.Enqueue([]byte("hello"))

	msgs := waitForMessages(t, fastTr, 1)
	assert.Equal(t, "hello", string(msgs[0]))
	assert.Empty(t, slowTr.Messages())

	slowTr.Resume()
	waitForMessages(t, slowTr, 1)
}

func TestPool_WriteFailureClosesConnection(t *testing.T) {
	m := metrics.NewRealtimeMetrics(metrics.NewRegistry())
	p := NewPool(1, time.Second, clockwork.NewRealClock(), m)
	t.Cleanup(p.Stop)

	c, tr := newConn(t, p, 16)
	tr.FailWrites(errors.New("broken pipe"))
	c.Enqueue([]byte("a"))
	c.Enqueue([]byte("b"))

	require.Eventually(t, func() bool { return c.State() == connection.StateClosed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Pending(), "pending messages are discarded")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteFailures))
}

func TestPool_RescheduleAfterIdle(t *testing.T) {
	p := NewPool(1, time.Second, clockwork.NewRealClock(), nil)
	t.Cleanup(p.Stop)

	c, tr := newConn(t, p, 16)
	c.Enqueue([]byte("first"))
	waitForMessages(t, tr, 1)

	c.Enqueue([]byte("second"))
	msgs := waitForMessages(t, tr, 2)
	assert.Equal(t, "second", string(msgs[1]))
}

func TestPool_LargeBacklogAcrossBatches(t *testing.T) {
	p := NewPool(1, time.Second, clockwork.NewRealClock(), nil)
	t.Cleanup(p.Stop)

	a, trA := newConn(t, p, 500)
	b, trB := newConn(t, p, 500)
	for i := range 3 * batchSize {
		a.Enqueue([]byte(fmt.Sprintf("a%d", i)))
		b.Enqueue([]byte(fmt.Sprintf("b%d", i)))
	}

	waitForMessages(t, trA, 3*batchSize)
	waitForMessages(t, trB, 3*batchSize)
}

func TestPool_StopIsPrompt(t *testing.T) {
	p := NewPool(8, time.Second, clockwork.NewRealClock(), nil)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	c, _ := newConn(t, p, 4)
	c.Enqueue([]byte("ignored"))
}
