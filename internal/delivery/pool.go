// Package delivery drains connection queues onto their transports with a
// fixed set of worker goroutines.
//
// A connection is handed to at most one worker at a time, so its messages are
// written in queue order; distinct connections are written in parallel. A
// worker writes at most batchSize messages before handing the connection back,
// which keeps one busy connection from starving the rest.
package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/connection"
)

const (
	DefaultWorkers      = 64
	DefaultWriteTimeout = 5 * time.Second
	batchSize           = 32
)

type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ready   []*connection.Conn
	stopped bool
	wg      sync.WaitGroup

	clock        clockwork.Clock
	writeTimeout time.Duration
	metrics      *metrics.RealtimeMetrics
}

// NewPool starts workers goroutines. Stop must be called to release them.
func NewPool(workers int, writeTimeout time.Duration, clock clockwork.Clock, m *metrics.RealtimeMetrics) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	p := &Pool{clock: clock, writeTimeout: writeTimeout, metrics: m}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for range workers {
		go p.run()
	}
	return p
}

// Schedule implements connection.Scheduler.
func (p *Pool) Schedule(c *connection.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.ready = append(p.ready, c)
	p.cond.Signal()
}

// Stop wakes every worker and waits for them to exit. Connections still waiting are abandoned.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.ready = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) take() *connection.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.ready) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return nil
	}
	c := p.ready[0]
	p.ready[0] = nil
	p.ready = p.ready[1:]
	return c
}

func (p *Pool) run() {
	defer p.wg.Done()

	for {
		c := p.take()
		if c == nil {
			return
		}
		if p.drain(c) {
			p.Schedule(c)
		}
	}
}

// drain writes up to batchSize messages. It reports true when the batch was
// exhausted; the connection stays scheduled and must be handed back.
func (p *Pool) drain(c *connection.Conn) (more bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Delivery panic recovered", "conn_id", c.ID(), "panic", r)
			c.Close(connection.CloseInternalError, "internal error")
			more = false
		}
	}()

	for range batchSize {
		msg, ok := c.Next()
		if !ok {
			return false
		}
		if err := p.write(c, msg); err != nil {
			slog.Debug("Write failed, closing connection", "conn_id", c.ID(), "error", err)
			if p.metrics != nil {
				p.metrics.WriteFailures.Inc()
			}
			c.Close(connection.CloseGoingAway, "write failed")
			return false
		}
	}
	return true
}

func (p *Pool) write(c *connection.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	start := p.clock.Now()
	if err := c.Transport().Write(ctx, msg); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.WriteDuration.Observe(p.clock.Since(start).Seconds())
		p.metrics.MessagesDelivered.Inc()
	}
	return nil
}
