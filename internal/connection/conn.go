// Package connection holds the per-connection state of a realtime client:
// its lifecycle, its owning identity and its bounded outbound queue.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/pscheid92/realtimeapi/internal/platform/correlation"
	"github.com/pscheid92/realtimeapi/internal/registry"
)

const DefaultQueueSize = 16

// WebSocket close codes sent when the server ends a connection.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
	CloseIdentityChanged = 4001
	CloseUnauthenticated = 4003
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport is the outbound side of the underlying socket.
// Write is only ever called by one goroutine at a time; Close may be called concurrently with Write.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Scheduler is told when a connection's queue goes from empty to non-empty.
type Scheduler interface {
	Schedule(c *Conn)
}

type Options struct {
	QueueSize int
	Path      string
	Clock     clockwork.Clock
	Scheduler Scheduler
	Metrics   *metrics.RealtimeMetrics
}

type Conn struct {
	id        string
	path      string
	transport Transport
	clock     clockwork.Clock
	createdAt time.Time
	scheduler Scheduler
	metrics   *metrics.RealtimeMetrics

	state         atomic.Int32
	identity      atomic.Pointer[domain.Identity]
	membership    registry.Membership
	subscriptions Subscriptions

	queueMutex  sync.Mutex
	queue       [][]byte
	queueSize   int
	scheduled   bool
	overflowing bool
	dropped     atomic.Uint64

	hooksMutex sync.Mutex
	hooks      []func(*Conn)
	closeOnce  sync.Once
	done       chan struct{}
}

// New creates a connection in the Connecting state.
func New(transport Transport, opts Options) *Conn {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Conn{
		id:        uuid.New().String(),
		path:      opts.Path,
		transport: transport,
		clock:     opts.Clock,
		createdAt: opts.Clock.Now(),
		scheduler: opts.Scheduler,
		metrics:   opts.Metrics,
		queueSize: opts.QueueSize,
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }
func (c *Conn) Path() string { return c.path }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }
func (c *Conn) State() State { return State(c.state.Load()) }
func (c *Conn) Membership() *registry.Membership { return &c.membership }
func (c *Conn) Done() <-chan struct{} { return c.done }
func (c *Conn) Transport() Transport { return c.transport }
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }
func (c *Conn) Subscriptions() *Subscriptions { return &c.subscriptions }
func (c *Conn) Overflowed() bool { return c.dropped.Load() > 0 }

// Identity returns the owning identity. It is fixed once the connection is Open.
func (c *Conn) Identity() domain.Identity {
	id := c.identity.Load()
	if id == nil || c.State() == StateConnecting {
		return domain.Anonymous()
	}
	return *id
}

// Context returns ctx tagged with this connection's correlation id.
func (c *Conn) Context(ctx context.Context) context.Context {
	return correlation.WithID(ctx, c.id[:8])
}

// Open records the authenticated identity and moves Connecting to Open.
func (c *Conn) Open(id domain.Identity) error {
	if c.State() != StateConnecting {
		return fmt.Errorf("open connection %s in state %s: %w", c.id, c.State(), domain.ErrTransportClosed)
	}
	c.identity.Store(&id)
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return fmt.Errorf("open connection %s: %w", c.id, domain.ErrTransportClosed)
	}
	return nil
}

// OnClose registers a teardown hook. Hooks run once, in registration order,
// while the connection is Closing. A hook registered after close runs immediately.
func (c *Conn) OnClose(hook func(*Conn)) {
	c.hooksMutex.Lock()
	if c.State() < StateClosing {
		c.hooks = append(c.hooks, hook)
		c.hooksMutex.Unlock()
		return
	}
	c.hooksMutex.Unlock()
	hook(c)
}

// Enqueue appends data to the outbound queue without blocking.
// It returns false when the connection is not Open or the queue is full; a
// full queue drops the new message and leaves earlier ones in order.
func (c *Conn) Enqueue(data []byte) bool {
	if c.State() != StateOpen {
		return false
	}

	c.queueMutex.Lock()
	if c.State() != StateOpen {
		c.queueMutex.Unlock()
		return false
	}
	if len(c.queue) >= c.queueSize {
		c.dropped.Add(1)
		first := !c.overflowing
		c.overflowing = true
		c.queueMutex.Unlock()

		if c.metrics != nil {
			c.metrics.MessagesDropped.Inc()
		}
		if first {
			slog.Warn("Outbound queue full, dropping messages", "conn_id", c.id, "user_id", c.Identity().UserID, "queue_size", c.queueSize)
		}
		return false
	}
	c.queue = append(c.queue, data)
	schedule := !c.scheduled && c.scheduler != nil
	if schedule {
		c.scheduled = true
	}
	c.queueMutex.Unlock()

	if c.metrics != nil {
		c.metrics.MessagesEnqueued.Inc()
	}
	if schedule {
		c.scheduler.Schedule(c)
	}
	return true
}

// Next pops the oldest queued message. When the queue is empty it clears the
// scheduled flag and returns false; the next Enqueue schedules the connection again.
func (c *Conn) Next() ([]byte, bool) {
	c.queueMutex.Lock()
	defer c.queueMutex.Unlock()

	if len(c.queue) == 0 || c.State() != StateOpen {
		c.scheduled = false
		c.overflowing = false
		return nil, false
	}
	msg := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return msg, true
}

// Pending returns the number of queued messages.
func (c *Conn) Pending() int {
	c.queueMutex.Lock()
	defer c.queueMutex.Unlock()
	return len(c.queue)
}

// Close tears the connection down. The first call moves it to Closing, runs
// the teardown hooks, discards the queue, closes the transport and ends in
// Closed. Later calls only wait for that to finish.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.hooksMutex.Lock()
		c.state.Store(int32(StateClosing))
		hooks := c.hooks
		c.hooks = nil
		c.hooksMutex.Unlock()

		for _, hook := range hooks {
			hook(c)
		}

		c.queueMutex.Lock()
		discarded := len(c.queue)
		c.queue = nil
		c.queueMutex.Unlock()

		if c.transport != nil {
			if err := c.transport.Close(code, reason); err != nil {
				slog.Debug("Transport close failed", "conn_id", c.id, "error", err)
			}
		}

		c.state.Store(int32(StateClosed))
		close(c.done)

		slog.Debug("Connection closed", "conn_id", c.id, "user_id", c.Identity().UserID, "code", code, "reason", reason, "discarded", discarded)
	})
	<-c.done
}
