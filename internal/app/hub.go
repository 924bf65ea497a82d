package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/broadcast"
	"github.com/pscheid92/realtimeapi/internal/connection"
	"github.com/pscheid92/realtimeapi/internal/delivery"
	"github.com/pscheid92/realtimeapi/internal/dispatch"
	"github.com/pscheid92/realtimeapi/internal/domain"
	apperrors "github.com/pscheid92/realtimeapi/internal/errors"
	"github.com/pscheid92/realtimeapi/internal/protocol"
	"github.com/pscheid92/realtimeapi/internal/registry"
	"github.com/pscheid92/realtimeapi/internal/session"
)

var (
	ErrTooManyConnections = errors.New("connection limit reached")
	ErrStopped            = errors.New("hub stopped")
)

// Authenticate resolves the identity of a connection during its handshake.
type Authenticate func(ctx context.Context) (domain.Identity, error)

type Options struct {
	QueueSize      int
	Workers        int
	Shards         int
	MaxConnections int
	WriteTimeout   time.Duration
	// ChangeWindow is how long an identity change is remembered for handshakes still in flight.
	ChangeWindow time.Duration
	Clock        clockwork.Clock
	Metrics      *metrics.RealtimeMetrics
}

type Hub struct {
	opts       Options
	registry   *registry.Registry
	tracker    *session.Tracker
	engine     *broadcast.Engine
	dispatcher *dispatch.Dispatcher
	pool       *delivery.Pool

	mu      sync.Mutex
	conns   map[string]*connection.Conn
	stopped bool
}

// NewHub wires the core components and starts the delivery workers.
func NewHub(opts Options, streams ...domain.Stream) (*Hub, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Shards <= 0 {
		opts.Shards = registry.DefaultShards
	}
	if opts.Workers <= 0 {
		opts.Workers = delivery.DefaultWorkers
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = delivery.DefaultWriteTimeout
	}
	if opts.ChangeWindow <= 0 {
		opts.ChangeWindow = session.DefaultChangeWindow
	}

	reg := registry.New(opts.Shards, opts.Metrics)
	engine := broadcast.New(reg, opts.Metrics)
	dispatcher, err := dispatch.New(reg, engine, opts.Metrics, streams...)
	if err != nil {
		return nil, fmt.Errorf("failed to register streams: %w", err)
	}

	return &Hub{
		opts:       opts,
		registry:   reg,
		tracker:    session.New(opts.ChangeWindow, opts.Clock, opts.Metrics),
		engine:     engine,
		dispatcher: dispatcher,
		pool:       delivery.NewPool(opts.Workers, opts.WriteTimeout, opts.Clock, opts.Metrics),
		conns:      make(map[string]*connection.Conn),
	}, nil
}

func (h *Hub) Registry() *registry.Registry { return h.registry }

func (h *Hub) Streams() []string { return h.dispatcher.Streams() }

// SetRelay installs the cross-node relay for locally originated changes.
func (h *Hub) SetRelay(r broadcast.Relay) {
	h.engine.SetRelay(r)
}

// Accept runs the handshake for a new transport: the connection is created,
// authenticated, opened and indexed under its identity. On failure the
// transport is closed and nothing stays registered.
func (h *Hub) Accept(ctx context.Context, transport connection.Transport, path string, authenticate Authenticate) (*connection.Conn, error) {
	ticket := h.tracker.Begin()
	conn := connection.New(transport, connection.Options{
		QueueSize: h.opts.QueueSize,
		Path:      path,
		Clock:     h.opts.Clock,
		Scheduler: h.pool,
		Metrics:   h.opts.Metrics,
	})
	ctx = conn.Context(ctx)

	if err := h.admit(conn); err != nil {
		h.countConnection("rejected")
		code := connection.CloseTryAgainLater
		if errors.Is(err, ErrStopped) {
			code = connection.CloseGoingAway
		}
		conn.Close(code, err.Error())
		return nil, err
	}

	id, err := authenticate(ctx)
	if err != nil {
		h.countConnection("unauthenticated")
		slog.InfoContext(ctx, "Handshake authentication failed", "conn_id", conn.ID(), "error", err)
		conn.Close(connection.CloseUnauthenticated, "authentication failed")
		return nil, fmt.Errorf("authenticate connection: %w", err)
	}

	if err := conn.Open(id); err != nil {
		h.countConnection("closed")
		return nil, err
	}
	if !h.tracker.Register(conn, ticket) {
		h.countConnection("identity_changed")
		return nil, fmt.Errorf("identity of %s changed during handshake: %w", id, domain.ErrTransportClosed)
	}

	h.countConnection("accepted")
	slog.InfoContext(ctx, "Connection opened", "conn_id", conn.ID(), "user_id", id.UserID, "path", path)
	return conn, nil
}

// admit reserves a slot for conn and registers the teardown that frees it.
func (h *Hub) admit(conn *connection.Conn) error {
	h.mu.Lock()
	switch {
	case h.stopped:
		h.mu.Unlock()
		return ErrStopped
	case h.opts.MaxConnections > 0 && len(h.conns) >= h.opts.MaxConnections:
		h.mu.Unlock()
		return ErrTooManyConnections
	}
	h.conns[conn.ID()] = conn
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.ActiveConnections.Inc()
	}
	conn.OnClose(h.release)
	return nil
}

func (h *Hub) release(conn *connection.Conn) {
	groups := h.registry.RemoveAll(conn)

	h.mu.Lock()
	delete(h.conns, conn.ID())
	h.mu.Unlock()

	if h.opts.Metrics != nil {
		h.opts.Metrics.ActiveConnections.Dec()
	}
	slog.Debug("Connection released", "conn_id", conn.ID(), "groups", len(groups))
}

func (h *Hub) countConnection(result string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ConnectionsTotal.WithLabelValues(result).Inc()
	}
}

// HandleMessage parses one inbound message, dispatches it and queues the reply.
// Malformed messages get a 400 reply and the connection stays open.
func (h *Hub) HandleMessage(ctx context.Context, conn *connection.Conn, raw []byte) {
	ctx = conn.Context(ctx)
	defer func() {
		if r := recover(); r != nil {
			if h.opts.Metrics != nil {
				h.opts.Metrics.HandlerPanics.Inc()
			}
			slog.ErrorContext(ctx, "Message handler panicked", "conn_id", conn.ID(), "panic", r)
			h.reply(ctx, conn, protocol.Failure(fmt.Errorf("panic: %v", r)))
		}
	}()

	req, err := protocol.Parse(raw, conn.Path())
	if err != nil {
		if h.opts.Metrics != nil {
			h.opts.Metrics.MalformedMessages.Inc()
		}
		slog.DebugContext(ctx, "Malformed message", "conn_id", conn.ID(), "error", err)
		h.reply(ctx, conn, protocol.Failure(err))
		return
	}

	h.reply(ctx, conn, h.dispatcher.Dispatch(ctx, conn, req))
}

// Reject queues an error reply that is not tied to a parsed request, such as throttling.
func (h *Hub) Reject(ctx context.Context, conn *connection.Conn, err *apperrors.Error) {
	h.reply(conn.Context(ctx), conn, protocol.Failure(err))
}

func (h *Hub) reply(ctx context.Context, conn *connection.Conn, reply protocol.Reply) {
	data, err := reply.Marshal()
	if err != nil {
		slog.ErrorContext(ctx, "Marshal reply failed", "conn_id", conn.ID(), "error", err)
		return
	}
	conn.Enqueue(data)
}

// Signal announces a change made outside the connection protocol.
func (h *Hub) Signal(ctx context.Context, stream string, action domain.Action, inst domain.Instance) error {
	return h.dispatcher.Signal(ctx, stream, action, inst)
}

// DeliverRemote delivers an event relayed from another node.
func (h *Hub) DeliverRemote(event domain.ChangeEvent) int {
	return h.engine.DeliverRemote(event)
}

// OnIdentityChanged closes every local connection of userID.
func (h *Hub) OnIdentityChanged(ctx context.Context, userID string) int {
	return h.tracker.OnIdentityChanged(ctx, userID)
}

// Connections returns the number of connections currently admitted.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Stop refuses new connections, closes the open ones and stops the delivery workers.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	conns := make([]*connection.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(connection.CloseGoingAway, "server shutting down")
	}
	h.pool.Stop()
	slog.Info("Hub stopped", "closed_connections", len(conns))
}
