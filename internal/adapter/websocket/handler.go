// Package websocket serves the realtime protocol over gorilla websockets.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/adapter/auth"
	"github.com/pscheid92/realtimeapi/internal/app"
	"github.com/pscheid92/realtimeapi/internal/connection"
	"github.com/pscheid92/realtimeapi/internal/domain"
	apperrors "github.com/pscheid92/realtimeapi/internal/errors"
	"golang.org/x/time/rate"
)

const (
	maxMessageSize          = 64 * 1024
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMessageRate      = 20
	DefaultMessageBurst     = 40
)

var DefaultKeepalive = Keepalive{
	PingInterval: 30 * time.Second,
	PongTimeout:  60 * time.Second,
	WriteTimeout: 5 * time.Second,
}

type Config struct {
	// Prefix is stripped from the request path; the rest is the connection's default route.
	Prefix           string
	CheckOrigin      func(r *http.Request) bool
	HandshakeTimeout time.Duration
	Keepalive        Keepalive
	MessageRate      rate.Limit
	MessageBurst     int
	Clock            clockwork.Clock

	// Per client IP; zero disables the limit.
	MaxConnectionsPerIP int
	ConnectRate         rate.Limit
	ConnectBurst        int
}

type Handler struct {
	hub           *app.Hub
	authenticator auth.Authenticator
	upgrader      websocket.Upgrader
	limits        *connectionLimits
	cfg           Config
}

func NewHandler(hub *app.Hub, authenticator auth.Authenticator, cfg Config) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate, cfg.MessageBurst = DefaultMessageRate, DefaultMessageBurst
	}
	if cfg.Keepalive.PingInterval <= 0 {
		cfg.Keepalive.PingInterval = DefaultKeepalive.PingInterval
	}
	if cfg.Keepalive.PongTimeout <= 0 {
		cfg.Keepalive.PongTimeout = DefaultKeepalive.PongTimeout
	}
	if cfg.Keepalive.WriteTimeout <= 0 {
		cfg.Keepalive.WriteTimeout = DefaultKeepalive.WriteTimeout
	}
	if cfg.ConnectRate > 0 && cfg.ConnectBurst <= 0 {
		cfg.ConnectBurst = 1
	}
	return &Handler{
		hub:           hub,
		authenticator: authenticator,
		limits:        newConnectionLimits(cfg.MaxConnectionsPerIP, cfg.ConnectRate, cfg.ConnectBurst, cfg.Clock),
		cfg:           cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      cfg.CheckOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if ok, reason := h.limits.acquire(ip); !ok {
		slog.Warn("WebSocket connection rejected", "remote_ip", ip, "reason", reason)
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	defer h.limits.release(ip)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Debug("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	transport := NewTransport(ws, h.cfg.Clock, h.cfg.Keepalive)
	ctx := context.WithoutCancel(r.Context())

	conn, err := h.hub.Accept(ctx, transport, h.route(r.URL.Path), func(ctx context.Context) (domain.Identity, error) {
		ctx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
		defer cancel()
		return h.authenticate(ctx, r)
	})
	if err != nil {
		return
	}

	go func() {
		if err := transport.RunKeepalive(); err != nil {
			slog.Debug("Keepalive failed", "conn_id", conn.ID(), "error", err)
			conn.Close(connection.CloseGoingAway, "ping failed")
		}
	}()

	h.readLoop(ctx, ws, transport, conn)
}

func (h *Handler) authenticate(ctx context.Context, r *http.Request) (domain.Identity, error) {
	type result struct {
		id  domain.Identity
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := h.authenticator.Authenticate(r.WithContext(ctx))
		done <- result{id, err}
	}()

	select {
	case res := <-done:
		return res.id, res.err
	case <-ctx.Done():
		return domain.Anonymous(), ctx.Err()
	}
}

// readLoop handles inbound messages one at a time so replies keep the order of requests.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, transport *Transport, conn *connection.Conn) {
	limiter := rate.NewLimiter(h.cfg.MessageRate, h.cfg.MessageBurst)

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				conn.Close(connection.CloseNormal, "client closed")
				return
			}
			select {
			case <-transport.Done():
			default:
				slog.DebugContext(conn.Context(ctx), "WebSocket read failed", "conn_id", conn.ID(), "error", err)
			}
			conn.Close(connection.CloseGoingAway, "read failed")
			return
		}
		transport.extendReadDeadline()

		if kind != websocket.TextMessage {
			h.hub.Reject(ctx, conn, apperrors.ValidationError(apperrors.MsgMalformed))
			continue
		}
		if !limiter.Allow() {
			h.hub.Reject(ctx, conn, apperrors.ThrottledError())
			continue
		}
		h.hub.HandleMessage(ctx, conn, data)
	}
}

func (h *Handler) route(path string) string {
	return strings.Trim(strings.TrimPrefix(path, h.cfg.Prefix), "/")
}
