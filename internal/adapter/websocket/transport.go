package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/domain"
)

const closeGracePeriod = time.Second

type Keepalive struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// Transport adapts a gorilla connection to connection.Transport. Data frames
// are written by one delivery worker at a time; pings and the close frame go
// through WriteControl, which gorilla allows concurrently with other writes.
type Transport struct {
	conn      *websocket.Conn
	clock     clockwork.Clock
	keepalive Keepalive

	writeMutex sync.Mutex
	closeOnce  sync.Once
	done       chan struct{}
}

// NewTransport wraps conn and installs the pong handler that extends the read deadline.
func NewTransport(conn *websocket.Conn, clock clockwork.Clock, keepalive Keepalive) *Transport {
	t := &Transport{
		conn:      conn,
		clock:     clock,
		keepalive: keepalive,
		done:      make(chan struct{}),
	}
	t.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		t.extendReadDeadline()
		return nil
	})
	return t
}

func (t *Transport) Write(ctx context.Context, data []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	select {
	case <-t.done:
		return domain.ErrTransportClosed
	default:
	}

	deadline := t.clock.Now().Add(t.keepalive.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame with code and reason, then closes the socket.
func (t *Transport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := t.clock.Now().Add(closeGracePeriod)
		if writeErr := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
			err = fmt.Errorf("websocket close frame: %w", writeErr)
		}
		if closeErr := t.conn.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("websocket close: %w", closeErr)
		}
	})
	return err
}

// Done is closed once Close has been called.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// RunKeepalive pings the peer every PingInterval until the transport closes.
// A failed ping returns its error; the caller closes the connection.
func (t *Transport) RunKeepalive() error {
	ticker := t.clock.NewTicker(t.keepalive.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			deadline := t.clock.Now().Add(t.keepalive.WriteTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("websocket ping: %w", err)
			}
		case <-t.done:
			return nil
		}
	}
}

func (t *Transport) extendReadDeadline() {
	_ = t.conn.SetReadDeadline(t.clock.Now().Add(t.keepalive.PongTimeout))
}
