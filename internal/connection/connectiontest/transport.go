// Package connectiontest provides an in-memory connection.Transport for tests.
package connectiontest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// Transport records every write. Writes block while the transport is paused.
type Transport struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	code     int
	reason   string
	writeErr error
	gate     chan struct{}
	written  chan struct{}
}

func New() *Transport {
	return &Transport{written: make(chan struct{}, 1024)}
}

func (t *Transport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.writeErr != nil {
		return t.writeErr
	}
	t.messages = append(t.messages, append([]byte(nil), data...))
	select {
	case t.written <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.code = code
	t.reason = reason
	if t.gate != nil {
		close(t.gate)
		t.gate = nil
	}
	return nil
}

// Pause makes subsequent writes block until Resume or Close.
func (t *Transport) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate == nil {
		t.gate = make(chan struct{})
	}
}

func (t *Transport) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gate != nil {
		close(t.gate)
		t.gate = nil
	}
}

// FailWrites makes every following write return err.
func (t *Transport) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Written is signalled after each successful write.
func (t *Transport) Written() <-chan struct{} {
	return t.written
}

func (t *Transport) Messages() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.messages))
	copy(out, t.messages)
	return out
}

// Decoded returns every written message decoded as a JSON object.
func (t *Transport) Decoded() []map[string]any {
	msgs := t.Messages()
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		var v map[string]any
		if err := json.Unmarshal(m, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) CloseCode() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code, t.reason
}
