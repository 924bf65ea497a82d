package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

const identityChannel = "realtime:identity"

// IdentityListener closes the local connections of a user whose identity changed.
type IdentityListener interface {
	OnIdentityChanged(ctx context.Context, userID string) int
}

type identityMessage struct {
	Node   string `json:"node"`
	UserID string `json:"user_id"`
}

// IdentityBus tells other nodes that a user's identity changed.
type IdentityBus struct {
	rdb  *goredis.Client
	node string

	readyOnce sync.Once
	ready     chan struct{}
}

func NewIdentityBus(rdb *goredis.Client, node string) *IdentityBus {
	return &IdentityBus{rdb: rdb, node: node, ready: make(chan struct{})}
}

func (b *IdentityBus) Ready() <-chan struct{} {
	return b.ready
}

func (b *IdentityBus) Publish(ctx context.Context, userID string) error {
	body, err := json.Marshal(identityMessage{Node: b.node, UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to marshal identity change: %w", err)
	}
	if err := b.rdb.Publish(ctx, identityChannel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish identity change: %w", err)
	}
	return nil
}

// Run applies identity changes announced by other nodes until ctx is done.
func (b *IdentityBus) Run(ctx context.Context, listener IdentityListener) error {
	markReady := func() { b.readyOnce.Do(func() { close(b.ready) }) }
	return listen(ctx, b.rdb, identityChannel, markReady, func(ctx context.Context, payload string) {
		var msg identityMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.UserID == "" {
			slog.WarnContext(ctx, "Dropping malformed identity change", "payload", payload)
			return
		}
		if msg.Node == b.node {
			return
		}

		closed := listener.OnIdentityChanged(ctx, msg.UserID)
		slog.DebugContext(ctx, "Identity change from peer applied", "user_id", msg.UserID, "node", msg.Node, "closed", closed)
	})
}
