package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const eventsChannel = "realtime:events"

// RemoteSink receives events published by other nodes.
type RemoteSink interface {
	DeliverRemote(event domain.ChangeEvent) int
}

type eventMessage struct {
	Node    string          `json:"node"`
	Stream  string          `json:"stream"`
	Action  domain.Action   `json:"action"`
	PK      string          `json:"pk"`
	Groups  []string        `json:"groups"`
	Payload json.RawMessage `json:"payload"`
}

// Relay fans change events out to the other nodes. Publishing goes through a
// circuit breaker so an unavailable Redis costs one fast failure per event.
type Relay struct {
	rdb     *goredis.Client
	node    string
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.RealtimeMetrics

	readyOnce sync.Once
	ready     chan struct{}
}

func NewRelay(rdb *goredis.Client, node string, m *metrics.RealtimeMetrics) *Relay {
	r := &Relay{rdb: rdb, node: node, metrics: m, ready: make(chan struct{})}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-relay",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.RelayBreakerState.Set(float64(to))
			}
		},
	})
	return r
}

// State reports the publish circuit breaker state.
func (r *Relay) State() gobreaker.State {
	return r.cb.State()
}

// Ready is closed once Run's subscription is active.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

func (r *Relay) Publish(ctx context.Context, event domain.ChangeEvent) error {
	body, err := json.Marshal(eventMessage{
		Node:    r.node,
		Stream:  event.Stream,
		Action:  event.Action,
		PK:      event.PK,
		Groups:  event.Groups,
		Payload: event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal relay event: %w", err)
	}

	_, err = r.cb.Execute(func() (interface{}, error) {
		return nil, r.rdb.Publish(ctx, eventsChannel, body).Err()
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.RelayPublishErrors.Inc()
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("relay circuit open: %w", err)
		}
		return fmt.Errorf("failed to publish relay event: %w", err)
	}

	if r.metrics != nil {
		r.metrics.RelayPublished.Inc()
	}
	return nil
}

// Run delivers events from other nodes to sink until ctx is done.
func (r *Relay) Run(ctx context.Context, sink RemoteSink) error {
	return listen(ctx, r.rdb, eventsChannel, r.markReady, func(ctx context.Context, payload string) {
		var msg eventMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			slog.WarnContext(ctx, "Dropping malformed relay event", "error", err)
			return
		}
		if msg.Node == r.node {
			return
		}

		if r.metrics != nil {
			r.metrics.RelayReceived.Inc()
		}
		sink.DeliverRemote(domain.ChangeEvent{
			Stream:  msg.Stream,
			Action:  msg.Action,
			PK:      msg.PK,
			Groups:  msg.Groups,
			Payload: msg.Payload,
		})
	})
}

func (r *Relay) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}
