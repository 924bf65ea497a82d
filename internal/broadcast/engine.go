package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/pscheid92/realtimeapi/internal/protocol"
	"github.com/pscheid92/realtimeapi/internal/registry"
)

const (
	originLocal  = "local"
	originRemote = "remote"
)

// Relay carries locally originated events to other nodes.
type Relay interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}

// recipient is the delivery side of a registry member.
type recipient interface {
	Enqueue(data []byte) bool
}

type Engine struct {
	registry *registry.Registry
	metrics  *metrics.RealtimeMetrics

	relayMutex sync.RWMutex
	relay      Relay
}

func New(reg *registry.Registry, m *metrics.RealtimeMetrics) *Engine {
	return &Engine{registry: reg, metrics: m}
}

// SetRelay installs the cross-node relay. A nil relay disables it.
func (e *Engine) SetRelay(r Relay) {
	e.relayMutex.Lock()
	defer e.relayMutex.Unlock()
	e.relay = r
}

// NewEvent renders a change notification for stream and wraps it as an event targeting groups.
func NewEvent(stream string, action domain.Action, pk string, groups []string, data any) (domain.ChangeEvent, error) {
	payload, err := protocol.Notification{Stream: stream, Action: string(action), Data: data}.Marshal()
	if err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("marshal %s notification for %s/%s: %w", action, stream, pk, err)
	}
	return domain.ChangeEvent{Stream: stream, Action: action, PK: pk, Groups: groups, Payload: payload}, nil
}

// Broadcast delivers event to local members and hands it to the relay.
// It returns the number of local recipients whose queue accepted the message.
func (e *Engine) Broadcast(ctx context.Context, event domain.ChangeEvent) int {
	delivered := e.deliver(event)
	e.count(originLocal)

	e.relayMutex.RLock()
	relay := e.relay
	e.relayMutex.RUnlock()

	if relay != nil {
		if err := relay.Publish(ctx, event); err != nil {
			slog.WarnContext(ctx, "Relay publish failed", "stream", event.Stream, "action", event.Action, "pk", event.PK, "error", err)
		}
	}

	slog.DebugContext(ctx, "Broadcast", "stream", event.Stream, "action", event.Action, "pk", event.PK, "groups", len(event.Groups), "delivered", delivered)
	return delivered
}

// DeliverRemote delivers an event received from another node. It is never relayed again.
func (e *Engine) DeliverRemote(event domain.ChangeEvent) int {
	delivered := e.deliver(event)
	e.count(originRemote)
	return delivered
}

// deliver enqueues the payload once per distinct member across all target groups.
func (e *Engine) deliver(event domain.ChangeEvent) int {
	if len(event.Groups) == 0 {
		return 0
	}

	seen := make(map[string]struct{})
	delivered := 0
	for _, group := range event.Groups {
		for _, member := range e.registry.Members(group) {
			if _, dup := seen[member.ID()]; dup {
				continue
			}
			seen[member.ID()] = struct{}{}

			r, ok := member.(recipient)
			if !ok {
				continue
			}
			if r.Enqueue(event.Payload) {
				delivered++
			}
		}
	}
	return delivered
}

func (e *Engine) count(origin string) {
	if e.metrics != nil {
		e.metrics.Broadcasts.WithLabelValues(origin).Inc()
	}
}
