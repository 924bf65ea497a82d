package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/pscheid92/realtimeapi/internal/widgets"
)

const (
	breakerFailureThreshold = 5
	breakerDelay            = 30 * time.Second
)

// BreakerRepo fails widget operations fast while the database keeps erroring.
// Not-found and invalid lookups are answers, not failures.
type BreakerRepo struct {
	next widgets.Repository
	cb   circuitbreaker.CircuitBreaker[any]
}

var _ widgets.Repository = (*BreakerRepo)(nil)

// WithCircuitBreaker wraps next. m may be nil.
func WithCircuitBreaker(next widgets.Repository, m *metrics.DatabaseMetrics) *BreakerRepo {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(breakerFailureThreshold).
		WithDelay(breakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "postgres",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if m != nil {
				m.BreakerState.Set(stateToFloat(e.NewState))
			}
		}).
		Build()

	return &BreakerRepo{next: next, cb: cb}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (b *BreakerRepo) State() circuitbreaker.State {
	return b.cb.State()
}

func guard[T any](ctx context.Context, b *BreakerRepo, fn func() (T, error)) (T, error) {
	var zero T
	if !b.cb.TryAcquirePermit() {
		return zero, fmt.Errorf("widget store unavailable: %w", circuitbreaker.ErrOpen)
	}

	v, err := fn()
	switch {
	case err == nil, errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidLookup):
		b.cb.RecordSuccess()
	case ctx.Err() != nil:
		// The caller gave up; that says nothing about the database.
		b.cb.RecordSuccess()
	default:
		b.cb.RecordError(err)
	}
	return v, err
}

func (b *BreakerRepo) Get(ctx context.Context, id int64) (*widgets.Widget, error) {
	return guard(ctx, b, func() (*widgets.Widget, error) { return b.next.Get(ctx, id) })
}

func (b *BreakerRepo) Find(ctx context.Context, predicates []domain.Predicate) ([]*widgets.Widget, error) {
	return guard(ctx, b, func() ([]*widgets.Widget, error) { return b.next.Find(ctx, predicates) })
}

func (b *BreakerRepo) Create(ctx context.Context, w widgets.Widget) (*widgets.Widget, error) {
	return guard(ctx, b, func() (*widgets.Widget, error) { return b.next.Create(ctx, w) })
}

func (b *BreakerRepo) Update(ctx context.Context, w widgets.Widget) (*widgets.Widget, error) {
	return guard(ctx, b, func() (*widgets.Widget, error) { return b.next.Update(ctx, w) })
}

func (b *BreakerRepo) Delete(ctx context.Context, id int64) error {
	_, err := guard(ctx, b, func() (struct{}, error) { return struct{}{}, b.next.Delete(ctx, id) })
	return err
}
