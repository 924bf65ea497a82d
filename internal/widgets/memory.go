package widgets

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/domain"
)

// MemoryRepository keeps widgets in process. It serves development setups
// without DATABASE_URL and tests.
type MemoryRepository struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	items  map[int64]Widget
	lastID int64
}

func NewMemoryRepository(clock clockwork.Clock) *MemoryRepository {
	return &MemoryRepository{clock: clock, items: make(map[int64]Widget)}
}

func (r *MemoryRepository) Get(_ context.Context, id int64) (*Widget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("widget %d: %w", id, domain.ErrNotFound)
	}
	return &w, nil
}

func (r *MemoryRepository) Find(_ context.Context, predicates []domain.Predicate) ([]*Widget, error) {
	clauses, err := Compile(predicates)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Widget
	for _, w := range r.items {
		if Matches(&w, clauses) {
			out = append(out, &w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) Create(_ context.Context, w Widget) (*Widget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	now := r.clock.Now()
	w.ID = r.lastID
	w.CreatedAt = now
	w.UpdatedAt = now
	r.items[w.ID] = w
	return &w, nil
}

func (r *MemoryRepository) Update(_ context.Context, w Widget) (*Widget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.items[w.ID]
	if !ok {
		return nil, fmt.Errorf("widget %d: %w", w.ID, domain.ErrNotFound)
	}
	w.CreatedAt = current.CreatedAt
	w.UpdatedAt = r.clock.Now()
	r.items[w.ID] = w
	return &w, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("widget %d: %w", id, domain.ErrNotFound)
	}
	delete(r.items, id)
	return nil
}
