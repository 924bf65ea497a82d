// Package widgets is the demo resource served on the "widgets" stream.
package widgets

import (
	"context"
	"strconv"
	"time"

	"github.com/pscheid92/realtimeapi/internal/domain"
)

const (
	StreamName    = "widgets"
	MaxNameLength = 100
)

type Widget struct {
	ID        int64
	Name      string
	Counter   int16
	Owner     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (w *Widget) PK() string { return strconv.FormatInt(w.ID, 10) }

// Repository stores widgets. Get, Update and Delete return errors wrapping
// domain.ErrNotFound for unknown ids; Find returns errors wrapping
// domain.ErrInvalidLookup for predicates it cannot evaluate.
type Repository interface {
	Get(ctx context.Context, id int64) (*Widget, error)
	Find(ctx context.Context, predicates []domain.Predicate) ([]*Widget, error)
	Create(ctx context.Context, w Widget) (*Widget, error)
	Update(ctx context.Context, w Widget) (*Widget, error)
	Delete(ctx context.Context, id int64) error
}

// NewStream binds repo to the widgets stream.
func NewStream(repo Repository) domain.Stream {
	return domain.Stream{
		Name:     StreamName,
		Resource: NewResource(repo),
		Lookup: map[string]domain.LookupField{
			"ids":         {Field: "pk", Op: domain.OpIn},
			"name_iexact": {Field: "name", Op: domain.OpIExact},
			"name_prefix": {Field: "name", Op: domain.OpPrefix},
			"counter_gte": {Field: "counter", Op: domain.OpGte},
			"counter_lte": {Field: "counter", Op: domain.OpLte},
			"owners":      {Field: "owner", Op: domain.OpIn},
		},
	}
}
