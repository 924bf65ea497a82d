package widgets

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pscheid92/realtimeapi/internal/domain"
)

const (
	msgRequired  = "This field is required."
	msgNotString = "Not a valid string."
	msgBlank     = "This field may not be blank."
	msgNotInt    = "A valid integer is required."
)

var (
	msgTooLong  = fmt.Sprintf("Ensure this field has no more than %d characters.", MaxNameLength)
	msgTooSmall = fmt.Sprintf("Ensure this value is greater than or equal to %d.", math.MinInt16)
	msgTooLarge = fmt.Sprintf("Ensure this value is less than or equal to %d.", math.MaxInt16)
)

// Serializer renders widgets and validates writes. id and owner are read-only
// and ignored on input.
type Serializer struct{}

func (Serializer) Fields() []string { return []string{"id", "name", "counter", "owner"} }

func (Serializer) Validate(_ context.Context, data map[string]any, inst domain.Instance) (map[string]any, error) {
	v := domain.NewValidationError()
	out := make(map[string]any)

	if raw, ok := data["name"]; ok {
		if name, valid := validateName(v, raw); valid {
			out["name"] = name
		}
	} else if inst == nil {
		v.Add("name", msgRequired)
	}

	if raw, ok := data["counter"]; ok {
		if counter, valid := validateCounter(v, raw); valid {
			out["counter"] = counter
		}
	}

	if err := v.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func validateName(v *domain.ValidationError, raw any) (string, bool) {
	name, ok := raw.(string)
	if !ok {
		v.Add("name", msgNotString)
		return "", false
	}
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		v.Add("name", msgBlank)
		return "", false
	case utf8.RuneCountInString(name) > MaxNameLength:
		v.Add("name", msgTooLong)
		return "", false
	}
	return name, true
}

func validateCounter(v *domain.ValidationError, raw any) (int16, bool) {
	var (
		n   int64
		err error
	)
	switch c := raw.(type) {
	case json.Number:
		n, err = c.Int64()
	case string:
		n, err = strconv.ParseInt(strings.TrimSpace(c), 10, 64)
	case float64:
		if c != math.Trunc(c) {
			err = fmt.Errorf("fractional counter")
		}
		n = int64(c)
	default:
		err = fmt.Errorf("unsupported type %T", raw)
	}
	switch {
	case err != nil:
		v.Add("counter", msgNotInt)
		return 0, false
	case n < math.MinInt16:
		v.Add("counter", msgTooSmall)
		return 0, false
	case n > math.MaxInt16:
		v.Add("counter", msgTooLarge)
		return 0, false
	}
	return int16(n), true
}

func (Serializer) Serialize(inst domain.Instance) (map[string]any, error) {
	w, ok := inst.(*Widget)
	if !ok {
		return nil, fmt.Errorf("serialize %T as widget", inst)
	}
	return map[string]any{
		"id":      w.ID,
		"name":    w.Name,
		"counter": w.Counter,
		"owner":   w.Owner,
	}, nil
}

// isOwner restricts update and delete to the widget's owner.
func isOwner(_ context.Context, id domain.Identity, action domain.Action, inst domain.Instance) bool {
	if !action.RequiresInstance() {
		return true
	}
	w, ok := inst.(*Widget)
	return ok && !id.IsAnonymous() && w.Owner == id.UserID
}

// Resource exposes a Repository to the dispatcher.
type Resource struct {
	repo Repository
}

func NewResource(repo Repository) *Resource {
	return &Resource{repo: repo}
}

func (r *Resource) Permissions() []domain.Permission {
	return []domain.Permission{
		domain.AuthenticatedOrReadOnly{},
		domain.PermissionFunc(isOwner),
	}
}

func (r *Resource) Serializer() domain.Serializer { return Serializer{} }

func (r *Resource) Object(ctx context.Context, pk string) (domain.Instance, error) {
	id, err := strconv.ParseInt(pk, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("widget pk %q: %w", pk, domain.ErrInvalidLookup)
	}
	return r.repo.Get(ctx, id)
}

func (r *Resource) Filter(ctx context.Context, predicates []domain.Predicate) ([]domain.Instance, error) {
	found, err := r.repo.Find(ctx, predicates)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Instance, len(found))
	for i, w := range found {
		out[i] = w
	}
	return out, nil
}

func (r *Resource) PerformCreate(ctx context.Context, id domain.Identity, data map[string]any) (domain.Instance, error) {
	w := Widget{Owner: id.UserID}
	apply(&w, data)
	return r.repo.Create(ctx, w)
}

func (r *Resource) PerformUpdate(ctx context.Context, _ domain.Identity, inst domain.Instance, data map[string]any) (domain.Instance, error) {
	current, ok := inst.(*Widget)
	if !ok {
		return nil, fmt.Errorf("update %T as widget", inst)
	}
	w := *current
	apply(&w, data)
	return r.repo.Update(ctx, w)
}

func (r *Resource) PerformDestroy(ctx context.Context, _ domain.Identity, inst domain.Instance) error {
	w, ok := inst.(*Widget)
	if !ok {
		return fmt.Errorf("delete %T as widget", inst)
	}
	return r.repo.Delete(ctx, w.ID)
}

func apply(w *Widget, data map[string]any) {
	if name, ok := data["name"].(string); ok {
		w.Name = name
	}
	if counter, ok := data["counter"].(int16); ok {
		w.Counter = counter
	}
}
