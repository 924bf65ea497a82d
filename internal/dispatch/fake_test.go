package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/pscheid92/realtimeapi/internal/domain"
)

type gadget struct {
	ID    int
	Name  string
	Owner string
}

func (g *gadget) PK() string { return strconv.Itoa(g.ID) }

type gadgetSerializer struct{}

func (gadgetSerializer) Fields() []string { return []string{"id", "name", "owner"} }

func (gadgetSerializer) Validate(_ context.Context, data map[string]any, inst domain.Instance) (map[string]any, error) {
	v := domain.NewValidationError()
	out := map[string]any{}
	name, ok := data["name"]
	switch {
	case !ok && inst == nil:
		v.Add("name", "This field is required.")
	case ok:
		s, isString := name.(string)
		if !isString || s == "" {
			v.Add("name", "Not a valid string.")
		}
		out["name"] = s
	}
	return out, v.OrNil()
}

func (gadgetSerializer) Serialize(inst domain.Instance) (map[string]any, error) {
	g := inst.(*gadget)
	return map[string]any{"id": g.ID, "name": g.Name, "owner": g.Owner}, nil
}

// gadgets is an in-memory resource. Only owners may change or see their gadgets
// when private is set.
type gadgets struct {
	mu      sync.Mutex
	items   map[int]*gadget
	nextID  int
	private bool
	fail    error
}

func newGadgets(items ...*gadget) *gadgets {
	g := &gadgets{items: make(map[int]*gadget), nextID: 100}
	for _, it := range items {
		g.items[it.ID] = it
	}
	return g
}

func (r *gadgets) Permissions() []domain.Permission {
	return []domain.Permission{
		domain.AuthenticatedOrReadOnly{},
		domain.PermissionFunc(func(_ context.Context, id domain.Identity, action domain.Action, inst domain.Instance) bool {
			owner := inst.(*gadget).Owner
			if action.IsWrite() || r.private {
				return owner == id.UserID
			}
			return true
		}),
	}
}

func (r *gadgets) Serializer() domain.Serializer { return gadgetSerializer{} }

func (r *gadgets) Object(_ context.Context, pk string) (domain.Instance, error) {
	id, err := strconv.Atoi(pk)
	if err != nil {
		return nil, fmt.Errorf("pk %q: %w", pk, domain.ErrInvalidLookup)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *gadgets) Filter(_ context.Context, preds []domain.Predicate) ([]domain.Instance, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Instance
	for _, g := range r.items {
		if matches(g, preds) {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].(*gadget).ID < out[j].(*gadget).ID })
	return out, nil
}

func matches(g *gadget, preds []domain.Predicate) bool {
	for _, p := range preds {
		var field string
		switch p.Field {
		case "pk", "id":
			field = g.PK()
		case "name":
			field = g.Name
		case "owner":
			field = g.Owner
		}
		switch p.Op {
		case domain.OpExact:
			if fmt.Sprint(p.Value) != field {
				return false
			}
		case domain.OpIn:
			found := false
			for _, v := range p.Value.([]any) {
				if fmt.Sprint(v) == field {
					found = true
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (r *gadgets) PerformCreate(_ context.Context, id domain.Identity, data map[string]any) (domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	g := &gadget{ID: r.nextID, Name: data["name"].(string), Owner: id.UserID}
	r.items[g.ID] = g
	cp := *g
	return &cp, nil
}

func (r *gadgets) PerformUpdate(_ context.Context, _ domain.Identity, inst domain.Instance, data map[string]any) (domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.items[inst.(*gadget).ID]
	if name, ok := data["name"].(string); ok {
		g.Name = name
	}
	cp := *g
	return &cp, nil
}

func (r *gadgets) PerformDestroy(_ context.Context, _ domain.Identity, inst domain.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, inst.(*gadget).ID)
	return nil
}

func (r *gadgets) get(id int) (*gadget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.items[id]
	return g, ok
}
