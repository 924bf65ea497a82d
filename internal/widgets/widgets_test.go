package widgets

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) (*MemoryRepository, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	repo := NewMemoryRepository(clock)
	ctx := context.Background()
	for _, w := range []Widget{
		{Name: "Alpha", Counter: 1, Owner: "alice"},
		{Name: "Beta", Counter: 20, Owner: "bob"},
		{Name: "alpine", Counter: -3, Owner: "alice"},
	} {
		_, err := repo.Create(ctx, w)
		require.NoError(t, err)
	}
	return repo, clock
}

func ids(ws []*Widget) []int64 {
	out := make([]int64, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}

func TestSerializer_ValidateCreate(t *testing.T) {
	s := Serializer{}
	ctx := context.Background()

	data, err := s.Validate(ctx, map[string]any{"name": "  Mike ", "counter": json.Number("21"), "owner": "mallory"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Mike", "counter": int16(21)}, data)

	_, err = s.Validate(ctx, map[string]any{}, nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"This field is required."}, verr.Fields["name"])
}

func TestSerializer_ValidateFailures(t *testing.T) {
	tests := []struct {
		name  string
		data  map[string]any
		field string
		msg   string
	}{
		{"blank name", map[string]any{"name": "   "}, "name", "This field may not be blank."},
		{"non string name", map[string]any{"name": json.Number("3")}, "name", "Not a valid string."},
		{"long name", map[string]any{"name": strings.Repeat("x", 101)}, "name", "Ensure this field has no more than 100 characters."},
		{"counter overflow", map[string]any{"counter": json.Number("32768")}, "counter", "Ensure this value is less than or equal to 32767."},
		{"counter underflow", map[string]any{"counter": json.Number("-32769")}, "counter", "Ensure this value is greater than or equal to -32768."},
		{"fractional counter", map[string]any{"counter": json.Number("1.5")}, "counter", "A valid integer is required."},
		{"counter object", map[string]any{"counter": map[string]any{}}, "counter", "A valid integer is required."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Serializer{}.Validate(context.Background(), tt.data, &Widget{ID: 1, Name: "x"})
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, []string{tt.msg}, verr.Fields[tt.field])
		})
	}
}

func TestSerializer_PartialUpdate(t *testing.T) {
	data, err := Serializer{}.Validate(context.Background(), map[string]any{"counter": "-7"}, &Widget{ID: 1, Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"counter": int16(-7)}, data)
}

func TestSerializer_Serialize(t *testing.T) {
	got, err := Serializer{}.Serialize(&Widget{ID: 5, Name: "Mike", Counter: 21, Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(5), "name": "Mike", "counter": int16(21), "owner": "alice"}, got)

	_, err = Serializer{}.Serialize(nil)
	assert.Error(t, err)
}

func TestFind_Operators(t *testing.T) {
	repo, _ := seeded(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		preds []domain.Predicate
		want  []int64
	}{
		{"pk exact", []domain.Predicate{{Field: "pk", Op: domain.OpExact, Value: json.Number("2")}}, []int64{2}},
		{"pk as string", []domain.Predicate{{Field: "pk", Op: domain.OpExact, Value: "3"}}, []int64{3}},
		{"pk in", []domain.Predicate{{Field: "pk", Op: domain.OpIn, Value: []any{json.Number("1"), json.Number("3"), json.Number("9")}}}, []int64{1, 3}},
		{"name iexact", []domain.Predicate{{Field: "name", Op: domain.OpIExact, Value: "ALPHA"}}, []int64{1}},
		{"name prefix", []domain.Predicate{{Field: "name", Op: domain.OpPrefix, Value: "Al"}}, []int64{1}},
		{"counter range", []domain.Predicate{
			{Field: "counter", Op: domain.OpGte, Value: json.Number("0")},
			{Field: "counter", Op: domain.OpLte, Value: json.Number("20")},
		}, []int64{1, 2}},
		{"owner exact", []domain.Predicate{{Field: "owner", Op: domain.OpExact, Value: "alice"}}, []int64{1, 3}},
		{"nothing", []domain.Predicate{{Field: "owner", Op: domain.OpExact, Value: "carol"}}, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Find(ctx, tt.preds)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestFind_InvalidLookups(t *testing.T) {
	repo, _ := seeded(t)
	ctx := context.Background()

	for _, preds := range [][]domain.Predicate{
		{{Field: "colour", Op: domain.OpExact, Value: "red"}},
		{{Field: "pk", Op: domain.OpExact, Value: "abc"}},
		{{Field: "pk", Op: domain.OpPrefix, Value: "1"}},
		{{Field: "name", Op: domain.OpGte, Value: "a"}},
		{{Field: "name", Op: domain.OpExact, Value: true}},
		{{Field: "pk", Op: domain.OpIn, Value: json.Number("1")}},
	} {
		_, err := repo.Find(ctx, preds)
		assert.ErrorIs(t, err, domain.ErrInvalidLookup, "%+v", preds)
	}
}

func TestMemoryRepository_Lifecycle(t *testing.T) {
	repo, clock := seeded(t)
	ctx := context.Background()

	w, err := repo.Get(ctx, 2)
	require.NoError(t, err)
	created := w.CreatedAt

	clock.Advance(time.Minute)
	w.Counter = 3
	updated, err := repo.Update(ctx, *w)
	require.NoError(t, err)
	assert.Equal(t, int16(3), updated.Counter)
	assert.Equal(t, created, updated.CreatedAt)
	assert.Equal(t, created.Add(time.Minute), updated.UpdatedAt)

	require.NoError(t, repo.Delete(ctx, 2))
	_, err = repo.Get(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, 2), domain.ErrNotFound)
	_, err = repo.Update(ctx, Widget{ID: 2})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResource_Permissions(t *testing.T) {
	repo, _ := seeded(t)
	res := NewResource(repo)
	ctx := context.Background()
	mine := &Widget{ID: 1, Owner: "alice"}

	allowed := func(id domain.Identity, action domain.Action, inst domain.Instance) bool {
		for _, p := range res.Permissions() {
			if !p.HasPermission(ctx, id, action) {
				return false
			}
			if inst != nil && !p.HasObjectPermission(ctx, id, action, inst) {
				return false
			}
		}
		return true
	}

	alice := domain.Identity{UserID: "alice"}
	bob := domain.Identity{UserID: "bob"}

	assert.True(t, allowed(domain.Anonymous(), domain.ActionSubscribe, mine))
	assert.False(t, allowed(domain.Anonymous(), domain.ActionCreate, nil))
	assert.True(t, allowed(bob, domain.ActionCreate, nil))
	assert.True(t, allowed(alice, domain.ActionUpdate, mine))
	assert.False(t, allowed(bob, domain.ActionUpdate, mine))
	assert.False(t, allowed(bob, domain.ActionDelete, mine))
	assert.True(t, allowed(bob, domain.ActionSubscribe, mine))
}

func TestResource_Perform(t *testing.T) {
	repo, _ := seeded(t)
	res := NewResource(repo)
	ctx := context.Background()
	carol := domain.Identity{UserID: "carol"}

	inst, err := res.PerformCreate(ctx, carol, map[string]any{"name": "Gamma", "counter": int16(4)})
	require.NoError(t, err)
	created := inst.(*Widget)
	assert.Equal(t, "4", created.PK())
	assert.Equal(t, "carol", created.Owner)

	inst, err = res.PerformUpdate(ctx, carol, created, map[string]any{"counter": int16(5)})
	require.NoError(t, err)
	assert.Equal(t, "Gamma", inst.(*Widget).Name)
	assert.Equal(t, int16(5), inst.(*Widget).Counter)

	require.NoError(t, res.PerformDestroy(ctx, carol, inst))
	_, err = res.Object(ctx, "4")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = res.Object(ctx, "four")
	assert.ErrorIs(t, err, domain.ErrInvalidLookup)
}

func TestNewStream(t *testing.T) {
	s := NewStream(NewMemoryRepository(clockwork.NewFakeClock()))
	assert.Equal(t, "widgets", s.Name)
	assert.Nil(t, s.Actions)
	assert.Equal(t, []string{"widgets-5"}, s.Groups(&Widget{ID: 5}))
	assert.Equal(t, domain.OpIn, s.Lookup["ids"].Op)
}
