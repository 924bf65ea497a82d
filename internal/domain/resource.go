package domain

import "context"

// Instance is a single resource record addressed by its primary key.
type Instance interface {
	PK() string
}

// Op is a comparison applied by a Predicate.
type Op string

const (
	OpExact  Op = "exact"
	OpIExact Op = "iexact"
	OpIn     Op = "in"
	OpLte    Op = "lte"
	OpGte    Op = "gte"
	OpPrefix Op = "prefix"
)

// Predicate restricts a query to instances whose Field satisfies Op against Value.
// Value is a []any for OpIn.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// LookupField maps a subscription payload key onto a resource field and operator.
type LookupField struct {
	Field string
	Op    Op
}

// Serializer validates inbound data and renders instances.
type Serializer interface {
	// Fields returns the names a payload may use for exact-match lookups.
	Fields() []string
	// Validate checks data for a create (inst == nil) or a partial update.
	// Failures are returned as *ValidationError.
	Validate(ctx context.Context, data map[string]any, inst Instance) (map[string]any, error)
	Serialize(inst Instance) (map[string]any, error)
}

// Permission decides whether an identity may perform an action.
// HasPermission is the stream-level check. HasObjectPermission runs only once
// HasPermission passed and a concrete instance is involved.
type Permission interface {
	HasPermission(ctx context.Context, id Identity, action Action) bool
	HasObjectPermission(ctx context.Context, id Identity, action Action, inst Instance) bool
}

// Resource is the capability set a stream exposes to the dispatcher.
// Object and Filter return errors wrapping ErrNotFound or ErrInvalidLookup where applicable.
type Resource interface {
	Permissions() []Permission
	Serializer() Serializer

	Object(ctx context.Context, pk string) (Instance, error)
	Filter(ctx context.Context, predicates []Predicate) ([]Instance, error)

	PerformCreate(ctx context.Context, id Identity, data map[string]any) (Instance, error)
	PerformUpdate(ctx context.Context, id Identity, inst Instance, data map[string]any) (Instance, error)
	PerformDestroy(ctx context.Context, id Identity, inst Instance) error
}
