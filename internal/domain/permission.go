package domain

import "context"

// AllowAny grants every action.
type AllowAny struct{}

func (AllowAny) HasPermission(context.Context, Identity, Action) bool { return true }

func (AllowAny) HasObjectPermission(context.Context, Identity, Action, Instance) bool { return true }

// IsAuthenticated denies anonymous identities.
type IsAuthenticated struct{}

func (IsAuthenticated) HasPermission(_ context.Context, id Identity, _ Action) bool {
	return !id.IsAnonymous()
}

func (IsAuthenticated) HasObjectPermission(context.Context, Identity, Action, Instance) bool {
	return true
}

// AuthenticatedOrReadOnly lets anyone subscribe but requires an identity for writes.
type AuthenticatedOrReadOnly struct{}

func (AuthenticatedOrReadOnly) HasPermission(_ context.Context, id Identity, action Action) bool {
	return !action.IsWrite() || !id.IsAnonymous()
}

func (AuthenticatedOrReadOnly) HasObjectPermission(context.Context, Identity, Action, Instance) bool {
	return true
}

// PermissionFunc adapts an object-level predicate to a Permission with no stream-level restriction.
type PermissionFunc func(ctx context.Context, id Identity, action Action, inst Instance) bool

func (f PermissionFunc) HasPermission(context.Context, Identity, Action) bool { return true }

func (f PermissionFunc) HasObjectPermission(ctx context.Context, id Identity, action Action, inst Instance) bool {
	return f(ctx, id, action, inst)
}
