package domain

import "fmt"

const DefaultPKField = "id"

// GroupNamer computes the broadcast groups an instance belongs to.
type GroupNamer func(stream string, inst Instance) []string

// DefaultGroupName is the per-instance group "<stream>-<pk>".
func DefaultGroupName(stream string, pk string) string {
	return fmt.Sprintf("%s-%s", stream, pk)
}

// PerInstanceGroups is the default GroupNamer.
func PerInstanceGroups(stream string, inst Instance) []string {
	return []string{DefaultGroupName(stream, inst.PK())}
}

// StreamGroup returns a GroupNamer that puts every instance of the stream into one group.
func StreamGroup(name string) GroupNamer {
	return func(string, Instance) []string { return []string{name} }
}

// Stream binds a resource to a stream name together with its per-stream settings.
type Stream struct {
	Name     string
	Resource Resource

	// Actions restricts create, update and delete. Subscribe and unsubscribe are always allowed.
	// A nil slice allows every action.
	Actions []Action

	// Lookup maps subscription payload keys to predicates, in addition to the
	// serializer's fields which always match exactly. "pk" is always accepted.
	Lookup map[string]LookupField

	// PKField is the serializer field carrying the primary key. It is accepted
	// wherever "pk" is. Defaults to "id".
	PKField string

	// GroupNames defaults to PerInstanceGroups. A primary-key subscription to
	// an instance that does not exist yet passes an Instance carrying only its PK.
	GroupNames GroupNamer

	// DeferBroadcast skips the synchronous broadcast after a write; the change
	// is expected to be announced through Dispatcher.Signal instead.
	DeferBroadcast bool
}

// Allows reports whether action may run on this stream.
func (s Stream) Allows(action Action) bool {
	if action == ActionSubscribe || action == ActionUnsubscribe {
		return true
	}
	if s.Actions == nil {
		return true
	}
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// PKName returns the payload field that names the primary key besides "pk".
func (s Stream) PKName() string {
	if s.PKField == "" {
		return DefaultPKField
	}
	return s.PKField
}

// Groups returns the groups inst belongs to under this stream's naming.
func (s Stream) Groups(inst Instance) []string {
	if s.GroupNames == nil {
		return PerInstanceGroups(s.Name, inst)
	}
	return s.GroupNames(s.Name, inst)
}

// ChangeEvent is a committed mutation to announce to subscribers.
// Payload is the serialized notification; Groups are its targets.
type ChangeEvent struct {
	Stream  string
	Action  Action
	PK      string
	Groups  []string
	Payload []byte
}
