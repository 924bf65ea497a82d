package domain

// Action is the verb of an inbound request.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
)

// AllActions lists every action in dispatch order.
var AllActions = []Action{ActionSubscribe, ActionUnsubscribe, ActionCreate, ActionUpdate, ActionDelete}

// ParseAction maps a wire token to an Action.
func ParseAction(s string) (Action, bool) {
	for _, a := range AllActions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// IsWrite reports whether the action mutates a resource.
func (a Action) IsWrite() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// RequiresInstance reports whether the action targets one existing instance.
func (a Action) RequiresInstance() bool {
	return a == ActionUpdate || a == ActionDelete
}
