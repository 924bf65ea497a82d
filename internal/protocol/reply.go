package protocol

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/pscheid92/realtimeapi/internal/errors"
)

// Reply is the direct answer to one inbound request.
type Reply struct {
	Stream string `json:"stream,omitempty"`
	Status int    `json:"status"`
	Text   Text   `json:"text"`
}

type Text struct {
	Detail string              `json:"detail,omitempty"`
	Fields map[string][]string `json:"fields,omitempty"`
}

// Notification is pushed to every member of the groups a change targets.
type Notification struct {
	Stream string `json:"stream"`
	Action string `json:"action"`
	Data   any    `json:"data"`
}

const (
	DetailSubscribed   = "subscription successful"
	DetailUnsubscribed = "subscription cancelled"
	DetailCreated      = "creation successful"
	DetailUpdated      = "update successful"
	DetailDeleted      = "deletion successful"
)

func Success(status int, detail string) Reply {
	return Reply{Status: status, Text: Text{Detail: detail}}
}

func Subscribed() Reply { return Success(http.StatusOK, DetailSubscribed) }
func Unsubscribed() Reply { return Success(http.StatusNoContent, DetailUnsubscribed) }
func Created() Reply { return Success(http.StatusCreated, DetailCreated) }
func Updated() Reply { return Success(http.StatusOK, DetailUpdated) }
func Deleted() Reply { return Success(http.StatusNoContent, DetailDeleted) }

// Failure renders err. Unknown errors collapse into a generic 500 reply.
func Failure(err error) Reply {
	e := apperrors.AsStructuredError(err)
	return Reply{Status: e.Status(), Text: Text{Detail: e.Message, Fields: e.Fields}}
}

// For tags the reply with the route it answers.
func (r Reply) For(route string) Reply {
	r.Stream = route
	return r
}

func (r Reply) OK() bool {
	return r.Status < http.StatusBadRequest
}

func (r Reply) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func (n Notification) Marshal() ([]byte, error) {
	return json.Marshal(n)
}
