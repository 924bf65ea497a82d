// Package protocol parses inbound realtime messages and renders replies and
// change notifications.
//
// An inbound message is a JSON object
//
//	{"stream": "<stream>/<action>/[<pk>/]", "payload": {...}}
//
// When "stream" is absent the route is taken from the connection path.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/tidwall/gjson"
)

// Request is a parsed inbound message.
type Request struct {
	Stream  string
	Action  string
	PK      string
	Payload map[string]any
}

// Route returns the canonical "<stream>/<action>/[<pk>/]" form.
func (r Request) Route() string {
	if r.PK != "" {
		return r.Stream + "/" + r.Action + "/" + r.PK + "/"
	}
	return r.Stream + "/" + r.Action + "/"
}

// Parse decodes raw. path is the connection path relative to the websocket
// endpoint and is used when the message does not carry a stream field.
// Errors wrap domain.ErrMalformedMessage.
func Parse(raw []byte, path string) (Request, error) {
	if !gjson.ValidBytes(raw) {
		return Request{}, fmt.Errorf("invalid json: %w", domain.ErrMalformedMessage)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Request{}, fmt.Errorf("message is not an object: %w", domain.ErrMalformedMessage)
	}

	route := path
	if stream := root.Get("stream"); stream.Exists() {
		if stream.Type != gjson.String {
			return Request{}, fmt.Errorf("stream must be a string: %w", domain.ErrMalformedMessage)
		}
		route = stream.String()
	}

	req, err := parseRoute(route)
	if err != nil {
		return Request{}, err
	}

	payload := root.Get("payload")
	switch {
	case !payload.Exists() || payload.Type == gjson.Null:
		req.Payload = map[string]any{}
	case payload.IsObject():
		req.Payload, err = decodeObject(payload.Raw)
		if err != nil {
			return Request{}, err
		}
	default:
		return Request{}, fmt.Errorf("payload must be an object: %w", domain.ErrMalformedMessage)
	}

	return req, nil
}

func parseRoute(route string) (Request, error) {
	segments := strings.Split(strings.Trim(route, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return Request{}, fmt.Errorf("route %q needs a stream and an action: %w", route, domain.ErrMalformedMessage)
	}
	if len(segments) > 3 {
		return Request{}, fmt.Errorf("route %q has too many segments: %w", route, domain.ErrMalformedMessage)
	}

	req := Request{Stream: segments[0], Action: segments[1]}
	if len(segments) == 3 {
		req.PK = segments[2]
	}
	return req, nil
}

func decodeObject(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %v: %w", err, domain.ErrMalformedMessage)
	}
	return out, nil
}
