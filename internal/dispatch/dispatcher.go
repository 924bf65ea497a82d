// Package dispatch routes inbound requests to the stream they address and runs
// the resolve, permission, validate, perform and broadcast steps of each action.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/pscheid92/realtimeapi/internal/adapter/metrics"
	"github.com/pscheid92/realtimeapi/internal/broadcast"
	"github.com/pscheid92/realtimeapi/internal/connection"
	"github.com/pscheid92/realtimeapi/internal/domain"
	apperrors "github.com/pscheid92/realtimeapi/internal/errors"
	"github.com/pscheid92/realtimeapi/internal/protocol"
	"github.com/pscheid92/realtimeapi/internal/registry"
)

const (
	msgMissingLookup = "The URL should include a lookup value."
	msgInvalidPK     = "The URL lookup value is invalid."
	unknownLabel     = "unknown"
)

// Broadcaster delivers committed change events.
type Broadcaster interface {
	Broadcast(ctx context.Context, event domain.ChangeEvent) int
}

type Dispatcher struct {
	registry *registry.Registry
	engine   Broadcaster
	metrics  *metrics.RealtimeMetrics

	mu      sync.RWMutex
	streams map[string]domain.Stream
}

// New creates a dispatcher serving streams. Stream names must be unique.
func New(reg *registry.Registry, engine Broadcaster, m *metrics.RealtimeMetrics, streams ...domain.Stream) (*Dispatcher, error) {
	d := &Dispatcher{
		registry: reg,
		engine:   engine,
		metrics:  m,
		streams:  make(map[string]domain.Stream),
	}
	for _, s := range streams {
		if err := d.Register(s); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register adds a stream. It fails with domain.ErrAlreadyRegistered for a duplicate name.
func (d *Dispatcher) Register(s domain.Stream) error {
	if s.Name == "" {
		return errors.New("stream name must not be empty")
	}
	if s.Resource == nil {
		return fmt.Errorf("stream %q has no resource", s.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.streams[s.Name]; exists {
		return fmt.Errorf("stream %q: %w", s.Name, domain.ErrAlreadyRegistered)
	}
	d.streams[s.Name] = s
	return nil
}

// Streams returns the sorted names of registered streams.
func (d *Dispatcher) Streams() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.streams))
	for name := range d.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) stream(name string) (domain.Stream, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.streams[name]
	return s, ok
}

// Dispatch handles one request on behalf of conn and returns the reply for the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *connection.Conn, req protocol.Request) protocol.Reply {
	streamLabel, actionLabel := unknownLabel, unknownLabel

	reply := func() protocol.Reply {
		stream, ok := d.stream(req.Stream)
		if !ok {
			return protocol.Failure(fmt.Errorf("stream %q: %w", req.Stream, domain.ErrUnknownStream))
		}
		streamLabel = stream.Name

		action, ok := domain.ParseAction(req.Action)
		if !ok || !stream.Allows(action) {
			return protocol.Failure(apperrors.NotAllowedError(req.Action))
		}
		actionLabel = string(action)

		return d.run(ctx, conn, stream, action, req)
	}().For(req.Route())

	if d.metrics != nil {
		d.metrics.Actions.WithLabelValues(streamLabel, actionLabel, strconv.Itoa(reply.Status)).Inc()
	}
	return reply
}

func (d *Dispatcher) run(ctx context.Context, conn *connection.Conn, stream domain.Stream, action domain.Action, req protocol.Request) protocol.Reply {
	var (
		reply protocol.Reply
		err   error
	)
	switch action {
	case domain.ActionSubscribe:
		reply, err = d.subscribe(ctx, conn, stream, req)
	case domain.ActionUnsubscribe:
		reply, err = d.unsubscribe(ctx, conn, stream, req)
	case domain.ActionCreate:
		reply, err = d.create(ctx, conn.Identity(), stream, req)
	case domain.ActionUpdate:
		reply, err = d.update(ctx, conn.Identity(), stream, req)
	case domain.ActionDelete:
		reply, err = d.delete(ctx, conn.Identity(), stream, req)
	}
	if err == nil {
		return reply
	}

	structured := apperrors.AsStructuredError(err)
	if structured.Type == apperrors.TypeInternal {
		slog.ErrorContext(ctx, "Action failed", "stream", stream.Name, "action", action, "pk", req.PK, "conn_id", conn.ID(), "error", err)
	} else {
		slog.DebugContext(ctx, "Action rejected", "stream", stream.Name, "action", action, "pk", req.PK, "conn_id", conn.ID(), "error", err)
	}
	return protocol.Failure(structured)
}

// checkPermission runs the stream-level checks.
func checkPermission(ctx context.Context, stream domain.Stream, id domain.Identity, action domain.Action) error {
	for _, p := range stream.Resource.Permissions() {
		if !p.HasPermission(ctx, id, action) {
			return fmt.Errorf("%s on %s for %s: %w", action, stream.Name, id, domain.ErrForbidden)
		}
	}
	return nil
}

// visible runs the object-level checks.
func visible(ctx context.Context, stream domain.Stream, id domain.Identity, action domain.Action, inst domain.Instance) bool {
	for _, p := range stream.Resource.Permissions() {
		if !p.HasObjectPermission(ctx, id, action, inst) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) lookupPayload(req protocol.Request) map[string]any {
	if len(req.Payload) == 0 && req.PK != "" {
		return map[string]any{PKField: req.PK}
	}
	return req.Payload
}

func (d *Dispatcher) subscribe(ctx context.Context, conn *connection.Conn, stream domain.Stream, req protocol.Request) (protocol.Reply, error) {
	preds, err := predicates(stream, d.lookupPayload(req))
	if err != nil {
		return protocol.Reply{}, err
	}
	id := conn.Identity()
	if err := checkPermission(ctx, stream, id, domain.ActionSubscribe); err != nil {
		return protocol.Reply{}, err
	}

	instances, err := stream.Resource.Filter(ctx, preds)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("filter %s: %w", stream.Name, err)
	}
	groups, err := subscriptionGroups(ctx, stream, id, preds, instances)
	if err != nil {
		return protocol.Reply{}, err
	}

	joined := 0
	for _, group := range groups {
		added, err := d.registry.Add(conn, group)
		if err != nil {
			return protocol.Reply{}, fmt.Errorf("join %s: %w", group, err)
		}
		if added {
			joined++
		}
	}
	conn.Subscriptions().Add(subscriptionKey(stream, preds), groups)

	slog.DebugContext(ctx, "Subscribed", "stream", stream.Name, "conn_id", conn.ID(), "matched", len(instances), "joined", joined)
	return protocol.Subscribed(), nil
}

// subscriptionGroups resolves the groups a subscribe joins. Invisible
// instances are skipped so the reply matches a lookup that found nothing.
// A primary-key lookup also joins the groups of keys that have no instance
// yet, so a later create reaches the subscriber.
func subscriptionGroups(ctx context.Context, stream domain.Stream, id domain.Identity, preds []domain.Predicate, instances []domain.Instance) ([]string, error) {
	var groups []string
	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		seen[inst.PK()] = struct{}{}
		if visible(ctx, stream, id, domain.ActionSubscribe, inst) {
			groups = append(groups, stream.Groups(inst)...)
		}
	}

	pks, ok := pkLookup(stream, preds)
	if !ok {
		return groups, nil
	}
	for _, pk := range pks {
		if _, found := seen[pk]; found {
			continue
		}
		inst, err := stream.Resource.Object(ctx, pk)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			groups = append(groups, stream.Groups(pkOnly(pk))...)
		case err != nil:
			return nil, fmt.Errorf("load %s/%s: %w", stream.Name, pk, err)
		case visible(ctx, stream, id, domain.ActionSubscribe, inst):
			groups = append(groups, stream.Groups(inst)...)
		}
	}
	return groups, nil
}

func (d *Dispatcher) unsubscribe(ctx context.Context, conn *connection.Conn, stream domain.Stream, req protocol.Request) (protocol.Reply, error) {
	preds, err := predicates(stream, d.lookupPayload(req))
	if err != nil {
		return protocol.Reply{}, err
	}

	subs := conn.Subscriptions()
	groups, recorded := subs.Release(subscriptionKey(stream, preds))
	if !recorded {
		groups, err = currentGroups(ctx, stream, preds)
		if err != nil {
			return protocol.Reply{}, err
		}
		subs.Forget(groups)
	}

	left := 0
	for _, group := range groups {
		if d.registry.Remove(conn, group) {
			left++
		}
	}

	slog.DebugContext(ctx, "Unsubscribed", "stream", stream.Name, "conn_id", conn.ID(), "recorded", recorded, "left", left)
	return protocol.Unsubscribed(), nil
}

// currentGroups resolves a lookup that no subscribe on this connection used:
// the groups of the instances it matches now, plus those named by primary
// key so deleted instances can still be left.
func currentGroups(ctx context.Context, stream domain.Stream, preds []domain.Predicate) ([]string, error) {
	instances, err := stream.Resource.Filter(ctx, preds)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", stream.Name, err)
	}

	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		seen[inst.PK()] = struct{}{}
	}
	for _, pk := range pkValues(stream, preds) {
		if _, ok := seen[pk]; !ok {
			instances = append(instances, pkOnly(pk))
		}
	}

	var groups []string
	for _, inst := range instances {
		groups = append(groups, stream.Groups(inst)...)
	}
	return groups, nil
}

func (d *Dispatcher) create(ctx context.Context, id domain.Identity, stream domain.Stream, req protocol.Request) (protocol.Reply, error) {
	if err := checkPermission(ctx, stream, id, domain.ActionCreate); err != nil {
		return protocol.Reply{}, err
	}

	data, err := stream.Resource.Serializer().Validate(ctx, req.Payload, nil)
	if err != nil {
		return protocol.Reply{}, err
	}
	inst, err := stream.Resource.PerformCreate(ctx, id, data)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("create %s: %w", stream.Name, err)
	}

	if !stream.DeferBroadcast {
		d.announce(ctx, stream, domain.ActionCreate, inst)
	}
	return protocol.Created(), nil
}

func (d *Dispatcher) update(ctx context.Context, id domain.Identity, stream domain.Stream, req protocol.Request) (protocol.Reply, error) {
	if err := checkPermission(ctx, stream, id, domain.ActionUpdate); err != nil {
		return protocol.Reply{}, err
	}

	payload := req.Payload
	inst, err := d.object(ctx, id, stream, domain.ActionUpdate, targetPK(stream, req))
	if err != nil {
		return protocol.Reply{}, err
	}
	if req.PK == "" {
		payload = withoutPK(stream, payload)
	}

	data, err := stream.Resource.Serializer().Validate(ctx, payload, inst)
	if err != nil {
		return protocol.Reply{}, err
	}
	updated, err := stream.Resource.PerformUpdate(ctx, id, inst, data)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("update %s/%s: %w", stream.Name, inst.PK(), err)
	}

	if !stream.DeferBroadcast {
		d.announce(ctx, stream, domain.ActionUpdate, updated)
	}
	return protocol.Updated(), nil
}

func (d *Dispatcher) delete(ctx context.Context, id domain.Identity, stream domain.Stream, req protocol.Request) (protocol.Reply, error) {
	if err := checkPermission(ctx, stream, id, domain.ActionDelete); err != nil {
		return protocol.Reply{}, err
	}

	inst, err := d.object(ctx, id, stream, domain.ActionDelete, targetPK(stream, req))
	if err != nil {
		return protocol.Reply{}, err
	}
	// Rendered before the instance is gone.
	data := deletionData(stream, inst)

	if err := stream.Resource.PerformDestroy(ctx, id, inst); err != nil {
		return protocol.Reply{}, fmt.Errorf("delete %s/%s: %w", stream.Name, inst.PK(), err)
	}

	if !stream.DeferBroadcast {
		d.publish(ctx, stream, domain.ActionDelete, inst, data)
	}
	return protocol.Deleted(), nil
}

// object resolves the target of an update or delete. Missing and invisible
// instances produce the same not-found error.
func (d *Dispatcher) object(ctx context.Context, id domain.Identity, stream domain.Stream, action domain.Action, pk string) (domain.Instance, error) {
	if pk == "" {
		return nil, apperrors.NotFoundError(msgMissingLookup)
	}

	inst, err := stream.Resource.Object(ctx, pk)
	switch {
	case errors.Is(err, domain.ErrInvalidLookup):
		return nil, apperrors.ValidationError(msgInvalidPK).WithField("pk", pk)
	case errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("%s/%s: %w", stream.Name, pk, domain.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("load %s/%s: %w", stream.Name, pk, err)
	}

	if !visible(ctx, stream, id, action, inst) {
		return nil, fmt.Errorf("%s/%s hidden from %s: %w", stream.Name, pk, id, domain.ErrNotFound)
	}
	return inst, nil
}

// targetPK takes the primary key from the route, falling back to the "pk"
// payload field and then the stream's pk field.
func targetPK(stream domain.Stream, req protocol.Request) string {
	if req.PK != "" {
		return req.PK
	}
	for _, key := range []string{PKField, stream.PKName()} {
		if v, ok := req.Payload[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func withoutPK(stream domain.Stream, payload map[string]any) map[string]any {
	pkName := stream.PKName()
	_, hasPK := payload[PKField]
	_, hasField := payload[pkName]
	if !hasPK && !hasField {
		return payload
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != PKField && k != pkName {
			out[k] = v
		}
	}
	return out
}

// deletionData is the {"id": pk} body of a delete notification, using the
// serialized id when the serializer renders one.
func deletionData(stream domain.Stream, inst domain.Instance) map[string]any {
	if rendered, err := stream.Resource.Serializer().Serialize(inst); err == nil {
		if v, ok := rendered["id"]; ok {
			return map[string]any{"id": v}
		}
	}
	return map[string]any{"id": inst.PK()}
}

// Signal announces a change made outside the dispatcher, such as a write by
// another service or a bulk job. Only create, update and delete are accepted.
func (d *Dispatcher) Signal(ctx context.Context, streamName string, action domain.Action, inst domain.Instance) error {
	stream, ok := d.stream(streamName)
	if !ok {
		return fmt.Errorf("signal %q: %w", streamName, domain.ErrUnknownStream)
	}
	if !action.IsWrite() {
		return fmt.Errorf("signal %s on %s: %w", action, streamName, domain.ErrActionNotAllowed)
	}

	if action == domain.ActionDelete {
		d.publish(ctx, stream, action, inst, deletionData(stream, inst))
		return nil
	}
	d.announce(ctx, stream, action, inst)
	return nil
}

func (d *Dispatcher) announce(ctx context.Context, stream domain.Stream, action domain.Action, inst domain.Instance) {
	data, err := stream.Resource.Serializer().Serialize(inst)
	if err != nil {
		slog.ErrorContext(ctx, "Serialize for broadcast failed", "stream", stream.Name, "action", action, "pk", inst.PK(), "error", err)
		return
	}
	d.publish(ctx, stream, action, inst, data)
}

func (d *Dispatcher) publish(ctx context.Context, stream domain.Stream, action domain.Action, inst domain.Instance, data any) {
	event, err := broadcast.NewEvent(stream.Name, action, inst.PK(), stream.Groups(inst), data)
	if err != nil {
		slog.ErrorContext(ctx, "Build broadcast event failed", "error", err)
		return
	}
	d.engine.Broadcast(ctx, event)
}
