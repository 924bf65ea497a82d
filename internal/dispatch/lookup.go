package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pscheid92/realtimeapi/internal/domain"
)

// PKField is the lookup key every stream accepts for its primary key.
const PKField = "pk"

// predicates translates a subscription payload into resource predicates.
// Keys resolve through the stream's lookup mapping first, then "pk", then
// the serializer's fields by exact match. Any other key is an invalid lookup.
func predicates(stream domain.Stream, payload map[string]any) ([]domain.Predicate, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty lookup: %w", domain.ErrInvalidLookup)
	}

	fields := make(map[string]struct{})
	for _, f := range stream.Resource.Serializer().Fields() {
		fields[f] = struct{}{}
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.Predicate, 0, len(keys))
	for _, key := range keys {
		value := payload[key]

		var p domain.Predicate
		if lf, ok := stream.Lookup[key]; ok {
			p = domain.Predicate{Field: lf.Field, Op: lf.Op, Value: value}
		} else if _, ok := fields[key]; ok || key == PKField {
			p = domain.Predicate{Field: key, Op: domain.OpExact, Value: value}
		} else {
			return nil, fmt.Errorf("unknown lookup field %q: %w", key, domain.ErrInvalidLookup)
		}

		if err := checkValue(p); err != nil {
			return nil, fmt.Errorf("lookup field %q: %w", key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func checkValue(p domain.Predicate) error {
	switch v := p.Value.(type) {
	case nil:
		return fmt.Errorf("null value: %w", domain.ErrInvalidLookup)
	case []any:
		if p.Op != domain.OpIn {
			return fmt.Errorf("list value for %s: %w", p.Op, domain.ErrInvalidLookup)
		}
		for _, item := range v {
			if !isScalar(item) {
				return fmt.Errorf("non-scalar list item: %w", domain.ErrInvalidLookup)
			}
		}
		return nil
	default:
		if p.Op == domain.OpIn {
			return fmt.Errorf("in lookup needs a list: %w", domain.ErrInvalidLookup)
		}
		if !isScalar(v) {
			return fmt.Errorf("non-scalar value: %w", domain.ErrInvalidLookup)
		}
		return nil
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, json.Number, bool, float64, int, int64:
		return true
	default:
		return false
	}
}

// isPK reports whether p selects instances by primary key, either through
// "pk" or the stream's pk field.
func isPK(stream domain.Stream, p domain.Predicate) bool {
	if p.Field != PKField && p.Field != stream.PKName() {
		return false
	}
	return p.Op == domain.OpExact || p.Op == domain.OpIn
}

// operands returns the predicate's values formatted as strings.
func operands(p domain.Predicate) []string {
	if items, ok := p.Value.([]any); ok {
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return []string{fmt.Sprint(p.Value)}
}

// pkValues returns the primary keys named by pk predicates.
func pkValues(stream domain.Stream, preds []domain.Predicate) []string {
	var out []string
	for _, p := range preds {
		if isPK(stream, p) {
			out = append(out, operands(p)...)
		}
	}
	return out
}

// pkLookup returns the addressed primary keys when the lookup selects by
// primary key alone. Such a lookup names its groups before the instances exist.
func pkLookup(stream domain.Stream, preds []domain.Predicate) ([]string, bool) {
	if len(preds) != 1 || !isPK(stream, preds[0]) {
		return nil, false
	}
	return operands(preds[0]), true
}

// subscriptionKey identifies a lookup independently of how the request spelled
// it: pk aliases collapse to "pk" and in-list order does not matter.
func subscriptionKey(stream domain.Stream, preds []domain.Predicate) string {
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		field := p.Field
		if isPK(stream, p) {
			field = PKField
		}
		values := operands(p)
		if p.Op == domain.OpIn {
			sort.Strings(values)
		}
		parts = append(parts, fmt.Sprintf("%s__%s=%s", field, p.Op, strings.Join(values, ",")))
	}
	sort.Strings(parts)
	return stream.Name + "?" + strings.Join(parts, "&")
}

// pkOnly stands in for an instance known only by its primary key.
type pkOnly string

func (p pkOnly) PK() string { return string(p) }
