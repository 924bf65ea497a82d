package widgets

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pscheid92/realtimeapi/internal/domain"
)

type kind int

const (
	kindInt kind = iota
	kindString
)

var columns = map[string]struct {
	name string
	kind kind
}{
	"pk":      {"id", kindInt},
	"id":      {"id", kindInt},
	"name":    {"name", kindString},
	"counter": {"counter", kindInt},
	"owner":   {"owner", kindString},
}

// Clause is a predicate resolved to a column with typed operands.
// Values holds one operand, or several for domain.OpIn.
type Clause struct {
	Column string
	Op     domain.Op
	Values []any
}

// Compile resolves predicates against the widget columns. Unknown fields,
// unsupported operators and badly typed values wrap domain.ErrInvalidLookup.
func Compile(predicates []domain.Predicate) ([]Clause, error) {
	out := make([]Clause, 0, len(predicates))
	for _, p := range predicates {
		col, ok := columns[p.Field]
		if !ok {
			return nil, fmt.Errorf("field %q: %w", p.Field, domain.ErrInvalidLookup)
		}
		if !supports(col.kind, p.Op) {
			return nil, fmt.Errorf("operator %s on %q: %w", p.Op, p.Field, domain.ErrInvalidLookup)
		}

		raw := []any{p.Value}
		if p.Op == domain.OpIn {
			list, ok := p.Value.([]any)
			if !ok {
				return nil, fmt.Errorf("in on %q needs a list: %w", p.Field, domain.ErrInvalidLookup)
			}
			raw = list
		}

		values := make([]any, 0, len(raw))
		for _, v := range raw {
			converted, err := convert(col.kind, v)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", p.Field, err)
			}
			values = append(values, converted)
		}
		out = append(out, Clause{Column: col.name, Op: p.Op, Values: values})
	}
	return out, nil
}

func supports(k kind, op domain.Op) bool {
	switch op {
	case domain.OpExact, domain.OpIn:
		return true
	case domain.OpLte, domain.OpGte:
		return k == kindInt
	case domain.OpIExact, domain.OpPrefix:
		return k == kindString
	default:
		return false
	}
}

func convert(k kind, v any) (any, error) {
	if k == kindString {
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		default:
			return nil, fmt.Errorf("want a string, got %T: %w", v, domain.ErrInvalidLookup)
		}
	}
	n, err := toInt(v)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer: %w", n, domain.ErrInvalidLookup)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer: %w", n, domain.ErrInvalidLookup)
		}
		return i, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer: %w", n, domain.ErrInvalidLookup)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("want an integer, got %T: %w", v, domain.ErrInvalidLookup)
	}
}

// Matches reports whether w satisfies every clause.
func Matches(w *Widget, clauses []Clause) bool {
	for _, c := range clauses {
		if !matches(w, c) {
			return false
		}
	}
	return true
}

func matches(w *Widget, c Clause) bool {
	switch c.Column {
	case "id":
		return compareInt(w.ID, c)
	case "counter":
		return compareInt(int64(w.Counter), c)
	case "name":
		return compareString(w.Name, c)
	case "owner":
		return compareString(w.Owner, c)
	default:
		return false
	}
}

func compareInt(have int64, c Clause) bool {
	switch c.Op {
	case domain.OpExact, domain.OpIn:
		for _, v := range c.Values {
			if v.(int64) == have {
				return true
			}
		}
		return false
	case domain.OpLte:
		return have <= c.Values[0].(int64)
	case domain.OpGte:
		return have >= c.Values[0].(int64)
	default:
		return false
	}
}

func compareString(have string, c Clause) bool {
	switch c.Op {
	case domain.OpExact, domain.OpIn:
		for _, v := range c.Values {
			if v.(string) == have {
				return true
			}
		}
		return false
	case domain.OpIExact:
		return strings.EqualFold(have, c.Values[0].(string))
	case domain.OpPrefix:
		return strings.HasPrefix(have, c.Values[0].(string))
	default:
		return false
	}
}
