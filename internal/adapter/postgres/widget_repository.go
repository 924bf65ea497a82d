package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/realtimeapi/internal/domain"
	"github.com/pscheid92/realtimeapi/internal/widgets"
)

const widgetColumns = "id, name, counter, owner, created_at, updated_at"

type WidgetRepo struct {
	pool *pgxpool.Pool
}

var _ widgets.Repository = (*WidgetRepo)(nil)

func NewWidgetRepo(pool *pgxpool.Pool) *WidgetRepo {
	return &WidgetRepo{pool: pool}
}

func scanWidget(row pgx.Row) (*widgets.Widget, error) {
	var w widgets.Widget
	if err := row.Scan(&w.ID, &w.Name, &w.Counter, &w.Owner, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WidgetRepo) Get(ctx context.Context, id int64) (*widgets.Widget, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+widgetColumns+" FROM widgets WHERE id = $1", id)
	w, err := scanWidget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("widget %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get widget: %w", err)
	}
	return w, nil
}

func (r *WidgetRepo) Find(ctx context.Context, predicates []domain.Predicate) ([]*widgets.Widget, error) {
	clauses, err := widgets.Compile(predicates)
	if err != nil {
		return nil, err
	}
	where, args := buildWhere(clauses)

	rows, err := r.pool.Query(ctx, "SELECT "+widgetColumns+" FROM widgets"+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find widgets: %w", err)
	}
	defer rows.Close()

	var out []*widgets.Widget
	for rows.Next() {
		w, err := scanWidget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan widget: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate widgets: %w", err)
	}
	return out, nil
}

// buildWhere renders clauses as a parameterized WHERE clause. Column names
// come from widgets.Compile and are never taken from input.
func buildWhere(clauses []widgets.Clause) (string, []any) {
	if len(clauses) == 0 {
		return "", nil
	}

	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	for _, c := range clauses {
		col := c.Column
		if col == "counter" {
			// Operands are int64; widen so out-of-range bounds compare instead of failing to encode.
			col = "counter::bigint"
		}
		switch c.Op {
		case domain.OpIn:
			if len(c.Values) == 0 {
				conds = append(conds, "FALSE")
				continue
			}
			conds = append(conds, col+" = ANY("+next(typedList(c.Values))+")")
		case domain.OpIExact:
			conds = append(conds, "lower("+col+") = lower("+next(c.Values[0])+")")
		case domain.OpPrefix:
			conds = append(conds, "starts_with("+col+", "+next(c.Values[0])+")")
		case domain.OpLte:
			conds = append(conds, col+" <= "+next(c.Values[0]))
		case domain.OpGte:
			conds = append(conds, col+" >= "+next(c.Values[0]))
		default:
			conds = append(conds, col+" = "+next(c.Values[0]))
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// typedList converts compiled operands into a slice pgx encodes as an array.
func typedList(values []any) any {
	ints := make([]int64, 0, len(values))
	strs := make([]string, 0, len(values))
	for _, v := range values {
		switch x := v.(type) {
		case int64:
			ints = append(ints, x)
		case string:
			strs = append(strs, x)
		}
	}
	if len(strs) > 0 {
		return strs
	}
	return ints
}

func (r *WidgetRepo) Create(ctx context.Context, w widgets.Widget) (*widgets.Widget, error) {
	row := r.pool.QueryRow(ctx,
		"INSERT INTO widgets (name, counter, owner) VALUES ($1, $2, $3) RETURNING "+widgetColumns,
		w.Name, w.Counter, w.Owner)
	created, err := scanWidget(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create widget: %w", err)
	}
	return created, nil
}

func (r *WidgetRepo) Update(ctx context.Context, w widgets.Widget) (*widgets.Widget, error) {
	row := r.pool.QueryRow(ctx,
		"UPDATE widgets SET name = $2, counter = $3, updated_at = now() WHERE id = $1 RETURNING "+widgetColumns,
		w.ID, w.Name, w.Counter)
	updated, err := scanWidget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("widget %d: %w", w.ID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update widget: %w", err)
	}
	return updated, nil
}

func (r *WidgetRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM widgets WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete widget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("widget %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
