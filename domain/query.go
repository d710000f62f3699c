package domain

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Tables addressed by queries.
const (
	TableColumns          = "columns"
	TableTasks            = "tasks"
	TableCategoryMappings = "task_categories"
)

// Fields understood by the stores.
const (
	FieldID         = "id"
	FieldProjectID  = "project_id"
	FieldColumnID   = "column_id"
	FieldTeamID     = "team_id"
	FieldSortOrder  = "sort_order"
	FieldIsActive   = "is_active"
	FieldAssignedTo = "assigned_to"
	FieldCreatedBy  = "created_by"
	FieldCreatedAt  = "created_at"
	FieldStatus     = "status"
	FieldPriority   = "priority"
)

// Op is a filter comparison.
type Op string

const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpLt Op = "lt"
	OpLe Op = "le"
	OpGt Op = "gt"
	OpGe Op = "ge"
	OpIn Op = "in"
)

// Filter restricts a query to rows whose Field compares to Value with Op.
// OpIn expects a []string value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order sorts by Field.
type Order struct {
	Field string
	Desc  bool
}

// Query is a backend-neutral description of a read: table, filters, order and page.
type Query struct {
	Table   string
	Filters []Filter
	OrderBy []Order
	Limit   int
	Offset  int
}

// NewQuery starts a query against table.
func NewQuery(table string) Query { return Query{Table: table} }

// Where adds a filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(slices.Clip(q.Filters), Filter{Field: field, Op: op, Value: value})
	return q
}

// Eq is shorthand for Where(field, OpEq, value).
func (q Query) Eq(field string, value any) Query { return q.Where(field, OpEq, value) }

// Asc adds an ascending sort key.
func (q Query) Asc(field string) Query {
	q.OrderBy = append(slices.Clip(q.OrderBy), Order{Field: field})
	return q
}

// Desc adds a descending sort key.
func (q Query) Desc(field string) Query {
	q.OrderBy = append(slices.Clip(q.OrderBy), Order{Field: field, Desc: true})
	return q
}

// Page sets limit and offset. A zero limit means unbounded.
func (q Query) Page(limit, offset int) Query {
	q.Limit = limit
	q.Offset = offset
	return q
}

// Fielder exposes row fields by name for in-memory evaluation.
type Fielder interface {
	Field(name string) (any, bool)
}

// Field implements Fielder.
func (t Task) Field(name string) (any, bool) {
	switch name {
	case FieldID:
		return t.ID, true
	case FieldProjectID:
		return t.ProjectID, true
	case FieldColumnID:
		return t.ColumnID, true
	case FieldTeamID:
		return t.TeamID, true
	case FieldSortOrder:
		return t.SortOrder, true
	case FieldAssignedTo:
		return t.AssignedTo, true
	case FieldCreatedBy:
		return t.CreatedBy, true
	case FieldCreatedAt:
		return t.CreatedAt, true
	case FieldStatus:
		return t.Status, true
	case FieldPriority:
		return t.Priority, true
	}
	return nil, false
}

// Field implements Fielder.
func (c Column) Field(name string) (any, bool) {
	switch name {
	case FieldID:
		return c.ID, true
	case FieldProjectID:
		return c.ProjectID, true
	case FieldSortOrder:
		return c.SortOrder, true
	case FieldIsActive:
		return c.IsActive, true
	case FieldCreatedAt:
		return c.CreatedAt, true
	}
	return nil, false
}

// Field implements Fielder.
func (m CategoryMapping) Field(name string) (any, bool) {
	switch name {
	case "task_id":
		return m.TaskID, true
	case "category_id":
		return m.CategoryID, true
	case "option_id":
		return m.OptionID, true
	}
	return nil, false
}

// Evaluate applies q's filters, order and page to items in memory. Stores
// that cannot push a clause down to the backend finish the query with it.
func Evaluate[T Fielder](items []T, q Query) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, it := range items {
		ok, err := matches(it, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, it)
		}
	}
	if len(q.OrderBy) > 0 {
		var sortErr error
		slices.SortStableFunc(out, func(a, b T) int {
			for _, o := range q.OrderBy {
				av, _ := a.Field(o.Field)
				bv, _ := b.Field(o.Field)
				c, err := compareValues(av, bv)
				if err != nil {
					sortErr = err
					return 0
				}
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return out[:0], nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(it Fielder, filters []Filter) (bool, error) {
	for _, f := range filters {
		v, ok := it.Field(f.Field)
		if !ok {
			return false, fmt.Errorf("unknown field %q", f.Field)
		}
		if f.Op == OpIn {
			set, ok := f.Value.([]string)
			if !ok {
				return false, fmt.Errorf("filter %s in: expected []string, got %T", f.Field, f.Value)
			}
			s, _ := v.(string)
			if !slices.Contains(set, s) {
				return false, nil
			}
			continue
		}
		c, err := compareValues(v, f.Value)
		if err != nil {
			return false, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		var keep bool
		switch f.Op {
		case OpEq:
			keep = c == 0
		case OpNe:
			keep = c != 0
		case OpLt:
			keep = c < 0
		case OpLe:
			keep = c <= 0
		case OpGt:
			keep = c > 0
		case OpGe:
			keep = c >= 0
		default:
			return false, fmt.Errorf("unsupported operator %q", f.Op)
		}
		if !keep {
			return false, nil
		}
	}
	return true, nil
}

func compareValues(a, b any) (int, error) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return cmp.Compare(av, bv), nil
	case int:
		bv, ok := b.(int)
		if !ok {
			return 0, fmt.Errorf("cannot compare int with %T", b)
		}
		return cmp.Compare(av, bv), nil
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("cannot compare bool with %T", b)
		}
		switch {
		case av == bv:
			return 0, nil
		case !av:
			return -1, nil
		}
		return 1, nil
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, fmt.Errorf("cannot compare time with %T", b)
		}
		return av.Compare(bv), nil
	}
	return 0, fmt.Errorf("unsupported value type %T", a)
}
