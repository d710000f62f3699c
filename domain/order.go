package domain

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// Sequenced is implemented by rows that carry a sort_order among siblings.
type Sequenced[T any] interface {
	*T
	OrderKey() string
	Position() int
	SetPosition(int)
	Created() time.Time
}

// Sorted returns a copy of items ordered by position, then creation time, then key.
func Sorted[T any, P Sequenced[T]](items []T) []T {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b T) int {
		pa, pb := P(&a), P(&b)
		if c := cmp.Compare(pa.Position(), pb.Position()); c != 0 {
			return c
		}
		if c := pa.Created().Compare(pb.Created()); c != 0 {
			return c
		}
		return strings.Compare(pa.OrderKey(), pb.OrderKey())
	})
	return out
}

// Normalize returns items in order with positions rewritten to 0..n-1.
func Normalize[T any, P Sequenced[T]](items []T) []T {
	out := Sorted[T, P](items)
	for i := range out {
		P(&out[i]).SetPosition(i)
	}
	return out
}

// IsDense reports whether the positions of items are exactly 0..n-1 in some order.
func IsDense[T any, P Sequenced[T]](items []T) bool {
	seen := make([]bool, len(items))
	for i := range items {
		p := P(&items[i]).Position()
		if p < 0 || p >= len(items) || seen[p] {
			return false
		}
		seen[p] = true
	}
	return true
}

// IndexOf returns the index of the item with key, or -1.
func IndexOf[T any, P Sequenced[T]](items []T, key string) int {
	for i := range items {
		if P(&items[i]).OrderKey() == key {
			return i
		}
	}
	return -1
}

// Remove takes the item with key out of the ordered list and closes the gap:
// every later sibling moves up by one.
func Remove[T any, P Sequenced[T]](items []T, key string) ([]T, T, bool) {
	idx := IndexOf[T, P](items, key)
	if idx < 0 {
		var zero T
		return items, zero, false
	}
	removed := items[idx]
	old := P(&removed).Position()
	out := make([]T, 0, len(items)-1)
	for i, it := range items {
		if i == idx {
			continue
		}
		if p := P(&it).Position(); p > old {
			P(&it).SetPosition(p - 1)
		}
		out = append(out, it)
	}
	return out, removed, true
}

// Insert places item at index in the ordered list, shifting every sibling at
// or after that slot down by one. index is clamped to [0, len(items)].
func Insert[T any, P Sequenced[T]](items []T, item T, index int) []T {
	index = Clamp(index, 0, len(items))
	target := 0
	switch {
	case index < len(items):
		target = P(&items[index]).Position()
	case len(items) > 0:
		target = P(&items[len(items)-1]).Position() + 1
	}
	P(&item).SetPosition(target)
	out := make([]T, 0, len(items)+1)
	out = append(out, items[:index]...)
	out = append(out, item)
	for _, it := range items[index:] {
		if p := P(&it).Position(); p >= target {
			P(&it).SetPosition(p + 1)
		}
		out = append(out, it)
	}
	return out
}

// Reposition moves the item with key to index within the same list.
func Reposition[T any, P Sequenced[T]](items []T, key string, index int) ([]T, bool) {
	rest, it, ok := Remove[T, P](items, key)
	if !ok {
		return items, false
	}
	return Insert[T, P](rest, it, index), true
}

// Append adds item after the last sibling.
func Append[T any, P Sequenced[T]](items []T, item T) []T {
	return Insert[T, P](items, item, len(items))
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Placement is the outcome of moving a task: the ordered task lists of the
// source and destination columns afterwards.
type Placement struct {
	Task       Task
	Source     []Task
	Dest       []Task
	SameColumn bool
	Index      int
}

// PlaceTask moves taskID from src to dst at destIndex. src and dst must be
// ordered by sort_order; pass the same list twice for a move within a column.
// destIndex is clamped to the valid range of the destination.
func PlaceTask(src, dst []Task, taskID, destColumnID string, destIndex int) (Placement, error) {
	rest, task, ok := Remove[Task](src, taskID)
	if !ok {
		return Placement{}, &NotFoundError{Entity: "task", ID: taskID}
	}
	same := task.ColumnID == destColumnID
	if same {
		dst = rest
	}
	idx := Clamp(destIndex, 0, len(dst))
	task.ColumnID = destColumnID
	placed := Insert[Task](dst, task, idx)
	p := Placement{Dest: placed, SameColumn: same, Index: idx}
	p.Task = placed[idx]
	if same {
		p.Source = placed
	} else {
		p.Source = rest
	}
	return p, nil
}

// ChangedTasks returns the tasks of after whose column or sort_order differ
// from the same task in before, plus tasks absent from before.
func ChangedTasks(before, after []Task) []Task {
	prev := make(map[string]Task, len(before))
	for _, t := range before {
		prev[t.ID] = t
	}
	var out []Task
	for _, t := range after {
		old, ok := prev[t.ID]
		if !ok || old.ColumnID != t.ColumnID || old.SortOrder != t.SortOrder {
			out = append(out, t)
		}
	}
	return out
}

// ChangedColumns is ChangedTasks for columns.
func ChangedColumns(before, after []Column) []Column {
	prev := make(map[string]Column, len(before))
	for _, c := range before {
		prev[c.ID] = c
	}
	var out []Column
	for _, c := range after {
		old, ok := prev[c.ID]
		if !ok || old.SortOrder != c.SortOrder {
			out = append(out, c)
		}
	}
	return out
}
