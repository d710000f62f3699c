package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func column(id string, ids ...string) []Task {
	base := time.Unix(1700000000, 0).UTC()
	tasks := make([]Task, len(ids))
	for i, tid := range ids {
		tasks[i] = Task{ID: tid, ColumnID: id, SortOrder: i, CreatedAt: base.Add(time.Duration(i) * time.Second)}
	}
	return tasks
}

func order(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range Sorted[Task](tasks) {
		out[i] = fmt.Sprintf("%s(%d)", t.ID, t.SortOrder)
	}
	return out
}

func TestPlaceTaskMoveToTopOfSameColumn(t *testing.T) {
	a := column("A", "T1", "T2", "T3")
	p, err := PlaceTask(a, a, "T3", "A", 0)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	want := []string{"T3(0)", "T1(1)", "T2(2)"}
	if got := order(p.Dest); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected order: %v", got)
	}
	if !p.SameColumn || p.Task.ID != "T3" || p.Task.SortOrder != 0 {
		t.Fatalf("unexpected placement: %+v", p)
	}
}

func TestPlaceTaskToEmptyColumn(t *testing.T) {
	a := column("A", "T1", "T2", "T3")
	p, err := PlaceTask(a, nil, "T1", "B", 0)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if got := order(p.Source); !reflect.DeepEqual(got, []string{"T2(0)", "T3(1)"}) {
		t.Fatalf("unexpected source: %v", got)
	}
	if got := order(p.Dest); !reflect.DeepEqual(got, []string{"T1(0)"}) {
		t.Fatalf("unexpected dest: %v", got)
	}
	if p.Task.ColumnID != "B" {
		t.Fatalf("expected task to move to B, got %s", p.Task.ColumnID)
	}
}

func TestPlaceTaskClampsIndex(t *testing.T) {
	a := column("A", "T1", "T2")
	b := column("B", "U1")
	p, err := PlaceTask(a, b, "T1", "B", 99)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if got := order(p.Dest); !reflect.DeepEqual(got, []string{"U1(0)", "T1(1)"}) {
		t.Fatalf("unexpected dest: %v", got)
	}
	p, err = PlaceTask(a, b, "T2", "B", -5)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if got := order(p.Dest); !reflect.DeepEqual(got, []string{"T2(0)", "U1(1)"}) {
		t.Fatalf("unexpected dest: %v", got)
	}
}

func TestPlaceTaskOwnPositionIsNoop(t *testing.T) {
	a := column("A", "T1", "T2", "T3")
	for i, id := range []string{"T1", "T2", "T3"} {
		p, err := PlaceTask(a, a, id, "A", i)
		if err != nil {
			t.Fatalf("place %s: %v", id, err)
		}
		if changed := ChangedTasks(a, p.Dest); len(changed) != 0 {
			t.Fatalf("expected no changes moving %s onto itself, got %v", id, order(changed))
		}
	}
}

func TestPlaceTaskMissing(t *testing.T) {
	a := column("A", "T1")
	_, err := PlaceTask(a, a, "nope", "A", 0)
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.ID != "nope" {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestNormalizeRepairsGapsAndDuplicates(t *testing.T) {
	base := time.Unix(1700000000, 0)
	tasks := []Task{
		{ID: "b", SortOrder: 4, CreatedAt: base},
		{ID: "a", SortOrder: 4, CreatedAt: base},
		{ID: "c", SortOrder: 0, CreatedAt: base.Add(time.Hour)},
		{ID: "d", SortOrder: 9, CreatedAt: base},
	}
	got := order(Normalize[Task](tasks))
	want := []string{"c(0)", "a(1)", "b(2)", "d(3)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected normalized order: %v", got)
	}
	if IsDense[Task](tasks) {
		t.Fatalf("input should not be dense")
	}
}

// Random sequences of moves, creates and deletes keep every column dense.
func TestRandomOperationsKeepColumnsDense(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cols := map[string][]Task{"A": nil, "B": nil, "C": nil}
	names := []string{"A", "B", "C"}
	next := 0
	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(10); {
		case op < 3:
			c := names[rng.Intn(len(names))]
			cols[c] = Append[Task](cols[c], Task{ID: fmt.Sprintf("t%d", next), ColumnID: c})
			next++
		case op < 4:
			c := names[rng.Intn(len(names))]
			if len(cols[c]) == 0 {
				continue
			}
			victim := cols[c][rng.Intn(len(cols[c]))].ID
			cols[c], _, _ = Remove[Task](cols[c], victim)
		default:
			src := names[rng.Intn(len(names))]
			if len(cols[src]) == 0 {
				continue
			}
			dst := names[rng.Intn(len(names))]
			id := cols[src][rng.Intn(len(cols[src]))].ID
			p, err := PlaceTask(cols[src], cols[dst], id, dst, rng.Intn(len(cols[dst])+3)-1)
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
			cols[src] = p.Source
			cols[dst] = p.Dest
		}
		for _, c := range names {
			if !IsDense[Task](cols[c]) {
				t.Fatalf("step %d: column %s not dense: %v", step, c, order(cols[c]))
			}
			for _, tk := range cols[c] {
				if tk.ColumnID != c {
					t.Fatalf("step %d: task %s in %s claims column %s", step, tk.ID, c, tk.ColumnID)
				}
			}
		}
	}
}

func TestRepositionColumns(t *testing.T) {
	cols := []Column{{ID: "todo", SortOrder: 0}, {ID: "doing", SortOrder: 1}, {ID: "done", SortOrder: 2}}
	out, ok := Reposition[Column](cols, "todo", 2)
	if !ok {
		t.Fatalf("expected column to be found")
	}
	var got []string
	for _, c := range Sorted[Column](out) {
		got = append(got, fmt.Sprintf("%s(%d)", c.ID, c.SortOrder))
	}
	if want := []string{"doing(0)", "done(1)", "todo(2)"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected column order: %v", got)
	}
	if changed := ChangedColumns(cols, out); len(changed) != 3 {
		t.Fatalf("expected all columns to change, got %d", len(changed))
	}
}
