package domain

import (
	"reflect"
	"testing"
)

func TestEvaluateFiltersOrdersAndPages(t *testing.T) {
	tasks := []Task{
		{ID: "a", ProjectID: "p", ColumnID: "c2", SortOrder: 1, TeamID: "red"},
		{ID: "b", ProjectID: "p", ColumnID: "c1", SortOrder: 0, TeamID: "red"},
		{ID: "c", ProjectID: "p", ColumnID: "c1", SortOrder: 1, TeamID: "blue"},
		{ID: "d", ProjectID: "q", ColumnID: "c1", SortOrder: 2, TeamID: "red"},
		{ID: "e", ProjectID: "p", ColumnID: "c2", SortOrder: 0, TeamID: "red"},
	}
	q := NewQuery(TableTasks).Eq(FieldProjectID, "p").Eq(FieldTeamID, "red").Asc(FieldColumnID).Asc(FieldSortOrder)
	got, err := Evaluate(tasks, q)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ids := ids(got); !reflect.DeepEqual(ids, []string{"b", "e", "a"}) {
		t.Fatalf("unexpected result: %v", ids)
	}

	paged, err := Evaluate(tasks, q.Page(1, 1))
	if err != nil {
		t.Fatalf("evaluate paged: %v", err)
	}
	if ids := ids(paged); !reflect.DeepEqual(ids, []string{"e"}) {
		t.Fatalf("unexpected page: %v", ids)
	}

	in, err := Evaluate(tasks, NewQuery(TableTasks).Where(FieldID, OpIn, []string{"a", "d"}).Desc(FieldSortOrder))
	if err != nil {
		t.Fatalf("evaluate in: %v", err)
	}
	if ids := ids(in); !reflect.DeepEqual(ids, []string{"d", "a"}) {
		t.Fatalf("unexpected in result: %v", ids)
	}
}

func TestEvaluateRejectsUnknownField(t *testing.T) {
	if _, err := Evaluate([]Task{{ID: "a"}}, NewQuery(TableTasks).Eq("nope", "x")); err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if _, err := Evaluate([]Task{{ID: "a"}}, NewQuery(TableTasks).Eq(FieldSortOrder, "x")); err == nil {
		t.Fatalf("expected error for mismatched type")
	}
}

func TestKindOfRoundTrip(t *testing.T) {
	cases := []error{
		&NotFoundError{Entity: "task", ID: "1"},
		&ConflictError{Entity: "column", ID: "c"},
		&ValidationError{Field: "title", Reason: "is required"},
		&StoreUnavailableError{Op: "commit", Err: ErrNotFound},
	}
	wants := []string{KindNotFound, KindConflict, KindValidation, KindNotFound}
	for i, err := range cases {
		if got := KindOf(err); got != wants[i] {
			t.Fatalf("case %d: KindOf = %s, want %s", i, got, wants[i])
		}
	}
	back := ErrorFromKind(KindConflict, "task 1 was modified concurrently")
	if KindOf(back) != KindConflict || back.Error() != "task 1 was modified concurrently" {
		t.Fatalf("unexpected rebuilt error: %v", back)
	}
}
