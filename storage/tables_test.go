package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"board-api/domain"
)

func TestODataFilter(t *testing.T) {
	cases := []struct {
		name string
		kind string
		q    domain.Query
		want string
	}{
		{
			name: "columns",
			kind: kindColumn,
			q:    domain.NewQuery(domain.TableColumns).Eq(domain.FieldProjectID, "p1").Eq(domain.FieldIsActive, true),
			want: "Kind eq 'column' and PartitionKey eq 'p1' and IsActive eq true",
		},
		{
			name: "tasks by id set",
			kind: kindTask,
			q:    domain.NewQuery(domain.TableTasks).Where(domain.FieldID, domain.OpIn, []string{"a", "b"}),
			want: "Kind eq 'task' and (RowKey eq 'task_a' or RowKey eq 'task_b')",
		},
		{
			name: "quotes and ranges",
			kind: kindTask,
			q:    domain.NewQuery(domain.TableTasks).Eq(domain.FieldAssignedTo, "o'neil").Where(domain.FieldSortOrder, domain.OpGe, 2),
			want: "Kind eq 'task' and AssignedTo eq 'o''neil' and SortOrder ge 2",
		},
		{
			name: "time left in memory",
			kind: kindTask,
			q:    domain.NewQuery(domain.TableTasks).Where(domain.FieldCreatedAt, domain.OpGt, time.Now()),
			want: "Kind eq 'task'",
		},
	}
	for _, tc := range cases {
		got, err := odataFilter(tc.kind, tc.q)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTaskEntityRoundTrip(t *testing.T) {
	due := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	in := domain.Task{
		ID: "t1", ProjectID: "p1", ColumnID: "c1", TeamID: "red", Title: "Ship", SortOrder: 3, DueDate: &due,
		Priority: "high", Status: "open", CreatedBy: "ann", Version: 4, CreatedAt: due.Add(-time.Hour), UpdatedAt: due,
	}
	ent := taskEntityOf(in)
	if ent.RowKey != "task_t1" || ent.PartitionKey != "p1" || ent.VersionType != EdmInt64 {
		t.Fatalf("unexpected entity %+v", ent)
	}
	out := ent.task()
	if out.ID != in.ID || out.SortOrder != 3 || out.Version != 4 || !out.DueDate.Equal(due) || !out.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("round trip mismatch %+v", out)
	}
}

func TestTablesCommitRejectsOversizedBatch(t *testing.T) {
	s := &Tables{}
	b := domain.Batch{ProjectID: "p1"}
	for i := 0; i <= MaxTransactionActions; i++ {
		b.Tasks = append(b.Tasks, domain.TaskWrite{Kind: domain.WriteInsert, Task: domain.Task{ID: fmt.Sprint(i), ProjectID: "p1"}})
	}
	var ve *domain.ValidationError
	if err := s.Commit(context.Background(), b); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := s.Commit(context.Background(), domain.Batch{ProjectID: "p1"}); err != nil {
		t.Fatalf("empty batch should be a no-op: %v", err)
	}
}

func TestIsConflict(t *testing.T) {
	if !isConflict(&azcore.ResponseError{StatusCode: 412}) {
		t.Fatalf("412 should be a conflict")
	}
	if !isConflict(&azcore.ResponseError{StatusCode: 400, ErrorCode: "UpdateConditionNotSatisfied"}) {
		t.Fatalf("condition failure should be a conflict")
	}
	if isConflict(&azcore.ResponseError{StatusCode: 503}) {
		t.Fatalf("503 is not a conflict")
	}
}
