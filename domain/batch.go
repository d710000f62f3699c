package domain

// WriteKind selects the row operation of a write.
type WriteKind int

const (
	WriteInsert WriteKind = iota + 1
	WriteUpdate
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteInsert:
		return "insert"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	}
	return "unknown"
}

// TaskWrite is one task row change. For updates and deletes Task.Version is
// the version the row must still have; updates persist Version+1.
type TaskWrite struct {
	Kind WriteKind
	Task Task
}

// ColumnWrite is one column row change with the same version rules as TaskWrite.
type ColumnWrite struct {
	Kind   WriteKind
	Column Column
}

// Batch is the unit committed atomically: either every write lands or none does.
// All rows belong to ProjectID.
type Batch struct {
	ProjectID string
	Columns   []ColumnWrite
	Tasks     []TaskWrite
}

// Len returns the number of row writes.
func (b Batch) Len() int { return len(b.Columns) + len(b.Tasks) }

// Empty reports whether the batch writes nothing.
func (b Batch) Empty() bool { return b.Len() == 0 }

// Committed returns the rows as they read after a successful commit:
// updated rows carry Version+1, deleted rows are dropped.
func (b Batch) Committed() ([]Column, []Task) {
	cols := make([]Column, 0, len(b.Columns))
	for _, w := range b.Columns {
		switch w.Kind {
		case WriteInsert:
			cols = append(cols, w.Column)
		case WriteUpdate:
			c := w.Column
			c.Version++
			cols = append(cols, c)
		}
	}
	tasks := make([]Task, 0, len(b.Tasks))
	for _, w := range b.Tasks {
		switch w.Kind {
		case WriteInsert:
			tasks = append(tasks, w.Task)
		case WriteUpdate:
			t := w.Task
			t.Version++
			tasks = append(tasks, t)
		}
	}
	return cols, tasks
}
