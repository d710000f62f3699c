package domain

import (
	"slices"
	"strings"
	"time"
)

// Board is the aggregated, ordered view of a project's columns and tasks,
// optionally scoped to one team.
type Board struct {
	ProjectID   string       `json:"project_id"`
	TeamID      string       `json:"team_id,omitempty"`
	Columns     []ColumnView `json:"columns"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// ColumnView is a column with its ordered tasks.
type ColumnView struct {
	Column
	Tasks []Task `json:"tasks"`
}

// MutationResult is the authoritative outcome of a mutation.
// Columns holds the affected columns after the write: for task mutations
// the full ordered task lists of the touched columns, for column mutations
// every active column in order (Tasks left nil).
type MutationResult struct {
	Task    *Task        `json:"task,omitempty"`
	Column  *Column      `json:"column,omitempty"`
	Columns []ColumnView `json:"columns,omitempty"`
}

// Clone returns a deep copy of the board.
func (b Board) Clone() Board {
	out := b
	out.Columns = make([]ColumnView, len(b.Columns))
	for i, cv := range b.Columns {
		out.Columns[i] = ColumnView{Column: cv.Column, Tasks: make([]Task, len(cv.Tasks))}
		for j, t := range cv.Tasks {
			t.Categories = slices.Clone(t.Categories)
			if t.DueDate != nil {
				d := *t.DueDate
				t.DueDate = &d
			}
			out.Columns[i].Tasks[j] = t
		}
	}
	return out
}

// ColumnIndex returns the index of the column, or -1.
func (b *Board) ColumnIndex(columnID string) int {
	for i := range b.Columns {
		if b.Columns[i].ID == columnID {
			return i
		}
	}
	return -1
}

// FindTask returns the column and task index of taskID, or -1, -1.
func (b *Board) FindTask(taskID string) (int, int) {
	for i := range b.Columns {
		if j := IndexOf[Task](b.Columns[i].Tasks, taskID); j >= 0 {
			return i, j
		}
	}
	return -1, -1
}

// Task returns a copy of the task with id.
func (b *Board) Task(taskID string) (Task, bool) {
	ci, ti := b.FindTask(taskID)
	if ci < 0 {
		return Task{}, false
	}
	return b.Columns[ci].Tasks[ti], true
}

// MoveTask applies a move to the board in place.
func (b *Board) MoveTask(taskID, destColumnID string, destIndex int) error {
	ci, _ := b.FindTask(taskID)
	if ci < 0 {
		return &NotFoundError{Entity: "task", ID: taskID}
	}
	di := b.ColumnIndex(destColumnID)
	if di < 0 {
		return &NotFoundError{Entity: "column", ID: destColumnID}
	}
	p, err := PlaceTask(b.Columns[ci].Tasks, b.Columns[di].Tasks, taskID, destColumnID, destIndex)
	if err != nil {
		return err
	}
	b.Columns[ci].Tasks = p.Source
	b.Columns[di].Tasks = p.Dest
	return nil
}

// AddTask appends t at the end of its column.
func (b *Board) AddTask(t Task) error {
	ci := b.ColumnIndex(t.ColumnID)
	if ci < 0 {
		return &NotFoundError{Entity: "column", ID: t.ColumnID}
	}
	b.Columns[ci].Tasks = Append[Task](b.Columns[ci].Tasks, t)
	return nil
}

// RemoveTask deletes the task and closes the gap in its column.
func (b *Board) RemoveTask(taskID string) error {
	ci, _ := b.FindTask(taskID)
	if ci < 0 {
		return &NotFoundError{Entity: "task", ID: taskID}
	}
	b.Columns[ci].Tasks, _, _ = Remove[Task](b.Columns[ci].Tasks, taskID)
	return nil
}

// PatchTask applies a field patch to the task in place. A team change that
// takes the task out of a team-scoped board removes it from the view.
func (b *Board) PatchTask(taskID string, patch TaskPatch) error {
	ci, ti := b.FindTask(taskID)
	if ci < 0 {
		return &NotFoundError{Entity: "task", ID: taskID}
	}
	t := &b.Columns[ci].Tasks[ti]
	patch.Apply(t)
	if b.TeamID != "" && t.TeamID != b.TeamID {
		b.Columns[ci].Tasks, _, _ = Remove[Task](b.Columns[ci].Tasks, taskID)
	}
	return nil
}

// ReplaceTask swaps the stored copy of a task, matching by oldID so that a
// temporary client id can be replaced with the server id.
func (b *Board) ReplaceTask(oldID string, t Task) {
	ci, ti := b.FindTask(oldID)
	if ci < 0 {
		return
	}
	b.Columns[ci].Tasks[ti] = t
}

// ReplaceColumnTasks installs the authoritative task list of a column,
// narrowed to the board's team scope. Tasks arriving without categories keep
// the ones already held.
func (b *Board) ReplaceColumnTasks(cv ColumnView) {
	tasks := make([]Task, 0, len(cv.Tasks))
	for _, t := range cv.Tasks {
		if b.TeamID != "" && t.TeamID != b.TeamID {
			continue
		}
		if t.Categories == nil {
			if held, ok := b.Task(t.ID); ok {
				t.Categories = held.Categories
			}
		}
		tasks = append(tasks, t)
	}
	// Tasks that moved into this column leave whatever column held them before.
	for _, t := range tasks {
		if ci, _ := b.FindTask(t.ID); ci >= 0 && b.Columns[ci].ID != cv.ID {
			b.Columns[ci].Tasks, _, _ = Remove[Task](b.Columns[ci].Tasks, t.ID)
		}
	}
	i := b.ColumnIndex(cv.ID)
	if i < 0 {
		return
	}
	b.Columns[i].Column = cv.Column
	b.Columns[i].Tasks = Sorted[Task](tasks)
}

// ReplaceColumns installs the authoritative active column order, keeping the
// tasks already held for each column.
func (b *Board) ReplaceColumns(cols []ColumnView) {
	held := make(map[string][]Task, len(b.Columns))
	for _, cv := range b.Columns {
		held[cv.ID] = cv.Tasks
	}
	next := make([]ColumnView, 0, len(cols))
	for _, cv := range cols {
		if !cv.IsActive {
			continue
		}
		tasks := held[cv.ID]
		if tasks == nil {
			tasks = []Task{}
		}
		next = append(next, ColumnView{Column: cv.Column, Tasks: tasks})
	}
	slices.SortStableFunc(next, func(a, b ColumnView) int { return a.SortOrder - b.SortOrder })
	b.Columns = next
}

// AddColumn appends an empty active column after the last one.
func (b *Board) AddColumn(c Column) {
	c.IsActive = true
	b.Columns = Append[ColumnView](Normalize[ColumnView](b.Columns), ColumnView{Column: c, Tasks: []Task{}})
}

// PatchColumn renames and/or repositions a column in place.
func (b *Board) PatchColumn(columnID string, patch ColumnPatch) error {
	if b.ColumnIndex(columnID) < 0 {
		return &NotFoundError{Entity: "column", ID: columnID}
	}
	cols := Normalize[ColumnView](b.Columns)
	if patch.SortOrder != nil {
		cols, _ = Reposition[ColumnView](cols, columnID, *patch.SortOrder)
	}
	if patch.Name != nil {
		cols[IndexOf[ColumnView](cols, columnID)].Name = strings.TrimSpace(*patch.Name)
	}
	b.Columns = Sorted[ColumnView](cols)
	return nil
}

// RemoveColumn drops an empty column and closes the gap among the rest.
func (b *Board) RemoveColumn(columnID string) error {
	i := b.ColumnIndex(columnID)
	if i < 0 {
		return &NotFoundError{Entity: "column", ID: columnID}
	}
	if len(b.Columns[i].Tasks) > 0 {
		return &ValidationError{Field: "column", Reason: "still holds tasks; move or delete them first"}
	}
	b.Columns, _, _ = Remove[ColumnView](Normalize[ColumnView](b.Columns), columnID)
	return nil
}

// TaskCount returns the number of tasks on the board.
func (b *Board) TaskCount() int {
	n := 0
	for _, cv := range b.Columns {
		n += len(cv.Tasks)
	}
	return n
}
