package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"board-api/domain"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type call struct {
	action   string
	taskID   string
	columnID string
	data     []byte
}

// fakeAPI is an in-memory board server. It applies mutations with the same
// ordering algebra as the pipeline and can hold or fail calls per task.
type fakeAPI struct {
	mu      sync.Mutex
	board   domain.Board
	calls   []call
	gets    int
	nextID  int
	hold    map[string]chan struct{}
	fail    map[string]error
	getErr  error
	entered chan string
	// getHold blocks the next GetBoard after it took its snapshot.
	getHold    chan struct{}
	getEntered chan struct{}
}

func newFakeAPI() *fakeAPI {
	b := domain.Board{ProjectID: "p1", Columns: []domain.ColumnView{
		{Column: domain.Column{ID: "todo", ProjectID: "p1", Name: "To do", SortOrder: 0, IsActive: true}},
		{Column: domain.Column{ID: "doing", ProjectID: "p1", Name: "Doing", SortOrder: 1, IsActive: true}},
	}}
	for i, id := range []string{"T1", "T2", "T3"} {
		b.Columns[0].Tasks = append(b.Columns[0].Tasks, task(id, "todo", i))
	}
	b.Columns[1].Tasks = []domain.Task{task("U1", "doing", 0)}
	return &fakeAPI{
		board:   b,
		hold:    make(map[string]chan struct{}),
		fail:    make(map[string]error),
		entered:    make(chan string, 16),
		getEntered: make(chan struct{}, 4),
	}
}

func task(id, col string, order int) domain.Task {
	return domain.Task{
		ID: id, ProjectID: "p1", ColumnID: col, Title: "Task " + id, SortOrder: order,
		Priority: domain.PriorityMedium, Status: domain.StatusOpen, Version: 1,
		CreatedAt: epoch.Add(time.Duration(order) * time.Minute),
	}
}

// holdTask makes calls for key block until release is called.
func (f *fakeAPI) holdTask(key string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hold[key] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// holdGet makes the next GetBoard return the board as it was when the call
// arrived, once release is called.
func (f *fakeAPI) holdGet() func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.getHold = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeAPI) failTask(key string, err error) {
	f.mu.Lock()
	f.fail[key] = err
	f.mu.Unlock()
}

func (f *fakeAPI) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeAPI) boardGets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeAPI) GetBoard(ctx context.Context, projectID, teamID string) (domain.Board, error) {
	f.mu.Lock()
	f.gets++
	err := f.getErr
	snapshot := f.board.Clone()
	gate := f.getHold
	f.getHold = nil
	f.mu.Unlock()
	if err != nil {
		return domain.Board{}, err
	}
	if gate != nil {
		f.getEntered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Board{}, ctx.Err()
		}
	}
	return snapshot, nil
}

func (f *fakeAPI) Mutate(ctx context.Context, projectID, action string, data any, _ string) (domain.MutationResult, error) {
	raw, err := sonic.Marshal(data)
	if err != nil {
		return domain.MutationResult{}, err
	}
	var ref struct {
		TaskID   string `json:"task_id"`
		ColumnID string `json:"column_id"`
	}
	_ = sonic.Unmarshal(raw, &ref)
	key := ref.TaskID
	switch action {
	case ActionCreateTask:
		key = "create"
	case ActionCreateColumn:
		key = "create-column"
	case ActionUpdateColumn, ActionDeleteColumn:
		key = ref.ColumnID
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{action: action, taskID: ref.TaskID, columnID: ref.ColumnID, data: raw})
	gate := f.hold[key]
	f.mu.Unlock()
	f.entered <- key

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.MutationResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[key]; err != nil {
		return domain.MutationResult{}, err
	}
	if action == ActionUpdateColumn || action == ActionDeleteColumn {
		return f.applyLocked(action, ref.ColumnID, raw)
	}
	return f.applyLocked(action, ref.TaskID, raw)
}

func (f *fakeAPI) applyLocked(action, id string, raw []byte) (domain.MutationResult, error) {
	if res, ok, err := f.applyColumnLocked(action, id, raw); ok {
		return res, err
	}
	taskID := id
	b := &f.board
	switch action {
	case ActionMoveTask:
		var req domain.MoveRequest
		if err := sonic.Unmarshal(raw, &req); err != nil {
			return domain.MutationResult{}, err
		}
		ci, _ := b.FindTask(taskID)
		if ci < 0 {
			return domain.MutationResult{}, &domain.NotFoundError{Entity: "task", ID: taskID}
		}
		src := b.Columns[ci].ID
		if err := b.MoveTask(taskID, req.DestColumnID, req.DestIndex); err != nil {
			return domain.MutationResult{}, err
		}
		moved, _ := b.Task(taskID)
		moved.Version++
		b.ReplaceTask(taskID, moved)
		return domain.MutationResult{Task: &moved, Columns: f.viewsLocked(src, req.DestColumnID)}, nil
	case ActionCreateTask:
		var d domain.TaskDraft
		if err := sonic.Unmarshal(raw, &d); err != nil {
			return domain.MutationResult{}, err
		}
		if err := d.Validate(); err != nil {
			return domain.MutationResult{}, err
		}
		f.nextID++
		t := domain.Task{
			ID: fmt.Sprintf("srv-%d", f.nextID), ProjectID: b.ProjectID, ColumnID: d.ColumnID,
			Title: d.Title, Priority: d.Priority, Status: d.Status, Version: 1, CreatedAt: epoch.Add(time.Hour),
		}
		if err := b.AddTask(t); err != nil {
			return domain.MutationResult{}, err
		}
		created, _ := b.Task(t.ID)
		return domain.MutationResult{Task: &created, Columns: f.viewsLocked(d.ColumnID)}, nil
	case ActionUpdateTask:
		var d struct {
			TaskID string `json:"task_id"`
			domain.TaskPatch
		}
		if err := sonic.Unmarshal(raw, &d); err != nil {
			return domain.MutationResult{}, err
		}
		if err := b.PatchTask(taskID, d.TaskPatch); err != nil {
			return domain.MutationResult{}, err
		}
		updated, _ := b.Task(taskID)
		updated.Version++
		b.ReplaceTask(taskID, updated)
		return domain.MutationResult{Task: &updated}, nil
	case ActionDeleteTask:
		removed, ok := b.Task(taskID)
		if !ok {
			return domain.MutationResult{}, &domain.NotFoundError{Entity: "task", ID: taskID}
		}
		_ = b.RemoveTask(taskID)
		return domain.MutationResult{Task: &removed, Columns: f.viewsLocked(removed.ColumnID)}, nil
	}
	return domain.MutationResult{}, &domain.ValidationError{Field: "action", Reason: "unknown action " + action}
}

// applyColumnLocked handles column actions and answers the way the server
// does: every active column in order, without tasks.
func (f *fakeAPI) applyColumnLocked(action, columnID string, raw []byte) (domain.MutationResult, bool, error) {
	b := &f.board
	var target domain.Column
	switch action {
	case ActionCreateColumn:
		var d domain.ColumnDraft
		if err := sonic.Unmarshal(raw, &d); err != nil {
			return domain.MutationResult{}, true, err
		}
		if err := d.Validate(); err != nil {
			return domain.MutationResult{}, true, err
		}
		f.nextID++
		columnID = fmt.Sprintf("col-%d", f.nextID)
		b.AddColumn(domain.Column{ID: columnID, ProjectID: b.ProjectID, Name: d.Name, Version: 1, CreatedAt: epoch.Add(time.Hour)})
	case ActionUpdateColumn:
		var d struct {
			ColumnID string `json:"column_id"`
			domain.ColumnPatch
		}
		if err := sonic.Unmarshal(raw, &d); err != nil {
			return domain.MutationResult{}, true, err
		}
		if err := b.PatchColumn(columnID, d.ColumnPatch); err != nil {
			return domain.MutationResult{}, true, err
		}
	case ActionDeleteColumn:
		i := b.ColumnIndex(columnID)
		if i < 0 {
			return domain.MutationResult{}, true, &domain.NotFoundError{Entity: "column", ID: columnID}
		}
		target = b.Columns[i].Column
		if err := b.RemoveColumn(columnID); err != nil {
			return domain.MutationResult{}, true, err
		}
		target.IsActive = false
	default:
		return domain.MutationResult{}, false, nil
	}
	var cols []domain.ColumnView
	for _, cv := range b.Columns {
		cols = append(cols, domain.ColumnView{Column: cv.Column})
		if cv.ID == columnID {
			target = cv.Column
		}
	}
	target.Version++
	return domain.MutationResult{Column: &target, Columns: cols}, true, nil
}

func (f *fakeAPI) viewsLocked(ids ...string) []domain.ColumnView {
	var out []domain.ColumnView
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if i := f.board.ColumnIndex(id); i >= 0 {
			cv := f.board.Clone().Columns[i]
			out = append(out, cv)
		}
	}
	return out
}
