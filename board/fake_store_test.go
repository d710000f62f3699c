package board

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"board-api/cache"
	"board-api/domain"
)

// memStore is an in-memory Store and CategoryRepository with version guards.
type memStore struct {
	mu       sync.Mutex
	columns  map[string]domain.Column
	tasks    map[string]domain.Task
	mappings map[string][]domain.CategoryMapping
	members  map[string][]string

	reads    atomic.Int64
	commits  atomic.Int64
	failNext error
	// beforeList runs on every ListColumns call, outside the lock.
	beforeList func()
	// afterTasks runs after every ListTasks read, outside the lock.
	afterTasks func()
}

func newMemStore() *memStore {
	return &memStore{
		columns:  make(map[string]domain.Column),
		tasks:    make(map[string]domain.Task),
		mappings: make(map[string][]domain.CategoryMapping),
		members:  make(map[string][]string),
	}
}

func (m *memStore) ListColumns(ctx context.Context, q domain.Query) ([]domain.Column, error) {
	m.reads.Add(1)
	if m.beforeList != nil {
		m.beforeList()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Column, 0, len(m.columns))
	for _, c := range m.columns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return domain.Evaluate(out, q)
}

func (m *memStore) GetColumn(ctx context.Context, projectID, columnID string) (*domain.Column, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.columns[columnID]
	if !ok || c.ProjectID != projectID {
		return nil, nil
	}
	return &c, nil
}

func (m *memStore) ListTasks(ctx context.Context, q domain.Query) ([]domain.Task, error) {
	m.reads.Add(1)
	m.mu.Lock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	res, err := domain.Evaluate(out, q)
	if m.afterTasks != nil {
		m.afterTasks()
	}
	return res, err
}

func (m *memStore) GetTask(ctx context.Context, projectID, taskID string) (*domain.Task, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.ProjectID != projectID {
		return nil, nil
	}
	return &t, nil
}

func (m *memStore) ListUserProjects(ctx context.Context, email string) ([]string, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.members[email]...), nil
}

func (m *memStore) Commit(ctx context.Context, b domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	for _, w := range b.Columns {
		cur, ok := m.columns[w.Column.ID]
		if w.Kind == domain.WriteInsert {
			if ok {
				return domain.ErrConcurrencyConflict
			}
			continue
		}
		if !ok || cur.Version != w.Column.Version {
			return domain.ErrConcurrencyConflict
		}
	}
	for _, w := range b.Tasks {
		cur, ok := m.tasks[w.Task.ID]
		if w.Kind == domain.WriteInsert {
			if ok {
				return domain.ErrConcurrencyConflict
			}
			continue
		}
		if !ok || cur.Version != w.Task.Version {
			return domain.ErrConcurrencyConflict
		}
	}
	for _, w := range b.Tasks {
		if w.Kind == domain.WriteDelete {
			delete(m.tasks, w.Task.ID)
		}
	}
	cols, tasks := b.Committed()
	for _, c := range cols {
		m.columns[c.ID] = c
	}
	for _, t := range tasks {
		t.Categories = nil
		m.tasks[t.ID] = t
	}
	m.commits.Add(1)
	return nil
}

func (m *memStore) ListMappings(ctx context.Context, projectID string) ([]domain.CategoryMapping, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CategoryMapping
	ids := make([]string, 0, len(m.mappings))
	for id := range m.mappings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, m.mappings[id]...)
	}
	return out, nil
}

func (m *memStore) ReplaceMappings(ctx context.Context, projectID, taskID string, ms []domain.CategoryMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ms) == 0 {
		delete(m.mappings, taskID)
		return nil
	}
	m.mappings[taskID] = append([]domain.CategoryMapping(nil), ms...)
	return nil
}

func (m *memStore) seed(cols []domain.Column, tasks []domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cols {
		m.columns[c.ID] = c
	}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
}

var errStoreDown = errors.New("connection refused")

// recordingInvalidator captures fan-out calls.
type recordingInvalidator struct {
	mu      sync.Mutex
	changes []string
	next    Invalidator
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, ch cache.Change) int64 {
	r.mu.Lock()
	r.changes = append(r.changes, ch.ProjectID)
	r.mu.Unlock()
	if r.next != nil {
		return r.next.Invalidate(ctx, ch)
	}
	return 0
}

func (r *recordingInvalidator) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

// memTimeline collects timeline records.
type memTimeline struct {
	mu      sync.Mutex
	records []domain.TimelineRecord
	err     error
	block   chan struct{}
}

func (m *memTimeline) Record(ctx context.Context, rec domain.TimelineRecord) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memTimeline) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.EntityType + ":" + r.Action
	}
	return out
}
