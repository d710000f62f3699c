package board

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-api/cache"
	"board-api/domain"
)

// Invalidator removes stale cache scopes after a commit.
type Invalidator interface {
	Invalidate(ctx context.Context, ch cache.Change) int64
}

// Pipeline applies task and column mutations: it recomputes ordering, commits
// the result atomically and invalidates every cache scope that could hold a
// stale view before returning.
type Pipeline struct {
	store      Store
	categories CategoryRepository
	fanout     Invalidator
	recorder   *Recorder
	logger     *log.Logger
	now        func() time.Time
	newID      func() string
}

// NewPipeline builds a Pipeline. recorder may be nil to skip the timeline.
func NewPipeline(store Store, categories CategoryRepository, fanout Invalidator, recorder *Recorder, logger *log.Logger) *Pipeline {
	if store == nil || categories == nil || fanout == nil {
		panic("board.NewPipeline: store, categories and fanout are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Pipeline{
		store:      store,
		categories: categories,
		fanout:     fanout,
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// MoveTask places a task at destIndex of the destination column, shifting
// siblings so both columns stay densely ordered. Moving a task onto its
// current position writes nothing.
func (p *Pipeline) MoveTask(ctx context.Context, actor, projectID string, req domain.MoveRequest) (domain.MutationResult, error) {
	if err := validateIDs(projectID, req.TaskID, req.DestColumnID); err != nil {
		return domain.MutationResult{}, err
	}
	task, err := p.loadTask(ctx, projectID, req.TaskID, req.ExpectedVersion)
	if err != nil {
		return domain.MutationResult{}, err
	}
	dest, err := p.loadActiveColumn(ctx, projectID, req.DestColumnID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	src := dest
	same := task.ColumnID == dest.ID
	if !same {
		if src, err = p.loadColumn(ctx, projectID, task.ColumnID); err != nil {
			return domain.MutationResult{}, err
		}
	}

	srcTasks, err := p.columnTasks(ctx, projectID, src.ID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	destTasks := srcTasks
	if !same {
		if destTasks, err = p.columnTasks(ctx, projectID, dest.ID); err != nil {
			return domain.MutationResult{}, err
		}
	}
	// The lists are read after the column guards, so they are what a
	// successful commit is checked against. A task missing from its source
	// list moved since the point read.
	if domain.IndexOf[domain.Task](srcTasks, task.ID) < 0 || (!same && domain.IndexOf[domain.Task](destTasks, task.ID) >= 0) {
		return domain.MutationResult{}, &domain.ConflictError{Entity: "task", ID: task.ID}
	}
	srcNorm := domain.Normalize[domain.Task](srcTasks)
	destNorm := srcNorm
	if !same {
		destNorm = domain.Normalize[domain.Task](destTasks)
	}
	placed, err := domain.PlaceTask(srcNorm, destNorm, task.ID, dest.ID, req.DestIndex)
	if err != nil {
		return domain.MutationResult{}, err
	}

	changed := domain.ChangedTasks(destTasks, placed.Dest)
	if !same {
		changed = append(domain.ChangedTasks(srcTasks, placed.Source), changed...)
	}
	if len(changed) == 0 {
		p.logger.WithFields(log.Fields{"project": projectID, "task": task.ID}).Debug("move to current position, nothing to write")
		res := domain.MutationResult{Task: &placed.Task, Columns: []domain.ColumnView{{Column: *dest, Tasks: placed.Dest}}}
		return res, nil
	}

	now := p.now().UTC()
	b := domain.Batch{ProjectID: projectID}
	b.Columns = append(b.Columns, guardWrite(*dest, now))
	if !same {
		b.Columns = append(b.Columns, guardWrite(*src, now))
	}
	for _, t := range changed {
		t.UpdatedAt = now
		b.Tasks = append(b.Tasks, domain.TaskWrite{Kind: domain.WriteUpdate, Task: t})
	}
	if err := p.commit(ctx, b, "column", dest.ID); err != nil {
		return domain.MutationResult{}, err
	}

	cols, tasks := b.Committed()
	res := domain.MutationResult{}
	destView := domain.ColumnView{Column: pick(cols, dest.ID, *dest), Tasks: merge(placed.Dest, tasks)}
	res.Columns = append(res.Columns, destView)
	if !same {
		res.Columns = append(res.Columns, domain.ColumnView{Column: pick(cols, src.ID, *src), Tasks: merge(placed.Source, tasks)})
	}
	moved := findTask(destView.Tasks, task.ID)
	res.Task = &moved

	p.fanout.Invalidate(ctx, cache.Change{ProjectID: projectID, Teams: []string{task.TeamID}})
	p.record(projectID, "task", task.ID, domain.ActionMoved, actor, map[string]any{
		"from_column": src.ID,
		"to_column":   dest.ID,
		"index":       placed.Index,
	})
	return res, nil
}

// CreateTask appends a new task at the end of its column.
func (p *Pipeline) CreateTask(ctx context.Context, actor, projectID string, draft domain.TaskDraft) (domain.MutationResult, error) {
	if err := draft.Validate(); err != nil {
		return domain.MutationResult{}, err
	}
	if err := validateIDs(projectID, draft.ColumnID); err != nil {
		return domain.MutationResult{}, err
	}
	if draft.TeamID != "" {
		if err := cache.ValidateID("team_id", draft.TeamID); err != nil {
			return domain.MutationResult{}, err
		}
	}
	col, err := p.loadActiveColumn(ctx, projectID, draft.ColumnID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	before, err := p.columnTasks(ctx, projectID, col.ID)
	if err != nil {
		return domain.MutationResult{}, err
	}

	now := p.now().UTC()
	task := domain.Task{
		ID:          p.newID(),
		ProjectID:   projectID,
		ColumnID:    col.ID,
		TeamID:      draft.TeamID,
		Title:       draft.Title,
		Description: draft.Description,
		AssignedTo:  draft.AssignedTo,
		DueDate:     draft.DueDate,
		Priority:    draft.Priority,
		Status:      draft.Status,
		CreatedBy:   actor,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	after := domain.Append[domain.Task](domain.Normalize[domain.Task](before), task)

	b := domain.Batch{ProjectID: projectID, Columns: []domain.ColumnWrite{guardWrite(*col, now)}}
	for _, t := range domain.ChangedTasks(before, after) {
		kind := domain.WriteUpdate
		if t.ID == task.ID {
			kind = domain.WriteInsert
		} else {
			t.UpdatedAt = now
		}
		b.Tasks = append(b.Tasks, domain.TaskWrite{Kind: kind, Task: t})
	}
	if err := p.commit(ctx, b, "column", col.ID); err != nil {
		return domain.MutationResult{}, err
	}

	var mapErr error
	if len(draft.Categories) > 0 {
		mapErr = p.categories.ReplaceMappings(ctx, projectID, task.ID, withTask(task.ID, draft.Categories))
	}

	cols, tasks := b.Committed()
	view := domain.ColumnView{Column: pick(cols, col.ID, *col), Tasks: merge(after, tasks)}
	created := findTask(view.Tasks, task.ID)
	if mapErr == nil && len(draft.Categories) > 0 {
		created.Categories = withTask(task.ID, draft.Categories)
	}

	p.fanout.Invalidate(ctx, cache.Change{
		ProjectID:         projectID,
		Teams:             []string{task.TeamID},
		CategoriesChanged: len(draft.Categories) > 0,
		Users:             []string{task.AssignedTo, task.CreatedBy},
	})
	p.record(projectID, "task", task.ID, domain.ActionCreated, actor, map[string]any{"column": col.ID, "title": task.Title})
	res := domain.MutationResult{Task: &created, Columns: []domain.ColumnView{view}}
	if mapErr != nil {
		return res, &domain.StoreUnavailableError{Op: "replace_categories", Committed: true, Err: mapErr}
	}
	return res, nil
}

// UpdateTask applies a field-level patch to a task.
func (p *Pipeline) UpdateTask(ctx context.Context, actor, projectID, taskID string, patch domain.TaskPatch) (domain.MutationResult, error) {
	if err := validateIDs(projectID, taskID); err != nil {
		return domain.MutationResult{}, err
	}
	if patch.Empty() {
		return domain.MutationResult{}, &domain.ValidationError{Field: "data", Reason: "nothing to update"}
	}
	if err := patch.Validate(); err != nil {
		return domain.MutationResult{}, err
	}
	if patch.TeamID != nil && *patch.TeamID != "" {
		if err := cache.ValidateID("team_id", *patch.TeamID); err != nil {
			return domain.MutationResult{}, err
		}
	}
	task, err := p.loadTask(ctx, projectID, taskID, patch.ExpectedVersion)
	if err != nil {
		return domain.MutationResult{}, err
	}

	var current []domain.CategoryMapping
	categoriesChanged := false
	if patch.Categories != nil {
		all, err := p.categories.ListMappings(ctx, projectID)
		if err != nil {
			return domain.MutationResult{}, &domain.StoreUnavailableError{Op: "list_categories", Err: err}
		}
		for _, m := range all {
			if m.TaskID == taskID {
				current = append(current, m)
			}
		}
		categoriesChanged = !domain.SameMappings(current, *patch.Categories)
	}

	updated := *task
	patch.Apply(&updated)
	updated.UpdatedAt = p.now().UTC()
	b := domain.Batch{ProjectID: projectID, Tasks: []domain.TaskWrite{{Kind: domain.WriteUpdate, Task: updated}}}
	if err := p.commit(ctx, b, "task", taskID); err != nil {
		return domain.MutationResult{}, err
	}

	var mapErr error
	if categoriesChanged {
		mapErr = p.categories.ReplaceMappings(ctx, projectID, taskID, withTask(taskID, *patch.Categories))
	}
	_, tasks := b.Committed()
	result := tasks[0]
	switch {
	case patch.Categories != nil && mapErr == nil:
		result.Categories = withTask(taskID, *patch.Categories)
	default:
		result.Categories = current
	}

	users := []string{task.AssignedTo}
	if updated.AssignedTo != task.AssignedTo {
		users = append(users, updated.AssignedTo)
	}
	p.fanout.Invalidate(ctx, cache.Change{
		ProjectID:         projectID,
		Teams:             []string{task.TeamID, updated.TeamID},
		CategoriesChanged: categoriesChanged,
		Users:             users,
	})
	p.record(projectID, "task", taskID, domain.ActionUpdated, actor, patchDetails(patch))
	if mapErr != nil {
		return domain.MutationResult{Task: &result}, &domain.StoreUnavailableError{Op: "replace_categories", Committed: true, Err: mapErr}
	}
	return domain.MutationResult{Task: &result}, nil
}

// DeleteTask removes a task and closes the gap it leaves in its column.
func (p *Pipeline) DeleteTask(ctx context.Context, actor, projectID, taskID string, expectedVersion *int64) (domain.MutationResult, error) {
	if err := validateIDs(projectID, taskID); err != nil {
		return domain.MutationResult{}, err
	}
	task, err := p.loadTask(ctx, projectID, taskID, expectedVersion)
	if err != nil {
		return domain.MutationResult{}, err
	}
	col, err := p.loadColumn(ctx, projectID, task.ColumnID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	before, err := p.columnTasks(ctx, projectID, col.ID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	rest, removed, ok := domain.Remove[domain.Task](domain.Normalize[domain.Task](before), taskID)
	if !ok {
		// Listed rows disagree with the point read: the task moved meanwhile.
		return domain.MutationResult{}, &domain.ConflictError{Entity: "task", ID: taskID}
	}

	now := p.now().UTC()
	b := domain.Batch{ProjectID: projectID, Columns: []domain.ColumnWrite{guardWrite(*col, now)}}
	b.Tasks = append(b.Tasks, domain.TaskWrite{Kind: domain.WriteDelete, Task: removed})
	for _, t := range domain.ChangedTasks(before, rest) {
		t.UpdatedAt = now
		b.Tasks = append(b.Tasks, domain.TaskWrite{Kind: domain.WriteUpdate, Task: t})
	}
	if err := p.commit(ctx, b, "column", col.ID); err != nil {
		return domain.MutationResult{}, err
	}
	if err := p.categories.ReplaceMappings(ctx, projectID, taskID, nil); err != nil {
		p.logger.WithError(err).WithFields(log.Fields{"project": projectID, "task": taskID}).Error("unable to remove category mappings of deleted task")
	}

	cols, tasks := b.Committed()
	view := domain.ColumnView{Column: pick(cols, col.ID, *col), Tasks: merge(rest, tasks)}
	p.fanout.Invalidate(ctx, cache.Change{
		ProjectID:         projectID,
		Teams:             []string{task.TeamID},
		CategoriesChanged: true,
		Users:             []string{task.AssignedTo, task.CreatedBy},
	})
	p.record(projectID, "task", taskID, domain.ActionDeleted, actor, map[string]any{"column": col.ID, "title": removed.Title})
	return domain.MutationResult{Task: &removed, Columns: []domain.ColumnView{view}}, nil
}

// CreateColumn appends a column after the last active one.
func (p *Pipeline) CreateColumn(ctx context.Context, actor, projectID string, draft domain.ColumnDraft) (domain.MutationResult, error) {
	if err := draft.Validate(); err != nil {
		return domain.MutationResult{}, err
	}
	if err := validateIDs(projectID); err != nil {
		return domain.MutationResult{}, err
	}
	before, err := p.activeColumns(ctx, projectID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	now := p.now().UTC()
	col := domain.Column{
		ID:        p.newID(),
		ProjectID: projectID,
		Name:      draft.Name,
		IsActive:  true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	after := domain.Append[domain.Column](domain.Normalize[domain.Column](before), col)
	b := columnBatch(projectID, after, col.ID, now)
	if err := p.commit(ctx, b, "column", col.ID); err != nil {
		return domain.MutationResult{}, err
	}
	cols, _ := b.Committed()
	created := pick(cols, col.ID, col)

	p.fanout.Invalidate(ctx, cache.Change{ProjectID: projectID})
	p.record(projectID, "column", col.ID, domain.ActionCreated, actor, map[string]any{"name": col.Name})
	return domain.MutationResult{Column: &created, Columns: columnViews(cols)}, nil
}

// UpdateColumn renames and/or repositions a column among the active ones.
func (p *Pipeline) UpdateColumn(ctx context.Context, actor, projectID, columnID string, patch domain.ColumnPatch) (domain.MutationResult, error) {
	if err := validateIDs(projectID, columnID); err != nil {
		return domain.MutationResult{}, err
	}
	if err := patch.Validate(); err != nil {
		return domain.MutationResult{}, err
	}
	target, err := p.loadActiveColumn(ctx, projectID, columnID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if patch.ExpectedVersion != nil && *patch.ExpectedVersion != target.Version {
		return domain.MutationResult{}, &domain.ConflictError{Entity: "column", ID: columnID}
	}
	before, err := p.activeColumns(ctx, projectID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	after := domain.Normalize[domain.Column](before)
	if patch.SortOrder != nil {
		after, _ = domain.Reposition[domain.Column](after, columnID, *patch.SortOrder)
	}
	if patch.Name != nil {
		after = renamed(after, columnID, strings.TrimSpace(*patch.Name))
	}
	now := p.now().UTC()
	b := columnBatch(projectID, after, "", now)
	if err := p.commit(ctx, b, "column", columnID); err != nil {
		return domain.MutationResult{}, err
	}
	cols, _ := b.Committed()
	updated := pick(cols, columnID, *target)

	p.fanout.Invalidate(ctx, cache.Change{ProjectID: projectID})
	details := map[string]any{}
	if patch.Name != nil {
		details["name"] = updated.Name
	}
	if patch.SortOrder != nil {
		details["sort_order"] = updated.SortOrder
	}
	p.record(projectID, "column", columnID, domain.ActionUpdated, actor, details)
	return domain.MutationResult{Column: &updated, Columns: columnViews(cols)}, nil
}

// DeleteColumn marks an empty column inactive and closes the gap among the
// remaining active columns.
func (p *Pipeline) DeleteColumn(ctx context.Context, actor, projectID, columnID string, expectedVersion *int64) (domain.MutationResult, error) {
	if err := validateIDs(projectID, columnID); err != nil {
		return domain.MutationResult{}, err
	}
	target, err := p.loadActiveColumn(ctx, projectID, columnID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if expectedVersion != nil && *expectedVersion != target.Version {
		return domain.MutationResult{}, &domain.ConflictError{Entity: "column", ID: columnID}
	}
	// Column versions are read before the emptiness check: a task landing in
	// the column after this read bumps its version and fails the commit.
	before, err := p.activeColumns(ctx, projectID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	held, err := p.store.ListTasks(ctx, domain.NewQuery(domain.TableTasks).
		Eq(domain.FieldProjectID, projectID).
		Eq(domain.FieldColumnID, columnID).
		Page(1, 0))
	if err != nil {
		return domain.MutationResult{}, &domain.StoreUnavailableError{Op: "list_tasks", Err: err}
	}
	if len(held) > 0 {
		return domain.MutationResult{}, &domain.ValidationError{Field: "column", Reason: "still holds tasks; move or delete them first"}
	}
	rest, removed, ok := domain.Remove[domain.Column](domain.Normalize[domain.Column](before), columnID)
	if !ok {
		return domain.MutationResult{}, &domain.ConflictError{Entity: "column", ID: columnID}
	}
	now := p.now().UTC()
	removed.IsActive = false
	b := columnBatch(projectID, append(rest, removed), "", now)
	if err := p.commit(ctx, b, "column", columnID); err != nil {
		return domain.MutationResult{}, err
	}
	cols, _ := b.Committed()
	deleted := pick(cols, columnID, removed)

	p.fanout.Invalidate(ctx, cache.Change{ProjectID: projectID})
	p.record(projectID, "column", columnID, domain.ActionDeleted, actor, map[string]any{"name": deleted.Name})
	return domain.MutationResult{Column: &deleted, Columns: columnViews(cols)}, nil
}

func (p *Pipeline) loadTask(ctx context.Context, projectID, taskID string, expected *int64) (*domain.Task, error) {
	t, err := p.store.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "get_task", Err: err}
	}
	if t == nil {
		return nil, &domain.NotFoundError{Entity: "task", ID: taskID}
	}
	if expected != nil && *expected != t.Version {
		return nil, &domain.ConflictError{Entity: "task", ID: taskID}
	}
	return t, nil
}

func (p *Pipeline) loadColumn(ctx context.Context, projectID, columnID string) (*domain.Column, error) {
	c, err := p.store.GetColumn(ctx, projectID, columnID)
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "get_column", Err: err}
	}
	if c == nil {
		return nil, &domain.NotFoundError{Entity: "column", ID: columnID}
	}
	return c, nil
}

func (p *Pipeline) loadActiveColumn(ctx context.Context, projectID, columnID string) (*domain.Column, error) {
	c, err := p.loadColumn(ctx, projectID, columnID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, &domain.NotFoundError{Entity: "column", ID: columnID}
	}
	return c, nil
}

func (p *Pipeline) columnTasks(ctx context.Context, projectID, columnID string) ([]domain.Task, error) {
	tasks, err := p.store.ListTasks(ctx, domain.NewQuery(domain.TableTasks).
		Eq(domain.FieldProjectID, projectID).
		Eq(domain.FieldColumnID, columnID).
		Asc(domain.FieldSortOrder))
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list_tasks", Err: err}
	}
	return tasks, nil
}

func (p *Pipeline) activeColumns(ctx context.Context, projectID string) ([]domain.Column, error) {
	cols, err := p.store.ListColumns(ctx, domain.NewQuery(domain.TableColumns).
		Eq(domain.FieldProjectID, projectID).
		Eq(domain.FieldIsActive, true).
		Asc(domain.FieldSortOrder))
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list_columns", Err: err}
	}
	return cols, nil
}

func (p *Pipeline) commit(ctx context.Context, b domain.Batch, entity, id string) error {
	err := p.store.Commit(ctx, b)
	if err == nil {
		p.logger.WithFields(log.Fields{"project": b.ProjectID, "columns": len(b.Columns), "tasks": len(b.Tasks)}).Debug("batch committed")
		return nil
	}
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		p.logger.WithError(err).WithFields(log.Fields{"project": b.ProjectID, entity: id}).Info("batch rejected by version guard")
		return &domain.ConflictError{Entity: entity, ID: id, Err: err}
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &domain.StoreUnavailableError{Op: "commit", Err: err}
}

func (p *Pipeline) record(projectID, entityType, entityID, action, actor string, details map[string]any) {
	if p.recorder == nil {
		return
	}
	p.recorder.Submit(domain.TimelineRecord{
		ID:         p.newID(),
		ProjectID:  projectID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		At:         p.now().UTC(),
		Details:    details,
	})
}

func validateIDs(projectID string, ids ...string) error {
	if err := cache.ValidateID("project_id", projectID); err != nil {
		return err
	}
	for _, id := range ids {
		if err := cache.ValidateID("id", id); err != nil {
			return err
		}
	}
	return nil
}

// guardWrite bumps a column row so that concurrent reorders of its tasks conflict.
func guardWrite(c domain.Column, now time.Time) domain.ColumnWrite {
	c.UpdatedAt = now
	return domain.ColumnWrite{Kind: domain.WriteUpdate, Column: c}
}

// columnBatch writes every column of after, inserting insertID and bumping
// the rest so that concurrent column reorders conflict.
func columnBatch(projectID string, after []domain.Column, insertID string, now time.Time) domain.Batch {
	b := domain.Batch{ProjectID: projectID}
	for _, c := range after {
		kind := domain.WriteUpdate
		if c.ID == insertID {
			kind = domain.WriteInsert
		} else {
			c.UpdatedAt = now
		}
		b.Columns = append(b.Columns, domain.ColumnWrite{Kind: kind, Column: c})
	}
	return b
}

func columnViews(cols []domain.Column) []domain.ColumnView {
	var out []domain.ColumnView
	for _, c := range domain.Sorted[domain.Column](cols) {
		if c.IsActive {
			out = append(out, domain.ColumnView{Column: c})
		}
	}
	return out
}

func renamed(cols []domain.Column, id, name string) []domain.Column {
	for i := range cols {
		if cols[i].ID == id {
			cols[i].Name = name
		}
	}
	return cols
}

// merge replaces the rows of list with their committed copies.
func merge(list, committed []domain.Task) []domain.Task {
	byID := make(map[string]domain.Task, len(committed))
	for _, t := range committed {
		byID[t.ID] = t
	}
	out := make([]domain.Task, len(list))
	for i, t := range list {
		if c, ok := byID[t.ID]; ok {
			t = c
		}
		out[i] = t
	}
	return domain.Sorted[domain.Task](out)
}

func pick(cols []domain.Column, id string, fallback domain.Column) domain.Column {
	for _, c := range cols {
		if c.ID == id {
			return c
		}
	}
	return fallback
}

func findTask(tasks []domain.Task, id string) domain.Task {
	for _, t := range tasks {
		if t.ID == id {
			return t
		}
	}
	return domain.Task{}
}

func withTask(taskID string, ms []domain.CategoryMapping) []domain.CategoryMapping {
	out := make([]domain.CategoryMapping, len(ms))
	for i, m := range ms {
		m.TaskID = taskID
		out[i] = m
	}
	return out
}

func patchDetails(p domain.TaskPatch) map[string]any {
	d := map[string]any{}
	if p.Title != nil {
		d["title"] = *p.Title
	}
	if p.TeamID != nil {
		d["team_id"] = *p.TeamID
	}
	if p.AssignedTo != nil {
		d["assigned_to"] = *p.AssignedTo
	}
	if p.Priority != nil {
		d["priority"] = *p.Priority
	}
	if p.Status != nil {
		d["status"] = *p.Status
	}
	if p.DueDate != nil || p.ClearDueDate {
		d["due_date"] = p.DueDate
	}
	if p.Categories != nil {
		d["categories"] = len(*p.Categories)
	}
	return d
}
