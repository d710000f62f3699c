package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// DefaultOpTimeout bounds one server call of an optimistic operation.
const DefaultOpTimeout = 15 * time.Second

// TempIDPrefix marks ids assigned locally to tasks and columns the server
// has not created yet.
const TempIDPrefix = "tmp-"

// maxRefetchAttempts bounds how often a refetch is repeated because a
// confirmation landed while it was in flight.
const maxRefetchAttempts = 3

// State is the reconciliation state of a board or of one operation.
type State int

const (
	Idle State = iota
	OptimisticallyApplied
	Confirmed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OptimisticallyApplied:
		return "optimistically_applied"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// API is the slice of the board API the reconciler calls.
type API interface {
	GetBoard(ctx context.Context, projectID, teamID string) (domain.Board, error)
	Mutate(ctx context.Context, projectID, action string, data any, idempotencyKey string) (domain.MutationResult, error)
}

// Op is the handle of one optimistic operation.
type Op struct {
	action   string
	key      string
	taskID   string
	columnID string
	move     domain.MoveRequest
	draft    domain.TaskDraft
	patch    domain.TaskPatch
	colDraft domain.ColumnDraft
	colPatch domain.ColumnPatch
	expect   *int64

	idempotencyKey string
	done           chan struct{}

	mu     sync.Mutex
	state  State
	result domain.MutationResult
	err    error
}

// Action returns the mutation action of the operation.
func (o *Op) Action() string { return o.action }

// TaskID returns the task the operation targets. For a create it is the
// temporary id until the server confirms, then the server id.
func (o *Op) TaskID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.taskID
}

// ColumnID returns the column a column operation targets, with the same
// temporary id rules as TaskID. It is empty for task operations.
func (o *Op) ColumnID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.columnID
}

// State returns the current state of the operation.
func (o *Op) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Wait blocks until the operation is confirmed or rolled back.
func (o *Op) Wait(ctx context.Context) (domain.MutationResult, error) {
	select {
	case <-ctx.Done():
		return domain.MutationResult{}, ctx.Err()
	case <-o.done:
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.err
}

func (o *Op) setIDs(taskID, columnID string) {
	o.mu.Lock()
	o.taskID = taskID
	o.columnID = columnID
	o.mu.Unlock()
}

func (o *Op) onColumn() bool {
	switch o.action {
	case ActionCreateColumn, ActionUpdateColumn, ActionDeleteColumn:
		return true
	}
	return false
}

// entityKey names the task or column the operation is serialized on.
func (o *Op) entityKey() string {
	if o.onColumn() {
		return "column:" + o.columnID
	}
	return "task:" + o.taskID
}

func (o *Op) set(state State, res domain.MutationResult, err error) {
	o.mu.Lock()
	o.state = state
	o.result = res
	o.err = err
	o.mu.Unlock()
}

// Reconciler keeps an optimistic view of one board. The view is the last
// server-confirmed board with every in-flight operation replayed on top, so
// a failed operation rolls back by being dropped from the replay.
type Reconciler struct {
	api       API
	projectID string
	teamID    string
	logger    *log.Logger
	timeout   time.Duration
	newID     func() string

	// OnError is called after an operation failed and was rolled back.
	OnError func(op *Op, err error)
	// OnRefetch is called after a background refetch of the board.
	OnRefetch func(b domain.Board, err error)

	mu        sync.Mutex
	state     State
	confirms  uint64
	confirmed domain.Board
	view      domain.Board
	pending   []*Op
	busy      map[string]bool
	queues    map[string][]*Op
	aliases   map[string]string
	wg        sync.WaitGroup
}

// NewReconciler creates a reconciler for the board of projectID scoped to
// teamID. Call Load before submitting operations.
func NewReconciler(api API, projectID, teamID string, logger *log.Logger) *Reconciler {
	if api == nil {
		panic("client: api is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{
		api:       api,
		projectID: projectID,
		teamID:    teamID,
		logger:    logger,
		timeout:   DefaultOpTimeout,
		newID:     uuid.NewString,
		confirmed: domain.Board{ProjectID: projectID, TeamID: teamID},
		view:      domain.Board{ProjectID: projectID, TeamID: teamID},
		busy:      make(map[string]bool),
		queues:    make(map[string][]*Op),
		aliases:   make(map[string]string),
	}
}

// SetTimeout changes the bound of each server call.
func (r *Reconciler) SetTimeout(d time.Duration) {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Load fetches the board and makes it the confirmed snapshot.
func (r *Reconciler) Load(ctx context.Context) (domain.Board, error) {
	b, err := r.api.GetBoard(ctx, r.projectID, r.teamID)
	if err != nil {
		return domain.Board{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirms++
	r.confirmed = b
	r.rebuildLocked()
	if len(r.pending) == 0 {
		r.state = Idle
	}
	return r.view.Clone(), nil
}

// Refresh refetches the board in the background, e.g. after an
// invalidation notification.
func (r *Reconciler) Refresh() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.refetch()
	}()
}

// View returns a copy of the current optimistic board.
func (r *Reconciler) View() domain.Board {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Clone()
}

// Confirmed returns a copy of the last server-confirmed board.
func (r *Reconciler) Confirmed() domain.Board {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed.Clone()
}

// State returns the board state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Wait blocks until every submitted operation and refetch has finished.
func (r *Reconciler) Wait() { r.wg.Wait() }

// MoveTask moves a task to index in a column.
func (r *Reconciler) MoveTask(taskID, destColumnID string, destIndex int) *Op {
	return r.submit(&Op{
		action: ActionMoveTask,
		taskID: taskID,
		move:   domain.MoveRequest{TaskID: taskID, DestColumnID: destColumnID, DestIndex: destIndex},
	})
}

// CreateTask appends a task to the draft's column under a temporary id.
func (r *Reconciler) CreateTask(draft domain.TaskDraft) *Op {
	return r.submit(&Op{action: ActionCreateTask, taskID: TempIDPrefix + r.newID(), draft: draft})
}

// UpdateTask patches the fields of a task.
func (r *Reconciler) UpdateTask(taskID string, patch domain.TaskPatch) *Op {
	return r.submit(&Op{action: ActionUpdateTask, taskID: taskID, patch: patch})
}

// DeleteTask removes a task.
func (r *Reconciler) DeleteTask(taskID string, expectedVersion *int64) *Op {
	return r.submit(&Op{action: ActionDeleteTask, taskID: taskID, expect: expectedVersion})
}

// CreateColumn appends a column under a temporary id.
func (r *Reconciler) CreateColumn(draft domain.ColumnDraft) *Op {
	return r.submit(&Op{action: ActionCreateColumn, columnID: TempIDPrefix + r.newID(), colDraft: draft})
}

// UpdateColumn renames and/or repositions a column.
func (r *Reconciler) UpdateColumn(columnID string, patch domain.ColumnPatch) *Op {
	return r.submit(&Op{action: ActionUpdateColumn, columnID: columnID, colPatch: patch})
}

// DeleteColumn removes an empty column.
func (r *Reconciler) DeleteColumn(columnID string, expectedVersion *int64) *Op {
	return r.submit(&Op{action: ActionDeleteColumn, columnID: columnID, expect: expectedVersion})
}

func (r *Reconciler) submit(op *Op) *Op {
	op.done = make(chan struct{})
	op.idempotencyKey = r.newID()

	r.mu.Lock()
	r.resolveOpLocked(op)
	if r.busy[op.key] {
		r.queues[op.key] = append(r.queues[op.key], op)
		r.mu.Unlock()
		return op
	}
	failed := r.startLocked(op)
	r.mu.Unlock()
	r.notify(failed)
	return op
}

type failure struct {
	op  *Op
	err error
}

// startLocked applies op to the view and launches its server call. An op
// that no longer applies fails at once and the next queued op of the same
// entity takes its turn.
func (r *Reconciler) startLocked(op *Op) []failure {
	var failed []failure
	for op != nil {
		r.resolveOpLocked(op)
		next := r.view.Clone()
		err := pendingColumn(op)
		if err == nil {
			err = r.apply(&next, op)
		}
		if err != nil {
			op.set(RolledBack, domain.MutationResult{}, err)
			close(op.done)
			failed = append(failed, failure{op: op, err: err})
			op = r.dequeueLocked(op.key)
			continue
		}
		r.busy[op.key] = true
		r.view = next
		r.pending = append(r.pending, op)
		r.state = OptimisticallyApplied
		op.set(OptimisticallyApplied, domain.MutationResult{}, nil)
		r.wg.Add(1)
		go r.run(op, r.timeout)
		return failed
	}
	return failed
}

func (r *Reconciler) dequeueLocked(key string) *Op {
	q := r.queues[key]
	if len(q) == 0 {
		delete(r.queues, key)
		delete(r.busy, key)
		return nil
	}
	next := q[0]
	if len(q) == 1 {
		delete(r.queues, key)
	} else {
		r.queues[key] = q[1:]
	}
	return next
}

func (r *Reconciler) run(op *Op, timeout time.Duration) {
	defer r.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	res, err := r.api.Mutate(ctx, r.projectID, op.action, r.payload(op), op.idempotencyKey)
	cancel()
	r.resolve(op, res, err)
}

func (r *Reconciler) payload(op *Op) any {
	switch op.action {
	case ActionMoveTask:
		m := op.move
		m.TaskID = op.taskID
		return m
	case ActionCreateTask:
		return op.draft
	case ActionUpdateTask:
		return struct {
			TaskID string `json:"task_id"`
			domain.TaskPatch
		}{TaskID: op.taskID, TaskPatch: op.patch}
	case ActionDeleteTask:
		return struct {
			TaskID          string `json:"task_id"`
			ExpectedVersion *int64 `json:"expected_version,omitempty"`
		}{TaskID: op.taskID, ExpectedVersion: op.expect}
	case ActionCreateColumn:
		return op.colDraft
	case ActionUpdateColumn:
		return struct {
			ColumnID string `json:"column_id"`
			domain.ColumnPatch
		}{ColumnID: op.columnID, ColumnPatch: op.colPatch}
	case ActionDeleteColumn:
		return struct {
			ColumnID        string `json:"column_id"`
			ExpectedVersion *int64 `json:"expected_version,omitempty"`
		}{ColumnID: op.columnID, ExpectedVersion: op.expect}
	}
	return nil
}

func (r *Reconciler) resolve(op *Op, res domain.MutationResult, err error) {
	unknown := err != nil && outcomeUnknown(err)

	r.mu.Lock()
	r.dropPendingLocked(op)
	if err == nil {
		switch {
		case op.action == ActionCreateTask && res.Task != nil:
			r.aliases[op.taskID] = res.Task.ID
			op.setIDs(res.Task.ID, "")
			r.rekeyLocked(op)
		case op.action == ActionCreateColumn && res.Column != nil:
			r.aliases[op.columnID] = res.Column.ID
			op.setIDs("", res.Column.ID)
			r.rekeyLocked(op)
		}
		r.confirms++
		confirm(&r.confirmed, op.action, res)
		op.set(Confirmed, res, nil)
	} else {
		op.set(RolledBack, domain.MutationResult{}, err)
	}
	r.rebuildLocked()
	if len(r.pending) == 0 {
		r.state = op.State()
	}
	failed := r.startLocked(r.dequeueLocked(op.key))
	r.mu.Unlock()

	close(op.done)
	if err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"project": r.projectID,
			"action":  op.action,
			"entity":  op.key,
			"unknown": unknown,
		}).Warn("optimistic operation rolled back")
		failed = append([]failure{{op: op, err: err}}, failed...)
	}
	r.notify(failed)
	if unknown {
		r.refetch()
	}
}

func (r *Reconciler) notify(failed []failure) {
	if r.OnError == nil {
		return
	}
	for _, f := range failed {
		r.OnError(f.op, f.err)
	}
}

// refetch replaces the confirmed board with a fresh copy. A copy fetched
// while a confirmation landed may predate it and is fetched again.
func (r *Reconciler) refetch() {
	r.mu.Lock()
	timeout := r.timeout
	r.mu.Unlock()

	var (
		b   domain.Board
		err error
	)
	for attempt := 0; attempt < maxRefetchAttempts; attempt++ {
		r.mu.Lock()
		seq := r.confirms
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		b, err = r.api.GetBoard(ctx, r.projectID, r.teamID)
		cancel()
		if err != nil {
			r.logger.WithError(err).WithField("project", r.projectID).Warn("board refetch failed")
			break
		}
		r.mu.Lock()
		fresh := r.confirms == seq
		if fresh {
			r.confirms++
			r.confirmed = b
			r.rebuildLocked()
		}
		r.mu.Unlock()
		if fresh {
			break
		}
		r.logger.WithField("project", r.projectID).Debug("confirmation landed during refetch, fetching again")
	}
	if r.OnRefetch != nil {
		r.OnRefetch(b, err)
	}
}

func (r *Reconciler) dropPendingLocked(op *Op) {
	for i, p := range r.pending {
		if p == op {
			r.pending = append(r.pending[:i:i], r.pending[i+1:]...)
			return
		}
	}
}

// rebuildLocked recomputes the view as confirmed plus the pending replay.
func (r *Reconciler) rebuildLocked() {
	view := r.confirmed.Clone()
	for _, op := range r.pending {
		next := view.Clone()
		if err := r.apply(&next, op); err != nil {
			r.logger.WithError(err).WithFields(log.Fields{
				"action": op.action,
				"entity": op.key,
			}).Debug("pending operation no longer applies to the confirmed board")
			continue
		}
		view = next
	}
	r.view = view
}

func (r *Reconciler) resolveLocked(id string) string {
	for i := 0; i < 8; i++ {
		next, ok := r.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

// resolveOpLocked maps every temporary id the operation refers to onto its
// server id and derives the operation's queue key.
func (r *Reconciler) resolveOpLocked(op *Op) {
	op.setIDs(r.resolveLocked(op.taskID), r.resolveLocked(op.columnID))
	op.draft.ColumnID = r.resolveLocked(op.draft.ColumnID)
	op.move.DestColumnID = r.resolveLocked(op.move.DestColumnID)
	op.key = op.entityKey()
}

// rekeyLocked moves the queue of a confirmed create from its temporary key
// to the server id, so later operations on either id share one queue.
func (r *Reconciler) rekeyLocked(op *Op) {
	old := op.key
	op.key = op.entityKey()
	if old == op.key {
		return
	}
	if q, ok := r.queues[old]; ok {
		r.queues[op.key] = append(q, r.queues[op.key]...)
		delete(r.queues, old)
	}
	delete(r.busy, old)
	r.busy[op.key] = true
}

// pendingColumn rejects task operations into a column the server has not
// created yet.
func pendingColumn(op *Op) error {
	var col string
	switch op.action {
	case ActionCreateTask:
		col = op.draft.ColumnID
	case ActionMoveTask:
		col = op.move.DestColumnID
	}
	if strings.HasPrefix(col, TempIDPrefix) {
		return &domain.ValidationError{Field: "column_id", Reason: "column " + col + " is not created yet"}
	}
	return nil
}

func (r *Reconciler) apply(b *domain.Board, op *Op) error {
	switch op.action {
	case ActionMoveTask:
		return b.MoveTask(op.taskID, op.move.DestColumnID, op.move.DestIndex)
	case ActionCreateTask:
		d := op.draft
		if err := d.Validate(); err != nil {
			return err
		}
		return b.AddTask(domain.Task{
			ID:          op.taskID,
			ProjectID:   b.ProjectID,
			ColumnID:    d.ColumnID,
			TeamID:      d.TeamID,
			Title:       d.Title,
			Description: d.Description,
			AssignedTo:  d.AssignedTo,
			DueDate:     d.DueDate,
			Priority:    d.Priority,
			Status:      d.Status,
			Categories:  d.Categories,
		})
	case ActionUpdateTask:
		if err := op.patch.Validate(); err != nil {
			return err
		}
		return b.PatchTask(op.taskID, op.patch)
	case ActionDeleteTask:
		return b.RemoveTask(op.taskID)
	case ActionCreateColumn:
		d := op.colDraft
		if err := d.Validate(); err != nil {
			return err
		}
		b.AddColumn(domain.Column{ID: op.columnID, ProjectID: b.ProjectID, Name: d.Name})
		return nil
	case ActionUpdateColumn:
		if err := op.colPatch.Validate(); err != nil {
			return err
		}
		return b.PatchColumn(op.columnID, op.colPatch)
	case ActionDeleteColumn:
		return b.RemoveColumn(op.columnID)
	}
	return &domain.ValidationError{Field: "action", Reason: "unknown action " + op.action}
}

// confirm folds an authoritative mutation result into b.
func confirm(b *domain.Board, action string, res domain.MutationResult) {
	switch action {
	case ActionCreateColumn, ActionUpdateColumn, ActionDeleteColumn:
		b.ReplaceColumns(res.Columns)
		return
	}
	for _, cv := range res.Columns {
		b.ReplaceColumnTasks(cv)
	}
	if res.Task == nil {
		return
	}
	t := *res.Task
	if action == ActionDeleteTask {
		_ = b.RemoveTask(t.ID)
		return
	}
	if ci, _ := b.FindTask(t.ID); ci < 0 {
		return
	}
	if b.TeamID != "" && t.TeamID != b.TeamID {
		_ = b.RemoveTask(t.ID)
		return
	}
	if t.Categories == nil {
		if held, ok := b.Task(t.ID); ok {
			t.Categories = held.Categories
		}
	}
	b.ReplaceTask(t.ID, t)
}

// outcomeUnknown reports whether err leaves it open if the server applied
// the mutation: transport failures, timeouts and server-side 5xx.
func outcomeUnknown(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return true
}
