package api

import (
	"context"
	"encoding/json"

	"board-api/cache"
	"board-api/domain"
)

const postBoardMaxSize = 64 * 1024 // 64 KiB

// Mutation actions accepted by POST /api/board.
const (
	ActionMoveTask     = "move_task"
	ActionCreateTask   = "create_task"
	ActionUpdateTask   = "update_task"
	ActionDeleteTask   = "delete_task"
	ActionCreateColumn = "create_column"
	ActionUpdateColumn = "update_column"
	ActionDeleteColumn = "delete_column"
)

// BoardReader serves the cached read models.
type BoardReader interface {
	GetBoard(ctx context.Context, projectID, teamID string) (domain.Board, error)
	GetUserProjects(ctx context.Context, email string) ([]string, error)
}

// Mutator applies board mutations on behalf of actor.
type Mutator interface {
	MoveTask(ctx context.Context, actor, projectID string, req domain.MoveRequest) (domain.MutationResult, error)
	CreateTask(ctx context.Context, actor, projectID string, draft domain.TaskDraft) (domain.MutationResult, error)
	UpdateTask(ctx context.Context, actor, projectID, taskID string, patch domain.TaskPatch) (domain.MutationResult, error)
	DeleteTask(ctx context.Context, actor, projectID, taskID string, expectedVersion *int64) (domain.MutationResult, error)
	CreateColumn(ctx context.Context, actor, projectID string, draft domain.ColumnDraft) (domain.MutationResult, error)
	UpdateColumn(ctx context.Context, actor, projectID, columnID string, patch domain.ColumnPatch) (domain.MutationResult, error)
	DeleteColumn(ctx context.Context, actor, projectID, columnID string, expectedVersion *int64) (domain.MutationResult, error)
}

// CacheAdmin backs the manual invalidation endpoint.
type CacheAdmin interface {
	InvalidateProject(ctx context.Context, projectID, teamID string) (int64, error)
	FlushAll(ctx context.Context) (int64, error)
}

// HealthChecker reports cache health.
type HealthChecker interface {
	Health(ctx context.Context) (cache.Health, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper tracks idempotency keys of mutations.
type Deduper interface {
	// Begin claims key. When the key was already claimed it returns false and
	// the stored response, nil while the first request is still running.
	Begin(ctx context.Context, userID, key string) (bool, []byte, error)
	// Complete stores the response of a claimed key.
	Complete(ctx context.Context, userID, key string, response []byte) error
	// Remove releases a key whose mutation failed so the caller may retry.
	Remove(ctx context.Context, userID, key string) error
}

// Services bundles the collaborators of the HTTP surface. Deduper and
// Broker are optional.
type Services struct {
	Boards    BoardReader
	Mutations Mutator
	Cache     CacheAdmin
	Health    HealthChecker
	Deduper   Deduper
	Broker    *Broker
}

// mutationRequest is the POST /api/board body.
type mutationRequest struct {
	Action         string          `json:"action"`
	ProjectID      string          `json:"project_id"`
	Data           json.RawMessage `json:"data"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type updateTaskData struct {
	TaskID string `json:"task_id"`
	domain.TaskPatch
}

type deleteTaskData struct {
	TaskID          string `json:"task_id"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type updateColumnData struct {
	ColumnID string `json:"column_id"`
	domain.ColumnPatch
}

type deleteColumnData struct {
	ColumnID        string `json:"column_id"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type invalidateResponse struct {
	Deleted int64 `json:"deleted"`
}

type userProjectsResponse struct {
	Projects []string `json:"projects"`
}

type healthResponse struct {
	Status     string `json:"status"`
	MemoryUsed int64  `json:"memory_used,omitempty"`
	MemoryMax  int64  `json:"memory_max,omitempty"`
	Error      string `json:"error,omitempty"`
}
