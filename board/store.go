package board

import (
	"context"

	"board-api/domain"
)

// Store is the durable store of columns and tasks.
// Get methods return nil, nil when the row does not exist.
type Store interface {
	ListColumns(ctx context.Context, q domain.Query) ([]domain.Column, error)
	GetColumn(ctx context.Context, projectID, columnID string) (*domain.Column, error)
	ListTasks(ctx context.Context, q domain.Query) ([]domain.Task, error)
	GetTask(ctx context.Context, projectID, taskID string) (*domain.Task, error)
	ListUserProjects(ctx context.Context, email string) ([]string, error)
	// Commit applies every write of the batch or none. A version mismatch
	// is reported as domain.ErrConcurrencyConflict.
	Commit(ctx context.Context, b domain.Batch) error
}

// CategoryRepository stores category option assignments per task.
type CategoryRepository interface {
	ListMappings(ctx context.Context, projectID string) ([]domain.CategoryMapping, error)
	ReplaceMappings(ctx context.Context, projectID, taskID string, ms []domain.CategoryMapping) error
}

// Timeline receives audit records of committed mutations.
type Timeline interface {
	Record(ctx context.Context, rec domain.TimelineRecord) error
}
