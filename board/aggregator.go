package board

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"board-api/cache"
	"board-api/domain"
)

const (
	DefaultBoardTTL        = 5 * time.Minute
	DefaultUserProjectsTTL = 10 * time.Minute
)

// Aggregator serves board, category and membership views cache-aside. It is
// the only writer of those cache entries.
type Aggregator struct {
	store           Store
	categories      CategoryRepository
	cache           cache.Store
	boardTTL        time.Duration
	userProjectsTTL time.Duration
	logger          *log.Logger
	now             func() time.Time
}

// NewAggregator builds an Aggregator. Non-positive ttls fall back to the defaults.
func NewAggregator(store Store, categories CategoryRepository, cs cache.Store, boardTTL, userProjectsTTL time.Duration, logger *log.Logger) *Aggregator {
	if store == nil || categories == nil || cs == nil {
		panic("board.NewAggregator: store, categories and cache are required")
	}
	if boardTTL <= 0 {
		boardTTL = DefaultBoardTTL
	}
	if userProjectsTTL <= 0 {
		userProjectsTTL = DefaultUserProjectsTTL
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Aggregator{
		store:           store,
		categories:      categories,
		cache:           cs,
		boardTTL:        boardTTL,
		userProjectsTTL: userProjectsTTL,
		logger:          logger,
		now:             time.Now,
	}
}

// cached returns the value under key, or loads it and fills the cache fenced
// by the scope generation read before the load. Cache failures degrade to a
// plain load.
func cached[T any](ctx context.Context, a *Aggregator, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	entry := a.logger.WithField("key", key)
	data, err := a.cache.Get(ctx, key)
	if err != nil {
		entry.WithError(err).Warn("cache read failed")
	}
	if data != nil {
		var v T
		derr := sonic.Unmarshal(data, &v)
		if derr == nil {
			entry.Debug("cache hit")
			return v, nil
		}
		entry.WithError(derr).Warn("discarding undecodable cache entry")
	}

	scope := cache.ScopeOf(key)
	gen, genErr := a.cache.Generation(ctx, scope)
	if genErr != nil {
		entry.WithError(genErr).Warn("cache generation read failed, skipping fill")
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if genErr != nil {
		return v, nil
	}
	payload, err := sonic.Marshal(v)
	if err != nil {
		entry.WithError(err).Error("marshal cache payload")
		return v, nil
	}
	stored, err := a.cache.Set(ctx, key, payload, ttl, cache.Fence{Scope: scope, Generation: gen})
	switch {
	case err != nil:
		entry.WithError(err).Warn("cache fill failed")
	case !stored:
		entry.WithField("generation", gen).Debug("cache fill skipped, scope invalidated during load")
	}
	return v, nil
}

// GetBoard returns the ordered board of a project, optionally narrowed to a team.
func (a *Aggregator) GetBoard(ctx context.Context, projectID, teamID string) (domain.Board, error) {
	if err := cache.ValidateID("projectId", projectID); err != nil {
		return domain.Board{}, err
	}
	if teamID != "" {
		if err := cache.ValidateID("teamId", teamID); err != nil {
			return domain.Board{}, err
		}
	}
	return cached(ctx, a, cache.BoardKey(projectID, teamID), a.boardTTL, func(ctx context.Context) (domain.Board, error) {
		return a.loadBoard(ctx, projectID, teamID)
	})
}

func (a *Aggregator) loadBoard(ctx context.Context, projectID, teamID string) (domain.Board, error) {
	cols, err := a.store.ListColumns(ctx, domain.NewQuery(domain.TableColumns).
		Eq(domain.FieldProjectID, projectID).
		Eq(domain.FieldIsActive, true).
		Asc(domain.FieldSortOrder))
	if err != nil {
		return domain.Board{}, &domain.StoreUnavailableError{Op: "list_columns", Err: err}
	}
	tq := domain.NewQuery(domain.TableTasks).Eq(domain.FieldProjectID, projectID)
	if teamID != "" {
		tq = tq.Eq(domain.FieldTeamID, teamID)
	}
	tasks, err := a.store.ListTasks(ctx, tq.Asc(domain.FieldColumnID).Asc(domain.FieldSortOrder))
	if err != nil {
		return domain.Board{}, &domain.StoreUnavailableError{Op: "list_tasks", Err: err}
	}
	cats, err := a.GetCategories(ctx, projectID)
	if err != nil {
		return domain.Board{}, err
	}

	b := domain.Board{
		ProjectID:   projectID,
		TeamID:      teamID,
		Columns:     make([]domain.ColumnView, 0, len(cols)),
		GeneratedAt: a.now().UTC(),
	}
	index := make(map[string]int, len(cols))
	for _, c := range domain.Sorted[domain.Column](cols) {
		index[c.ID] = len(b.Columns)
		b.Columns = append(b.Columns, domain.ColumnView{Column: c, Tasks: []domain.Task{}})
	}
	for _, t := range tasks {
		i, ok := index[t.ColumnID]
		if !ok {
			a.logger.WithFields(log.Fields{"project": projectID, "task": t.ID, "column": t.ColumnID}).Warn("task references an inactive or unknown column, omitted from board")
			continue
		}
		t.Categories = cats.ByTask[t.ID]
		b.Columns[i].Tasks = append(b.Columns[i].Tasks, t)
	}
	for i := range b.Columns {
		b.Columns[i].Tasks = domain.Sorted[domain.Task](b.Columns[i].Tasks)
	}
	return b, nil
}

// GetCategories returns the category mappings of a project keyed by task.
func (a *Aggregator) GetCategories(ctx context.Context, projectID string) (domain.ProjectCategories, error) {
	if err := cache.ValidateID("projectId", projectID); err != nil {
		return domain.ProjectCategories{}, err
	}
	return cached(ctx, a, cache.CategoriesKey(projectID), a.boardTTL, func(ctx context.Context) (domain.ProjectCategories, error) {
		ms, err := a.categories.ListMappings(ctx, projectID)
		if err != nil {
			return domain.ProjectCategories{}, &domain.StoreUnavailableError{Op: "list_categories", Err: err}
		}
		pc := domain.ProjectCategories{ProjectID: projectID, ByTask: make(map[string][]domain.CategoryMapping)}
		for _, m := range ms {
			pc.ByTask[m.TaskID] = append(pc.ByTask[m.TaskID], m)
		}
		return pc, nil
	})
}

// GetUserProjects returns the projects in which email has assigned or created tasks.
func (a *Aggregator) GetUserProjects(ctx context.Context, email string) ([]string, error) {
	if err := cache.ValidateID("email", email); err != nil {
		return nil, err
	}
	return cached(ctx, a, cache.UserProjectsKey(email), a.userProjectsTTL, func(ctx context.Context) ([]string, error) {
		projects, err := a.store.ListUserProjects(ctx, email)
		if err != nil {
			return nil, &domain.StoreUnavailableError{Op: "list_user_projects", Err: err}
		}
		if projects == nil {
			projects = []string{}
		}
		return projects, nil
	})
}
