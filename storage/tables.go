package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"board-api/domain"
)

const (
	// MaxTransactionActions is the Azure Tables limit for one entity-group transaction.
	MaxTransactionActions = 100

	EdmInt64 = "Edm.Int64"

	kindColumn = "column"
	kindTask   = "task"

	columnRowPrefix = "col_"
	taskRowPrefix   = "task_"
)

// Tables stores columns and tasks in one table partitioned by project so that
// every batch is a single-partition transaction. Category mappings live in a
// second table with the same partitioning.
type Tables struct {
	board      *aztables.Client
	categories *aztables.Client
	now        func() time.Time
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, boardTable, categoriesTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{
		board:      svc.NewClient(boardTable),
		categories: svc.NewClient(categoriesTable),
		now:        time.Now,
	}, nil
}

// boardEntity is the row shape shared by columns and tasks.
type boardEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ETag         string `json:"odata.etag,omitempty"`
	Kind         string `json:"Kind"`
	Name         string `json:"Name,omitempty"`
	IsActive     bool   `json:"IsActive"`
	ColumnID     string `json:"ColumnId,omitempty"`
	TeamID       string `json:"TeamId,omitempty"`
	Title        string `json:"Title,omitempty"`
	Description  string `json:"Description,omitempty"`
	AssignedTo   string `json:"AssignedTo,omitempty"`
	DueDate      string `json:"DueDate,omitempty"`
	Priority     string `json:"Priority,omitempty"`
	Status       string `json:"Status,omitempty"`
	CreatedBy    string `json:"CreatedBy,omitempty"`
	SortOrder    int    `json:"SortOrder"`
	Version      int64  `json:"Version,string"`
	VersionType  string `json:"Version@odata.type"`
	CreatedAt    string `json:"CreatedAt"`
	UpdatedAt    string `json:"UpdatedAt"`
}

type mappingEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ETag         string `json:"odata.etag,omitempty"`
	TaskID       string `json:"TaskId"`
	CategoryID   string `json:"CategoryId"`
	OptionID     string `json:"OptionId"`
	CategoryName string `json:"CategoryName,omitempty"`
	OptionLabel  string `json:"OptionLabel,omitempty"`
}

func columnEntityOf(c domain.Column) boardEntity {
	return boardEntity{
		PartitionKey: c.ProjectID,
		RowKey:       columnRowPrefix + c.ID,
		Kind:         kindColumn,
		Name:         c.Name,
		IsActive:     c.IsActive,
		SortOrder:    c.SortOrder,
		Version:      c.Version,
		VersionType:  EdmInt64,
		CreatedAt:    formatTime(c.CreatedAt),
		UpdatedAt:    formatTime(c.UpdatedAt),
	}
}

func taskEntityOf(t domain.Task) boardEntity {
	ent := boardEntity{
		PartitionKey: t.ProjectID,
		RowKey:       taskRowPrefix + t.ID,
		Kind:         kindTask,
		ColumnID:     t.ColumnID,
		TeamID:       t.TeamID,
		Title:        t.Title,
		Description:  t.Description,
		AssignedTo:   t.AssignedTo,
		Priority:     t.Priority,
		Status:       t.Status,
		CreatedBy:    t.CreatedBy,
		SortOrder:    t.SortOrder,
		Version:      t.Version,
		VersionType:  EdmInt64,
		CreatedAt:    formatTime(t.CreatedAt),
		UpdatedAt:    formatTime(t.UpdatedAt),
	}
	if t.DueDate != nil {
		ent.DueDate = formatTime(*t.DueDate)
	}
	return ent
}

func (e boardEntity) column() domain.Column {
	return domain.Column{
		ID:        strings.TrimPrefix(e.RowKey, columnRowPrefix),
		ProjectID: e.PartitionKey,
		Name:      e.Name,
		SortOrder: e.SortOrder,
		IsActive:  e.IsActive,
		Version:   e.Version,
		CreatedAt: parseTime(e.CreatedAt),
		UpdatedAt: parseTime(e.UpdatedAt),
		ETag:      e.ETag,
	}
}

func (e boardEntity) task() domain.Task {
	t := domain.Task{
		ID:          strings.TrimPrefix(e.RowKey, taskRowPrefix),
		ProjectID:   e.PartitionKey,
		ColumnID:    e.ColumnID,
		TeamID:      e.TeamID,
		Title:       e.Title,
		Description: e.Description,
		SortOrder:   e.SortOrder,
		AssignedTo:  e.AssignedTo,
		Priority:    e.Priority,
		Status:      e.Status,
		CreatedBy:   e.CreatedBy,
		Version:     e.Version,
		CreatedAt:   parseTime(e.CreatedAt),
		UpdatedAt:   parseTime(e.UpdatedAt),
		ETag:        e.ETag,
	}
	if e.DueDate != "" {
		d := parseTime(e.DueDate)
		t.DueDate = &d
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ListColumns returns the columns matching q. Filters are pushed down as an
// OData expression, ordering and paging are applied in memory.
func (s *Tables) ListColumns(ctx context.Context, q domain.Query) ([]domain.Column, error) {
	ents, err := s.listBoard(ctx, kindColumn, q)
	if err != nil {
		return nil, err
	}
	cols := make([]domain.Column, 0, len(ents))
	for _, e := range ents {
		cols = append(cols, e.column())
	}
	return domain.Evaluate(cols, q)
}

// ListTasks returns the tasks matching q.
func (s *Tables) ListTasks(ctx context.Context, q domain.Query) ([]domain.Task, error) {
	ents, err := s.listBoard(ctx, kindTask, q)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ents))
	for _, e := range ents {
		tasks = append(tasks, e.task())
	}
	return domain.Evaluate(tasks, q)
}

// GetColumn returns the column or nil when it does not exist.
func (s *Tables) GetColumn(ctx context.Context, projectID, columnID string) (*domain.Column, error) {
	ent, err := s.getBoard(ctx, projectID, columnRowPrefix+columnID)
	if err != nil || ent == nil {
		return nil, err
	}
	c := ent.column()
	return &c, nil
}

// GetTask returns the task or nil when it does not exist.
func (s *Tables) GetTask(ctx context.Context, projectID, taskID string) (*domain.Task, error) {
	ent, err := s.getBoard(ctx, projectID, taskRowPrefix+taskID)
	if err != nil || ent == nil {
		return nil, err
	}
	t := ent.task()
	return &t, nil
}

// ListUserProjects returns the projects holding a task assigned to or created by email.
func (s *Tables) ListUserProjects(ctx context.Context, email string) ([]string, error) {
	filter := fmt.Sprintf("Kind eq 'task' and (AssignedTo eq %s or CreatedBy eq %s)", quote(email), quote(email))
	sel := "PartitionKey"
	pager := s.board.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	seen := map[string]struct{}{}
	projects := []string{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent struct {
				PartitionKey string `json:"PartitionKey"`
			}
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			if _, ok := seen[ent.PartitionKey]; ok {
				continue
			}
			seen[ent.PartitionKey] = struct{}{}
			projects = append(projects, ent.PartitionKey)
		}
	}
	return projects, nil
}

func (s *Tables) getBoard(ctx context.Context, pk, rk string) (*boardEntity, error) {
	resp, err := s.board.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	var ent boardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	ent.ETag = string(resp.ETag)
	return &ent, nil
}

func (s *Tables) listBoard(ctx context.Context, kind string, q domain.Query) ([]boardEntity, error) {
	filter, err := odataFilter(kind, q)
	if err != nil {
		return nil, err
	}
	pager := s.board.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []boardEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent boardEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

// Commit submits b as one entity-group transaction. Updates and deletes are
// guarded by the row ETag; a mismatch surfaces as ErrConcurrencyConflict.
func (s *Tables) Commit(ctx context.Context, b domain.Batch) error {
	if b.Empty() {
		return nil
	}
	if b.Len() > MaxTransactionActions {
		return &domain.ValidationError{Field: "batch", Reason: fmt.Sprintf("touches %d rows, the limit is %d", b.Len(), MaxTransactionActions)}
	}
	actions := make([]aztables.TransactionAction, 0, b.Len())
	for _, w := range b.Columns {
		if w.Column.ProjectID != b.ProjectID {
			return &domain.ValidationError{Field: "batch", Reason: "column " + w.Column.ID + " belongs to another project"}
		}
		a, err := s.action(ctx, w.Kind, columnEntityOf(w.Column), w.Column.ETag)
		if err != nil {
			return err
		}
		actions = append(actions, a)
	}
	for _, w := range b.Tasks {
		if w.Task.ProjectID != b.ProjectID {
			return &domain.ValidationError{Field: "batch", Reason: "task " + w.Task.ID + " belongs to another project"}
		}
		a, err := s.action(ctx, w.Kind, taskEntityOf(w.Task), w.Task.ETag)
		if err != nil {
			return err
		}
		actions = append(actions, a)
	}
	if _, err := s.board.SubmitTransaction(ctx, actions, nil); err != nil {
		if isConflict(err) {
			return fmt.Errorf("commit %s: %w", b.ProjectID, domain.ErrConcurrencyConflict)
		}
		return err
	}
	return nil
}

func (s *Tables) action(ctx context.Context, kind domain.WriteKind, ent boardEntity, etag string) (aztables.TransactionAction, error) {
	if kind == domain.WriteInsert {
		payload, err := json.Marshal(ent)
		return aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload}, err
	}
	if etag == "" {
		var err error
		if etag, err = s.currentETag(ctx, ent); err != nil {
			return aztables.TransactionAction{}, err
		}
	}
	match := azcore.ETag(etag)
	if kind == domain.WriteDelete {
		payload, err := json.Marshal(struct {
			PartitionKey string `json:"PartitionKey"`
			RowKey       string `json:"RowKey"`
		}{ent.PartitionKey, ent.RowKey})
		return aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: payload, IfMatch: &match}, err
	}
	ent.Version++
	ent.ETag = ""
	payload, err := json.Marshal(ent)
	return aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateReplace, Entity: payload, IfMatch: &match}, err
}

// currentETag resolves the ETag of a row written without one, checking that
// the stored version still matches the expected one.
func (s *Tables) currentETag(ctx context.Context, want boardEntity) (string, error) {
	cur, err := s.getBoard(ctx, want.PartitionKey, want.RowKey)
	if err != nil {
		return "", err
	}
	if cur == nil || cur.Version != want.Version {
		return "", fmt.Errorf("row %s: %w", want.RowKey, domain.ErrConcurrencyConflict)
	}
	return cur.ETag, nil
}

func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 404, 409, 412:
			return true
		}
		switch respErr.ErrorCode {
		case "UpdateConditionNotSatisfied", "EntityAlreadyExists", "ResourceNotFound":
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "UpdateConditionNotSatisfied") || strings.Contains(msg, "EntityAlreadyExists")
}

// ListMappings returns every category mapping of a project.
func (s *Tables) ListMappings(ctx context.Context, projectID string) ([]domain.CategoryMapping, error) {
	filter := "PartitionKey eq " + quote(projectID)
	ents, err := s.listMappings(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CategoryMapping, 0, len(ents))
	for _, e := range ents {
		out = append(out, domain.CategoryMapping{
			TaskID:       e.TaskID,
			CategoryID:   e.CategoryID,
			OptionID:     e.OptionID,
			CategoryName: e.CategoryName,
			OptionLabel:  e.OptionLabel,
		})
	}
	return out, nil
}

// ReplaceMappings swaps the mappings of one task in a single transaction.
func (s *Tables) ReplaceMappings(ctx context.Context, projectID, taskID string, ms []domain.CategoryMapping) error {
	filter := fmt.Sprintf("PartitionKey eq %s and TaskId eq %s", quote(projectID), quote(taskID))
	old, err := s.listMappings(ctx, filter)
	if err != nil {
		return err
	}
	if len(old)+len(ms) > MaxTransactionActions {
		return &domain.ValidationError{Field: "categories", Reason: "too many mappings for one task"}
	}
	actions := make([]aztables.TransactionAction, 0, len(old)+len(ms))
	anyTag := azcore.ETagAny
	for _, e := range old {
		payload, err := json.Marshal(struct {
			PartitionKey string `json:"PartitionKey"`
			RowKey       string `json:"RowKey"`
		}{e.PartitionKey, e.RowKey})
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: payload, IfMatch: &anyTag})
	}
	for _, m := range ms {
		payload, err := json.Marshal(mappingEntity{
			PartitionKey: projectID,
			RowKey:       mappingRowKey(taskID, m),
			TaskID:       taskID,
			CategoryID:   m.CategoryID,
			OptionID:     m.OptionID,
			CategoryName: m.CategoryName,
			OptionLabel:  m.OptionLabel,
		})
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload})
	}
	if len(actions) == 0 {
		return nil
	}
	if _, err := s.categories.SubmitTransaction(ctx, actions, nil); err != nil {
		if isConflict(err) {
			return fmt.Errorf("replace mappings of %s: %w", taskID, domain.ErrConcurrencyConflict)
		}
		return err
	}
	return nil
}

func (s *Tables) listMappings(ctx context.Context, filter string) ([]mappingEntity, error) {
	pager := s.categories.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []mappingEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent mappingEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

func mappingRowKey(taskID string, m domain.CategoryMapping) string {
	return taskID + "~" + m.CategoryID + "~" + m.OptionID
}

var tableProperties = map[string]string{
	domain.FieldProjectID:  "PartitionKey",
	domain.FieldColumnID:   "ColumnId",
	domain.FieldTeamID:     "TeamId",
	domain.FieldSortOrder:  "SortOrder",
	domain.FieldIsActive:   "IsActive",
	domain.FieldAssignedTo: "AssignedTo",
	domain.FieldCreatedBy:  "CreatedBy",
	domain.FieldStatus:     "Status",
	domain.FieldPriority:   "Priority",
}

// odataFilter translates the filters of q into an OData expression. Clauses
// without a pushdown (time comparisons) are left to domain.Evaluate.
func odataFilter(kind string, q domain.Query) (string, error) {
	clauses := []string{"Kind eq " + quote(kind)}
	rowPrefix := taskRowPrefix
	if kind == kindColumn {
		rowPrefix = columnRowPrefix
	}
	for _, f := range q.Filters {
		prop, ok := tableProperties[f.Field]
		value := f.Value
		if f.Field == domain.FieldID {
			prop, ok = "RowKey", true
			value = prefixed(rowPrefix, value)
		}
		if !ok {
			continue
		}
		if f.Op == domain.OpIn {
			set, isSet := value.([]string)
			if !isSet {
				return "", fmt.Errorf("filter %s in: expected []string, got %T", f.Field, f.Value)
			}
			if len(set) == 0 {
				clauses = append(clauses, "false")
				continue
			}
			alts := make([]string, len(set))
			for i, v := range set {
				alts[i] = prop + " eq " + quote(v)
			}
			clauses = append(clauses, "("+strings.Join(alts, " or ")+")")
			continue
		}
		lit, err := literal(value)
		if err != nil {
			return "", fmt.Errorf("filter %s: %w", f.Field, err)
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", prop, f.Op, lit))
	}
	return strings.Join(clauses, " and "), nil
}

func prefixed(prefix string, v any) any {
	switch x := v.(type) {
	case string:
		return prefix + x
	case []string:
		out := make([]string, len(x))
		for i, s := range x {
			out[i] = prefix + s
		}
		return out
	}
	return v
}

func literal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return quote(x), nil
	case int:
		return strconv.Itoa(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
