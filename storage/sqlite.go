package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"modernc.org/sqlite"

	"board-api/domain"
)

// sqliteConstraint is the primary result code of SQLITE_CONSTRAINT.
const sqliteConstraint = 19

// sqlTime keeps stored timestamps lexically ordered.
const sqlTime = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS columns (
	project_id TEXT NOT NULL,
	id         TEXT NOT NULL,
	name       TEXT NOT NULL,
	sort_order INTEGER NOT NULL,
	is_active  INTEGER NOT NULL DEFAULT 1,
	version    INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (project_id, id)
);
CREATE TABLE IF NOT EXISTS tasks (
	project_id  TEXT NOT NULL,
	id          TEXT NOT NULL,
	column_id   TEXT NOT NULL,
	team_id     TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	sort_order  INTEGER NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	due_date    TEXT,
	priority    TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_by  TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (project_id, id)
);
CREATE INDEX IF NOT EXISTS tasks_by_column ON tasks (project_id, column_id, sort_order);
CREATE INDEX IF NOT EXISTS tasks_by_assignee ON tasks (assigned_to);
CREATE INDEX IF NOT EXISTS tasks_by_creator ON tasks (created_by);
CREATE TABLE IF NOT EXISTS task_categories (
	project_id    TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	category_id   TEXT NOT NULL,
	option_id     TEXT NOT NULL,
	category_name TEXT NOT NULL DEFAULT '',
	option_label  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, task_id, category_id, option_id)
);
CREATE TABLE IF NOT EXISTS timeline (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor       TEXT NOT NULL,
	at          TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS timeline_by_entity ON timeline (project_id, entity_id, at);
`

// SQLite is the local durable store. Writes are guarded by the row version.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if missing.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

var sqlColumns = map[string][]string{
	domain.TableColumns: {
		domain.FieldID, domain.FieldProjectID, domain.FieldSortOrder, domain.FieldIsActive, domain.FieldCreatedAt,
	},
	domain.TableTasks: {
		domain.FieldID, domain.FieldProjectID, domain.FieldColumnID, domain.FieldTeamID, domain.FieldSortOrder,
		domain.FieldAssignedTo, domain.FieldCreatedBy, domain.FieldCreatedAt, domain.FieldStatus, domain.FieldPriority,
	},
	domain.TableCategoryMappings: {domain.FieldProjectID, "task_id", "category_id", "option_id"},
}

var sqlOps = map[domain.Op]string{
	domain.OpEq: "=",
	domain.OpNe: "<>",
	domain.OpLt: "<",
	domain.OpLe: "<=",
	domain.OpGt: ">",
	domain.OpGe: ">=",
}

// buildWhere renders the filter, order and page clauses of q. Field names are
// checked against the table whitelist before they reach the SQL text.
func buildWhere(q domain.Query) (string, []any, error) {
	allowed := sqlColumns[q.Table]
	if allowed == nil {
		return "", nil, fmt.Errorf("unknown table %q", q.Table)
	}
	known := func(f string) bool {
		for _, a := range allowed {
			if a == f {
				return true
			}
		}
		return false
	}
	var (
		b    strings.Builder
		args []any
	)
	for i, f := range q.Filters {
		if !known(f.Field) {
			return "", nil, fmt.Errorf("unknown field %q", f.Field)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		if f.Op == domain.OpIn {
			set, ok := f.Value.([]string)
			if !ok {
				return "", nil, fmt.Errorf("filter %s in: expected []string, got %T", f.Field, f.Value)
			}
			if len(set) == 0 {
				b.WriteString("0")
				continue
			}
			b.WriteString(f.Field + " IN (" + strings.TrimSuffix(strings.Repeat("?,", len(set)), ",") + ")")
			for _, v := range set {
				args = append(args, v)
			}
			continue
		}
		op, ok := sqlOps[f.Op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
		b.WriteString(f.Field + " " + op + " ?")
		args = append(args, sqlValue(f.Value))
	}
	for i, o := range q.OrderBy {
		if !known(o.Field) {
			return "", nil, fmt.Errorf("unknown order field %q", o.Field)
		}
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(o.Field)
		if o.Desc {
			b.WriteString(" DESC")
		}
	}
	switch {
	case q.Limit > 0:
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, q.Limit, q.Offset)
	case q.Offset > 0:
		b.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, q.Offset)
	}
	return b.String(), args, nil
}

func sqlValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case time.Time:
		return x.UTC().Format(sqlTime)
	}
	return v
}

func sqlFormat(t time.Time) string { return t.UTC().Format(sqlTime) }

func sqlParse(s string) time.Time {
	t, err := time.Parse(sqlTime, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

const columnSelect = `SELECT id, project_id, name, sort_order, is_active, version, created_at, updated_at FROM columns`

const taskSelect = `SELECT id, project_id, column_id, team_id, title, description, sort_order, assigned_to,
	due_date, priority, status, created_by, version, created_at, updated_at FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanColumn(r scanner) (domain.Column, error) {
	var (
		c                domain.Column
		active           int
		created, updated string
	)
	if err := r.Scan(&c.ID, &c.ProjectID, &c.Name, &c.SortOrder, &active, &c.Version, &created, &updated); err != nil {
		return c, err
	}
	c.IsActive = active != 0
	c.CreatedAt = sqlParse(created)
	c.UpdatedAt = sqlParse(updated)
	return c, nil
}

func scanTask(r scanner) (domain.Task, error) {
	var (
		t                domain.Task
		due              sql.NullString
		created, updated string
	)
	if err := r.Scan(&t.ID, &t.ProjectID, &t.ColumnID, &t.TeamID, &t.Title, &t.Description, &t.SortOrder, &t.AssignedTo,
		&due, &t.Priority, &t.Status, &t.CreatedBy, &t.Version, &created, &updated); err != nil {
		return t, err
	}
	if due.Valid {
		d := sqlParse(due.String)
		t.DueDate = &d
	}
	t.CreatedAt = sqlParse(created)
	t.UpdatedAt = sqlParse(updated)
	return t, nil
}

func (s *SQLite) ListColumns(ctx context.Context, q domain.Query) ([]domain.Column, error) {
	q.Table = domain.TableColumns
	where, args, err := buildWhere(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, columnSelect+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := []domain.Column{}
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (s *SQLite) ListTasks(ctx context.Context, q domain.Query) ([]domain.Task, error) {
	q.Table = domain.TableTasks
	where, args, err := buildWhere(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetColumn returns the column or nil when it does not exist.
func (s *SQLite) GetColumn(ctx context.Context, projectID, columnID string) (*domain.Column, error) {
	c, err := scanColumn(s.db.QueryRowContext(ctx, columnSelect+" WHERE project_id = ? AND id = ?", projectID, columnID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetTask returns the task or nil when it does not exist.
func (s *SQLite) GetTask(ctx context.Context, projectID, taskID string) (*domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, taskSelect+" WHERE project_id = ? AND id = ?", projectID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLite) ListUserProjects(ctx context.Context, email string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project_id FROM tasks WHERE assigned_to = ? OR created_by = ? ORDER BY project_id`, email, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	projects := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Commit applies b in one transaction. Updates and deletes match on the
// expected version; a missed row rolls the whole batch back with
// ErrConcurrencyConflict.
func (s *SQLite) Commit(ctx context.Context, b domain.Batch) (err error) {
	if b.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, w := range b.Columns {
		if w.Column.ProjectID != b.ProjectID {
			return &domain.ValidationError{Field: "batch", Reason: "column " + w.Column.ID + " belongs to another project"}
		}
		if err = execColumnWrite(ctx, tx, w); err != nil {
			return err
		}
	}
	for _, w := range b.Tasks {
		if w.Task.ProjectID != b.ProjectID {
			return &domain.ValidationError{Field: "batch", Reason: "task " + w.Task.ID + " belongs to another project"}
		}
		if err = execTaskWrite(ctx, tx, w); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func execColumnWrite(ctx context.Context, tx *sql.Tx, w domain.ColumnWrite) error {
	c := w.Column
	var (
		res sql.Result
		err error
	)
	switch w.Kind {
	case domain.WriteInsert:
		_, err = tx.ExecContext(ctx, `INSERT INTO columns (project_id, id, name, sort_order, is_active, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ProjectID, c.ID, c.Name, c.SortOrder, sqlValue(c.IsActive), c.Version, sqlFormat(c.CreatedAt), sqlFormat(c.UpdatedAt))
		return insertErr("column", c.ID, err)
	case domain.WriteUpdate:
		res, err = tx.ExecContext(ctx, `UPDATE columns SET name = ?, sort_order = ?, is_active = ?, version = version + 1, updated_at = ?
			WHERE project_id = ? AND id = ? AND version = ?`,
			c.Name, c.SortOrder, sqlValue(c.IsActive), sqlFormat(c.UpdatedAt), c.ProjectID, c.ID, c.Version)
	case domain.WriteDelete:
		res, err = tx.ExecContext(ctx, `DELETE FROM columns WHERE project_id = ? AND id = ? AND version = ?`, c.ProjectID, c.ID, c.Version)
	default:
		return fmt.Errorf("unknown write kind %d", w.Kind)
	}
	return guarded("column", c.ID, res, err)
}

func execTaskWrite(ctx context.Context, tx *sql.Tx, w domain.TaskWrite) error {
	t := w.Task
	var due any
	if t.DueDate != nil {
		due = sqlFormat(*t.DueDate)
	}
	var (
		res sql.Result
		err error
	)
	switch w.Kind {
	case domain.WriteInsert:
		_, err = tx.ExecContext(ctx, `INSERT INTO tasks (project_id, id, column_id, team_id, title, description, sort_order, assigned_to,
			due_date, priority, status, created_by, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ProjectID, t.ID, t.ColumnID, t.TeamID, t.Title, t.Description, t.SortOrder, t.AssignedTo,
			due, t.Priority, t.Status, t.CreatedBy, t.Version, sqlFormat(t.CreatedAt), sqlFormat(t.UpdatedAt))
		return insertErr("task", t.ID, err)
	case domain.WriteUpdate:
		res, err = tx.ExecContext(ctx, `UPDATE tasks SET column_id = ?, team_id = ?, title = ?, description = ?, sort_order = ?,
			assigned_to = ?, due_date = ?, priority = ?, status = ?, version = version + 1, updated_at = ?
			WHERE project_id = ? AND id = ? AND version = ?`,
			t.ColumnID, t.TeamID, t.Title, t.Description, t.SortOrder, t.AssignedTo, due, t.Priority, t.Status,
			sqlFormat(t.UpdatedAt), t.ProjectID, t.ID, t.Version)
	case domain.WriteDelete:
		res, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = ? AND id = ? AND version = ?`, t.ProjectID, t.ID, t.Version)
	default:
		return fmt.Errorf("unknown write kind %d", w.Kind)
	}
	return guarded("task", t.ID, res, err)
}

func guarded(entity, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, domain.ErrConcurrencyConflict)
	}
	return nil
}

func insertErr(entity, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqliteConstraint {
		return fmt.Errorf("%s %s already exists: %w", entity, id, domain.ErrConcurrencyConflict)
	}
	return err
}

func (s *SQLite) ListMappings(ctx context.Context, projectID string) ([]domain.CategoryMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, category_id, option_id, category_name, option_label
		FROM task_categories WHERE project_id = ? ORDER BY task_id, category_id, option_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.CategoryMapping{}
	for rows.Next() {
		var m domain.CategoryMapping
		if err := rows.Scan(&m.TaskID, &m.CategoryID, &m.OptionID, &m.CategoryName, &m.OptionLabel); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) ReplaceMappings(ctx context.Context, projectID, taskID string, ms []domain.CategoryMapping) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM task_categories WHERE project_id = ? AND task_id = ?`, projectID, taskID); err != nil {
		return err
	}
	for _, m := range ms {
		if _, err = tx.ExecContext(ctx, `INSERT INTO task_categories (project_id, task_id, category_id, option_id, category_name, option_label)
			VALUES (?, ?, ?, ?, ?, ?)`, projectID, taskID, m.CategoryID, m.OptionID, m.CategoryName, m.OptionLabel); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Record stores a timeline entry; SQLite deployments keep the audit trail locally.
func (s *SQLite) Record(ctx context.Context, rec domain.TimelineRecord) error {
	details := []byte("{}")
	if len(rec.Details) > 0 {
		var err error
		if details, err = sonic.Marshal(rec.Details); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO timeline (id, project_id, entity_type, entity_id, action, actor, at, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.EntityType, rec.EntityID, rec.Action, rec.Actor, sqlFormat(rec.At), string(details))
	return err
}

// History returns the timeline of one entity, oldest first.
func (s *SQLite) History(ctx context.Context, projectID, entityID string) ([]domain.TimelineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, entity_type, entity_id, action, actor, at, details
		FROM timeline WHERE project_id = ? AND entity_id = ? ORDER BY at, id`, projectID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.TimelineRecord{}
	for rows.Next() {
		var (
			rec         domain.TimelineRecord
			at, details string
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.EntityType, &rec.EntityID, &rec.Action, &rec.Actor, &at, &details); err != nil {
			return nil, err
		}
		rec.At = sqlParse(at)
		if details != "{}" {
			if err := sonic.UnmarshalString(details, &rec.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
