package domain

import (
	"strings"
	"time"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"

	StatusOpen = "open"

	maxTitleLength = 500
)

// Task represents a single card on the board.
type Task struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	ColumnID    string            `json:"column_id"`
	TeamID      string            `json:"team_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	SortOrder   int               `json:"sort_order"`
	AssignedTo  string            `json:"assigned_to,omitempty"`
	DueDate     *time.Time        `json:"due_date,omitempty"`
	Priority    string            `json:"priority"`
	Status      string            `json:"status"`
	CreatedBy   string            `json:"created_by"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Categories  []CategoryMapping `json:"categories,omitempty"`

	// ETag is the storage concurrency token when the backend provides one.
	ETag string `json:"-"`
}

func (t *Task) OrderKey() string   { return t.ID }
func (t *Task) Position() int      { return t.SortOrder }
func (t *Task) SetPosition(p int)  { t.SortOrder = p }
func (t *Task) Created() time.Time { return t.CreatedAt }

// TaskDraft carries the fields accepted when creating a task.
type TaskDraft struct {
	ColumnID    string            `json:"column_id"`
	TeamID      string            `json:"team_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	AssignedTo  string            `json:"assigned_to,omitempty"`
	DueDate     *time.Time        `json:"due_date,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Status      string            `json:"status,omitempty"`
	Categories  []CategoryMapping `json:"categories,omitempty"`
}

// Validate checks the draft and fills defaults.
func (d *TaskDraft) Validate() error {
	d.Title = strings.TrimSpace(d.Title)
	if d.ColumnID == "" {
		return &ValidationError{Field: "column_id", Reason: "is required"}
	}
	if err := validateTitle(d.Title); err != nil {
		return err
	}
	if d.Priority == "" {
		d.Priority = PriorityMedium
	}
	if err := validatePriority(d.Priority); err != nil {
		return err
	}
	if d.Status == "" {
		d.Status = StatusOpen
	}
	return validateMappings(d.Categories)
}

// TaskPatch is a field-level update. Nil fields are left untouched.
type TaskPatch struct {
	Title           *string            `json:"title,omitempty"`
	Description     *string            `json:"description,omitempty"`
	TeamID          *string            `json:"team_id,omitempty"`
	AssignedTo      *string            `json:"assigned_to,omitempty"`
	DueDate         *time.Time         `json:"due_date,omitempty"`
	ClearDueDate    bool               `json:"clear_due_date,omitempty"`
	Priority        *string            `json:"priority,omitempty"`
	Status          *string            `json:"status,omitempty"`
	Categories      *[]CategoryMapping `json:"categories,omitempty"`
	ExpectedVersion *int64             `json:"expected_version,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.TeamID == nil && p.AssignedTo == nil &&
		p.DueDate == nil && !p.ClearDueDate && p.Priority == nil && p.Status == nil && p.Categories == nil
}

// Validate checks the patched values.
func (p TaskPatch) Validate() error {
	if p.Title != nil {
		if err := validateTitle(strings.TrimSpace(*p.Title)); err != nil {
			return err
		}
	}
	if p.Priority != nil {
		if err := validatePriority(*p.Priority); err != nil {
			return err
		}
	}
	if p.Categories != nil {
		return validateMappings(*p.Categories)
	}
	return nil
}

// Apply copies the patched fields onto t.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.TeamID != nil {
		t.TeamID = *p.TeamID
	}
	if p.AssignedTo != nil {
		t.AssignedTo = *p.AssignedTo
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Categories != nil {
		t.Categories = append([]CategoryMapping(nil), (*p.Categories)...)
	}
}

// MoveRequest describes a drag-and-drop of a task.
type MoveRequest struct {
	TaskID          string `json:"task_id"`
	DestColumnID    string `json:"dest_column_id"`
	DestIndex       int    `json:"dest_index"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

func validateTitle(title string) error {
	if title == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if len(title) > maxTitleLength {
		return &ValidationError{Field: "title", Reason: "is too long"}
	}
	return nil
}

func validatePriority(p string) error {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return nil
	}
	return &ValidationError{Field: "priority", Reason: "must be one of low, medium, high, urgent"}
}
