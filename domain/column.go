package domain

import (
	"strings"
	"time"
)

const maxColumnNameLength = 120

// Column is a lane of the board. Its row doubles as the ordering guard for
// the tasks it holds: every reorder inside the column bumps Version.
type Column struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	SortOrder int       `json:"sort_order"`
	IsActive  bool      `json:"is_active"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ETag string `json:"-"`
}

func (c *Column) OrderKey() string   { return c.ID }
func (c *Column) Position() int      { return c.SortOrder }
func (c *Column) SetPosition(p int)  { c.SortOrder = p }
func (c *Column) Created() time.Time { return c.CreatedAt }

// ColumnDraft carries the fields accepted when creating a column.
type ColumnDraft struct {
	Name string `json:"name"`
}

// Validate normalizes and checks the draft.
func (d *ColumnDraft) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	return validateColumnName(d.Name)
}

// ColumnPatch renames and/or repositions a column.
type ColumnPatch struct {
	Name            *string `json:"name,omitempty"`
	SortOrder       *int    `json:"sort_order,omitempty"`
	ExpectedVersion *int64  `json:"expected_version,omitempty"`
}

// Validate checks the patched values.
func (p ColumnPatch) Validate() error {
	if p.Name == nil && p.SortOrder == nil {
		return &ValidationError{Field: "data", Reason: "nothing to update"}
	}
	if p.Name != nil {
		return validateColumnName(strings.TrimSpace(*p.Name))
	}
	return nil
}

func validateColumnName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if len(name) > maxColumnNameLength {
		return &ValidationError{Field: "name", Reason: "is too long"}
	}
	return nil
}
