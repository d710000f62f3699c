package domain

// CategoryMapping attaches a category option to a task.
type CategoryMapping struct {
	TaskID       string `json:"task_id,omitempty"`
	CategoryID   string `json:"category_id"`
	OptionID     string `json:"option_id"`
	CategoryName string `json:"category_name,omitempty"`
	OptionLabel  string `json:"option_label,omitempty"`
}

// ProjectCategories is the per-project category aggregate: mappings keyed by task ID.
type ProjectCategories struct {
	ProjectID string                       `json:"project_id"`
	ByTask    map[string][]CategoryMapping `json:"by_task"`
}

func validateMappings(ms []CategoryMapping) error {
	seen := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		if m.CategoryID == "" || m.OptionID == "" {
			return &ValidationError{Field: "categories", Reason: "category_id and option_id are required"}
		}
		k := m.CategoryID + "/" + m.OptionID
		if _, dup := seen[k]; dup {
			return &ValidationError{Field: "categories", Reason: "duplicate option " + k}
		}
		seen[k] = struct{}{}
	}
	return nil
}

// SameMappings reports whether a and b assign the same options, ignoring order and labels.
func SameMappings(a, b []CategoryMapping) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, m := range a {
		set[m.CategoryID+"/"+m.OptionID]++
	}
	for _, m := range b {
		k := m.CategoryID + "/" + m.OptionID
		if set[k] == 0 {
			return false
		}
		set[k]--
	}
	return true
}
