package cache

import (
	"strings"
	"unicode"

	"board-api/domain"
)

// Key namespaces.
const (
	BoardNamespace        = "board:"
	CategoriesNamespace   = "categories:"
	UserProjectsNamespace = "user-projects:"

	allTeams         = "*"
	generationPrefix = "gen:"
)

// Namespaces lists every namespace the service writes, for a full flush.
var Namespaces = []string{BoardNamespace, CategoriesNamespace, UserProjectsNamespace}

// ValidateID rejects identifiers that would make key derivation ambiguous.
func ValidateID(field, id string) error {
	if id == "" {
		return &domain.ValidationError{Field: field, Reason: "is required"}
	}
	if strings.ContainsAny(id, ":*") || strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return &domain.ValidationError{Field: field, Reason: "must not contain ':', '*' or whitespace"}
	}
	return nil
}

// BoardKey is the key of a board view. An empty team selects the all-teams view.
func BoardKey(projectID, teamID string) string {
	if teamID == "" {
		teamID = allTeams
	}
	return BoardPrefix(projectID) + teamID
}

// BoardPrefix covers every team view of a project.
func BoardPrefix(projectID string) string {
	return BoardNamespace + projectID + ":"
}

func CategoriesKey(projectID string) string {
	return CategoriesNamespace + projectID
}

func UserProjectsKey(email string) string {
	return UserProjectsNamespace + strings.ToLower(email)
}

// ScopeOf returns the invalidation scope of key: the prefix whose deletion
// removes it.
func ScopeOf(key string) string {
	if strings.HasPrefix(key, BoardNamespace) {
		rest := strings.TrimPrefix(key, BoardNamespace)
		if i := strings.IndexByte(rest, ':'); i >= 0 {
			return BoardNamespace + rest[:i+1]
		}
	}
	return key
}

func generationKey(scope string) string {
	return generationPrefix + scope
}

// generationKeys lists the counters fencing scope: its own and that of the
// namespace holding it.
func generationKeys(scope string) []string {
	keys := []string{generationKey(scope)}
	for _, ns := range Namespaces {
		if scope != ns && strings.HasPrefix(scope, ns) {
			keys = append(keys, generationKey(ns))
		}
	}
	return keys
}

// escapeGlob quotes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
