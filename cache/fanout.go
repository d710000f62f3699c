package cache

import (
	"context"
	"slices"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// InvalidationChannel carries a Notification after every invalidation.
const InvalidationChannel = "board-invalidations"

// Change describes what a committed mutation touched.
type Change struct {
	ProjectID         string
	Teams             []string
	CategoriesChanged bool
	// Users are the emails whose project membership may have changed.
	Users []string
}

// Notification is the payload published on InvalidationChannel.
type Notification struct {
	ProjectID  string   `json:"project_id,omitempty"`
	TeamIDs    []string `json:"team_ids,omitempty"`
	Categories bool     `json:"categories,omitempty"`
	Flush      bool     `json:"flush,omitempty"`
}

// Scope is one invalidation target. Prefix scopes remove every key below them.
type Scope struct {
	Key    string
	Prefix bool
}

// Fanout deletes every cache scope that may hold a stale view of a change.
type Fanout struct {
	store  Store
	pub    Publisher
	logger *log.Logger
}

// NewFanout builds a Fanout. pub may be nil to skip notifications.
func NewFanout(store Store, pub Publisher, logger *log.Logger) *Fanout {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Fanout{store: store, pub: pub, logger: logger}
}

// Plan returns the scopes to invalidate for ch. Every team view of the
// project is covered by the board prefix.
func Plan(ch Change) []Scope {
	if ch.ProjectID == "" {
		return nil
	}
	scopes := []Scope{{Key: BoardPrefix(ch.ProjectID), Prefix: true}}
	if ch.CategoriesChanged {
		scopes = append(scopes, Scope{Key: CategoriesKey(ch.ProjectID)})
	}
	seen := make(map[string]struct{}, len(ch.Users))
	for _, u := range ch.Users {
		if u == "" {
			continue
		}
		k := UserProjectsKey(u)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		scopes = append(scopes, Scope{Key: k})
	}
	return scopes
}

// Invalidate deletes the planned scopes and publishes a notification. Cache
// failures are logged and otherwise ignored; the entry ttl bounds staleness.
func (f *Fanout) Invalidate(ctx context.Context, ch Change) int64 {
	var total int64
	for _, sc := range Plan(ch) {
		n, err := f.delete(ctx, sc)
		if err != nil {
			f.logger.WithError(err).WithFields(log.Fields{
				"project": ch.ProjectID,
				"scope":   sc.Key,
			}).Warn("cache invalidation failed")
			continue
		}
		total += n
	}
	f.publish(ctx, Notification{
		ProjectID:  ch.ProjectID,
		TeamIDs:    compactTeams(ch.Teams),
		Categories: ch.CategoriesChanged,
	})
	return total
}

// InvalidateProject drops every cached view of a project. teamID narrows it
// to one team view.
func (f *Fanout) InvalidateProject(ctx context.Context, projectID, teamID string) (int64, error) {
	sc := Scope{Key: BoardPrefix(projectID), Prefix: true}
	if teamID != "" {
		sc = Scope{Key: BoardKey(projectID, teamID)}
	}
	n, err := f.delete(ctx, sc)
	if err != nil {
		return 0, err
	}
	if teamID == "" {
		m, err := f.delete(ctx, Scope{Key: CategoriesKey(projectID)})
		if err != nil {
			return n, err
		}
		n += m
	}
	note := Notification{ProjectID: projectID, Categories: teamID == ""}
	if teamID != "" {
		note.TeamIDs = []string{teamID}
	}
	f.publish(ctx, note)
	return n, nil
}

// FlushAll removes every namespace the service writes.
func (f *Fanout) FlushAll(ctx context.Context) (int64, error) {
	var total int64
	for _, ns := range Namespaces {
		n, err := f.store.DeleteByPrefix(ctx, ns)
		if err != nil {
			return total, err
		}
		total += n
	}
	f.publish(ctx, Notification{Flush: true})
	f.logger.WithField("deleted", total).Info("cache flushed")
	return total, nil
}

func (f *Fanout) delete(ctx context.Context, sc Scope) (int64, error) {
	if sc.Prefix {
		return f.store.DeleteByPrefix(ctx, sc.Key)
	}
	return f.store.Delete(ctx, sc.Key)
}

func (f *Fanout) publish(ctx context.Context, n Notification) {
	if f.pub == nil {
		return
	}
	payload, err := sonic.Marshal(n)
	if err != nil {
		f.logger.WithError(err).Error("marshal invalidation notification")
		return
	}
	if err := f.pub.Publish(ctx, InvalidationChannel, payload); err != nil {
		f.logger.WithError(err).WithField("channel", InvalidationChannel).Warn("unable to publish invalidation")
	}
}

func compactTeams(teams []string) []string {
	out := make([]string, 0, len(teams))
	for _, t := range teams {
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return out
}
