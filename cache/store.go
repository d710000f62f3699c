package cache

import (
	"context"
	"time"
)

// Fence guards a cache fill against a concurrent invalidation. A fenced Set
// lands only while the generation of Scope still equals Generation.
type Fence struct {
	Scope      string
	Generation int64
}

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
	StatusDisabled = "disabled"
)

// Health reports cache reachability and memory pressure.
type Health struct {
	Status     string `json:"status"`
	MemoryUsed int64  `json:"memory_used"`
	MemoryMax  int64  `json:"memory_max"`
}

// Store is the cache contract used by the aggregator and the fan-out.
type Store interface {
	// Get returns nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value with ttl. With a zero Fence the write is unconditional.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, fence Fence) (bool, error)
	// Generation returns the invalidation counter of scope, 0 if never
	// invalidated. Invalidations of the enclosing namespace count too.
	Generation(ctx context.Context, scope string) (int64, error)
	// Delete removes one key and bumps the generation of its scope.
	Delete(ctx context.Context, key string) (int64, error)
	// DeleteByPrefix removes every key starting with prefix and bumps the
	// generation of prefix.
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
	Health(ctx context.Context) (Health, error)
}

// Publisher delivers change notifications.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
