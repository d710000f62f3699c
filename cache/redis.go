package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

const degradedMemoryRatio = 0.9

// fencedSet writes KEYS[1] only while the generations in KEYS[2..n] still sum
// to ARGV[2]. ARGV[3] is the ttl in milliseconds, 0 for none.
var fencedSet = redis.NewScript(`
local gen = 0
for i = 2, #KEYS do
	local v = redis.call('GET', KEYS[i])
	if v then gen = gen + tonumber(v) end
end
if gen ~= tonumber(ARGV[2]) then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// deleteScope bumps the generation in KEYS[1] and deletes every key matching
// the SCAN pattern ARGV[1]. Returns the number of deleted keys.
var deleteScope = redis.NewScript(`
redis.call('INCR', KEYS[1])
local cursor = '0'
local deleted = 0
repeat
	local res = redis.call('SCAN', cursor, 'MATCH', ARGV[1], 'COUNT', 500)
	cursor = res[1]
	local keys = res[2]
	for i = 1, #keys do
		deleted = deleted + redis.call('DEL', keys[i])
	end
until cursor == '0'
return deleted
`)

// RedisStore implements Store on Redis. A nil client disables caching: reads
// miss and writes are dropped.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client, which may be nil.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client, nil when caching is disabled.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.client == nil {
		return nil, nil
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.CacheUnavailableError{Op: "get", Err: err}
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, fence Fence) (bool, error) {
	if s.client == nil {
		return false, nil
	}
	if ttl < 0 {
		ttl = 0
	}
	if fence.Scope == "" {
		if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
			return false, &domain.CacheUnavailableError{Op: "set", Err: err}
		}
		return true, nil
	}
	keys := append([]string{key}, generationKeys(fence.Scope)...)
	n, err := fencedSet.Run(ctx, s.client, keys,
		value, strconv.FormatInt(fence.Generation, 10), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, &domain.CacheUnavailableError{Op: "set", Err: err}
	}
	return n == 1, nil
}

// Generation sums the counters of scope and its namespace, so a flush of the
// whole namespace fences fills of every scope below it.
func (s *RedisStore) Generation(ctx context.Context, scope string) (int64, error) {
	if s.client == nil {
		return 0, nil
	}
	vals, err := s.client.MGet(ctx, generationKeys(scope)...).Result()
	if err != nil {
		return 0, &domain.CacheUnavailableError{Op: "generation", Err: err}
	}
	var total int64
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return 0, &domain.CacheUnavailableError{Op: "generation", Err: err}
		}
		total += n
	}
	return total, nil
}

// Delete removes key and bumps the generation of its scope, so a single team
// board bust also fences fills of the project's board scope.
func (s *RedisStore) Delete(ctx context.Context, key string) (int64, error) {
	return s.deleteMatching(ctx, ScopeOf(key), escapeGlob(key), "delete")
}

func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	return s.deleteMatching(ctx, prefix, escapeGlob(prefix)+"*", "delete_prefix")
}

func (s *RedisStore) deleteMatching(ctx context.Context, scope, pattern, op string) (int64, error) {
	if s.client == nil {
		return 0, nil
	}
	n, err := deleteScope.Run(ctx, s.client, []string{generationKey(scope)}, pattern).Int64()
	if err != nil {
		return 0, &domain.CacheUnavailableError{Op: op, Err: err}
	}
	return n, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return &domain.CacheUnavailableError{Op: "publish", Err: err}
	}
	return nil
}

// Subscribe listens on channel. It returns nil when caching is disabled.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	if s.client == nil {
		return nil
	}
	return s.client.Subscribe(ctx, channel)
}

func (s *RedisStore) Health(ctx context.Context) (Health, error) {
	if s.client == nil {
		return Health{Status: StatusDisabled}, nil
	}
	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return Health{Status: StatusDown}, &domain.CacheUnavailableError{Op: "health", Err: err}
	}
	return parseMemoryInfo(info), nil
}

func parseMemoryInfo(info string) Health {
	h := Health{Status: StatusOK}
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		switch k {
		case "used_memory":
			h.MemoryUsed, _ = strconv.ParseInt(v, 10, 64)
		case "maxmemory":
			h.MemoryMax, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if h.MemoryMax > 0 && float64(h.MemoryUsed) >= degradedMemoryRatio*float64(h.MemoryMax) {
		h.Status = StatusDegraded
	}
	return h
}

// ParseRedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func ParseRedisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
