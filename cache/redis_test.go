package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreGetMissThenSet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	data, err := s.Get(ctx, "board:p1:*")
	if err != nil || data != nil {
		t.Fatalf("expected clean miss, got %q, %v", data, err)
	}
	ok, err := s.Set(ctx, "board:p1:*", []byte(`{"a":1}`), time.Minute, Fence{})
	if err != nil || !ok {
		t.Fatalf("set: %v %v", ok, err)
	}
	if ttl := mr.TTL("board:p1:*"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
	data, err = s.Get(ctx, "board:p1:*")
	if err != nil || string(data) != `{"a":1}` {
		t.Fatalf("unexpected hit: %q, %v", data, err)
	}
}

func TestRedisStoreFencedSetRejectedAfterInvalidation(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	scope := BoardPrefix("p1")

	gen, err := s.Generation(ctx, scope)
	if err != nil || gen != 0 {
		t.Fatalf("unexpected initial generation %d, %v", gen, err)
	}
	// A mutation commits and invalidates between the reader's store load and its fill.
	if _, err := s.DeleteByPrefix(ctx, scope); err != nil {
		t.Fatalf("delete by prefix: %v", err)
	}
	ok, err := s.Set(ctx, BoardKey("p1", ""), []byte("stale"), time.Minute, Fence{Scope: scope, Generation: gen})
	if err != nil {
		t.Fatalf("fenced set: %v", err)
	}
	if ok || mr.Exists(BoardKey("p1", "")) {
		t.Fatalf("stale fill must be rejected")
	}

	gen, err = s.Generation(ctx, scope)
	if err != nil || gen != 1 {
		t.Fatalf("expected generation 1, got %d, %v", gen, err)
	}
	ok, err = s.Set(ctx, BoardKey("p1", ""), []byte("fresh"), time.Minute, Fence{Scope: scope, Generation: gen})
	if err != nil || !ok {
		t.Fatalf("fresh fill rejected: %v %v", ok, err)
	}
	if ttl := mr.TTL(BoardKey("p1", "")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestRedisStoreFenceCoversTeamBustAndFlush(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	scope := ScopeOf(BoardKey("p1", ""))

	busts := []struct {
		name string
		run  func() error
	}{
		{"team board", func() error { _, err := s.Delete(ctx, BoardKey("p1", "red")); return err }},
		{"namespace flush", func() error { _, err := s.DeleteByPrefix(ctx, BoardNamespace); return err }},
	}
	for _, b := range busts {
		gen, err := s.Generation(ctx, scope)
		if err != nil {
			t.Fatalf("%s: generation: %v", b.name, err)
		}
		if err := b.run(); err != nil {
			t.Fatalf("%s: bust: %v", b.name, err)
		}
		ok, err := s.Set(ctx, BoardKey("p1", ""), []byte("stale"), time.Minute, Fence{Scope: scope, Generation: gen})
		if err != nil {
			t.Fatalf("%s: fenced set: %v", b.name, err)
		}
		if ok || mr.Exists(BoardKey("p1", "")) {
			t.Fatalf("%s: fill racing the bust must be rejected", b.name)
		}
	}
	if gen, _ := s.Generation(ctx, scope); gen != 2 {
		t.Fatalf("expected generation 2, got %d", gen)
	}
}

func TestRedisStoreDeleteByPrefixScopesToProject(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"board:p1:*", "board:p1:red", "board:p1:blue", "board:p10:*", "categories:p1"} {
		if err := mr.Set(k, "x"); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
	n, err := s.DeleteByPrefix(ctx, BoardPrefix("p1"))
	if err != nil {
		t.Fatalf("delete by prefix: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deletions, got %d", n)
	}
	for _, k := range []string{"board:p10:*", "categories:p1"} {
		if !mr.Exists(k) {
			t.Fatalf("%s should survive", k)
		}
	}
}

func TestRedisStoreDeleteEscapesGlob(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	_ = mr.Set("board:p?:*", "x")
	_ = mr.Set("board:pX:*", "x")

	n, err := s.DeleteByPrefix(ctx, "board:p?:")
	if err != nil {
		t.Fatalf("delete by prefix: %v", err)
	}
	if n != 1 || !mr.Exists("board:pX:*") {
		t.Fatalf("glob characters must match literally, deleted %d", n)
	}

	_ = mr.Set("categories:p1", "x")
	_ = mr.Set("categories:p10", "x")
	if n, err := s.Delete(ctx, "categories:p1"); err != nil || n != 1 {
		t.Fatalf("delete: %d %v", n, err)
	}
	if !mr.Exists("categories:p10") {
		t.Fatalf("exact delete must not touch siblings")
	}
	if gen, _ := s.Generation(ctx, "categories:p1"); gen != 1 {
		t.Fatalf("expected generation bump, got %d", gen)
	}
}

func TestRedisStoreDisabled(t *testing.T) {
	s := NewRedisStore(nil)
	ctx := context.Background()
	if data, err := s.Get(ctx, "k"); data != nil || err != nil {
		t.Fatalf("disabled get: %q %v", data, err)
	}
	if ok, err := s.Set(ctx, "k", []byte("v"), time.Minute, Fence{}); ok || err != nil {
		t.Fatalf("disabled set: %v %v", ok, err)
	}
	if n, err := s.DeleteByPrefix(ctx, "board:"); n != 0 || err != nil {
		t.Fatalf("disabled delete: %d %v", n, err)
	}
	h, err := s.Health(ctx)
	if err != nil || h.Status != StatusDisabled {
		t.Fatalf("unexpected health %+v %v", h, err)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()
	_, err := s.Get(context.Background(), "k")
	var ce *domain.CacheUnavailableError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CacheUnavailableError, got %v", err)
	}
	h, err := s.Health(context.Background())
	if err == nil || h.Status != StatusDown {
		t.Fatalf("expected down health, got %+v %v", h, err)
	}
}

func TestParseMemoryInfo(t *testing.T) {
	info := "# Memory\r\nused_memory:950\r\nused_memory_human:950B\r\nmaxmemory:1000\r\n"
	h := parseMemoryInfo(info)
	if h.Status != StatusDegraded || h.MemoryUsed != 950 || h.MemoryMax != 1000 {
		t.Fatalf("unexpected health %+v", h)
	}
	h = parseMemoryInfo("used_memory:950\nmaxmemory:0\n")
	if h.Status != StatusOK {
		t.Fatalf("unbounded memory should be ok, got %+v", h)
	}
}

func TestParseRedisOptions(t *testing.T) {
	opts := ParseRedisOptions("cache.example.net:6380,password=secret,ssl=True,abortConnect=False")
	if opts.Addr != "cache.example.net:6380" || opts.Password != "secret" || opts.TLSConfig == nil {
		t.Fatalf("unexpected options %+v", opts)
	}
	opts = ParseRedisOptions("redis://:pw@localhost:6379/2")
	if opts.Addr != "localhost:6379" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("unexpected url options %+v", opts)
	}
}
