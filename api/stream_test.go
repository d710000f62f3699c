package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/cache"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBrokerFiltersByProject(t *testing.T) {
	b := NewBroker(log.New())
	p1 := b.subscribe("p1")
	p2 := b.subscribe("p2")
	defer b.unsubscribe(p1)
	defer b.unsubscribe(p2)

	b.Publish(cache.Notification{ProjectID: "p1"})
	b.Publish(cache.Notification{Flush: true})

	if n := <-p1; n.ProjectID != "p1" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n := <-p1; !n.Flush {
		t.Fatalf("expected flush, got %+v", n)
	}
	if n := <-p2; !n.Flush {
		t.Fatalf("p2 should only see the flush, got %+v", n)
	}
	select {
	case n := <-p2:
		t.Fatalf("unexpected extra notification %+v", n)
	default:
	}
}

func TestBrokerListensToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cs := cache.NewRedisStore(client)

	b := NewBroker(log.New())
	sub := b.subscribe("p1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ps := cs.Subscribe(ctx, cache.InvalidationChannel)
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	go b.Listen(ctx, ps)

	cache.NewFanout(cs, cs, log.New()).Invalidate(ctx, cache.Change{ProjectID: "p1", Teams: []string{"red"}})
	select {
	case n := <-sub:
		if n.ProjectID != "p1" || len(n.TeamIDs) != 1 || n.TeamIDs[0] != "red" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification not relayed")
	}
}

func TestStreamBoardSendsEvents(t *testing.T) {
	broker := NewBroker(log.New())
	e := echo.New()
	e.GET("/api/board/stream", streamBoard(broker, mockAuth{}, log.New()))
	srv := httptest.NewServer(e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/board/stream?projectId=p1&token=a.b.c", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get(echo.HeaderContentType) != "text/event-stream" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, resp.Header.Get(echo.HeaderContentType))
	}

	waitFor(t, func() bool { return broker.subscribers() == 1 })
	broker.Publish(cache.Notification{ProjectID: "p1", Categories: true})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var n cache.Notification
		if err := sonic.UnmarshalString(strings.TrimSpace(strings.TrimPrefix(line, "data: ")), &n); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if n.ProjectID != "p1" || !n.Categories {
			t.Fatalf("unexpected event %+v", n)
		}
		break
	}
	cancel()
	waitFor(t, func() bool { return broker.subscribers() == 0 })
}

func TestStreamBoardRequiresProject(t *testing.T) {
	rec := serve(streamBoard(NewBroker(log.New()), mockAuth{}, log.New()), http.MethodGet, "/api/board/stream", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
