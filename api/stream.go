package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-api/cache"
	"board-api/domain"
)

const streamKeepAlive = 25 * time.Second

// Broker relays invalidation notifications from the cache channel to SSE
// subscribers so open boards know when to refetch.
type Broker struct {
	logger *log.Logger

	mu   sync.Mutex
	subs map[chan cache.Notification]string
}

// NewBroker creates an idle broker. Call Listen to feed it.
func NewBroker(logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Broker{logger: logger, subs: make(map[chan cache.Notification]string)}
}

// Listen relays messages of ps until ctx is done or the subscription closes.
func (b *Broker) Listen(ctx context.Context, ps *redis.PubSub) {
	if ps == nil {
		return
	}
	defer ps.Close()
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var n cache.Notification
			if err := sonic.UnmarshalString(msg.Payload, &n); err != nil {
				b.logger.WithError(err).WithField("channel", msg.Channel).Warn("undecodable invalidation notification")
				continue
			}
			b.Publish(n)
		}
	}
}

func (b *Broker) subscribe(projectID string) chan cache.Notification {
	ch := make(chan cache.Notification, 8)
	b.mu.Lock()
	b.subs[ch] = projectID
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(ch chan cache.Notification) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Publish delivers n to subscribers of its project, and to everyone for a
// flush. Slow subscribers miss notifications rather than block the relay.
func (b *Broker) Publish(n cache.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, project := range b.subs {
		if !n.Flush && n.ProjectID != project {
			continue
		}
		select {
		case ch <- n:
		default:
		}
	}
}

func (b *Broker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func streamBoard(broker *Broker, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(authHeader(c)); err != nil {
			return writeStatus(c, http.StatusUnauthorized, kindUnauthorized, err.Error())
		}
		projectID := c.QueryParam("projectId")
		if projectID == "" {
			return writeStatus(c, http.StatusBadRequest, domain.KindValidation, "projectId is required")
		}
		if broker == nil {
			return writeStatus(c, http.StatusServiceUnavailable, domain.KindCacheUnavailable, "stream unavailable")
		}

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return writeStatus(c, http.StatusInternalServerError, domain.KindInternal, "stream unsupported")
		}
		res.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := broker.subscribe(projectID)
		defer broker.unsubscribe(ch)
		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := res.Write([]byte(": keep-alive\n\n")); err != nil {
					return nil
				}
			case n := <-ch:
				data, err := sonic.Marshal(n)
				if err != nil {
					logger.WithError(err).Error("marshal stream notification")
					continue
				}
				if _, err := res.Write([]byte("event: invalidate\ndata: ")); err != nil {
					return nil
				}
				if _, err := res.Write(data); err != nil {
					return nil
				}
				if _, err := res.Write([]byte("\n\n")); err != nil {
					return nil
				}
			}
			flusher.Flush()
		}
	}
}
