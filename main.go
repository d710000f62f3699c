package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"board-api/api"
	"board-api/board"
	"board-api/cache"
	"board-api/storage"
)

// backend bundles the durable store behind the board interfaces.
type backend struct {
	store      board.Store
	categories board.CategoryRepository
	timeline   board.Timeline
	closer     io.Closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func main() {
	rootCmd := &cobra.Command{
		Use:          "board-api",
		Short:        "Kanban board cache and consistency service",
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.AddCommand(
		&cobra.Command{Use: "serve", Short: "Serve the board HTTP API", RunE: runServe},
		&cobra.Command{Use: "init-storage", Short: "Create tables, queues or the SQLite schema", RunE: runInitStorage},
		&cobra.Command{Use: "flush-cache", Short: "Delete every cached board, category and user project entry", RunE: runFlushCache},
		genTokenCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := setupLogging()
	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer be.closer.Close()

	rc := newRedisClient(cfg, logger)
	if rc != nil {
		defer rc.Close()
	}
	cs := cache.NewRedisStore(rc)
	fan := cache.NewFanout(cs, cs, logger)
	recorder := board.NewRecorder(be.timeline, cfg.timeline, logger)
	defer recorder.Close()

	auth, err := newAuth(cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	broker := api.NewBroker(logger)
	go broker.Listen(ctx, cs.Subscribe(ctx, cache.InvalidationChannel))

	svc := api.Services{
		Boards:    board.NewAggregator(be.store, be.categories, cs, cfg.boardTTL, cfg.userProjectsTTL, logger),
		Mutations: board.NewPipeline(be.store, be.categories, fan, recorder, logger),
		Cache:     fan,
		Health:    cs,
		Broker:    broker,
	}
	if rc != nil {
		svc.Deduper = api.NewRedisDeduper(rc, cfg.idempotencyTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(api.RecoverMiddleware(logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(api.GzipRequestMiddleware())
	api.Register(e, svc, auth, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(cfg.listenAddr) }()
	logger.WithFields(log.Fields{"addr": cfg.listenAddr, "driver": cfg.driver}).Info("board api listening")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func runInitStorage(cmd *cobra.Command, _ []string) error {
	logger := setupLogging()
	cfg := loadConfig()
	ctx := cmd.Context()
	logger.WithField("driver", cfg.driver).Info("storage init starting")

	switch cfg.driver {
	case driverSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.sqlitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer db.Close()
	default:
		if err := storage.EnsureTables(ctx, cfg.connStr, []string{cfg.boardTable, cfg.categoriesTable}); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
		if err := storage.EnsureQueues(ctx, cfg.connStr, []string{cfg.timelineQueue}); err != nil {
			return fmt.Errorf("create queues: %w", err)
		}
	}
	logger.Info("storage init complete")
	return nil
}

func runFlushCache(cmd *cobra.Command, _ []string) error {
	logger := setupLogging()
	cfg := loadConfig()
	rc := newRedisClient(cfg, logger)
	if rc == nil {
		return errors.New("REDIS_CONNECTION_STRING is not set")
	}
	defer rc.Close()
	cs := cache.NewRedisStore(rc)
	n, err := cache.NewFanout(cs, cs, logger).FlushAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", n)
	return nil
}

func openBackend(ctx context.Context, cfg config) (backend, error) {
	if cfg.driver == driverSQLite {
		db, err := storage.OpenSQLite(ctx, cfg.sqlitePath)
		if err != nil {
			return backend{}, err
		}
		return backend{store: db, categories: db, timeline: db, closer: db}, nil
	}
	tables, err := storage.NewTables(cfg.connStr, cfg.boardTable, cfg.categoriesTable)
	if err != nil {
		return backend{}, err
	}
	queue, err := storage.NewQueueTimeline(cfg.connStr, cfg.timelineQueue)
	if err != nil {
		return backend{}, err
	}
	return backend{store: tables, categories: tables, timeline: queue, closer: nopCloser{}}, nil
}

// newRedisClient returns nil when no connection string is configured; the
// cache then runs disabled and every read goes to the store.
func newRedisClient(cfg config, logger *log.Logger) *redis.Client {
	if cfg.redisConn == "" {
		logger.Warn("REDIS_CONNECTION_STRING not set, cache disabled")
		return nil
	}
	return redis.NewClient(cache.ParseRedisOptions(cfg.redisConn))
}

func newAuth(cfg config) (*api.Auth, error) {
	if len(cfg.authSecret) > 0 {
		return api.NewAuth(nil, cfg.authAudience, issuerFor(cfg.authDomain), api.AuthOptions{Secret: cfg.authSecret}), nil
	}
	if cfg.authAudience == "" || cfg.authDomain == "" {
		return nil, errors.New("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.authDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.authAudience, issuerFor(cfg.authDomain), api.AuthOptions{KeyCacheTTL: cfg.jwksCacheTTL}), nil
}

func issuerFor(domain string) string {
	if domain == "" {
		return ""
	}
	return "https://" + domain + "/"
}
