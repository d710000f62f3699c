package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"board-api/api"
	"board-api/board"
)

const (
	driverTables = "tables"
	driverSQLite = "sqlite"
)

type config struct {
	driver          string
	connStr         string
	boardTable      string
	categoriesTable string
	timelineQueue   string
	sqlitePath      string

	redisConn       string
	boardTTL        time.Duration
	userProjectsTTL time.Duration
	idempotencyTTL  time.Duration

	timeline board.RecorderConfig

	authDomain   string
	authAudience string
	authSecret   []byte
	jwksCacheTTL time.Duration

	listenAddr string
}

func loadConfig() config {
	cfg := config{
		driver:          strings.ToLower(envString("STORE_DRIVER", driverTables)),
		connStr:         os.Getenv("STORAGE_CONNECTION_STRING"),
		boardTable:      envString("BOARD_TABLE", "Board"),
		categoriesTable: envString("CATEGORIES_TABLE", "TaskCategories"),
		timelineQueue:   envString("TIMELINE_QUEUE", "timeline"),
		sqlitePath:      envString("SQLITE_PATH", "data/board.db"),

		redisConn:       os.Getenv("REDIS_CONNECTION_STRING"),
		boardTTL:        envDur("BOARD_CACHE_TTL", board.DefaultBoardTTL),
		userProjectsTTL: envDur("USER_PROJECTS_TTL", board.DefaultUserProjectsTTL),
		idempotencyTTL:  envDur("IDEMPOTENCY_TTL", api.DefaultIdempotencyTTL),

		timeline: board.RecorderConfig{
			Workers: envInt("TIMELINE_WORKERS", 2),
			Buffer:  envInt("TIMELINE_BUFFER", 256),
			Timeout: envDur("TIMELINE_TIMEOUT", 5*time.Second),
		},

		authDomain:   os.Getenv("AUTH0_DOMAIN"),
		authAudience: os.Getenv("AUTH0_AUDIENCE"),
		jwksCacheTTL: envDur("JWKS_CACHE_TTL", api.DefaultJWKSCacheTTL),

		listenAddr: ":8080",
	}
	switch {
	case os.Getenv("AUTH0_TEST_MODE") == "1":
		cfg.authSecret = []byte(os.Getenv("TEST_JWT_SECRET"))
		if len(cfg.authSecret) == 0 {
			log.Fatal("AUTH0_TEST_MODE requires TEST_JWT_SECRET")
		}
	case envBool("LOCAL_AUTH_MODE"):
		cfg.authSecret = []byte(os.Getenv("LOCAL_AUTH_SHARED_SECRET"))
		if len(cfg.authSecret) == 0 {
			log.Fatal("LOCAL_AUTH_MODE requires LOCAL_AUTH_SHARED_SECRET")
		}
	}
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		cfg.listenAddr = ":" + val
	}
	switch cfg.driver {
	case driverTables:
		if cfg.connStr == "" {
			log.Fatal("missing storage config")
		}
	case driverSQLite:
	default:
		log.Fatalf("invalid STORE_DRIVER %q: must be %s or %s", cfg.driver, driverTables, driverSQLite)
	}
	return cfg
}

// setupLogging configures the standard logger from DEBUG, LOG_FORMAT and
// LOG_FILE and returns it.
func setupLogging() *log.Logger {
	logger := log.StandardLogger()
	if envBool("DEBUG") {
		logger.SetLevel(log.DebugLevel)
	}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	if path := os.Getenv("LOG_FILE"); path != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    envInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: envInt("LOG_MAX_BACKUPS", 3),
			MaxAge:     envInt("LOG_MAX_AGE_DAYS", 28),
			Compress:   true,
		})
	}
	return logger
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	if n <= 0 {
		log.Fatalf("invalid %s: must be greater than zero", key)
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}
