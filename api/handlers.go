package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-api/cache"
	"board-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Services, auth Authenticator, logger *log.Logger) {
	e.GET("/api/board", getBoard(svc.Boards, auth, logger))
	e.POST("/api/board", postBoard(svc.Mutations, auth, svc.Deduper, logger))
	e.GET("/api/board/stream", streamBoard(svc.Broker, auth, logger))
	e.POST("/api/invalidate-cache", invalidateCache(svc.Cache, auth, logger))
	e.GET("/api/user-projects", userProjects(svc.Boards, auth, logger))
	e.GET("/healthz", healthz(svc.Health))
}

// instrument starts request metrics and moves the request onto the span context.
func instrument(c echo.Context, logger *log.Logger, route string) *requestMetrics {
	metrics, spanCtx := newRequestMetrics(c.Request().Context(), logger, route)
	c.SetRequest(c.Request().WithContext(spanCtx))
	return metrics
}

func authenticate(c echo.Context, auth Authenticator, metrics *requestMetrics) (string, error) {
	start := time.Now()
	userID, err := auth.UserIDFromAuthHeader(authHeader(c))
	metrics.ObserveAuth(time.Since(start))
	if err != nil {
		metrics.SetErrorStage("auth")
	}
	return userID, err
}

func getBoard(boards BoardReader, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics := instrument(c, logger, "/api/board")
		var opErr error
		defer func() {
			metrics.Log(c.Response().Status, opErr)
		}()

		if _, opErr = authenticate(c, auth, metrics); opErr != nil {
			return writeStatus(c, http.StatusUnauthorized, kindUnauthorized, opErr.Error())
		}
		projectID := c.QueryParam("projectId")
		metrics.SetProject(projectID)
		if projectID == "" {
			opErr = &domain.ValidationError{Field: "projectId", Reason: "is required"}
			metrics.SetErrorStage("validation")
			return writeError(c, opErr)
		}

		loadStart := time.Now()
		board, opErr := boards.GetBoard(c.Request().Context(), projectID, c.QueryParam("teamId"))
		metrics.ObserveLoad(time.Since(loadStart))
		if opErr != nil {
			metrics.SetErrorStage("load")
			return writeError(c, opErr)
		}
		metrics.SetTasksReturned(board.TaskCount())

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, board)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postBoard(mutations Mutator, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := instrument(c, logger, "/api/board")
		var opErr error
		defer func() {
			metrics.Log(c.Response().Status, opErr)
		}()

		userID, opErr := authenticate(c, auth, metrics)
		if opErr != nil {
			return writeStatus(c, http.StatusUnauthorized, kindUnauthorized, opErr.Error())
		}

		var req mutationRequest
		if opErr = decodeStrict(io.LimitReader(c.Request().Body, postBoardMaxSize), &req); opErr != nil {
			metrics.SetErrorStage("decode")
			opErr = &domain.ValidationError{Field: "body", Reason: "is invalid"}
			return writeError(c, opErr)
		}
		metrics.SetAction(req.Action)
		metrics.SetProject(req.ProjectID)
		ctx := c.Request().Context()

		claimed := false
		if req.IdempotencyKey != "" && deduper != nil {
			fresh, stored, derr := deduper.Begin(ctx, userID, req.IdempotencyKey)
			switch {
			case derr != nil:
				logger.WithError(derr).WithField("idempotency_key", req.IdempotencyKey).Warn("idempotency check failed, processing without it")
			case !fresh && stored != nil:
				metrics.SetReplayed(true)
				return c.JSONBlob(http.StatusOK, stored)
			case !fresh:
				metrics.SetErrorStage("idempotency")
				opErr = &domain.ConflictError{Entity: "request", Detail: "a request with this idempotency key is still in progress"}
				return writeError(c, opErr)
			default:
				claimed = true
			}
		}

		start := time.Now()
		res, opErr := dispatch(ctx, mutations, userID, req)
		metrics.ObserveLoad(time.Since(start))
		if opErr != nil {
			metrics.SetErrorStage("mutation")
			if claimed {
				settle(context.WithoutCancel(ctx), deduper, logger, userID, req.IdempotencyKey, res, opErr)
			}
			return writeError(c, opErr)
		}

		payload, err := sonic.Marshal(res)
		if err != nil {
			metrics.SetErrorStage("encode_response")
			opErr = err
			return writeStatus(c, http.StatusInternalServerError, domain.KindInternal, "unable to encode response")
		}
		if claimed {
			if cerr := deduper.Complete(context.WithoutCancel(ctx), userID, req.IdempotencyKey, payload); cerr != nil {
				logger.WithError(cerr).WithField("idempotency_key", req.IdempotencyKey).Warn("unable to store idempotent response")
			}
		}
		return c.JSONBlob(http.StatusOK, payload)
	}
}

// settle resolves a claimed idempotency key after a failed mutation. A failure
// before the commit releases the key so the caller may retry. Once the batch
// is committed the key keeps the committed result, and a retry replays it
// instead of applying the mutation again.
func settle(ctx context.Context, deduper Deduper, logger *log.Logger, userID, key string, res domain.MutationResult, opErr error) {
	entry := logger.WithField("idempotency_key", key)
	if !domain.AfterCommit(opErr) {
		if err := deduper.Remove(ctx, userID, key); err != nil {
			entry.WithError(err).Error("unable to release idempotency key")
		}
		return
	}
	payload, err := sonic.Marshal(res)
	if err != nil {
		entry.WithError(err).Error("unable to encode committed result, keeping idempotency key claimed")
		return
	}
	if err := deduper.Complete(ctx, userID, key, payload); err != nil {
		entry.WithError(err).Warn("unable to store committed result")
	}
}

func dispatch(ctx context.Context, m Mutator, actor string, req mutationRequest) (domain.MutationResult, error) {
	if req.ProjectID == "" {
		return domain.MutationResult{}, &domain.ValidationError{Field: "project_id", Reason: "is required"}
	}
	switch req.Action {
	case ActionMoveTask:
		var d domain.MoveRequest
		if err := decodeData(req.Data, &d); err != nil {
			return domain.MutationResult{}, err
		}
		return m.MoveTask(ctx, actor, req.ProjectID, d)
	case ActionCreateTask:
		var d domain.TaskDraft
		if err := decodeData(req.Data, &d); err != nil {
			return domain.MutationResult{}, err
		}
		return m.CreateTask(ctx, actor, req.ProjectID, d)
	case ActionUpdateTask:
		var d updateTaskData
		if err := decodeData(req.Data, &d); err != nil {
			return domain.MutationResult{}, err
		}
		return m.UpdateTask(ctx, actor, req.ProjectID, d.TaskID, d.TaskPatch)
	case ActionDeleteTask:
		var d deleteTaskData
		if err := decodeData(req.Data, &d); err != nil {
			return domain.MutationResult{}, err
		}
		return m.DeleteTask(ctx, actor, req.ProjectID, d.TaskID, d.ExpectedVersion)
	case ActionCreateColumn:
		var d domain.ColumnDraft
		if err := decodeData(req.Data, &d); err != nil {
			return domain.MutationResult{}, err
		}
		return m.CreateColumn(ctx, actor, req.ProjectID, d)
	case ActionUpdateColumn:
		var d updateColumnData
		if err := decodeData(req.Data, &d); err != nil {
			return domain.MutationResult{}, err
		}
		return m.UpdateColumn(ctx, actor, req.ProjectID, d.ColumnID, d.ColumnPatch)
	case ActionDeleteColumn:
		var d deleteColumnData
		if err := decodeData(req.Data, &d); err != nil {
			return domain.MutationResult{}, err
		}
		return m.DeleteColumn(ctx, actor, req.ProjectID, d.ColumnID, d.ExpectedVersion)
	case "":
		return domain.MutationResult{}, &domain.ValidationError{Field: "action", Reason: "is required"}
	}
	return domain.MutationResult{}, &domain.ValidationError{Field: "action", Reason: "unknown action " + req.Action}
}

func decodeData(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return &domain.ValidationError{Field: "data", Reason: "is required"}
	}
	if err := decodeStrict(bytes.NewReader(data), v); err != nil {
		return &domain.ValidationError{Field: "data", Reason: "is invalid: " + err.Error()}
	}
	return nil
}

func decodeStrict(r io.Reader, v any) error {
	dec := sonic.ConfigStd.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func invalidateCache(admin CacheAdmin, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := instrument(c, logger, "/api/invalidate-cache")
		var opErr error
		defer func() {
			metrics.Log(c.Response().Status, opErr)
		}()

		userID, opErr := authenticate(c, auth, metrics)
		if opErr != nil {
			return writeStatus(c, http.StatusUnauthorized, kindUnauthorized, opErr.Error())
		}
		projectID, teamID := c.QueryParam("projectId"), c.QueryParam("teamId")
		metrics.SetProject(projectID)
		if projectID == "" && teamID != "" {
			opErr = &domain.ValidationError{Field: "teamId", Reason: "requires projectId"}
			return writeError(c, opErr)
		}
		for field, id := range map[string]string{"projectId": projectID, "teamId": teamID} {
			if id == "" {
				continue
			}
			if opErr = cache.ValidateID(field, id); opErr != nil {
				return writeError(c, opErr)
			}
		}

		ctx := c.Request().Context()
		var deleted int64
		if projectID == "" {
			deleted, opErr = admin.FlushAll(ctx)
		} else {
			deleted, opErr = admin.InvalidateProject(ctx, projectID, teamID)
		}
		if opErr != nil {
			metrics.SetErrorStage("cache")
			return writeError(c, &domain.CacheUnavailableError{Op: "invalidate", Err: opErr})
		}
		logger.WithFields(log.Fields{
			"user":    userID,
			"project": projectID,
			"team":    teamID,
			"deleted": deleted,
		}).Info("cache invalidated on request")
		return c.JSON(http.StatusOK, invalidateResponse{Deleted: deleted})
	}
}

func userProjects(boards BoardReader, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := instrument(c, logger, "/api/user-projects")
		var opErr error
		defer func() {
			metrics.Log(c.Response().Status, opErr)
		}()

		userID, opErr := authenticate(c, auth, metrics)
		if opErr != nil {
			return writeStatus(c, http.StatusUnauthorized, kindUnauthorized, opErr.Error())
		}
		projects, opErr := boards.GetUserProjects(c.Request().Context(), userID)
		if opErr != nil {
			metrics.SetErrorStage("load")
			return writeError(c, opErr)
		}
		return c.JSON(http.StatusOK, userProjectsResponse{Projects: projects})
	}
}

func healthz(h HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h == nil {
			return c.JSON(http.StatusOK, healthResponse{Status: cache.StatusDisabled})
		}
		health, err := h.Health(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: cache.StatusDown, Error: err.Error()})
		}
		status := http.StatusOK
		if health.Status == cache.StatusDown {
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, healthResponse{Status: health.Status, MemoryUsed: health.MemoryUsed, MemoryMax: health.MemoryMax})
	}
}
