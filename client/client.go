package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"board-api/cache"
	"board-api/domain"
)

// Mutation actions understood by POST /api/board.
const (
	ActionMoveTask     = "move_task"
	ActionCreateTask   = "create_task"
	ActionUpdateTask   = "update_task"
	ActionDeleteTask   = "delete_task"
	ActionCreateColumn = "create_column"
	ActionUpdateColumn = "update_column"
	ActionDeleteColumn = "delete_column"
)

// APIError is a response the server produced. It unwraps to the typed
// domain error named by the response kind.
type APIError struct {
	Status int
	Kind   string
	Err    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("board api: %d %s: %v", e.Status, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Client wraps http.Client with the board API calls.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL, bearer string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Bearer: bearer, HTTP: &http.Client{}}
}

type mutationRequest struct {
	Action         string `json:"action"`
	ProjectID      string `json:"project_id"`
	Data           any    `json:"data"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// GetBoard fetches the board of a project, optionally scoped to one team.
func (c *Client) GetBoard(ctx context.Context, projectID, teamID string) (domain.Board, error) {
	q := url.Values{"projectId": {projectID}}
	if teamID != "" {
		q.Set("teamId", teamID)
	}
	var b domain.Board
	err := c.do(ctx, http.MethodGet, "/api/board?"+q.Encode(), nil, &b)
	return b, err
}

// Mutate posts one mutation. idempotencyKey may be empty.
func (c *Client) Mutate(ctx context.Context, projectID, action string, data any, idempotencyKey string) (domain.MutationResult, error) {
	var res domain.MutationResult
	body := mutationRequest{Action: action, ProjectID: projectID, Data: data, IdempotencyKey: idempotencyKey}
	err := c.do(ctx, http.MethodPost, "/api/board", body, &res)
	return res, err
}

// UserProjects lists the projects of the authenticated user.
func (c *Client) UserProjects(ctx context.Context) ([]string, error) {
	var out struct {
		Projects []string `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "/api/user-projects", nil, &out)
	return out.Projects, err
}

// InvalidateCache drops the cached views of a project. An empty projectID
// flushes every namespace.
func (c *Client) InvalidateCache(ctx context.Context, projectID, teamID string) (int64, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("projectId", projectID)
	}
	if teamID != "" {
		q.Set("teamId", teamID)
	}
	path := "/api/invalidate-cache"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out.Deleted, err
}

// Watch streams invalidation notifications of a project to fn until ctx is
// done or the server closes the stream.
func (c *Client) Watch(ctx context.Context, projectID string, fn func(cache.Notification)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/board/stream?"+url.Values{"projectId": {projectID}}.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var n cache.Notification
		if err := sonic.UnmarshalString(strings.TrimSpace(strings.TrimPrefix(line, "data:")), &n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		fn(n)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		buf, err := sonic.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body errorBody
	if err := sonic.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &APIError{Status: resp.StatusCode, Kind: body.Kind, Err: domain.ErrorFromKind(body.Kind, body.Error)}
}
