// Package storage talks to the remote planner REST service.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"planner-sync/domain"
	"planner-sync/session"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 8 << 20
	maxDetailLength = 512
)

// Options configures a Client. Zero values fall back to sane defaults; a
// zero RateLimit disables client-side throttling.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	Logger     *log.Logger
}

// Client is the Remote Task/Board Service. Every call is authenticated with
// the credentials passed in; the client keeps no per-user state.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// New creates a client for the service rooted at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    hc,
		logger:  logger,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

// ListBoards returns the boards visible to the caller.
func (c *Client) ListBoards(ctx context.Context, cred session.Credentials) ([]domain.Board, error) {
	var wire []boardWire
	if err := c.do(ctx, cred, "list boards", http.MethodGet, "/api/groups/", nil, &wire); err != nil {
		return nil, err
	}
	boards := make([]domain.Board, 0, len(wire))
	for _, w := range wire {
		boards = append(boards, w.board())
	}
	return boards, nil
}

func (c *Client) GetBoard(ctx context.Context, cred session.Credentials, boardID string) (domain.Board, error) {
	var wire boardWire
	if err := c.do(ctx, cred, "get board", http.MethodGet, "/api/groups/"+url.PathEscape(boardID), nil, &wire); err != nil {
		return domain.Board{}, err
	}
	b := wire.board()
	if b.ID == "" {
		b.ID = boardID
	}
	return b, nil
}

func (c *Client) CreateBoard(ctx context.Context, cred session.Credentials, name string) (domain.Board, error) {
	const op, path = "create board", "/api/groups/"
	var wire boardWire
	if err := c.do(ctx, cred, op, http.MethodPost, path, map[string]string{"name": name}, &wire); err != nil {
		return domain.Board{}, err
	}
	b := wire.board()
	if b.ID == "" {
		return domain.Board{}, &domain.FetchError{Op: op, Method: http.MethodPost, Path: path, StatusCode: http.StatusOK, Err: errors.New("response carried no board id")}
	}
	if b.Name == "" {
		b.Name = name
	}
	if b.CreatedBy == "" {
		b.CreatedBy = cred.UserID()
	}
	if len(b.Members) == 0 && b.CreatedBy != "" {
		b.Members = []string{b.CreatedBy}
	}
	return b, nil
}

func (c *Client) RenameBoard(ctx context.Context, cred session.Credentials, boardID, name string) error {
	return c.do(ctx, cred, "rename board", http.MethodPatch, "/api/groups/"+url.PathEscape(boardID), map[string]string{"name": name}, nil)
}

func (c *Client) DeleteBoard(ctx context.Context, cred session.Credentials, boardID string) error {
	return c.do(ctx, cred, "delete board", http.MethodDelete, "/api/groups/"+url.PathEscape(boardID), nil, nil)
}

// ListMembers returns the users of a board.
func (c *Client) ListMembers(ctx context.Context, cred session.Credentials, boardID string) ([]domain.User, error) {
	var wire []userWire
	if err := c.do(ctx, cred, "list members", http.MethodGet, "/api/groups/"+url.PathEscape(boardID)+"/users", nil, &wire); err != nil {
		return nil, err
	}
	return users(wire), nil
}

func (c *Client) AddMember(ctx context.Context, cred session.Credentials, boardID, userID string) error {
	path := "/api/groups/" + url.PathEscape(boardID) + "/add_user/" + url.PathEscape(userID)
	return c.do(ctx, cred, "add member", http.MethodPatch, path, nil, nil)
}

func (c *Client) RemoveMember(ctx context.Context, cred session.Credentials, boardID, userID string) error {
	path := "/api/groups/" + url.PathEscape(boardID) + "/remove_user/" + url.PathEscape(userID)
	return c.do(ctx, cred, "remove member", http.MethodDelete, path, nil, nil)
}

// ListTasks returns the tasks of one board, normalised.
func (c *Client) ListTasks(ctx context.Context, cred session.Credentials, boardID string) ([]domain.Task, error) {
	var wire []taskWire
	path := "/api/tasks/?board_id=" + url.QueryEscape(boardID)
	if err := c.do(ctx, cred, "list tasks", http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(wire))
	for _, w := range wire {
		tasks = append(tasks, c.task(w))
	}
	return tasks, nil
}

// ListUserTasks returns the tasks assigned to userID across every board.
func (c *Client) ListUserTasks(ctx context.Context, cred session.Credentials, userID string) ([]domain.Task, error) {
	var wire []taskWire
	if err := c.do(ctx, cred, "list user tasks", http.MethodGet, "/api/tasks/user/"+url.PathEscape(userID), nil, &wire); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(wire))
	for _, w := range wire {
		tasks = append(tasks, c.task(w))
	}
	return tasks, nil
}

func (c *Client) CreateTask(ctx context.Context, cred session.Credentials, draft domain.TaskDraft) (domain.Task, error) {
	const op, path = "create task", "/api/tasks/"
	var wire taskWire
	if err := c.do(ctx, cred, op, http.MethodPost, path, newTaskCreateBody(draft), &wire); err != nil {
		return domain.Task{}, err
	}
	t := c.task(wire)
	if t.ID == "" {
		return domain.Task{}, &domain.FetchError{Op: op, Method: http.MethodPost, Path: path, StatusCode: http.StatusOK, Err: errors.New("response carried no task id")}
	}
	return t, nil
}

// PatchTask sends only the fields present in patch and returns the task as
// the server now holds it. Identity fields missing from the response are
// left empty for the caller to back-fill.
func (c *Client) PatchTask(ctx context.Context, cred session.Credentials, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	var wire taskWire
	if err := c.do(ctx, cred, "patch task", http.MethodPatch, "/api/tasks/"+url.PathEscape(taskID), patch.Fields(), &wire); err != nil {
		return domain.Task{}, err
	}
	return c.task(wire), nil
}

func (c *Client) DeleteTask(ctx context.Context, cred session.Credentials, taskID string) error {
	return c.do(ctx, cred, "delete task", http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, nil)
}

// ListUsers returns the user directory.
func (c *Client) ListUsers(ctx context.Context, cred session.Credentials) ([]domain.User, error) {
	var wire []userWire
	if err := c.do(ctx, cred, "list users", http.MethodGet, "/api/users/", nil, &wire); err != nil {
		return nil, err
	}
	return users(wire), nil
}

func users(wire []userWire) []domain.User {
	out := make([]domain.User, 0, len(wire))
	for _, w := range wire {
		if u := w.user(); u.ID != "" {
			out = append(out, u)
		}
	}
	return out
}

func (c *Client) task(w taskWire) domain.Task {
	t, warnings := w.task()
	for _, msg := range warnings {
		c.logger.WithFields(log.Fields{"task_id": t.ID, "board_id": t.BoardID}).Warn("normalised task field: " + msg)
	}
	return t
}

func (c *Client) do(ctx context.Context, cred session.Credentials, op, method, path string, body, out any) error {
	fail := func(status int, detail string, err error) error {
		return &domain.FetchError{Op: op, Method: method, Path: path, StatusCode: status, Detail: detail, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fail(0, "", err)
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return fail(0, "", fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fail(0, "", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cred != nil {
		if token := cred.BearerToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	fields := log.Fields{
		"op":          op,
		"method":      method,
		"path":        path,
		"request_id":  requestID,
		"duration_ms": float64(time.Since(start)) / float64(time.Millisecond),
	}
	if err != nil {
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("planner request failed")
		return fail(0, "", err)
	}
	defer resp.Body.Close()
	fields["status"] = resp.StatusCode

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("planner response read failed")
		return fail(resp.StatusCode, "", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := errorDetail(data)
		fields["detail"] = detail
		c.logger.WithFields(fields).Warn("planner request rejected")
		return fail(resp.StatusCode, detail, nil)
	}
	c.logger.WithFields(fields).Debug("planner request")

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		if out != nil {
			return fail(resp.StatusCode, "", errors.New("empty response body"))
		}
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fail(resp.StatusCode, "", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorDetail pulls the service's human-readable message out of an error
// body. The service answers {"detail": "..."}; validation failures carry a
// list there instead.
func errorDetail(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := sonic.Unmarshal(data, &payload); err == nil {
		switch d := payload.Detail.(type) {
		case string:
			return truncate(d)
		case nil:
			if payload.Message != "" {
				return truncate(payload.Message)
			}
		default:
			if enc, err := sonic.Marshal(d); err == nil {
				return truncate(string(enc))
			}
		}
	}
	return truncate(string(data))
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxDetailLength {
		cut := maxDetailLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut]
	}
	return s
}
