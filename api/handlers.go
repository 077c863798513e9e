// Package api is the local view server: a REST surface over the caller's
// workspace and a server-sent-event stream of board projections.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"planner-sync/domain"
	"planner-sync/session"
	"planner-sync/workspace"
)

const (
	headerIdempotencyKey   = "Idempotency-Key"
	headerIdempotentReplay = "Idempotent-Replay"
	defaultKeepAlive       = 15 * time.Second
)

// Handler serves every route. Deduper may be nil, in which case
// Idempotency-Key headers are ignored.
type Handler struct {
	registry  *workspace.Registry
	auth      Authenticator
	deduper   *RedisDeduper
	logger    *log.Logger
	keepAlive time.Duration
}

type workspaceHandler func(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, registry *workspace.Registry, auth Authenticator, deduper *RedisDeduper, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &Handler{registry: registry, auth: auth, deduper: deduper, logger: logger, keepAlive: defaultKeepAlive}
	e.JSONSerializer = SonicSerializer{}

	e.GET("/healthz", h.healthz)

	e.GET("/api/boards", h.authed(h.listBoards))
	e.POST("/api/boards", h.authed(h.createBoard))
	e.GET("/api/boards/:id", h.authed(h.getBoard))
	e.PATCH("/api/boards/:id", h.authed(h.renameBoard))
	e.DELETE("/api/boards/:id", h.authed(h.deleteBoard))
	e.GET("/api/boards/:id/members", h.authed(h.listMembers))
	e.PUT("/api/boards/:id/members/:userId", h.authed(h.addMember))
	e.DELETE("/api/boards/:id/members/:userId", h.authed(h.removeMember))
	e.POST("/api/boards/:id/open", h.authed(h.openBoard))
	e.GET("/api/boards/:id/views/:view", h.authed(h.getView))
	e.GET("/api/boards/:id/stream", h.authed(h.stream))
	e.POST("/api/boards/:id/tasks", h.authed(h.createTask))

	e.PATCH("/api/tasks/:id", h.authed(h.patchTask))
	e.DELETE("/api/tasks/:id", h.authed(h.deleteTask))
	e.POST("/api/tasks/:id/move", h.authed(h.moveTask))
	e.POST("/api/tasks/:id/drag", h.authed(h.beginDrag))

	e.GET("/api/gestures", h.authed(h.listGestures))
	e.POST("/api/gestures/:id/drop", h.authed(h.drop))
	e.DELETE("/api/gestures/:id", h.authed(h.cancelGesture))

	e.GET("/api/me/tasks/:view", h.authed(h.myTasks))
	e.GET("/api/notices", h.authed(h.listNotices))
	e.DELETE("/api/notices/:id", h.authed(h.dismissNotice))
	return h
}

func (h *Handler) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "workspaces": h.registry.Len()})
}

// authed resolves the caller's workspace. EventSource clients cannot set
// headers, so a token query parameter is accepted when the header is absent.
func (h *Handler) authed(fn workspaceHandler) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(h.logger)
		defer func() { m.Log(c, err) }()

		authStart := time.Now()
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" && c.QueryParam("token") != "" {
			header = "Bearer " + c.QueryParam("token")
		}
		token, authErr := session.TokenFromHeader(header)
		if authErr == nil {
			m.userID, authErr = h.auth.UserIDFromBearer(token)
		}
		m.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			m.SetErrorStage("auth")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: authErr.Error()})
		}

		ws, wsErr := h.registry.Acquire(token)
		if wsErr != nil {
			return writeError(c, m, "workspace", wsErr)
		}
		return fn(c, ws, m)
	}
}

// decodeBody reads the whole body; the size limit is the middleware's.
func decodeBody(c echo.Context, v any) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return tooLarge
		}
		return &domain.ValidationError{Field: "body", Reason: "unreadable body"}
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	return nil
}

func ensureOpen(ctx context.Context, ws *workspace.Workspace, boardID string) error {
	if ws.Tasks.BoardID() == boardID && !ws.Tasks.Closed() {
		return nil
	}
	return ws.Open(ctx, boardID)
}

// ensureBoard fetches a board the workspace has not cached yet, so owner
// and membership checks have something to check against.
func ensureBoard(ctx context.Context, ws *workspace.Workspace, boardID string) error {
	if _, err := ws.Boards.Board(boardID); err == nil {
		return nil
	}
	_, err := ws.Boards.Get(ctx, boardID)
	return err
}

func (h *Handler) listBoards(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	boards, err := ws.Boards.List(c.Request().Context())
	if err != nil {
		return writeError(c, m, "fetch", err)
	}
	return c.JSON(http.StatusOK, boards)
}

func (h *Handler) createBoard(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	var body boardBody
	if err := decodeBody(c, &body); err != nil {
		return writeError(c, m, "decode", err)
	}
	board, err := ws.Boards.Create(c.Request().Context(), body.Name)
	if err != nil {
		return writeError(c, m, "create", err)
	}
	m.boardID = board.ID
	return c.JSON(http.StatusCreated, board)
}

func (h *Handler) getBoard(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	m.boardID = c.Param("id")
	board, err := ws.Boards.Get(c.Request().Context(), m.boardID)
	if err != nil {
		return writeError(c, m, "fetch", err)
	}
	return c.JSON(http.StatusOK, board)
}

func (h *Handler) renameBoard(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	m.boardID = c.Param("id")
	var body boardBody
	if err := decodeBody(c, &body); err != nil {
		return writeError(c, m, "decode", err)
	}
	if err := ws.Boards.Rename(c.Request().Context(), m.boardID, body.Name); err != nil {
		return writeError(c, m, "rename", err)
	}
	board, err := ws.Boards.Board(m.boardID)
	if err != nil {
		return writeError(c, m, "rename", err)
	}
	return c.JSON(http.StatusOK, board)
}

func (h *Handler) deleteBoard(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	m.boardID = c.Param("id")
	if err := ws.Boards.Delete(c.Request().Context(), m.boardID); err != nil {
		return writeError(c, m, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listMembers(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	m.boardID = c.Param("id")
	users, err := ws.Boards.Members(c.Request().Context(), m.boardID)
	if err != nil {
		return writeError(c, m, "fetch", err)
	}
	return c.JSON(http.StatusOK, users)
}

func (h *Handler) addMember(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	m.boardID = c.Param("id")
	if err := ensureBoard(c.Request().Context(), ws, m.boardID); err != nil {
		return writeError(c, m, "fetch", err)
	}
	if err := ws.Boards.AddMember(c.Request().Context(), m.boardID, c.Param("userId")); err != nil {
		return writeError(c, m, "add_member", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) removeMember(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	m.boardID = c.Param("id")
	if err := ensureBoard(c.Request().Context(), ws, m.boardID); err != nil {
		return writeError(c, m, "fetch", err)
	}
	if err := ws.Boards.RemoveMember(c.Request().Context(), m.boardID, c.Param("userId")); err != nil {
		return writeError(c, m, "remove_member", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) openBoard(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	m.boardID = c.Param("id")
	if err := ws.Open(c.Request().Context(), m.boardID); err != nil {
		return writeError(c, m, "load", err)
	}
	return c.JSON(http.StatusOK, ws.Project())
}

func (h *Handler) getView(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	m.boardID = c.Param("id")
	if err := ensureOpen(c.Request().Context(), ws, m.boardID); err != nil {
		return writeError(c, m, "load", err)
	}
	p := ws.Project()
	switch c.Param("view") {
	case "kanban":
		return c.JSON(http.StatusOK, p.Kanban)
	case "grid":
		return c.JSON(http.StatusOK, p.Grid)
	case "calendar":
		return c.JSON(http.StatusOK, p.Calendar)
	case "summary":
		return c.JSON(http.StatusOK, p.Summary)
	case "all":
		return c.JSON(http.StatusOK, p)
	}
	return writeError(c, m, "view", &domain.NotFoundError{Kind: "view", ID: c.Param("view")})
}

// myTasks serves the caller's tasks across boards. It is fetched fresh on
// every request.
func (h *Handler) myTasks(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	name := c.Param("view")
	switch name {
	case "grid", "calendar", "summary", "all":
	default:
		return writeError(c, m, "view", &domain.NotFoundError{Kind: "view", ID: name})
	}
	d, err := ws.MyTasks(c.Request().Context())
	if err != nil {
		return writeError(c, m, "load", err)
	}
	switch name {
	case "grid":
		return c.JSON(http.StatusOK, d.Grid)
	case "calendar":
		return c.JSON(http.StatusOK, d.Calendar)
	case "summary":
		return c.JSON(http.StatusOK, d.Summary)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) createTask(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	m.boardID = c.Param("id")
	var body draftBody
	if err := decodeBody(c, &body); err != nil {
		return writeError(c, m, "decode", err)
	}
	draft, err := body.draft(m.boardID)
	if err != nil {
		return writeError(c, m, "decode", err)
	}
	if err := ensureOpen(c.Request().Context(), ws, m.boardID); err != nil {
		return writeError(c, m, "load", err)
	}
	task, err := ws.Moves.Create(c.Request().Context(), draft)
	if err != nil {
		return writeError(c, m, "create", err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (h *Handler) patchTask(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	var fields map[string]any
	if err := decodeBody(c, &fields); err != nil {
		return writeError(c, m, "decode", err)
	}
	patch, err := patchFromFields(fields)
	if err != nil {
		return writeError(c, m, "decode", err)
	}
	task, err := ws.Moves.Edit(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return writeError(c, m, "patch", err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *Handler) deleteTask(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	if err := ws.Moves.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return writeError(c, m, "delete", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// moveTask performs a whole drag in one request. With an Idempotency-Key a
// retried request replays the first response instead of patching again.
func (h *Handler) moveTask(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	ctx := c.Request().Context()
	taskID := c.Param("id")

	var body moveBody
	if err := decodeBody(c, &body); err != nil {
		return writeError(c, m, "decode", err)
	}
	dest, err := destination(body.Destination)
	if err != nil {
		return writeError(c, m, "decode", err)
	}
	var source domain.Status
	if body.Source == "" {
		cur, err := ws.Tasks.Get(taskID)
		if err != nil {
			return writeError(c, m, "lookup", err)
		}
		source = cur.Status
	} else {
		var ok bool
		if source, ok = domain.ParseStatus(body.Source); !ok {
			return writeError(c, m, "decode", &domain.ValidationError{Field: "source", Reason: "unknown status " + body.Source})
		}
	}

	key := c.Request().Header.Get(headerIdempotencyKey)
	if key != "" && h.deduper != nil {
		fresh, stored, err := h.deduper.Begin(ctx, m.userID, key)
		switch {
		case err != nil:
			h.logger.WithError(err).WithField("user_id", m.userID).Warn("move dedupe unavailable")
			key = ""
		case !fresh && stored == nil:
			m.SetErrorStage("dedupe")
			return c.JSON(http.StatusConflict, errorResponse{Error: "in_flight", Message: "a move with this idempotency key is still running"})
		case !fresh:
			c.Response().Header().Set(headerIdempotentReplay, "true")
			return c.JSONBlob(http.StatusOK, stored)
		}
	} else {
		key = ""
	}

	g, err := ws.Moves.Move(ctx, taskID, source, dest)
	if err != nil {
		if key != "" {
			if rerr := h.deduper.Remove(ctx, m.userID, key); rerr != nil {
				h.logger.WithError(rerr).Warn("move dedupe cleanup failed")
			}
		}
		return writeError(c, m, "move", err)
	}

	resp := moveResponse{Gesture: g}
	if task, err := ws.Tasks.Get(taskID); err == nil {
		resp.Task = &task
	}
	data, err := sonic.Marshal(resp)
	if err != nil {
		return writeError(c, m, "encode", err)
	}
	if key != "" {
		if err := h.deduper.Complete(ctx, m.userID, key, data); err != nil {
			h.logger.WithError(err).Warn("move dedupe store failed")
		}
	}
	return c.JSONBlob(http.StatusOK, data)
}

func (h *Handler) beginDrag(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	g, err := ws.Moves.BeginDrag(c.Param("id"))
	if err != nil {
		return writeError(c, m, "drag", err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) listGestures(c echo.Context, ws *workspace.Workspace, _ *requestMetrics) error {
	return c.JSON(http.StatusOK, ws.Moves.InFlight())
}

func (h *Handler) drop(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	var body dropBody
	if err := decodeBody(c, &body); err != nil {
		return writeError(c, m, "decode", err)
	}
	dest, err := destination(body.Destination)
	if err != nil {
		return writeError(c, m, "decode", err)
	}
	g, err := ws.Moves.Drop(c.Request().Context(), c.Param("id"), dest)
	if err != nil {
		return writeError(c, m, "drop", err)
	}
	resp := moveResponse{Gesture: g}
	if task, err := ws.Tasks.Get(g.TaskID); err == nil {
		resp.Task = &task
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) cancelGesture(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	if !ws.Moves.Cancel(c.Param("id")) {
		return writeError(c, m, "cancel", &domain.NotFoundError{Kind: "gesture", ID: c.Param("id")})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listNotices(c echo.Context, ws *workspace.Workspace, _ *requestMetrics) error {
	return c.JSON(http.StatusOK, ws.Moves.Notices())
}

func (h *Handler) dismissNotice(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	if !ws.Moves.Dismiss(c.Param("id")) {
		return writeError(c, m, "dismiss", &domain.NotFoundError{Kind: "notice", ID: c.Param("id")})
	}
	return c.NoContent(http.StatusNoContent)
}
