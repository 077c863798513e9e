package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"planner-sync/workspace"
)

// stream sends the board's projection once on connect and again after every
// store change that alters it. It ends when the client goes away, the
// workspace is closed or the workspace switches to another board.
func (h *Handler) stream(c echo.Context, ws *workspace.Workspace, m *requestMetrics) error {
	ctx := c.Request().Context()
	boardID := c.Param("id")
	m.boardID = boardID

	ch, unsubscribe := ws.Subscribe()
	defer unsubscribe()
	if err := ensureOpen(ctx, ws, boardID); err != nil {
		return writeError(c, m, "load", err)
	}
	release := h.registry.Hold(ws)
	defer release()

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	var last []byte
	for {
		if ws.Tasks.Closed() {
			return writeEvent(c, flusher, "closed", 0, []byte(`{"reason":"workspace closed"}`))
		}
		p := ws.Project()
		if p.BoardID != boardID {
			return writeEvent(c, flusher, "closed", p.Version, []byte(`{"reason":"board switched"}`))
		}
		data, err := sonic.Marshal(p)
		if err != nil {
			c.Logger().Error(err)
			return err
		}
		if !bytes.Equal(data, last) {
			if err := writeEvent(c, flusher, "projection", p.Version, data); err != nil {
				c.Logger().Error(err)
				return err
			}
			last = data
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ch:
		case <-keepAlive.C:
			if _, err := c.Response().Write([]byte(": keep-alive\n\n")); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(c echo.Context, flusher http.Flusher, event string, id uint64, data []byte) error {
	if _, err := fmt.Fprintf(c.Response(), "event: %s\nid: %d\ndata: ", event, id); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
