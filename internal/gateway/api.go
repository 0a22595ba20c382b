// ABOUTME: REST surface for session management plus the SSE chat fallback
// ABOUTME: The websocket adapter is the primary transport; this covers the rest

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/2389/ochre-gateway/internal/conversation"
	"github.com/2389/ochre-gateway/internal/ident"
	"github.com/2389/ochre-gateway/internal/store"
)

func (g *Gateway) registerAPI(e *echo.Echo) {
	e.GET("/healthz", g.handleHealth)
	e.POST("/api/sessions", g.handleCreateSession)
	e.GET("/api/sessions", g.handleListSessions)
	e.GET("/api/sessions/:id", g.handleGetSession)
	e.DELETE("/api/sessions/:id", g.handleDeleteSession)
	e.POST("/api/sessions/:id/chat", g.handleChatSSE)
}

func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	Title string `json:"title"`
}

func (g *Gateway) handleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" {
		req.Title = "New session"
	}

	sess := &store.Session{ID: uuid.New().String(), Title: req.Title}
	if err := g.store.CreateSession(c.Request().Context(), sess); err != nil {
		g.logger.Error("failed to create session", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}
	return c.JSON(http.StatusCreated, sess)
}

func (g *Gateway) handleListSessions(c echo.Context) error {
	sessions, err := g.store.ListSessions(c.Request().Context(), 0)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// handleGetSession returns the session row plus a render-ready view, the
// same shape the websocket snapshot carries.
func (g *Gateway) handleGetSession(c echo.Context) error {
	id := c.Param("id")

	sess, err := g.store.GetSession(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		g.logger.Error("failed to get session", "error", err, "session_id", id)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get session")
	}

	view, err := g.hub.GetOrCreate(id).Snapshot(c.Request().Context())
	if err != nil {
		g.logger.Error("snapshot failed", "error", err, "session_id", id)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read transcript")
	}

	return c.JSON(http.StatusOK, map[string]any{"session": sess, "view": view})
}

func (g *Gateway) handleDeleteSession(c echo.Context) error {
	id := c.Param("id")

	g.hub.GetOrCreate(id).Cancel("session_deleted")

	if err := g.store.DeleteSession(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		g.logger.Error("failed to delete session", "error", err, "session_id", id)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete session")
	}
	return c.NoContent(http.StatusNoContent)
}

type chatRequest struct {
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// handleChatSSE is the no-websocket fallback: it submits the message and
// streams that run's frames as server-sent events until a terminal frame.
func (g *Gateway) handleChatSSE(c echo.Context) error {
	sessionID := c.Param("id")

	if _, err := g.store.GetSession(c.Request().Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get session")
	}

	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if req.RequestID == "" {
		req.RequestID = ident.NewRequestID()
	}

	ctx := c.Request().Context()
	model := g.hub.GetOrCreate(sessionID)

	// A settled requestId only gets a chat.started re-ack; the stream must
	// end after it instead of waiting for a terminal frame that never comes.
	settled := model.RequestSettled(req.RequestID)

	// Subscribe before submitting so no frame of this run is missed.
	frames, subID := g.hub.Broadcaster().Subscribe(ctx, sessionID)
	defer g.hub.Broadcaster().Unsubscribe(sessionID, subID)

	if err := model.Submit(ctx, req.RequestID, req.Content, req.Model); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if frame.RequestID != req.RequestID {
				continue
			}
			if err := writeSSE(res, frame); err != nil {
				return nil
			}
			switch frame.Type {
			case conversation.FrameChatDone, conversation.FrameChatCancelled, conversation.FrameChatError:
				return nil
			case conversation.FrameChatStarted:
				if settled {
					return nil
				}
			}
		}
	}
}

func writeSSE(res *echo.Response, frame conversation.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
