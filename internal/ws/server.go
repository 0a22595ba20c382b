// ABOUTME: WebSocket transport adapter bridging sockets to session models
// ABOUTME: One read pump and one write pump per connection; no run state here

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/2389/ochre-gateway/internal/config"
	"github.com/2389/ochre-gateway/internal/conversation"
	"github.com/2389/ochre-gateway/internal/store"
)

const (
	// outBufferSize is the per-connection outbound frame buffer.
	outBufferSize = 128
	// preAuthBufferSize bounds chat.sends held while a hello is pending.
	preAuthBufferSize = 16
)

// Handler serves the per-session websocket endpoint. It is a pipe between
// the socket and the session's model: inbound frames become model calls,
// broadcast frames are copied to the socket. Disconnects never affect runs.
type Handler struct {
	hub      *conversation.Hub
	store    store.Store
	cfg      config.SocketConfig
	apiKey   string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a websocket handler. apiKey empty disables auth.
func NewHandler(hub *conversation.Hub, st store.Store, cfg config.SocketConfig, apiKey string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:    hub,
		store:  st,
		cfg:    cfg,
		apiKey: apiKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local single-user gateway; the UI is served from arbitrary
			// dev origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "ws"),
	}
}

// Register mounts the websocket route on the echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws/sessions/:id", h.handleSession)
}

func (h *Handler) handleSession(c echo.Context) error {
	sessionID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return nil
	}
	defer conn.Close()

	if _, err := h.store.GetSession(c.Request().Context(), sessionID); err != nil {
		h.closeWith(conn, websocket.ClosePolicyViolation, "unknown session")
		return nil
	}

	logger := h.logger.With("session_id", sessionID, "remote", conn.RemoteAddr().String())
	logger.Debug("connection opened")

	model := h.hub.GetOrCreate(sessionID)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	broadcast, _ := h.hub.Broadcaster().Subscribe(ctx, sessionID)
	out := make(chan conversation.Frame, outBufferSize)

	// Copy broadcast frames into this connection's outbound queue. Dropping
	// on overflow is safe: the next hello/snapshot resyncs.
	go func() {
		for f := range broadcast {
			select {
			case out <- f:
			default:
				logger.Debug("outbound queue full, dropping frame", "frame_type", f.Type)
			}
		}
	}()

	go h.writePump(ctx, cancel, conn, out, logger)
	h.readPump(ctx, cancel, conn, model, out, logger)

	logger.Debug("connection closed")
	return nil
}

// readPump consumes inbound frames until the socket dies. Malformed frames
// get a chat.error and the connection stays up; unknown types are ignored.
func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, model *conversation.Model, out chan<- conversation.Frame, logger *slog.Logger) {
	defer cancel()

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	authed := h.apiKey == ""

	// Clients flush queued sends before their hello; when auth is pending
	// those are held here and submitted once the hello authenticates, so the
	// snapshot already reflects them.
	var preAuth []conversation.Frame

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		var frame conversation.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendDirect(ctx, out, conversation.NewFrame(conversation.FrameChatError, "",
				conversation.ChatErrorPayload{Message: "malformed frame"}))
			continue
		}

		switch frame.Type {
		case conversation.FrameHello:
			var hello conversation.HelloPayload
			if len(frame.Payload) > 0 {
				if err := frame.DecodePayload(&hello); err != nil {
					h.sendDirect(ctx, out, conversation.NewFrame(conversation.FrameChatError, frame.RequestID,
						conversation.ChatErrorPayload{Message: "malformed hello payload"}))
					continue
				}
			}
			if h.apiKey != "" && hello.APIKey != h.apiKey {
				h.closeWith(conn, websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authed = true

			for _, held := range preAuth {
				h.handleChatSend(ctx, held, model, out)
			}
			preAuth = nil

			view, err := model.Snapshot(ctx)
			if err != nil {
				logger.Error("snapshot failed", "error", err)
				h.sendDirect(ctx, out, conversation.NewFrame(conversation.FrameChatError, frame.RequestID,
					conversation.ChatErrorPayload{Message: "snapshot unavailable"}))
				continue
			}
			// Snapshot goes to this connection only, not the broadcast.
			h.sendDirect(ctx, out, conversation.NewFrame(conversation.FrameSnapshot, "", view))

		case conversation.FrameChatSend:
			if !authed {
				if len(preAuth) >= preAuthBufferSize {
					h.sendDirect(ctx, out, conversation.NewFrame(conversation.FrameChatError, frame.RequestID,
						conversation.ChatErrorPayload{Message: "hello required"}))
					continue
				}
				preAuth = append(preAuth, frame)
				continue
			}
			h.handleChatSend(ctx, frame, model, out)

		default:
			logger.Debug("ignoring unknown frame type", "frame_type", frame.Type)
		}
	}
}

// writePump owns all writes on the socket: outbound frames and keepalive
// pings. Gorilla allows one concurrent writer, so everything funnels here.
func (h *Handler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan conversation.Frame, logger *slog.Logger) {
	defer cancel()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				logger.Debug("write failed", "error", err, "frame_type", f.Type)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// handleChatSend submits a chat.send frame to the model, reporting decode or
// submit failures as chat.error on this connection.
func (h *Handler) handleChatSend(ctx context.Context, frame conversation.Frame, model *conversation.Model, out chan<- conversation.Frame) {
	var send conversation.ChatSendPayload
	if err := frame.DecodePayload(&send); err != nil {
		h.sendDirect(ctx, out, conversation.NewFrame(conversation.FrameChatError, frame.RequestID,
			conversation.ChatErrorPayload{Message: "malformed chat.send payload"}))
		return
	}
	if err := model.Submit(ctx, frame.RequestID, send.Content, send.Model); err != nil {
		h.sendDirect(ctx, out, conversation.NewFrame(conversation.FrameChatError, frame.RequestID,
			conversation.ChatErrorPayload{Message: err.Error()}))
	}
}

// sendDirect queues a frame for this connection only.
func (h *Handler) sendDirect(ctx context.Context, out chan<- conversation.Frame, f conversation.Frame) {
	select {
	case out <- f:
	case <-ctx.Done():
	}
}

// closeWith sends a close control frame with the given code and reason.
func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(h.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
