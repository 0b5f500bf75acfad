package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/traitlab/internal/chat"
	"github.com/ashureev/traitlab/internal/identity"
	"github.com/ashureev/traitlab/internal/middleware"
)

const (
	// Transport is the transcript label for WebSocket traffic.
	Transport = "websocket"

	maxMessageBytes = 4096
	writeTimeout    = 10 * time.Second
)

// Frame types.
const (
	FrameMessage = "message"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameReply   = "reply"
	FrameError   = "error"
)

// inFrame is a client-to-server frame.
type inFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// outFrame is a server-to-client frame.
type outFrame struct {
	Type  string      `json:"type"`
	Reply *chat.Reply `json:"reply,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Handler upgrades requests to chat WebSocket connections. The request
// context must carry identity (see identity.Middleware).
type Handler struct {
	router        *chat.Router
	conns         *ConnManager
	limiter       *middleware.Limiter
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a new WebSocket chat handler.
func NewHandler(router *chat.Router, conns *ConnManager, limiter *middleware.Limiter, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		router:        router,
		conns:         conns,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	username := identity.UsernameFromContext(r.Context())
	channelID := identity.ChannelIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.Register(userID, channelID, ws)
	defer h.conns.Unregister(userID, channelID, ws)

	h.readLoop(r.Context(), ws, chat.Inbound{
		UserID:    userID,
		Username:  username,
		ChannelID: channelID,
		Transport: Transport,
	})
	h.logger.Info("Chat connection ended", "user_id", userID, "channel_id", channelID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, base chat.Inbound) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "user_id", base.UserID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", base.UserID)
			}
			return
		}

		var frame inFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			if err := h.writeFrame(ctx, ws, outFrame{Type: FrameError, Error: "invalid_frame"}); err != nil {
				return
			}
			continue
		}

		switch frame.Type {
		case FramePing:
			if err := h.writeFrame(ctx, ws, outFrame{Type: FramePong}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
				return
			}
		case FrameMessage:
			if err := h.handleMessage(ctx, ws, base, frame.Text); err != nil {
				h.logger.Debug("Failed to send replies", "error", err, "user_id", base.UserID)
				return
			}
		default:
			if err := h.writeFrame(ctx, ws, outFrame{Type: FrameError, Error: "unknown_frame_type"}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, ws *websocket.Conn, in chat.Inbound, text string) error {
	if !h.limiter.Allow(in.UserID) {
		reply := h.router.RateLimitedReply(h.router.Language(ctx, in.UserID))
		return h.writeFrame(ctx, ws, outFrame{Type: FrameReply, Reply: &reply})
	}

	in.Text = text
	replies, err := h.router.Handle(ctx, in)
	if err != nil {
		h.logger.Error("Chat message failed", "error", err, "user_id", in.UserID, "channel_id", in.ChannelID)
	}
	for i := range replies {
		if err := h.writeFrame(ctx, ws, outFrame{Type: FrameReply, Reply: &replies[i]}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, frame outFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
