package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/engine"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	socketBufSize  = 1024
)

// TicketValidator resolves a reconnect ticket into the identity it carries.
type TicketValidator interface {
	ValidateTicket(ticket string) (canvas.UserID, error)
}

type socketHandler struct {
	engine   *engine.Engine
	hub      *ConnectionHub
	tickets  TicketValidator
	upgrader websocket.Upgrader
	newID    func() (canvas.UserID, error)
	logger   *zap.Logger
}

func newSocketHandler(deps Dependencies, logger *zap.Logger) *socketHandler {
	return &socketHandler{
		engine:  deps.Engine,
		hub:     deps.Hub,
		tickets: deps.Tickets,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  socketBufSize,
			WriteBufferSize: socketBufSize,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
		newID:  newConnectionID,
		logger: logger,
	}
}

func newConnectionID() (canvas.UserID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return canvas.UserID(value.String()), nil
}

func (h *socketHandler) handleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	userID, stream, release, err := h.claimIdentity(c.Query("ticket"))
	if err != nil {
		h.logger.Error("connection identity unavailable", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "identity unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	session := h.engine.Connect(userID)
	h.logger.Debug("participant connected", zap.String("user_id", userID.String()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, conn, stream)
	}()

	h.readPump(ctx, conn, session)
	h.engine.Disconnect(context.WithoutCancel(ctx), session)
	cancel()
	<-writerDone
	h.logger.Debug("participant disconnected", zap.String("user_id", userID.String()))
}

// claimIdentity reuses the identity of a valid ticket unless that identity
// is already connected, in which case a fresh one is minted.
func (h *socketHandler) claimIdentity(ticket string) (canvas.UserID, <-chan []byte, func(), error) {
	if ticket = strings.TrimSpace(ticket); ticket != "" && h.tickets != nil {
		userID, err := h.tickets.ValidateTicket(ticket)
		if err != nil {
			h.logger.Info("reconnect ticket rejected", zap.Error(err))
		} else {
			stream, release, err := h.hub.Register(userID)
			if err == nil {
				return userID, stream, release, nil
			}
			if !errors.Is(err, ErrAlreadyConnected) {
				return "", nil, nil, err
			}
			h.logger.Info("ticket identity already connected", zap.String("user_id", userID.String()))
		}
	}

	userID, err := h.newID()
	if err != nil {
		return "", nil, nil, err
	}
	stream, release, err := h.hub.Register(userID)
	if err != nil {
		return "", nil, nil, err
	}
	return userID, stream, release, nil
}

func (h *socketHandler) readPump(ctx context.Context, conn *websocket.Conn, session *engine.Session) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read failed",
					zap.String("user_id", session.UserID().String()),
					zap.Error(err))
			}
			return
		}

		message, envelope, err := protocol.DecodeInbound(raw)
		if err != nil {
			h.engine.Reject(session, envelope.Event, err)
			continue
		}
		if err := h.engine.Handle(ctx, session, message); err != nil {
			h.logger.Debug("event rejected",
				zap.String("user_id", session.UserID().String()),
				zap.String("event", string(message.Event())),
				zap.Error(err))
		}
	}
}

func (h *socketHandler) writePump(ctx context.Context, conn *websocket.Conn, stream <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case payload := <-stream:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// Unblocks the reader so the session is torn down.
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[strings.ToLower(origin)]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		return err == nil && strings.EqualFold(parsed.Host, r.Host)
	}
}
