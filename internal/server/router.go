package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/activity"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/engine"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingEngine = errors.New("engine dependency required")
	errMissingHub    = errors.New("connection hub dependency required")
)

// ActivityLister reads a room's journal.
type ActivityLister interface {
	List(ctx context.Context, roomID rooms.RoomID, limit int) ([]activity.Record, error)
}

// Dependencies wires the HTTP surface. Tickets and Activity are optional.
type Dependencies struct {
	Engine         *engine.Engine
	Hub            *ConnectionHub
	Tickets        TicketValidator
	Activity       ActivityLister
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the websocket endpoint and
// read-only room inspection routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine:   deps.Engine,
		activity: deps.Activity,
		logger:   logger,
	}
	sockets := newSocketHandler(deps, logger)

	router.GET("/ws", sockets.handleWebSocket)
	router.GET("/healthz", handler.handleHealth)
	router.GET("/rooms", handler.handleListRooms)
	router.GET("/rooms/:roomId/state", handler.handleRoomState)
	router.GET("/rooms/:roomId/activity", handler.handleRoomActivity)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			config.AllowAllOrigins = true
			origins = nil
			break
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	engine   *engine.Engine
	activity ActivityLister
	logger   *zap.Logger
}

type activityPayload struct {
	RecordID    string        `json:"recordId"`
	RoomID      string        `json:"roomId"`
	UserID      string        `json:"userId"`
	Username    string        `json:"username"`
	Kind        activity.Kind `json:"kind"`
	OperationID *int64        `json:"operationId,omitempty"`
	RecordedAt  int64         `json:"recordedAt"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Rooms())
}

func (h *httpHandler) handleRoomState(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	state, ok := h.engine.Snapshot(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleRoomActivity(c *gin.Context) {
	if h.activity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "activity_disabled"})
		return
	}
	roomID, err := rooms.NewRoomID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	records, err := h.activity.List(c.Request.Context(), roomID, limit)
	if err != nil {
		h.logger.Error("failed to list room activity", zap.String("room_id", roomID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activity_unavailable"})
		return
	}

	response := make([]activityPayload, 0, len(records))
	for _, record := range records {
		response = append(response, activityPayload{
			RecordID:    record.RecordID,
			RoomID:      record.RoomID,
			UserID:      record.UserID,
			Username:    record.Username,
			Kind:        record.Kind,
			OperationID: record.OperationID,
			RecordedAt:  record.RecordedAtMillis,
		})
	}
	c.JSON(http.StatusOK, response)
}
