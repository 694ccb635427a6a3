// Package engine applies participant events to room state and computes
// their fan-out. It owns the room table: one operation log per room,
// created on first join and guarded by the room's mutex.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/activity"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/protocol"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultCursorRate  = 30
	defaultCursorBurst = 10
)

var (
	// ErrNotJoined indicates an action from a session that has not joined a room.
	ErrNotJoined = errors.New("engine: session has not joined a room")
	// ErrUnsupportedEvent indicates an inbound value the engine cannot dispatch.
	ErrUnsupportedEvent = errors.New("engine: unsupported event")

	errMissingRegistry  = errors.New("engine: registry is required")
	errMissingTransport = errors.New("engine: transport is required")
)

// Transport delivers an encoded frame to connected participants. Deliver
// is called while a room lock is held and must not block.
type Transport interface {
	Deliver(recipients []canvas.UserID, frame protocol.Frame)
}

// ActivityRecorder journals room events.
type ActivityRecorder interface {
	Record(ctx context.Context, entry activity.Entry) error
}

// TicketIssuer hands out reconnect tickets carrying a user id.
type TicketIssuer interface {
	IssueTicket(userID canvas.UserID) (string, error)
}

// Config wires the engine's collaborators. Registry and Transport are required.
type Config struct {
	Registry    *rooms.Registry
	Transport   Transport
	Recorder    ActivityRecorder
	Tickets     TicketIssuer
	Clock       func() time.Time
	Logger      *zap.Logger
	IdleRoomTTL time.Duration
	CursorRate  rate.Limit
	CursorBurst int
}

// Engine is the coordinating owner of every room's log.
type Engine struct {
	registry    *rooms.Registry
	transport   Transport
	recorder    ActivityRecorder
	tickets     TicketIssuer
	clock       func() time.Time
	logger      *zap.Logger
	idleRoomTTL time.Duration
	cursorRate  rate.Limit
	cursorBurst int

	mu    sync.RWMutex
	rooms map[rooms.RoomID]*room
}

type room struct {
	id         rooms.RoomID
	mu         sync.Mutex
	log        *canvas.Log
	emptySince time.Time
	evicted    bool
}

// Session is the per-connection state. It is confined to the goroutine
// that reads the connection.
type Session struct {
	userID        canvas.UserID
	roomID        rooms.RoomID
	joined        bool
	cursorLimiter *rate.Limiter
}

// UserID returns the connection identity.
func (s *Session) UserID() canvas.UserID {
	return s.userID
}

// RoomID returns the joined room, if any.
func (s *Session) RoomID() (rooms.RoomID, bool) {
	return s.roomID, s.joined
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cursorRate := cfg.CursorRate
	if cursorRate <= 0 {
		cursorRate = defaultCursorRate
	}
	cursorBurst := cfg.CursorBurst
	if cursorBurst <= 0 {
		cursorBurst = defaultCursorBurst
	}
	return &Engine{
		registry:    cfg.Registry,
		transport:   cfg.Transport,
		recorder:    cfg.Recorder,
		tickets:     cfg.Tickets,
		clock:       clock,
		logger:      logger,
		idleRoomTTL: cfg.IdleRoomTTL,
		cursorRate:  cursorRate,
		cursorBurst: cursorBurst,
		rooms:       make(map[rooms.RoomID]*room),
	}, nil
}

// Connect opens a session for a connection identity.
func (e *Engine) Connect(userID canvas.UserID) *Session {
	return &Session{
		userID:        userID,
		cursorLimiter: rate.NewLimiter(e.cursorRate, e.cursorBurst),
	}
}

// Disconnect ends the session: live strokes are finalized and the user
// leaves its room.
func (e *Engine) Disconnect(ctx context.Context, session *Session) {
	if session == nil || !session.joined {
		return
	}
	e.leave(ctx, session)
}

// Reject reports a refused frame to its sender only.
func (e *Engine) Reject(session *Session, event protocol.Event, err error) {
	if session == nil || err == nil {
		return
	}
	e.send([]canvas.UserID{session.userID}, protocol.EventError, protocol.ErrorNotice{
		Code:    ErrorCode(err),
		Event:   event,
		Message: err.Error(),
	})
}

// ErrorCode maps a rejection cause onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotJoined):
		return protocol.CodePreconditionFailed
	case errors.Is(err, protocol.ErrUnknownEvent), errors.Is(err, ErrUnsupportedEvent):
		return protocol.CodeUnknownEvent
	case errors.Is(err, protocol.ErrInvalidPayload),
		errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, canvas.ErrInvalidOperationType),
		errors.Is(err, canvas.ErrEmptyPoints),
		errors.Is(err, canvas.ErrInvalidUserID),
		errors.Is(err, rooms.ErrInvalidRoomID):
		return protocol.CodeInvalidPayload
	default:
		return protocol.CodeInternal
	}
}

// acquire returns the locked room, creating it when absent. A room evicted
// between lookup and lock is replaced by a fresh one.
func (e *Engine) acquire(roomID rooms.RoomID) *room {
	for {
		e.mu.Lock()
		current, ok := e.rooms[roomID]
		if !ok {
			current = &room{id: roomID, log: canvas.NewLog()}
			e.rooms[roomID] = current
		}
		e.mu.Unlock()

		current.mu.Lock()
		if !current.evicted {
			return current
		}
		current.mu.Unlock()
	}
}

func (e *Engine) lookup(roomID rooms.RoomID) (*room, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	current, ok := e.rooms[roomID]
	return current, ok
}

func (e *Engine) members(roomID rooms.RoomID) []canvas.UserID {
	users := e.registry.Users(roomID)
	ids := make([]canvas.UserID, 0, len(users))
	for _, user := range users {
		ids = append(ids, user.ID)
	}
	return ids
}

func (e *Engine) username(roomID rooms.RoomID, userID canvas.UserID) string {
	if user, ok := e.registry.User(roomID, userID); ok {
		return user.Username
	}
	return rooms.DefaultUsername(userID)
}

func (e *Engine) snapshot(current *room) protocol.CanvasState {
	return protocol.CanvasState{
		Operations: current.log.Visible(),
		Users:      e.registry.Users(current.id),
	}
}

func (e *Engine) send(recipients []canvas.UserID, event protocol.Event, payload any) {
	if len(recipients) == 0 {
		return
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		e.logger.Error("encode frame failed", zap.String("event", string(event)), zap.Error(err))
		return
	}
	e.transport.Deliver(recipients, frame)
}

func (e *Engine) record(ctx context.Context, entries []activity.Entry) {
	if e.recorder == nil {
		return
	}
	for _, entry := range entries {
		if err := e.recorder.Record(ctx, entry); err != nil {
			e.logger.Warn("activity record failed",
				zap.String("room_id", entry.RoomID.String()),
				zap.String("kind", string(entry.Kind)),
				zap.Error(err))
		}
	}
}

func others(members []canvas.UserID, self canvas.UserID) []canvas.UserID {
	filtered := make([]canvas.UserID, 0, len(members))
	for _, member := range members {
		if member != self {
			filtered = append(filtered, member)
		}
	}
	return filtered
}
