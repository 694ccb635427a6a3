// Package protocol defines the closed set of events exchanged between a
// participant and the server, and their JSON framing:
//
//	{"event": "draw-point", "data": {"point": {"x": 1, "y": 2}}}
package protocol

import (
	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
)

// Event names a frame on the wire.
type Event string

// Inbound events, sent by participants.
const (
	EventJoinRoom         Event = "join-room"
	EventDrawStart        Event = "draw-start"
	EventDrawPoint        Event = "draw-point"
	EventDrawEnd          Event = "draw-end"
	EventCursorMove       Event = "cursor-move"
	EventUndo             Event = "undo"
	EventRedo             Event = "redo"
	EventClearCanvas      Event = "clear-canvas"
	EventRequestFullState Event = "request-full-state"
)

// Outbound events, sent by the server. draw-start, draw-point, draw-end and
// cursor-move reuse their inbound names when relayed to other members.
const (
	EventSession       Event = "session"
	EventCanvasState   Event = "canvas-state"
	EventUserJoined    Event = "user-joined"
	EventUserLeft      Event = "user-left"
	EventUsersUpdated  Event = "users-updated"
	EventDrawStartAck  Event = "draw-start-ack"
	EventUndoOperation Event = "undo-operation"
	EventRedoOperation Event = "redo-operation"
	EventUndoFailed    Event = "undo-failed"
	EventRedoFailed    Event = "redo-failed"
	EventCanvasCleared Event = "canvas-cleared"
	EventError         Event = "error"
)

// Error codes carried by ErrorNotice.
const (
	CodePreconditionFailed = "precondition_failed"
	CodeInvalidPayload     = "invalid_payload"
	CodeUnknownEvent       = "unknown_event"
	CodeInternal           = "internal_error"
)

// Inbound is implemented by every participant event. The set is closed:
// only this package can add members.
type Inbound interface {
	Event() Event
	inbound()
}

// JoinRoom asks to enter a room under a display name.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// DrawStart opens a stroke. Either Points or Point carries the initial position.
type DrawStart struct {
	Type      string         `json:"type"`
	Color     string         `json:"color"`
	LineWidth float64        `json:"lineWidth"`
	Points    []canvas.Point `json:"points,omitempty"`
	Point     *canvas.Point  `json:"point,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// InitialPoints returns the stroke's starting points.
func (m DrawStart) InitialPoints() []canvas.Point {
	if len(m.Points) > 0 {
		return m.Points
	}
	if m.Point != nil {
		return []canvas.Point{*m.Point}
	}
	return nil
}

// DrawPoint extends the sender's live stroke.
type DrawPoint struct {
	Point *canvas.Point `json:"point"`
}

// DrawEnd finalizes the sender's live stroke.
type DrawEnd struct{}

// CursorMove reports the sender's pointer position.
type CursorMove struct {
	Position *canvas.Point `json:"position"`
}

// Undo reverts the sender's most recent stroke.
type Undo struct{}

// Redo restores the sender's most recently undone stroke.
type Redo struct{}

// ClearCanvas wipes the room's log.
type ClearCanvas struct{}

// RequestFullState asks for a canvas-state snapshot.
type RequestFullState struct{}

func (JoinRoom) Event() Event         { return EventJoinRoom }
func (DrawStart) Event() Event        { return EventDrawStart }
func (DrawPoint) Event() Event        { return EventDrawPoint }
func (DrawEnd) Event() Event          { return EventDrawEnd }
func (CursorMove) Event() Event       { return EventCursorMove }
func (Undo) Event() Event             { return EventUndo }
func (Redo) Event() Event             { return EventRedo }
func (ClearCanvas) Event() Event      { return EventClearCanvas }
func (RequestFullState) Event() Event { return EventRequestFullState }

func (JoinRoom) inbound()         {}
func (DrawStart) inbound()        {}
func (DrawPoint) inbound()        {}
func (DrawEnd) inbound()          {}
func (CursorMove) inbound()       {}
func (Undo) inbound()             {}
func (Redo) inbound()             {}
func (ClearCanvas) inbound()      {}
func (RequestFullState) inbound() {}

// Session tells a participant who it is after joining.
type Session struct {
	UserID   canvas.UserID `json:"userId"`
	RoomID   rooms.RoomID  `json:"roomId"`
	Username string        `json:"username"`
	Color    rooms.Color   `json:"color"`
	Ticket   string        `json:"ticket,omitempty"`
}

// CanvasState is the full snapshot: finalized operations plus membership.
type CanvasState struct {
	Operations []canvas.Operation `json:"operations"`
	Users      []rooms.User       `json:"users"`
}

// UserLeft announces a departure.
type UserLeft struct {
	UserID canvas.UserID `json:"userId"`
}

// DrawStartAck returns the id assigned to the sender's stroke.
type DrawStartAck struct {
	OperationID canvas.OperationID `json:"operationId"`
}

// PointAppended relays one point of a live stroke.
type PointAppended struct {
	OperationID canvas.OperationID `json:"operationId"`
	Point       canvas.Point       `json:"point"`
	UserID      canvas.UserID      `json:"userId"`
}

// DrawEnded relays a finalize. OperationID is nil when the server found no
// live operation; receivers finalize the newest live stroke of UserID.
type DrawEnded struct {
	OperationID *canvas.OperationID `json:"operationId"`
	UserID      canvas.UserID       `json:"userId"`
}

// CursorMoved relays a pointer position.
type CursorMoved struct {
	UserID   canvas.UserID `json:"userId"`
	Position canvas.Point  `json:"position"`
}

// HistoryNotice announces a successful undo or redo.
type HistoryNotice struct {
	OperationID canvas.OperationID `json:"operationId"`
	UserID      canvas.UserID      `json:"userId"`
	Username    string             `json:"username"`
}

// ActionFailed tells the sender why an undo or redo was refused.
type ActionFailed struct {
	Message string `json:"message"`
}

// CanvasCleared announces who cleared the canvas.
type CanvasCleared struct {
	UserID   canvas.UserID `json:"userId"`
	Username string        `json:"username"`
}

// ErrorNotice rejects an inbound frame.
type ErrorNotice struct {
	Code    string `json:"code"`
	Event   Event  `json:"event,omitempty"`
	Message string `json:"message"`
}
