// Package replica keeps a participant-side mirror of one room. It applies
// server frames in arrival order and reports ErrDesync when a frame refers
// to an operation the mirror never saw; the owner then requests a full
// snapshot, which replaces the finalized history wholesale.
package replica

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/protocol"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
)

var (
	// ErrDesync indicates a frame that references an unknown operation.
	ErrDesync = errors.New("replica: desync detected")
	// ErrRejected indicates the server refused one of our frames.
	ErrRejected = errors.New("replica: frame rejected by server")
	// ErrNoStroke indicates a local point or end without a local stroke.
	ErrNoStroke = errors.New("replica: no local stroke in progress")
)

// Replica mirrors a room's operations and membership.
type Replica struct {
	mu         sync.Mutex
	userID     canvas.UserID
	roomID     rooms.RoomID
	operations map[canvas.OperationID]*canvas.Operation
	users      []rooms.User
	cursors    map[canvas.UserID]canvas.Point
	pending    *canvas.Operation
	current    canvas.OperationID
}

// New returns an empty mirror.
func New() *Replica {
	return &Replica{
		operations: make(map[canvas.OperationID]*canvas.Operation),
		cursors:    make(map[canvas.UserID]canvas.Point),
	}
}

// UserID returns the identity announced by the server's session frame.
func (r *Replica) UserID() canvas.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID
}

// RoomID returns the joined room.
func (r *Replica) RoomID() rooms.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

// Apply folds one server frame into the mirror.
func (r *Replica) Apply(envelope protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch envelope.Event {
	case protocol.EventSession:
		var session protocol.Session
		if err := envelope.Decode(&session); err != nil {
			return err
		}
		if r.roomID != session.RoomID {
			r.reset()
		}
		r.userID = session.UserID
		r.roomID = session.RoomID
	case protocol.EventCanvasState:
		var state protocol.CanvasState
		if err := envelope.Decode(&state); err != nil {
			return err
		}
		r.applySnapshot(state)
	case protocol.EventUserJoined:
		var user rooms.User
		if err := envelope.Decode(&user); err != nil {
			return err
		}
		r.upsertUser(user)
	case protocol.EventUserLeft:
		var left protocol.UserLeft
		if err := envelope.Decode(&left); err != nil {
			return err
		}
		r.removeUser(left.UserID)
	case protocol.EventUsersUpdated:
		var users []rooms.User
		if err := envelope.Decode(&users); err != nil {
			return err
		}
		r.users = append([]rooms.User(nil), users...)
	case protocol.EventDrawStartAck:
		var ack protocol.DrawStartAck
		if err := envelope.Decode(&ack); err != nil {
			return err
		}
		r.bindPending(ack.OperationID)
	case protocol.EventDrawStart:
		var operation canvas.Operation
		if err := envelope.Decode(&operation); err != nil {
			return err
		}
		if operation.UserID == r.userID {
			return nil
		}
		r.store(operation)
	case protocol.EventDrawPoint:
		var appended protocol.PointAppended
		if err := envelope.Decode(&appended); err != nil {
			return err
		}
		operation, ok := r.operations[appended.OperationID]
		if !ok {
			return fmt.Errorf("%w: point for operation %d", ErrDesync, appended.OperationID)
		}
		if appended.UserID != r.userID && !operation.Finalized {
			operation.Points = append(operation.Points, appended.Point)
		}
	case protocol.EventDrawEnd:
		var ended protocol.DrawEnded
		if err := envelope.Decode(&ended); err != nil {
			return err
		}
		r.finalize(ended)
	case protocol.EventCursorMove:
		var moved protocol.CursorMoved
		if err := envelope.Decode(&moved); err != nil {
			return err
		}
		if moved.UserID != r.userID {
			r.cursors[moved.UserID] = moved.Position
		}
	case protocol.EventUndoOperation, protocol.EventRedoOperation:
		var notice protocol.HistoryNotice
		if err := envelope.Decode(&notice); err != nil {
			return err
		}
		operation, ok := r.operations[notice.OperationID]
		if !ok {
			return fmt.Errorf("%w: %s for operation %d", ErrDesync, envelope.Event, notice.OperationID)
		}
		operation.Undone = envelope.Event == protocol.EventUndoOperation
	case protocol.EventUndoFailed, protocol.EventRedoFailed:
		// informational only
	case protocol.EventCanvasCleared:
		r.operations = make(map[canvas.OperationID]*canvas.Operation)
		r.pending = nil
		r.current = 0
	case protocol.EventError:
		var notice protocol.ErrorNotice
		if err := envelope.Decode(&notice); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s: %s", ErrRejected, notice.Code, notice.Message)
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, envelope.Event)
	}
	return nil
}

// ApplySnapshot merges a full snapshot. Finalized operations missing from
// the snapshot are dropped; live strokes still in flight are kept.
// Applying the same snapshot again changes nothing.
func (r *Replica) ApplySnapshot(state protocol.CanvasState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applySnapshot(state)
}

// BeginStroke records a local stroke awaiting its server-assigned id.
func (r *Replica) BeginStroke(start protocol.DrawStart) error {
	operationType, err := canvas.ParseOperationType(start.Type)
	if err != nil {
		return err
	}
	points := start.InitialPoints()
	if len(points) == 0 {
		return canvas.ErrEmptyPoints
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = &canvas.Operation{
		Type:      operationType,
		UserID:    r.userID,
		Color:     start.Color,
		LineWidth: start.LineWidth,
		Points:    append([]canvas.Point(nil), points...),
		Timestamp: start.Timestamp,
	}
	return nil
}

// AppendLocal extends the local stroke before the point is sent.
func (r *Replica) AppendLocal(point canvas.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		r.pending.Points = append(r.pending.Points, point)
		return nil
	}
	operation, ok := r.operations[r.current]
	if !ok || operation.Finalized {
		return ErrNoStroke
	}
	operation.Points = append(operation.Points, point)
	return nil
}

// EndLocal finalizes the local stroke. The server does not echo our own
// draw-end, so the mirror closes it here.
func (r *Replica) EndLocal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		r.pending.Finalized = true
		return nil
	}
	operation, ok := r.operations[r.current]
	if !ok || operation.Finalized {
		return ErrNoStroke
	}
	operation.Finalized = true
	r.current = 0
	return nil
}

// Operations returns every mirrored operation in id order.
func (r *Replica) Operations() []canvas.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(*canvas.Operation) bool { return true })
}

// Rendered returns the finalized, not undone operations a renderer draws.
func (r *Replica) Rendered() []canvas.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(operation *canvas.Operation) bool {
		return operation.Finalized && !operation.Undone
	})
}

// Operation returns one mirrored operation.
func (r *Replica) Operation(id canvas.OperationID) (canvas.Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	operation, ok := r.operations[id]
	if !ok {
		return canvas.Operation{}, false
	}
	return copyOperation(operation), true
}

// Users returns the mirrored membership in join order.
func (r *Replica) Users() []rooms.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rooms.User(nil), r.users...)
}

// Cursor returns the last relayed position of another participant.
func (r *Replica) Cursor(userID canvas.UserID) (canvas.Point, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	position, ok := r.cursors[userID]
	return position, ok
}

func (r *Replica) reset() {
	r.operations = make(map[canvas.OperationID]*canvas.Operation)
	r.cursors = make(map[canvas.UserID]canvas.Point)
	r.users = nil
	r.pending = nil
	r.current = 0
}

func (r *Replica) applySnapshot(state protocol.CanvasState) {
	included := make(map[canvas.OperationID]struct{}, len(state.Operations))
	for _, operation := range state.Operations {
		included[operation.ID] = struct{}{}
		r.store(operation)
	}
	for id, operation := range r.operations {
		if _, ok := included[id]; !ok && operation.Finalized {
			delete(r.operations, id)
		}
	}
	r.users = append([]rooms.User(nil), state.Users...)
}

func (r *Replica) store(operation canvas.Operation) {
	stored := copyOperation(&operation)
	r.operations[operation.ID] = &stored
}

func (r *Replica) bindPending(id canvas.OperationID) {
	if r.pending == nil {
		return
	}
	r.pending.ID = id
	r.pending.UserID = r.userID
	r.operations[id] = r.pending
	if !r.pending.Finalized {
		r.current = id
	}
	r.pending = nil
}

// finalize closes the referenced operation, or the sender's newest live
// operation when the server could not name one.
func (r *Replica) finalize(ended protocol.DrawEnded) {
	var target *canvas.Operation
	if ended.OperationID != nil {
		target = r.operations[*ended.OperationID]
	} else {
		for _, operation := range r.operations {
			if operation.UserID != ended.UserID || operation.Finalized {
				continue
			}
			if target == nil || operation.ID > target.ID {
				target = operation
			}
		}
	}
	if target != nil {
		target.Finalized = true
	}
	if ended.UserID == r.userID {
		r.current = 0
	}
}

func (r *Replica) upsertUser(user rooms.User) {
	for index := range r.users {
		if r.users[index].ID == user.ID {
			r.users[index] = user
			return
		}
	}
	r.users = append(r.users, user)
}

func (r *Replica) removeUser(userID canvas.UserID) {
	for index := range r.users {
		if r.users[index].ID == userID {
			r.users = append(r.users[:index], r.users[index+1:]...)
			break
		}
	}
	delete(r.cursors, userID)
}

func (r *Replica) sorted(include func(*canvas.Operation) bool) []canvas.Operation {
	operations := make([]canvas.Operation, 0, len(r.operations))
	for _, operation := range r.operations {
		if include(operation) {
			operations = append(operations, copyOperation(operation))
		}
	}
	sort.Slice(operations, func(i, j int) bool { return operations[i].ID < operations[j].ID })
	return operations
}

func copyOperation(operation *canvas.Operation) canvas.Operation {
	copied := *operation
	copied.Points = append([]canvas.Point(nil), operation.Points...)
	return copied
}
