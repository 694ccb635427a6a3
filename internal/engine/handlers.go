package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/activity"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/protocol"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
	"go.uber.org/zap"
)

const (
	messageNothingToUndo = "No operation to undo"
	messageNothingToRedo = "No operation to redo"
)

// Handle applies one inbound event for the session. A returned error means
// the event was rejected; the sender has already been told why.
func (e *Engine) Handle(ctx context.Context, session *Session, message protocol.Inbound) error {
	if session == nil || message == nil {
		return ErrUnsupportedEvent
	}
	if err := protocol.Validate(message); err != nil {
		e.Reject(session, message.Event(), err)
		return err
	}

	var err error
	switch typed := message.(type) {
	case protocol.JoinRoom:
		err = e.join(ctx, session, typed)
	case protocol.DrawStart:
		err = e.drawStart(ctx, session, typed)
	case protocol.DrawPoint:
		err = e.drawPoint(session, typed)
	case protocol.DrawEnd:
		err = e.drawEnd(ctx, session)
	case protocol.CursorMove:
		err = e.cursorMove(session, typed)
	case protocol.Undo:
		err = e.undo(ctx, session)
	case protocol.Redo:
		err = e.redo(ctx, session)
	case protocol.ClearCanvas:
		err = e.clearCanvas(ctx, session)
	case protocol.RequestFullState:
		err = e.requestFullState(session)
	default:
		err = fmt.Errorf("%w: %T", ErrUnsupportedEvent, message)
	}
	if err != nil {
		e.Reject(session, message.Event(), err)
	}
	return err
}

func (e *Engine) join(ctx context.Context, session *Session, message protocol.JoinRoom) error {
	roomID, err := rooms.NewRoomID(message.RoomID)
	if err != nil {
		return err
	}
	if session.joined && session.roomID != roomID {
		e.leave(ctx, session)
	}

	current := e.acquire(roomID)
	user := e.registry.Join(roomID, rooms.User{ID: session.userID, Username: message.Username})
	session.roomID = roomID
	session.joined = true
	current.emptySince = time.Time{}

	ticket := e.issueTicket(session.userID)
	self := []canvas.UserID{session.userID}
	members := e.members(roomID)
	state := e.snapshot(current)

	e.send(self, protocol.EventSession, protocol.Session{
		UserID:   user.ID,
		RoomID:   roomID,
		Username: user.Username,
		Color:    user.Color,
		Ticket:   ticket,
	})
	e.send(self, protocol.EventCanvasState, state)
	e.send(others(members, session.userID), protocol.EventUserJoined, user)
	e.send(members, protocol.EventUsersUpdated, state.Users)
	current.mu.Unlock()

	e.logger.Debug("user joined room",
		zap.String("room_id", roomID.String()),
		zap.String("user_id", session.userID.String()))
	e.record(ctx, []activity.Entry{{
		RoomID:   roomID,
		UserID:   session.userID,
		Username: user.Username,
		Kind:     activity.KindJoined,
	}})
	return nil
}

func (e *Engine) leave(ctx context.Context, session *Session) {
	roomID := session.roomID
	current := e.acquire(roomID)
	username := e.username(roomID, session.userID)
	entries := e.finalizeLive(current, session.userID, username)

	e.registry.Leave(roomID, session.userID)
	members := e.members(roomID)
	if len(members) == 0 {
		current.emptySince = e.clock()
	}
	e.send(members, protocol.EventUserLeft, protocol.UserLeft{UserID: session.userID})
	e.send(members, protocol.EventUsersUpdated, e.registry.Users(roomID))
	current.mu.Unlock()

	session.joined = false
	session.roomID = ""

	e.logger.Debug("user left room",
		zap.String("room_id", roomID.String()),
		zap.String("user_id", session.userID.String()))
	entries = append(entries, activity.Entry{
		RoomID:   roomID,
		UserID:   session.userID,
		Username: username,
		Kind:     activity.KindLeft,
	})
	e.record(ctx, entries)
}

// finalizeLive closes every live stroke of the user and relays each close
// to the other members. The room lock must be held.
func (e *Engine) finalizeLive(current *room, userID canvas.UserID, username string) []activity.Entry {
	var entries []activity.Entry
	recipients := others(e.members(current.id), userID)
	for len(current.log.Live(userID)) > 0 {
		operation, err := current.log.Finalize(userID)
		if err != nil {
			break
		}
		operationID := operation.ID
		e.send(recipients, protocol.EventDrawEnd, protocol.DrawEnded{OperationID: &operationID, UserID: userID})
		entries = append(entries, activity.Entry{
			RoomID:      current.id,
			UserID:      userID,
			Username:    username,
			Kind:        activity.KindStrokeFinalized,
			OperationID: operation.ID,
		})
	}
	return entries
}

func (e *Engine) drawStart(ctx context.Context, session *Session, message protocol.DrawStart) error {
	if !session.joined {
		return ErrNotJoined
	}
	operationType, err := canvas.ParseOperationType(message.Type)
	if err != nil {
		return err
	}
	timestamp := message.Timestamp
	if timestamp <= 0 {
		timestamp = e.clock().UTC().UnixMilli()
	}
	stroke := canvas.Stroke{
		UserID:    session.userID,
		Type:      operationType,
		Color:     message.Color,
		LineWidth: message.LineWidth,
		Points:    message.InitialPoints(),
		Timestamp: timestamp,
	}
	// A rejected stroke must leave the sender's live stroke open.
	if err := stroke.Validate(); err != nil {
		return err
	}

	current := e.acquire(session.roomID)
	username := e.username(session.roomID, session.userID)
	entries := e.finalizeLive(current, session.userID, username)
	operation, err := current.log.Create(stroke)
	if err != nil {
		current.mu.Unlock()
		e.record(ctx, entries)
		return err
	}
	e.send([]canvas.UserID{session.userID}, protocol.EventDrawStartAck, protocol.DrawStartAck{OperationID: operation.ID})
	e.send(others(e.members(session.roomID), session.userID), protocol.EventDrawStart, operation)
	current.mu.Unlock()

	e.record(ctx, entries)
	return nil
}

func (e *Engine) drawPoint(session *Session, message protocol.DrawPoint) error {
	if !session.joined {
		return ErrNotJoined
	}
	current := e.acquire(session.roomID)
	defer current.mu.Unlock()

	operation, err := current.log.AppendPoint(session.userID, *message.Point)
	if errors.Is(err, canvas.ErrNoLiveOperation) {
		e.logger.Debug("draw point without live operation",
			zap.String("room_id", session.roomID.String()),
			zap.String("user_id", session.userID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	e.send(others(e.members(session.roomID), session.userID), protocol.EventDrawPoint, protocol.PointAppended{
		OperationID: operation.ID,
		Point:       *message.Point,
		UserID:      session.userID,
	})
	return nil
}

func (e *Engine) drawEnd(ctx context.Context, session *Session) error {
	if !session.joined {
		return ErrNotJoined
	}
	current := e.acquire(session.roomID)
	recipients := others(e.members(session.roomID), session.userID)

	operation, err := current.log.Finalize(session.userID)
	if errors.Is(err, canvas.ErrNoLiveOperation) {
		e.send(recipients, protocol.EventDrawEnd, protocol.DrawEnded{UserID: session.userID})
		current.mu.Unlock()
		e.logger.Debug("draw end without live operation",
			zap.String("room_id", session.roomID.String()),
			zap.String("user_id", session.userID.String()))
		return nil
	}
	if err != nil {
		current.mu.Unlock()
		return err
	}
	operationID := operation.ID
	e.send(recipients, protocol.EventDrawEnd, protocol.DrawEnded{OperationID: &operationID, UserID: session.userID})
	username := e.username(session.roomID, session.userID)
	current.mu.Unlock()

	e.record(ctx, []activity.Entry{{
		RoomID:      session.roomID,
		UserID:      session.userID,
		Username:    username,
		Kind:        activity.KindStrokeFinalized,
		OperationID: operation.ID,
	}})
	return nil
}

func (e *Engine) cursorMove(session *Session, message protocol.CursorMove) error {
	if !session.joined {
		return ErrNotJoined
	}
	if !session.cursorLimiter.AllowN(e.clock(), 1) {
		return nil
	}
	current := e.acquire(session.roomID)
	defer current.mu.Unlock()

	e.send(others(e.members(session.roomID), session.userID), protocol.EventCursorMove, protocol.CursorMoved{
		UserID:   session.userID,
		Position: *message.Position,
	})
	return nil
}

func (e *Engine) undo(ctx context.Context, session *Session) error {
	return e.history(ctx, session, historyAction{
		apply:        (*canvas.Log).Undo,
		notice:       protocol.EventUndoOperation,
		failure:      protocol.EventUndoFailed,
		failureText:  messageNothingToUndo,
		activityKind: activity.KindUndo,
	})
}

func (e *Engine) redo(ctx context.Context, session *Session) error {
	return e.history(ctx, session, historyAction{
		apply:        (*canvas.Log).Redo,
		notice:       protocol.EventRedoOperation,
		failure:      protocol.EventRedoFailed,
		failureText:  messageNothingToRedo,
		activityKind: activity.KindRedo,
	})
}

type historyAction struct {
	apply        func(*canvas.Log, canvas.UserID) (canvas.Operation, error)
	notice       protocol.Event
	failure      protocol.Event
	failureText  string
	activityKind activity.Kind
}

// history runs an undo or redo. Success broadcasts the full snapshot
// before the notice; an ineligible action is reported to the sender only.
func (e *Engine) history(ctx context.Context, session *Session, action historyAction) error {
	if !session.joined {
		return ErrNotJoined
	}
	current := e.acquire(session.roomID)
	operation, err := action.apply(current.log, session.userID)
	if err != nil {
		e.send([]canvas.UserID{session.userID}, action.failure, protocol.ActionFailed{Message: action.failureText})
		current.mu.Unlock()
		return nil
	}
	username := e.username(session.roomID, session.userID)
	members := e.members(session.roomID)
	e.send(members, protocol.EventCanvasState, e.snapshot(current))
	e.send(members, action.notice, protocol.HistoryNotice{
		OperationID: operation.ID,
		UserID:      session.userID,
		Username:    username,
	})
	current.mu.Unlock()

	e.record(ctx, []activity.Entry{{
		RoomID:      session.roomID,
		UserID:      session.userID,
		Username:    username,
		Kind:        action.activityKind,
		OperationID: operation.ID,
	}})
	return nil
}

func (e *Engine) clearCanvas(ctx context.Context, session *Session) error {
	if !session.joined {
		return ErrNotJoined
	}
	current := e.acquire(session.roomID)
	current.log.Clear()
	username := e.username(session.roomID, session.userID)
	members := e.members(session.roomID)
	e.send(members, protocol.EventCanvasCleared, protocol.CanvasCleared{UserID: session.userID, Username: username})
	e.send(members, protocol.EventCanvasState, e.snapshot(current))
	current.mu.Unlock()

	e.record(ctx, []activity.Entry{{
		RoomID:   session.roomID,
		UserID:   session.userID,
		Username: username,
		Kind:     activity.KindCleared,
	}})
	return nil
}

func (e *Engine) requestFullState(session *Session) error {
	if !session.joined {
		return ErrNotJoined
	}
	current := e.acquire(session.roomID)
	defer current.mu.Unlock()

	e.send([]canvas.UserID{session.userID}, protocol.EventCanvasState, e.snapshot(current))
	return nil
}

func (e *Engine) issueTicket(userID canvas.UserID) string {
	if e.tickets == nil {
		return ""
	}
	ticket, err := e.tickets.IssueTicket(userID)
	if err != nil {
		e.logger.Warn("ticket issuance failed", zap.String("user_id", userID.String()), zap.Error(err))
		return ""
	}
	return ticket
}
