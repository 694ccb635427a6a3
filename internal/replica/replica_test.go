package replica

import (
	"errors"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/protocol"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
)

func mustEnvelope(t *testing.T, event protocol.Event, payload any) protocol.Envelope {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	envelope, err := protocol.DecodeEnvelope(frame.Bytes)
	if err != nil {
		t.Fatalf("decode %s: %v", event, err)
	}
	return envelope
}

func mustApply(t *testing.T, mirror *Replica, event protocol.Event, payload any) {
	t.Helper()
	if err := mirror.Apply(mustEnvelope(t, event, payload)); err != nil {
		t.Fatalf("apply %s: %v", event, err)
	}
}

func joinedReplica(t *testing.T, userID canvas.UserID) *Replica {
	t.Helper()
	mirror := New()
	mustApply(t, mirror, protocol.EventSession, protocol.Session{UserID: userID, RoomID: "r"})
	return mirror
}

func finalized(id canvas.OperationID, userID canvas.UserID, undone bool) canvas.Operation {
	return canvas.Operation{
		ID:        id,
		Type:      canvas.OperationTypeBrush,
		UserID:    userID,
		Color:     "#000000",
		LineWidth: 2,
		Points:    []canvas.Point{{X: 1, Y: 1}, {X: 2, Y: 2}},
		Finalized: true,
		Undone:    undone,
	}
}

func sampleState() protocol.CanvasState {
	return protocol.CanvasState{
		Operations: []canvas.Operation{finalized(1, "alice", false), finalized(2, "bob", true)},
		Users: []rooms.User{
			{ID: "alice", Username: "Alice", Color: "#FF6B6B"},
			{ID: "bob", Username: "Bob", Color: "#4ECDC4"},
		},
	}
}

func TestSnapshotIsIdempotent(t *testing.T) {
	mirror := New()
	state := sampleState()

	mirror.ApplySnapshot(state)
	firstOperations := mirror.Operations()
	firstUsers := mirror.Users()

	mirror.ApplySnapshot(state)
	if !reflect.DeepEqual(firstOperations, mirror.Operations()) {
		t.Fatalf("expected identical operations after reapplying snapshot")
	}
	if !reflect.DeepEqual(firstUsers, mirror.Users()) {
		t.Fatalf("expected identical users after reapplying snapshot")
	}
	if !reflect.DeepEqual(firstOperations, state.Operations) {
		t.Fatalf("expected mirror to equal snapshot, got %+v", firstOperations)
	}
}

func TestSnapshotPrunesMissingFinalizedOperations(t *testing.T) {
	mirror := joinedReplica(t, "carol")
	mirror.ApplySnapshot(protocol.CanvasState{Operations: []canvas.Operation{finalized(1, "alice", false), finalized(7, "alice", false)}})
	mustApply(t, mirror, protocol.EventDrawStart, canvas.Operation{
		ID: 8, Type: canvas.OperationTypeBrush, UserID: "bob", Points: []canvas.Point{{X: 0, Y: 0}},
	})

	mirror.ApplySnapshot(sampleState())

	ids := make([]canvas.OperationID, 0)
	for _, operation := range mirror.Operations() {
		ids = append(ids, operation.ID)
	}
	if !reflect.DeepEqual(ids, []canvas.OperationID{1, 2, 8}) {
		t.Fatalf("expected stale finalized operation pruned and live one kept, got %v", ids)
	}
	rendered := mirror.Rendered()
	if len(rendered) != 1 || rendered[0].ID != 1 {
		t.Fatalf("expected only operation 1 rendered, got %+v", rendered)
	}
}

func TestUnknownOperationsSignalDesync(t *testing.T) {
	mirror := joinedReplica(t, "carol")

	err := mirror.Apply(mustEnvelope(t, protocol.EventUndoOperation, protocol.HistoryNotice{OperationID: 2, UserID: "bob"}))
	if !errors.Is(err, ErrDesync) {
		t.Fatalf("expected ErrDesync for undo, got %v", err)
	}
	err = mirror.Apply(mustEnvelope(t, protocol.EventRedoOperation, protocol.HistoryNotice{OperationID: 2, UserID: "bob"}))
	if !errors.Is(err, ErrDesync) {
		t.Fatalf("expected ErrDesync for redo, got %v", err)
	}
	err = mirror.Apply(mustEnvelope(t, protocol.EventDrawPoint, protocol.PointAppended{OperationID: 5, UserID: "bob"}))
	if !errors.Is(err, ErrDesync) {
		t.Fatalf("expected ErrDesync for draw-point, got %v", err)
	}

	mustApply(t, mirror, protocol.EventCanvasState, sampleState())
	mustApply(t, mirror, protocol.EventRedoOperation, protocol.HistoryNotice{OperationID: 2, UserID: "bob"})
	operation, ok := mirror.Operation(2)
	if !ok || operation.Undone {
		t.Fatalf("expected redo to apply after resync, got %+v", operation)
	}
}

func TestLocalStrokeBindsToAck(t *testing.T) {
	mirror := joinedReplica(t, "alice")

	if err := mirror.AppendLocal(canvas.Point{X: 1, Y: 1}); !errors.Is(err, ErrNoStroke) {
		t.Fatalf("expected ErrNoStroke, got %v", err)
	}
	if err := mirror.BeginStroke(protocol.DrawStart{Type: "eraser", LineWidth: 9, Point: &canvas.Point{X: 0, Y: 0}}); err != nil {
		t.Fatalf("begin stroke: %v", err)
	}
	if err := mirror.AppendLocal(canvas.Point{X: 1, Y: 1}); err != nil {
		t.Fatalf("append to pending stroke: %v", err)
	}
	mustApply(t, mirror, protocol.EventDrawStartAck, protocol.DrawStartAck{OperationID: 3})
	if err := mirror.AppendLocal(canvas.Point{X: 2, Y: 2}); err != nil {
		t.Fatalf("append to bound stroke: %v", err)
	}
	if err := mirror.EndLocal(); err != nil {
		t.Fatalf("end stroke: %v", err)
	}

	operation, ok := mirror.Operation(3)
	if !ok {
		t.Fatalf("expected operation 3 to be bound")
	}
	if operation.UserID != "alice" || operation.Type != canvas.OperationTypeEraser || len(operation.Points) != 3 || !operation.Finalized {
		t.Fatalf("unexpected bound operation %+v", operation)
	}
	if err := mirror.EndLocal(); !errors.Is(err, ErrNoStroke) {
		t.Fatalf("expected second end to fail, got %v", err)
	}
}

func TestRemoteStrokeLifecycle(t *testing.T) {
	mirror := joinedReplica(t, "alice")
	mustApply(t, mirror, protocol.EventDrawStart, canvas.Operation{
		ID: 1, Type: canvas.OperationTypeBrush, UserID: "bob", Points: []canvas.Point{{X: 0, Y: 0}},
	})
	mustApply(t, mirror, protocol.EventDrawPoint, protocol.PointAppended{OperationID: 1, UserID: "bob", Point: canvas.Point{X: 4, Y: 4}})
	operationID := canvas.OperationID(1)
	mustApply(t, mirror, protocol.EventDrawEnd, protocol.DrawEnded{OperationID: &operationID, UserID: "bob"})

	operation, _ := mirror.Operation(1)
	if !operation.Finalized || len(operation.Points) != 2 {
		t.Fatalf("unexpected remote operation %+v", operation)
	}

	mustApply(t, mirror, protocol.EventUndoOperation, protocol.HistoryNotice{OperationID: 1, UserID: "bob"})
	if len(mirror.Rendered()) != 0 {
		t.Fatalf("expected undone operation to be hidden")
	}
}

func TestOwnDrawStartIsIgnored(t *testing.T) {
	mirror := joinedReplica(t, "alice")
	mustApply(t, mirror, protocol.EventDrawStart, canvas.Operation{
		ID: 1, Type: canvas.OperationTypeBrush, UserID: "alice", Points: []canvas.Point{{X: 0, Y: 0}},
	})
	if len(mirror.Operations()) != 0 {
		t.Fatalf("expected own relayed stroke to be ignored")
	}
}

func TestDrawEndWithoutIDFinalizesNewestLiveStroke(t *testing.T) {
	mirror := joinedReplica(t, "alice")
	for _, id := range []canvas.OperationID{1, 2} {
		mustApply(t, mirror, protocol.EventDrawStart, canvas.Operation{
			ID: id, Type: canvas.OperationTypeBrush, UserID: "bob", Points: []canvas.Point{{X: 0, Y: 0}},
		})
	}

	mustApply(t, mirror, protocol.EventDrawEnd, protocol.DrawEnded{UserID: "bob"})

	older, _ := mirror.Operation(1)
	newer, _ := mirror.Operation(2)
	if older.Finalized || !newer.Finalized {
		t.Fatalf("expected only the newest live stroke finalized, got %+v / %+v", older, newer)
	}
}

func TestMembershipEvents(t *testing.T) {
	mirror := joinedReplica(t, "alice")
	mustApply(t, mirror, protocol.EventUsersUpdated, []rooms.User{{ID: "alice"}})
	mustApply(t, mirror, protocol.EventUserJoined, rooms.User{ID: "bob", Username: "Bob"})
	mustApply(t, mirror, protocol.EventCursorMove, protocol.CursorMoved{UserID: "bob", Position: canvas.Point{X: 3, Y: 4}})

	if position, ok := mirror.Cursor("bob"); !ok || position.X != 3 {
		t.Fatalf("expected bob's cursor to be tracked")
	}
	if users := mirror.Users(); len(users) != 2 || users[1].Username != "Bob" {
		t.Fatalf("unexpected users %+v", users)
	}

	mustApply(t, mirror, protocol.EventUserLeft, protocol.UserLeft{UserID: "bob"})
	if users := mirror.Users(); len(users) != 1 {
		t.Fatalf("expected bob removed, got %+v", users)
	}
	if _, ok := mirror.Cursor("bob"); ok {
		t.Fatalf("expected bob's cursor removed")
	}
}

func TestCanvasClearedAndRoomChange(t *testing.T) {
	mirror := joinedReplica(t, "alice")
	mirror.ApplySnapshot(sampleState())

	mustApply(t, mirror, protocol.EventCanvasCleared, protocol.CanvasCleared{UserID: "bob"})
	if len(mirror.Operations()) != 0 {
		t.Fatalf("expected clear to drop operations")
	}

	mirror.ApplySnapshot(sampleState())
	mustApply(t, mirror, protocol.EventSession, protocol.Session{UserID: "alice", RoomID: "other"})
	if len(mirror.Operations()) != 0 || len(mirror.Users()) != 0 {
		t.Fatalf("expected room change to reset the mirror")
	}
	if mirror.RoomID() != "other" || mirror.UserID() != "alice" {
		t.Fatalf("unexpected identity %s/%s", mirror.RoomID(), mirror.UserID())
	}
}

func TestErrorFramesSurfaceRejection(t *testing.T) {
	mirror := New()
	err := mirror.Apply(mustEnvelope(t, protocol.EventError, protocol.ErrorNotice{
		Code:    protocol.CodePreconditionFailed,
		Event:   protocol.EventUndo,
		Message: "not joined",
	}))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	err = mirror.Apply(protocol.Envelope{Event: "mystery", Data: []byte(`{}`)})
	if !errors.Is(err, protocol.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}
