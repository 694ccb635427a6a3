package activity

import (
	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
)

// Kind enumerates the room events kept in the journal.
type Kind string

const (
	KindJoined          Kind = "joined"
	KindLeft            Kind = "left"
	KindStrokeFinalized Kind = "stroke_finalized"
	KindUndo            Kind = "undo"
	KindRedo            Kind = "redo"
	KindCleared         Kind = "cleared"
)

// Record is one persisted journal row. Records describe what happened in a
// room; they are never replayed into canvas state.
type Record struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index:idx_activity_room_time,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	Username         string `gorm:"column:username;size:320;not null;default:''"`
	Kind             Kind   `gorm:"column:kind;size:32;not null"`
	OperationID      *int64 `gorm:"column:operation_id"`
	RecordedAtMillis int64  `gorm:"column:recorded_at_ms;not null;index:idx_activity_room_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "room_activity"
}

// Entry describes an event to record. A zero OperationID means the event
// does not concern a single operation.
type Entry struct {
	RoomID      rooms.RoomID
	UserID      canvas.UserID
	Username    string
	Kind        Kind
	OperationID canvas.OperationID
}
