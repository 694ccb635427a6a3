package canvas

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the supported drawing gestures.
type OperationType string

const (
	// OperationTypeBrush paints a stroke with the operation color.
	OperationTypeBrush OperationType = "brush"
	// OperationTypeEraser removes whatever lies under the stroke.
	OperationTypeEraser OperationType = "eraser"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOperationType indicates an operation type outside the supported set.
	ErrInvalidOperationType = errors.New("canvas: invalid operation type")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("canvas: invalid user id")
	// ErrEmptyPoints indicates a stroke without an initial point.
	ErrEmptyPoints = errors.New("canvas: stroke requires at least one point")
)

// ParseOperationType validates raw input and returns an OperationType.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationTypeBrush:
		return OperationTypeBrush, nil
	case OperationTypeEraser:
		return OperationTypeEraser, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperationType, rawInput)
	}
}

// UserID is the stable identity of a connected participant.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// OperationID identifies an operation within one room's log.
type OperationID int64

// Int64 exposes the raw identifier.
func (id OperationID) Int64() int64 {
	return int64(id)
}

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Operation is one continuous stroke or erase gesture.
type Operation struct {
	ID        OperationID   `json:"id"`
	Type      OperationType `json:"type"`
	UserID    UserID        `json:"userId"`
	Color     string        `json:"color"`
	LineWidth float64       `json:"lineWidth"`
	Points    []Point       `json:"points"`
	Timestamp int64         `json:"timestamp"`
	Finalized bool          `json:"finalized"`
	Undone    bool          `json:"undone"`
}

func (op *Operation) clone() Operation {
	copied := *op
	copied.Points = make([]Point, len(op.Points))
	copy(copied.Points, op.Points)
	return copied
}

// Stroke carries the inputs required to create an operation.
type Stroke struct {
	UserID    UserID
	Type      OperationType
	Color     string
	LineWidth float64
	Points    []Point
	Timestamp int64
}

// Validate reports whether the stroke can become an operation.
func (s Stroke) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if _, err := ParseOperationType(string(s.Type)); err != nil {
		return err
	}
	if len(s.Points) == 0 {
		return ErrEmptyPoints
	}
	return nil
}
