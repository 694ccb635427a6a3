package canvas

import "errors"

var (
	// ErrNoLiveOperation indicates that the user has no operation accepting points.
	ErrNoLiveOperation = errors.New("canvas: no live operation")
	// ErrNothingToUndo indicates that the user has no finalized operation left to undo.
	ErrNothingToUndo = errors.New("canvas: no operation to undo")
	// ErrNothingToRedo indicates that the user's undo history holds no redoable operation.
	ErrNothingToRedo = errors.New("canvas: no operation to redo")
)

// Log is the ordered record of operations for one room plus per-user
// undo and redo stacks. Operation ids start at 1 and are contiguous, so
// operations[id-1] is the operation with that id.
//
// Log is not safe for concurrent use.
type Log struct {
	operations []*Operation
	nextID     OperationID
	live       map[UserID][]OperationID
	undoStacks map[UserID][]OperationID
	redoStacks map[UserID][]OperationID
}

// NewLog returns an empty log whose first operation id is 1.
func NewLog() *Log {
	log := &Log{}
	log.reset()
	return log
}

func (l *Log) reset() {
	l.operations = nil
	l.nextID = 1
	l.live = make(map[UserID][]OperationID)
	l.undoStacks = make(map[UserID][]OperationID)
	l.redoStacks = make(map[UserID][]OperationID)
}

// Create appends a new live operation for the stroke owner and truncates
// that user's redo history. A user that already has a live operation keeps
// it; only the newest live operation is addressed by AppendPoint and Finalize.
func (l *Log) Create(stroke Stroke) (Operation, error) {
	if err := stroke.Validate(); err != nil {
		return Operation{}, err
	}
	points := make([]Point, len(stroke.Points))
	copy(points, stroke.Points)

	operation := &Operation{
		ID:        l.nextID,
		Type:      stroke.Type,
		UserID:    stroke.UserID,
		Color:     stroke.Color,
		LineWidth: stroke.LineWidth,
		Points:    points,
		Timestamp: stroke.Timestamp,
	}
	l.nextID++
	l.operations = append(l.operations, operation)
	l.live[stroke.UserID] = append(l.live[stroke.UserID], operation.ID)

	// Redo consults the undo stack, so both are the redo history.
	delete(l.undoStacks, stroke.UserID)
	delete(l.redoStacks, stroke.UserID)

	return operation.clone(), nil
}

// AppendPoint adds a point to the user's most recent live operation.
func (l *Log) AppendPoint(userID UserID, point Point) (Operation, error) {
	operation := l.currentLive(userID)
	if operation == nil {
		return Operation{}, ErrNoLiveOperation
	}
	operation.Points = append(operation.Points, point)
	return operation.clone(), nil
}

// Finalize closes the user's most recent live operation.
func (l *Log) Finalize(userID UserID) (Operation, error) {
	operation := l.currentLive(userID)
	if operation == nil {
		return Operation{}, ErrNoLiveOperation
	}
	operation.Finalized = true

	stack := l.live[userID]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(l.live, userID)
	} else {
		l.live[userID] = stack
	}
	return operation.clone(), nil
}

// Undo marks the user's most recent finalized, visible operation as undone.
// Operations owned by other users are never touched.
func (l *Log) Undo(userID UserID) (Operation, error) {
	for index := len(l.operations) - 1; index >= 0; index-- {
		operation := l.operations[index]
		if operation.UserID != userID || !operation.Finalized || operation.Undone {
			continue
		}
		operation.Undone = true
		l.undoStacks[userID] = append(l.undoStacks[userID], operation.ID)
		return operation.clone(), nil
	}
	return Operation{}, ErrNothingToUndo
}

// Redo restores the operation on top of the user's undo stack. The stack
// is only popped once the referenced operation is confirmed eligible.
func (l *Log) Redo(userID UserID) (Operation, error) {
	stack := l.undoStacks[userID]
	if len(stack) == 0 {
		return Operation{}, ErrNothingToRedo
	}
	operation := l.lookup(stack[len(stack)-1])
	if operation == nil || !operation.Undone || operation.UserID != userID {
		return Operation{}, ErrNothingToRedo
	}
	operation.Undone = false

	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(l.undoStacks, userID)
	} else {
		l.undoStacks[userID] = stack
	}
	l.redoStacks[userID] = append(l.redoStacks[userID], operation.ID)
	return operation.clone(), nil
}

// Visible returns every finalized operation in ascending id order,
// undone ones included.
func (l *Log) Visible() []Operation {
	visible := make([]Operation, 0, len(l.operations))
	for _, operation := range l.operations {
		if operation.Finalized {
			visible = append(visible, operation.clone())
		}
	}
	return visible
}

// Get returns the operation with the provided id.
func (l *Log) Get(id OperationID) (Operation, bool) {
	operation := l.lookup(id)
	if operation == nil {
		return Operation{}, false
	}
	return operation.clone(), true
}

// Live returns the ids of the user's live operations, oldest first.
func (l *Log) Live(userID UserID) []OperationID {
	stack := l.live[userID]
	ids := make([]OperationID, len(stack))
	copy(ids, stack)
	return ids
}

// UndoDepth reports how many undone operations the user can still redo.
func (l *Log) UndoDepth(userID UserID) int {
	return len(l.undoStacks[userID])
}

// RedoDepth reports how many redo actions the user has performed since the last stroke.
func (l *Log) RedoDepth(userID UserID) int {
	return len(l.redoStacks[userID])
}

// NextID returns the id the next created operation will receive.
func (l *Log) NextID() OperationID {
	return l.nextID
}

// Len returns the number of operations in the log, live ones included.
func (l *Log) Len() int {
	return len(l.operations)
}

// Clear discards every operation and stack and restarts ids at 1.
func (l *Log) Clear() {
	l.reset()
}

func (l *Log) currentLive(userID UserID) *Operation {
	stack := l.live[userID]
	if len(stack) == 0 {
		return nil
	}
	return l.lookup(stack[len(stack)-1])
}

func (l *Log) lookup(id OperationID) *Operation {
	index := int(id) - 1
	if index < 0 || index >= len(l.operations) {
		return nil
	}
	return l.operations[index]
}
