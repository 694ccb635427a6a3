package server

import (
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/protocol"
	"go.uber.org/zap"
)

const defaultHubBufferSize = 256

// ErrAlreadyConnected indicates a user id that already owns a live connection.
var ErrAlreadyConnected = errors.New("server: user already connected")

// ConnectionHub routes encoded frames to connected participants by user id.
type ConnectionHub struct {
	mu          sync.RWMutex
	connections map[canvas.UserID]*hubConnection
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type hubConnection struct {
	id     int64
	userID canvas.UserID
	stream chan []byte
}

// NewConnectionHub constructs a hub whose per-connection buffers hold bufferSize frames.
func NewConnectionHub(bufferSize int, logger *zap.Logger) *ConnectionHub {
	if bufferSize <= 0 {
		bufferSize = defaultHubBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionHub{
		connections: make(map[canvas.UserID]*hubConnection),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Register claims the user id for a new connection and returns its outbound
// stream plus a release function.
func (h *ConnectionHub) Register(userID canvas.UserID) (<-chan []byte, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.connections[userID]; exists {
		return nil, nil, ErrAlreadyConnected
	}
	h.nextID++
	connection := &hubConnection{
		id:     h.nextID,
		userID: userID,
		stream: make(chan []byte, h.bufferSize),
	}
	h.connections[userID] = connection

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.unregister(userID, connection.id)
		})
	}
	return connection.stream, release, nil
}

// Connected reports whether the user id owns a live connection.
func (h *ConnectionHub) Connected(userID canvas.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[userID]
	return ok
}

// Deliver enqueues the frame for each recipient without blocking. Frames
// for a full buffer are dropped; the periodic snapshot repairs the gap.
func (h *ConnectionHub) Deliver(recipients []canvas.UserID, frame protocol.Frame) {
	h.mu.RLock()
	targets := make([]*hubConnection, 0, len(recipients))
	for _, userID := range recipients {
		if connection, ok := h.connections[userID]; ok {
			targets = append(targets, connection)
		}
	}
	h.mu.RUnlock()

	for _, connection := range targets {
		select {
		case connection.stream <- frame.Bytes:
		default:
			h.logger.Warn("dropped frame for slow connection",
				zap.String("event", string(frame.Event)),
				zap.String("user_id", connection.userID.String()))
		}
	}
}

func (h *ConnectionHub) unregister(userID canvas.UserID, connectionID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if connection, ok := h.connections[userID]; ok && connection.id == connectionID {
		delete(h.connections, userID)
	}
}
