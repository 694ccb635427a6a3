package rooms

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
)

const (
	// DefaultRoomID is used when a participant joins without naming a room.
	DefaultRoomID RoomID = "default"

	maxRoomIDLength       = 190
	defaultUsernamePrefix = "User-"
	usernameIDPrefixLen   = 6
)

// ErrInvalidRoomID indicates that a room identifier exceeds storage bounds.
var ErrInvalidRoomID = errors.New("rooms: invalid room id")

// RoomID names a collaboration space.
type RoomID string

// NewRoomID validates raw input and returns a RoomID, falling back to DefaultRoomID when empty.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return DefaultRoomID, nil
	}
	if len(trimmed) > maxRoomIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxRoomIDLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// Color is a CSS hex color assigned to a participant.
type Color string

// DefaultPalette is the fixed round-robin palette for participant colors.
var DefaultPalette = []Color{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
}

// User is a participant of a room.
type User struct {
	ID       canvas.UserID `json:"id"`
	Username string        `json:"username"`
	Color    Color         `json:"color"`
}

// DefaultUsername derives the placeholder display name for a user id.
func DefaultUsername(userID canvas.UserID) string {
	prefix := userID.String()
	if len(prefix) > usernameIDPrefixLen {
		prefix = prefix[:usernameIDPrefixLen]
	}
	return defaultUsernamePrefix + prefix
}

type membership struct {
	order []canvas.UserID
	users map[canvas.UserID]User
}

// Registry tracks room membership and the process-wide color table.
// Colors are keyed by user id, not by room, so a returning id keeps its color.
type Registry struct {
	mu        sync.Mutex
	palette   []Color
	colors    map[canvas.UserID]Color
	nextColor int
	rooms     map[RoomID]*membership
}

// NewRegistry constructs a registry over the provided palette, or DefaultPalette when none is given.
func NewRegistry(palette ...Color) *Registry {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return &Registry{
		palette: append([]Color(nil), palette...),
		colors:  make(map[canvas.UserID]Color),
		rooms:   make(map[RoomID]*membership),
	}
}

// Join adds the user to the room, creating the room when absent, and
// returns the stored record with its color populated. Joining again
// refreshes the username without changing the join order.
func (r *Registry) Join(roomID RoomID, user User) User {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = &membership{users: make(map[canvas.UserID]User)}
		r.rooms[roomID] = room
	}

	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" {
		user.Username = DefaultUsername(user.ID)
	}
	user.Color = r.assignColor(user.ID)

	if _, exists := room.users[user.ID]; !exists {
		room.order = append(room.order, user.ID)
	}
	room.users[user.ID] = user
	return user
}

// Leave removes the user from the room. The room itself and the user's color are kept.
func (r *Registry) Leave(roomID RoomID, userID canvas.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, exists := room.users[userID]; !exists {
		return
	}
	delete(room.users, userID)
	for index, memberID := range room.order {
		if memberID == userID {
			room.order = append(room.order[:index], room.order[index+1:]...)
			break
		}
	}
}

// Users returns the room's members in join order.
func (r *Registry) Users(roomID RoomID) []User {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return []User{}
	}
	users := make([]User, 0, len(room.order))
	for _, userID := range room.order {
		users = append(users, room.users[userID])
	}
	return users
}

// User returns a single member record.
func (r *Registry) User(roomID RoomID, userID canvas.UserID) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return User{}, false
	}
	user, ok := room.users[userID]
	return user, ok
}

// ColorFor returns the memoized color of the user, or the first palette color when none was assigned.
func (r *Registry) ColorFor(userID canvas.UserID) Color {
	r.mu.Lock()
	defer r.mu.Unlock()

	if color, ok := r.colors[userID]; ok {
		return color
	}
	return r.palette[0]
}

// Rooms lists known rooms, empty ones included, sorted by id.
func (r *Registry) Rooms() []RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Evict forgets an empty room. Rooms with members are kept and false is returned.
func (r *Registry) Evict(roomID RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if len(room.users) > 0 {
		return false
	}
	delete(r.rooms, roomID)
	return true
}

func (r *Registry) assignColor(userID canvas.UserID) Color {
	if color, ok := r.colors[userID]; ok {
		return color
	}
	color := r.palette[r.nextColor%len(r.palette)]
	r.nextColor++
	r.colors[userID] = color
	return color
}
