package rooms

import (
	"errors"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/canvas"
)

func TestJoinAssignsPaletteRoundRobin(t *testing.T) {
	registry := NewRegistry()
	for index := 0; index < len(DefaultPalette)+2; index++ {
		userID := canvas.UserID("user-" + string(rune('a'+index)))
		user := registry.Join("room", User{ID: userID, Username: "u"})
		expected := DefaultPalette[index%len(DefaultPalette)]
		if user.Color != expected {
			t.Fatalf("expected color %s for user %d, got %s", expected, index, user.Color)
		}
	}
}

func TestColorIsKeyedByUserAcrossRooms(t *testing.T) {
	registry := NewRegistry()
	first := registry.Join("room-1", User{ID: "alice"})
	registry.Join("room-1", User{ID: "bob"})
	registry.Leave("room-1", "alice")

	rejoined := registry.Join("room-2", User{ID: "alice"})
	if rejoined.Color != first.Color {
		t.Fatalf("expected color %s to be reused, got %s", first.Color, rejoined.Color)
	}
	if registry.ColorFor("alice") != first.Color {
		t.Fatalf("expected ColorFor to return memoized color")
	}
	if registry.ColorFor("stranger") != DefaultPalette[0] {
		t.Fatalf("expected fallback to first palette color")
	}
}

func TestUsersPreserveJoinOrder(t *testing.T) {
	registry := NewRegistry()
	registry.Join("room", User{ID: "c"})
	registry.Join("room", User{ID: "a"})
	registry.Join("room", User{ID: "b"})
	registry.Join("room", User{ID: "a", Username: "renamed"})
	registry.Leave("room", "c")

	users := registry.Users("room")
	if len(users) != 2 || users[0].ID != "a" || users[1].ID != "b" {
		t.Fatalf("unexpected membership order: %+v", users)
	}
	if users[0].Username != "renamed" {
		t.Fatalf("expected rejoin to refresh username, got %q", users[0].Username)
	}
}

func TestUsersForUnknownRoomIsEmpty(t *testing.T) {
	registry := NewRegistry()
	users := registry.Users("missing")
	if users == nil || len(users) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", users)
	}
}

func TestJoinDefaultsUsername(t *testing.T) {
	registry := NewRegistry()
	user := registry.Join("room", User{ID: "0123456789", Username: "   "})
	if user.Username != "User-012345" {
		t.Fatalf("expected generated username, got %q", user.Username)
	}
	short := registry.Join("room", User{ID: "abc"})
	if short.Username != "User-abc" {
		t.Fatalf("expected generated username for short id, got %q", short.Username)
	}
}

func TestLeaveKeepsRoomUntilEvicted(t *testing.T) {
	registry := NewRegistry()
	registry.Join("room", User{ID: "alice"})
	if registry.Evict("room") {
		t.Fatalf("occupied room must not be evicted")
	}
	registry.Leave("room", "alice")
	if rooms := registry.Rooms(); len(rooms) != 1 || rooms[0] != "room" {
		t.Fatalf("expected emptied room to be kept, got %v", rooms)
	}
	if !registry.Evict("room") {
		t.Fatalf("expected empty room to be evicted")
	}
	if len(registry.Rooms()) != 0 {
		t.Fatalf("expected no rooms after eviction")
	}
}

func TestNewRoomID(t *testing.T) {
	roomID, err := NewRoomID("  ")
	if err != nil || roomID != DefaultRoomID {
		t.Fatalf("expected default room, got %q (%v)", roomID, err)
	}
	roomID, err = NewRoomID(" studio ")
	if err != nil || roomID != "studio" {
		t.Fatalf("expected trimmed room id, got %q (%v)", roomID, err)
	}
	if _, err := NewRoomID(strings.Repeat("r", maxRoomIDLength+1)); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected ErrInvalidRoomID, got %v", err)
	}
}
