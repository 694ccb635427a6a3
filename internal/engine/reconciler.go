package engine

import (
	"context"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/internal/protocol"
	"github.com/MarcoPoloResearchLab/sketchpad/internal/rooms"
	"go.uber.org/zap"
)

// RoomSummary describes one room for listings.
type RoomSummary struct {
	RoomID     rooms.RoomID `json:"roomId"`
	Members    int          `json:"members"`
	Operations int          `json:"operations"`
}

// Reconcile pushes the full snapshot to every member of every occupied
// room and evicts rooms idle for longer than the configured TTL. It
// returns the number of rooms that were synchronized.
func (e *Engine) Reconcile() int {
	synced := 0
	var idle []*room
	for _, current := range e.roomList() {
		current.mu.Lock()
		if current.evicted {
			current.mu.Unlock()
			continue
		}
		members := e.members(current.id)
		if len(members) > 0 {
			e.send(members, protocol.EventCanvasState, e.snapshot(current))
			synced++
		} else if e.idleExpired(current) {
			idle = append(idle, current)
		}
		current.mu.Unlock()
	}
	for _, current := range idle {
		e.evict(current)
	}
	return synced
}

// RunReconciler calls Reconcile every interval until ctx is cancelled.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		e.logger.Warn("reconciler disabled", zap.Duration("interval", interval))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			synced := e.Reconcile()
			e.logger.Debug("reconciled rooms", zap.Int("rooms", synced))
		}
	}
}

// Snapshot returns the full state of a known room.
func (e *Engine) Snapshot(roomID rooms.RoomID) (protocol.CanvasState, bool) {
	current, ok := e.lookup(roomID)
	if !ok {
		return protocol.CanvasState{}, false
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	if current.evicted {
		return protocol.CanvasState{}, false
	}
	return e.snapshot(current), true
}

// Rooms summarizes every room, sorted by id.
func (e *Engine) Rooms() []RoomSummary {
	summaries := make([]RoomSummary, 0)
	for _, current := range e.roomList() {
		current.mu.Lock()
		if !current.evicted {
			summaries = append(summaries, RoomSummary{
				RoomID:     current.id,
				Members:    len(e.registry.Users(current.id)),
				Operations: current.log.Len(),
			})
		}
		current.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].RoomID < summaries[j].RoomID })
	return summaries
}

func (e *Engine) roomList() []*room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := make([]*room, 0, len(e.rooms))
	for _, current := range e.rooms {
		list = append(list, current)
	}
	return list
}

func (e *Engine) idleExpired(current *room) bool {
	if e.idleRoomTTL <= 0 {
		return false
	}
	if current.emptySince.IsZero() {
		current.emptySince = e.clock()
		return false
	}
	return e.clock().Sub(current.emptySince) >= e.idleRoomTTL
}

func (e *Engine) evict(current *room) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current.mu.Lock()
	defer current.mu.Unlock()

	if e.rooms[current.id] != current || current.evicted {
		return
	}
	if len(e.registry.Users(current.id)) > 0 {
		return
	}
	current.evicted = true
	delete(e.rooms, current.id)
	e.registry.Evict(current.id)
	e.logger.Info("evicted idle room", zap.String("room_id", current.id.String()))
}
