package room

import (
	"sync"

	"github.com/Bashar444/liveclass-signaling/internals/media"
	"go.uber.org/zap"
)

// Registry is the process-wide table of active rooms. It is an injected
// dependency, not a package-level singleton, so tests can run independent
// registries side by side. The registry mutex guards only the table; all
// room state is behind each room's own mutex.
type Registry struct {
	engine media.Engine
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*Room

	// Observability hooks; never block room lifecycle.
	OnRoomCreated func(*Room)
	OnRoomClosed  func(*Room)
}

func NewRegistry(engine media.Engine, logger *zap.Logger) *Registry {
	return &Registry{
		engine: engine,
		logger: logger,
		rooms:  make(map[string]*Room),
	}
}

// GetOrCreate returns the live room for roomID, creating it with an empty
// peer set and no routing context if absent. Idempotent and safe to race
// with teardown: a room that empties concurrently flags itself unavailable,
// removes itself from the table, and the next call here makes a fresh one.
func (reg *Registry) GetOrCreate(roomID string) *Room {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if ok {
		return r
	}

	reg.mu.Lock()
	if r, ok = reg.rooms[roomID]; ok {
		reg.mu.Unlock()
		return r
	}
	r = newRoom(roomID, reg.engine, reg.logger)
	r.onEmpty = reg.dropIfCurrent
	reg.rooms[roomID] = r
	reg.mu.Unlock()

	reg.logger.Info("Room created", zap.String("roomID", roomID))
	if reg.OnRoomCreated != nil {
		reg.OnRoomCreated(r)
	}
	return r
}

// Get returns the room for roomID without creating it.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// RemovePeer removes a peer from a room, tearing the room down if it was the
// last one. Safe to call concurrently with GetOrCreate for the same roomID.
func (reg *Registry) RemovePeer(roomID, peerID string) bool {
	r, ok := reg.Get(roomID)
	if !ok {
		return false
	}
	removed, _ := r.RemovePeer(peerID)
	return removed
}

// dropIfCurrent removes an emptied room from the table, unless a fresh room
// already replaced it under the same id.
func (reg *Registry) dropIfCurrent(r *Room) {
	reg.mu.Lock()
	if cur, ok := reg.rooms[r.ID]; ok && cur == r {
		delete(reg.rooms, r.ID)
	}
	reg.mu.Unlock()

	reg.logger.Info("Room removed", zap.String("roomID", r.ID))
	if reg.OnRoomClosed != nil {
		reg.OnRoomClosed(r)
	}
}

func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Rooms returns a snapshot of the active rooms.
func (reg *Registry) Rooms() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// PeerCount sums peers across every room.
func (reg *Registry) PeerCount() int {
	total := 0
	for _, r := range reg.Rooms() {
		total += r.PeerCount()
	}
	return total
}
