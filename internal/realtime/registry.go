package realtime

import "sync"

// RoomRegistry tracks room membership in both directions. Membership is
// per-process state; a deployment with several instances needs a shared
// implementation behind the same interface.
type RoomRegistry interface {
	Join(room, sessionID string)
	Leave(room, sessionID string) bool
	LeaveAll(sessionID string) []string
	Members(room string) []string
	Rooms(sessionID string) []string
}

// MemoryRegistry is the process-local RoomRegistry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]struct{} // room -> sessions
	sessions map[string]map[string]struct{} // session -> rooms
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		rooms:    make(map[string]map[string]struct{}),
		sessions: make(map[string]map[string]struct{}),
	}
}

func (r *MemoryRegistry) Join(room, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]struct{})
	}
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[string]struct{})
	}
	r.rooms[room][sessionID] = struct{}{}
	r.sessions[sessionID][room] = struct{}{}
}

// Leave removes sessionID from room and reports whether it was a member.
func (r *MemoryRegistry) Leave(room, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, sessionID)
}

func (r *MemoryRegistry) leaveLocked(room, sessionID string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[sessionID]; !ok {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if rooms, ok := r.sessions[sessionID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	return true
}

// LeaveAll removes sessionID from every room and returns those rooms.
func (r *MemoryRegistry) LeaveAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var left []string
	for room := range r.sessions[sessionID] {
		left = append(left, room)
	}
	for _, room := range left {
		r.leaveLocked(room, sessionID)
	}
	return left
}

func (r *MemoryRegistry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	return out
}

func (r *MemoryRegistry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions[sessionID]))
	for room := range r.sessions[sessionID] {
		out = append(out, room)
	}
	return out
}
