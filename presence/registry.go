// Package presence tracks live connections and the rooms they joined.
package presence

import (
	"fmt"
	"sort"
	"sync"

	"boardsync/domain"
)

// Peer is the outbound side of a connection.
type Peer interface {
	Send(frame []byte) error
	Close() error
}

// Member is a snapshot of one connection registered in a room.
type Member struct {
	ConnectionID domain.ConnectionID
	UserID       domain.UserID
	Peer         Peer
}

type connection struct {
	Member
	rooms map[domain.RoomID]struct{}
}

// Registry maps rooms to connections. A connection exists in the registry
// only between Register and Disconnect; while present it is authenticated.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*connection
	rooms map[domain.RoomID]map[domain.ConnectionID]*connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[domain.ConnectionID]*connection),
		rooms: make(map[domain.RoomID]map[domain.ConnectionID]*connection),
	}
}

// Register adds an authenticated connection with no rooms.
func (r *Registry) Register(id domain.ConnectionID, user domain.UserID, peer Peer) error {
	if id == "" || user == "" {
		return domain.ValidationError{Field: "connection", Reason: "id and user are required"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return fmt.Errorf("%w: connection %s already registered", domain.ErrConflict, id)
	}
	r.conns[id] = &connection{
		Member: Member{ConnectionID: id, UserID: user, Peer: peer},
		rooms:  make(map[domain.RoomID]struct{}),
	}
	return nil
}

// Join adds room to the connection. It reports whether the room was newly
// joined; joining twice is a no-op.
func (r *Registry) Join(id domain.ConnectionID, room domain.RoomID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false, fmt.Errorf("%w: connection %s", domain.ErrNotFound, id)
	}
	if _, joined := c.rooms[room]; joined {
		return false, nil
	}
	c.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.ConnectionID]*connection)
		r.rooms[room] = members
	}
	members[id] = c
	return true, nil
}

// Leave removes room from the connection and reports whether it was joined.
func (r *Registry) Leave(id domain.ConnectionID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, joined := c.rooms[room]; !joined {
		return false
	}
	delete(c.rooms, room)
	r.removeMember(room, id)
	return true
}

// Disconnect drops the connection from every room and forgets it. It
// returns the rooms it was in and is safe to call more than once.
func (r *Registry) Disconnect(id domain.ConnectionID) []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	rooms := make([]domain.RoomID, 0, len(c.rooms))
	for room := range c.rooms {
		r.removeMember(room, id)
		rooms = append(rooms, room)
	}
	delete(r.conns, id)
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (r *Registry) removeMember(room domain.RoomID, id domain.ConnectionID) {
	members := r.rooms[room]
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Members returns the connections currently in room.
func (r *Registry) Members(room domain.RoomID) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]Member, 0, len(members))
	for _, c := range members {
		out = append(out, c.Member)
	}
	return out
}

// Rooms returns the rooms joined by a connection, sorted.
func (r *Registry) Rooms(id domain.ConnectionID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	out := make([]domain.RoomID, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connections reports how many connections are registered.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount reports how many rooms have at least one member.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
