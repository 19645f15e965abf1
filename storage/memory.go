package storage

import (
	"context"
	"sort"
	"sync"

	"boardsync/domain"
)

type memItem struct {
	domain.OrderedItem
	seq uint64
}

// MemoryStore keeps everything in process memory. It backs tests and
// single-instance development runs.
type MemoryStore struct {
	mu               sync.RWMutex
	containers       map[domain.ContainerID]domain.Container
	items            map[domain.ItemID]memItem
	boardMembers     map[domain.BoardID]map[domain.UserID]struct{}
	workspaceMembers map[domain.WorkspaceID]map[domain.UserID]struct{}
	seq              uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers:       make(map[domain.ContainerID]domain.Container),
		items:            make(map[domain.ItemID]memItem),
		boardMembers:     make(map[domain.BoardID]map[domain.UserID]struct{}),
		workspaceMembers: make(map[domain.WorkspaceID]map[domain.UserID]struct{}),
	}
}

func (m *MemoryStore) PutContainer(_ context.Context, c domain.Container) error {
	if err := validateContainer(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[c.ID] = c
	return nil
}

func (m *MemoryStore) AddBoardMember(_ context.Context, board domain.BoardID, user domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.boardMembers[board]
	if !ok {
		set = make(map[domain.UserID]struct{})
		m.boardMembers[board] = set
	}
	set[user] = struct{}{}
	return nil
}

func (m *MemoryStore) AddWorkspaceMember(_ context.Context, workspace domain.WorkspaceID, user domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.workspaceMembers[workspace]
	if !ok {
		set = make(map[domain.UserID]struct{})
		m.workspaceMembers[workspace] = set
	}
	set[user] = struct{}{}
	return nil
}

func (m *MemoryStore) Container(_ context.Context, id domain.ContainerID) (domain.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return domain.Container{}, containerNotFound(id)
	}
	return c, nil
}

func (m *MemoryStore) Item(_ context.Context, id domain.ItemID) (domain.OrderedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return domain.OrderedItem{}, itemNotFound(id)
	}
	return it.OrderedItem, nil
}

func (m *MemoryStore) Items(_ context.Context, id domain.ContainerID) ([]domain.OrderedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.containers[id]; !ok {
		return nil, containerNotFound(id)
	}
	var list []memItem
	for _, it := range m.items {
		if it.ContainerID == id {
			list = append(list, it)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Position != list[j].Position {
			return list[i].Position < list[j].Position
		}
		return list[i].seq < list[j].seq
	})
	out := make([]domain.OrderedItem, len(list))
	for i, it := range list {
		out[i] = it.OrderedItem
	}
	return out, nil
}

func (m *MemoryStore) ApplyPositions(_ context.Context, writes []domain.PositionWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		if _, ok := m.items[w.ItemID]; !ok {
			return itemNotFound(w.ItemID)
		}
		if _, ok := m.containers[w.ContainerID]; !ok {
			return containerNotFound(w.ContainerID)
		}
	}
	for _, w := range writes {
		it := m.items[w.ItemID]
		it.ContainerID = w.ContainerID
		it.Position = w.Position
		m.items[w.ItemID] = it
	}
	return nil
}

func (m *MemoryStore) InsertItem(_ context.Context, item domain.OrderedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[item.ContainerID]; !ok {
		return containerNotFound(item.ContainerID)
	}
	if _, ok := m.items[item.ID]; ok {
		return itemExists(item.ID)
	}
	m.seq++
	m.items[item.ID] = memItem{OrderedItem: item, seq: m.seq}
	return nil
}

func (m *MemoryStore) DeleteItem(_ context.Context, id domain.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return itemNotFound(id)
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) IsBoardMember(_ context.Context, user domain.UserID, board domain.BoardID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.boardMembers[board][user]
	return ok, nil
}

func (m *MemoryStore) IsWorkspaceMember(_ context.Context, user domain.UserID, workspace domain.WorkspaceID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.workspaceMembers[workspace][user]
	return ok, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
