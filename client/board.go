// Package client is the Go SDK for the ordering service. Board keeps a
// local copy of container orders and reconciles optimistic moves with the
// server's events.
package client

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"boardsync/domain"
	"boardsync/ordering"
)

// State is the reconciliation state of a local move.
type State int

const (
	// Pending: the local guess is shown, the server has not answered.
	Pending State = iota + 1
	// Confirmed: the server accepted the move.
	Confirmed
	// Reverted: the server rejected the move; the touched containers are
	// stale until refreshed.
	Reverted
	// Superseded: a newer local move on the same containers replaced this
	// ticket's guess before it resolved.
	Superseded
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Ticket identifies one optimistic move. Intent carries the resolved
// source container so the server can detect a stale view.
type Ticket struct {
	Seq        uint64
	Intent     domain.MoveIntent
	Containers []domain.ContainerID
}

// Fetcher returns the authoritative order of a container.
type Fetcher interface {
	Items(ctx context.Context, id domain.ContainerID) ([]domain.OrderedItem, error)
}

type container struct {
	order   []domain.ItemID
	pending uint64
	stale   bool
	// dropped is set when a rejected move discarded the local order.
	dropped bool
}

// Board is safe for concurrent use.
type Board struct {
	mu         sync.Mutex
	containers map[domain.ContainerID]*container
	seq        uint64
}

func NewBoard() *Board {
	return &Board{containers: make(map[domain.ContainerID]*container)}
}

// Load replaces a container's order with server state.
func (b *Board) Load(id domain.ContainerID, items []domain.OrderedItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.containers[id] = &container{order: domain.IDs(ordering.Sort(items))}
}

// Order returns the local order of a container.
func (b *Board) Order(id domain.ContainerID) ([]domain.ItemID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[id]
	if !ok || c.dropped {
		return nil, false
	}
	return slices.Clone(c.order), true
}

// Pending reports whether a container shows an unconfirmed guess.
func (b *Board) Pending(id domain.ContainerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[id]
	return ok && c.pending != 0
}

// Stale lists containers that need a re-fetch, sorted.
func (b *Board) Stale() []domain.ContainerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.ContainerID
	for id, c := range b.containers {
		if c.stale {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// BeginMove applies intent locally and returns the ticket to resolve once
// the server answers. The latest move on a container always wins locally.
func (b *Board) BeginMove(intent domain.MoveIntent) (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	srcID := intent.SourceContainerID
	if srcID == "" {
		srcID = b.locate(intent.ItemID)
		if srcID == "" {
			return Ticket{}, fmt.Errorf("%w: item %s is not loaded", domain.ErrNotFound, intent.ItemID)
		}
	}
	src, ok := b.containers[srcID]
	if !ok || src.dropped {
		return Ticket{}, fmt.Errorf("%w: container %s is not loaded", domain.ErrNotFound, srcID)
	}
	tgt, ok := b.containers[intent.TargetContainerID]
	if !ok || tgt.dropped {
		return Ticket{}, fmt.Errorf("%w: container %s is not loaded", domain.ErrNotFound, intent.TargetContainerID)
	}
	plan, err := ordering.Move(snapshot(srcID, src.order), snapshot(intent.TargetContainerID, tgt.order), intent.ItemID, intent.TargetIndex)
	if err != nil {
		return Ticket{}, err
	}

	b.seq++
	src.order = plan.Source
	tgt.order = plan.Target
	src.pending = b.seq
	tgt.pending = b.seq

	intent.SourceContainerID = srcID
	touched := []domain.ContainerID{srcID}
	if intent.TargetContainerID != srcID {
		touched = append(touched, intent.TargetContainerID)
	}
	return Ticket{Seq: b.seq, Intent: intent, Containers: touched}, nil
}

// Resolve settles a ticket with the server's answer. On success the event
// replaces the guess if the ticket is still the latest on its containers.
// On failure the local order of the touched containers is discarded until
// the next Refresh.
func (b *Board) Resolve(t Ticket, ev domain.DomainEvent, err error) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		for _, id := range t.Containers {
			if c, ok := b.containers[id]; ok {
				c.order = nil
				c.pending = 0
				c.stale = true
				c.dropped = true
			}
		}
		return Reverted
	}

	latest := true
	for _, id := range t.Containers {
		if c, ok := b.containers[id]; ok && c.pending != t.Seq {
			latest = false
		}
	}
	if !latest {
		return Superseded
	}
	for _, id := range t.Containers {
		b.containers[id].pending = 0
	}
	if ev.Type == domain.ItemMoved {
		var data domain.ItemMovedData
		if ev.DecodeData(&data) == nil {
			b.place(data)
		}
	}
	return Confirmed
}

// ApplyRemote folds an event from another client into the local state.
// Events that cannot be applied exactly mark their containers stale.
func (b *Board) ApplyRemote(ev domain.DomainEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range ev.ContainerIDs {
		if c, ok := b.containers[id]; ok && (c.pending != 0 || c.dropped) {
			b.markStale(ev.ContainerIDs)
			return
		}
	}

	switch ev.Type {
	case domain.ItemMoved:
		var data domain.ItemMovedData
		if ev.DecodeData(&data) != nil {
			break
		}
		b.applyMove(data)
		return
	case domain.ContainerReordered:
		var data domain.ContainerReorderedData
		if ev.DecodeData(&data) != nil {
			break
		}
		if c, ok := b.containers[data.ContainerID]; ok {
			c.order = slices.Clone(data.Order)
		}
		return
	case domain.ItemCreated:
		var data domain.ItemCreatedData
		if ev.DecodeData(&data) != nil {
			break
		}
		if c, ok := b.containers[data.ContainerID]; ok && !slices.Contains(c.order, data.ItemID) {
			c.order = append(c.order, data.ItemID)
		}
		return
	case domain.ItemDeleted:
		var data domain.ItemDeletedData
		if ev.DecodeData(&data) != nil {
			break
		}
		if c, ok := b.containers[data.ContainerID]; ok {
			i := slices.Index(c.order, data.ItemID)
			if i < 0 {
				c.stale = true
				return
			}
			c.order = slices.Delete(c.order, i, i+1)
		}
		return
	}
	b.markStale(ev.ContainerIDs)
}

// Refresh re-fetches every stale container without a pending guess.
func (b *Board) Refresh(ctx context.Context, f Fetcher) error {
	for _, id := range b.Stale() {
		if b.Pending(id) {
			continue
		}
		items, err := f.Items(ctx, id)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", id, err)
		}
		b.Load(id, items)
	}
	return nil
}

// applyMove places data.ItemID at data.ToIndex of the target container.
func (b *Board) applyMove(data domain.ItemMovedData) {
	from, fromOK := b.containers[data.FromContainerID]
	to, toOK := b.containers[data.ToContainerID]
	if fromOK {
		i := slices.Index(from.order, data.ItemID)
		if i < 0 {
			from.stale = true
			if toOK {
				to.stale = true
			}
			return
		}
		from.order = slices.Delete(from.order, i, i+1)
	}
	if !toOK {
		return
	}
	if !fromOK && slices.Contains(to.order, data.ItemID) {
		to.stale = true
		return
	}
	to.order = slices.Insert(to.order, min(max(data.ToIndex, 0), len(to.order)), data.ItemID)
}

// place settles the item where the server put it, whatever the local
// guess did with it.
func (b *Board) place(data domain.ItemMovedData) {
	for _, id := range []domain.ContainerID{data.FromContainerID, data.ToContainerID} {
		if c, ok := b.containers[id]; ok {
			if i := slices.Index(c.order, data.ItemID); i >= 0 {
				c.order = slices.Delete(c.order, i, i+1)
			}
		}
	}
	if to, ok := b.containers[data.ToContainerID]; ok {
		to.order = slices.Insert(to.order, min(max(data.ToIndex, 0), len(to.order)), data.ItemID)
	}
}

func (b *Board) markStale(ids []domain.ContainerID) {
	for _, id := range ids {
		if c, ok := b.containers[id]; ok {
			c.stale = true
		}
	}
}

func (b *Board) locate(item domain.ItemID) domain.ContainerID {
	for id, c := range b.containers {
		if !c.dropped && slices.Contains(c.order, item) {
			return id
		}
	}
	return ""
}

func snapshot(id domain.ContainerID, order []domain.ItemID) ordering.Snapshot {
	items := make([]domain.OrderedItem, len(order))
	for i, item := range order {
		items[i] = domain.OrderedItem{ID: item, ContainerID: id, Position: i}
	}
	return ordering.Snapshot{ContainerID: id, Items: items}
}
