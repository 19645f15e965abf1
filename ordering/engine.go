// Package ordering computes position write-sets for moves and bulk reorders.
// Every function is pure: it reads the snapshots it is given and returns the
// writes that turn them into the requested order.
package ordering

import (
	"fmt"
	"sort"

	"boardsync/domain"
)

// Snapshot is the current content of one container.
type Snapshot struct {
	ContainerID domain.ContainerID
	Items       []domain.OrderedItem
}

// Plan is the outcome of a move or reorder.
type Plan struct {
	Writes []domain.PositionWrite
	// FromIndex and ToIndex locate the moved item before and after the move.
	FromIndex int
	ToIndex   int
	// Position is the moved item's new position.
	Position int
	// Source and Target are the resulting orders. For a same-container move
	// both hold the same slice.
	Source []domain.ItemID
	Target []domain.ItemID
}

// Changed reports whether applying the plan alters any stored position.
func (p Plan) Changed() bool { return len(p.Writes) > 0 }

// Sort orders items by position. Equal positions keep their relative order,
// which is the storage insertion order.
func Sort(items []domain.OrderedItem) []domain.OrderedItem {
	out := append([]domain.OrderedItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Move plans moving itemID out of source into target at targetIndex.
// targetIndex is an index in the target's post-move order; values past the
// end append.
func Move(source, target Snapshot, itemID domain.ItemID, targetIndex int) (Plan, error) {
	if targetIndex < 0 {
		return Plan{}, domain.ValidationError{Field: "targetIndex", Reason: "must not be negative"}
	}
	src := Sort(source.Items)
	from := indexOf(src, itemID)
	if from < 0 {
		return Plan{}, fmt.Errorf("%w: item %s is not in container %s", domain.ErrNotFound, itemID, source.ContainerID)
	}
	moved := src[from]
	rest := remove(src, from)

	if target.ContainerID == source.ContainerID {
		to := clamp(targetIndex, len(rest))
		if to == from {
			order := domain.IDs(src)
			return Plan{FromIndex: from, ToIndex: to, Position: moved.Position, Source: order, Target: order}, nil
		}
		next := insert(rest, to, moved)
		writes := Renumber(source.ContainerID, next)
		order := domain.IDs(next)
		return Plan{Writes: writes, FromIndex: from, ToIndex: to, Position: to, Source: order, Target: order}, nil
	}

	dst := Sort(target.Items)
	if indexOf(dst, itemID) >= 0 {
		return Plan{}, fmt.Errorf("%w: item %s already in container %s", domain.ErrConflict, itemID, target.ContainerID)
	}
	to := clamp(targetIndex, len(dst))
	next := insert(dst, to, moved)

	writes := Renumber(source.ContainerID, rest)
	writes = append(writes, Renumber(target.ContainerID, next)...)
	return Plan{
		Writes:    writes,
		FromIndex: from,
		ToIndex:   to,
		Position:  to,
		Source:    domain.IDs(rest),
		Target:    domain.IDs(next),
	}, nil
}

// Reorder plans a bulk reorder. desired must be a permutation of the
// container's current items.
func Reorder(current Snapshot, desired []domain.ItemID) (Plan, error) {
	if len(desired) == 0 {
		return Plan{}, domain.ValidationError{Field: "order", Reason: "must not be empty"}
	}
	byID := make(map[domain.ItemID]domain.OrderedItem, len(current.Items))
	for _, it := range current.Items {
		byID[it.ID] = it
	}
	if len(desired) != len(byID) {
		return Plan{}, fmt.Errorf("%w: order has %d items, container %s has %d", domain.ErrConflict, len(desired), current.ContainerID, len(byID))
	}
	next := make([]domain.OrderedItem, 0, len(desired))
	seen := make(map[domain.ItemID]struct{}, len(desired))
	for _, id := range desired {
		it, ok := byID[id]
		if !ok {
			return Plan{}, fmt.Errorf("%w: item %s is not in container %s", domain.ErrConflict, id, current.ContainerID)
		}
		if _, dup := seen[id]; dup {
			return Plan{}, domain.ValidationError{Field: "order", Reason: "duplicate item " + string(id)}
		}
		seen[id] = struct{}{}
		next = append(next, it)
	}
	order := domain.IDs(next)
	if sameOrder(domain.IDs(Sort(current.Items)), order) {
		return Plan{Source: order, Target: order}, nil
	}
	return Plan{Writes: Renumber(current.ContainerID, next), Source: order, Target: order}, nil
}

// Renumber assigns dense positions 0..n-1 to items in the given order and
// returns writes only for items whose stored placement differs.
func Renumber(containerID domain.ContainerID, items []domain.OrderedItem) []domain.PositionWrite {
	var writes []domain.PositionWrite
	for i, it := range items {
		if it.Position == i && it.ContainerID == containerID {
			continue
		}
		writes = append(writes, domain.PositionWrite{ItemID: it.ID, ContainerID: containerID, Position: i})
	}
	return writes
}

// NextPosition returns the position for an item appended to the container.
func NextPosition(items []domain.OrderedItem) int {
	if len(items) == 0 {
		return 0
	}
	max := items[0].Position
	for _, it := range items[1:] {
		if it.Position > max {
			max = it.Position
		}
	}
	return max + 1
}

func indexOf(items []domain.OrderedItem, id domain.ItemID) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func remove(items []domain.OrderedItem, i int) []domain.OrderedItem {
	out := make([]domain.OrderedItem, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...)
}

func insert(items []domain.OrderedItem, i int, it domain.OrderedItem) []domain.OrderedItem {
	out := make([]domain.OrderedItem, 0, len(items)+1)
	out = append(out, items[:i]...)
	out = append(out, it)
	return append(out, items[i:]...)
}

func clamp(i, n int) int {
	if i > n {
		return n
	}
	return i
}

func sameOrder(a, b []domain.ItemID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
