package client

import (
	"context"
	"errors"
	"slices"
	"testing"

	"boardsync/domain"
)

func loadedBoard() *Board {
	b := NewBoard()
	b.Load("col-a", []domain.OrderedItem{
		{ID: "T2", ContainerID: "col-a", Position: 1},
		{ID: "T1", ContainerID: "col-a", Position: 0},
		{ID: "T3", ContainerID: "col-a", Position: 2},
	})
	b.Load("col-b", nil)
	return b
}

func mustEvent(t *testing.T, typ domain.EventType, containers []domain.ContainerID, data any) domain.DomainEvent {
	t.Helper()
	raw, err := domain.EncodeData(data)
	if err != nil {
		t.Fatalf("encode data: %v", err)
	}
	return domain.DomainEvent{ID: "e1", Type: typ, BoardID: "b1", ContainerIDs: containers, Data: raw}
}

func movedEvent(t *testing.T, item domain.ItemID, from, to domain.ContainerID, fromIdx, toIdx int) domain.DomainEvent {
	t.Helper()
	containers := []domain.ContainerID{from}
	if to != from {
		containers = append(containers, to)
	}
	return mustEvent(t, domain.ItemMoved, containers, domain.ItemMovedData{
		ItemID:          item,
		Kind:            domain.ItemTask,
		FromContainerID: from,
		ToContainerID:   to,
		FromIndex:       fromIdx,
		ToIndex:         toIdx,
		Position:        toIdx,
	})
}

func assertOrder(t *testing.T, b *Board, id domain.ContainerID, want ...domain.ItemID) {
	t.Helper()
	got, ok := b.Order(id)
	if !ok {
		t.Fatalf("container %s not loaded", id)
	}
	if !slices.Equal(got, want) && !(len(got) == 0 && len(want) == 0) {
		t.Fatalf("order of %s: expected %v, got %v", id, want, got)
	}
}

type fakeFetcher map[domain.ContainerID][]domain.OrderedItem

func (f fakeFetcher) Items(_ context.Context, id domain.ContainerID) ([]domain.OrderedItem, error) {
	items, ok := f[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return items, nil
}

func TestLoadSortsByPosition(t *testing.T) {
	b := loadedBoard()
	assertOrder(t, b, "col-a", "T1", "T2", "T3")
	if _, ok := b.Order("missing"); ok {
		t.Fatal("expected unknown container to be absent")
	}
}

func TestBeginMoveAppliesGuess(t *testing.T) {
	b := loadedBoard()
	ticket, err := b.BeginMove(domain.MoveIntent{ItemID: "T1", TargetContainerID: "col-b", TargetIndex: 5})
	if err != nil {
		t.Fatalf("begin move: %v", err)
	}
	assertOrder(t, b, "col-a", "T2", "T3")
	assertOrder(t, b, "col-b", "T1")
	if ticket.Intent.SourceContainerID != "col-a" {
		t.Fatalf("expected source to be resolved, got %q", ticket.Intent.SourceContainerID)
	}
	if !slices.Equal(ticket.Containers, []domain.ContainerID{"col-a", "col-b"}) {
		t.Fatalf("unexpected touched containers %v", ticket.Containers)
	}
	if !b.Pending("col-a") || !b.Pending("col-b") {
		t.Fatal("expected both containers to be pending")
	}
}

func TestBeginMoveUnknownItem(t *testing.T) {
	b := loadedBoard()
	if _, err := b.BeginMove(domain.MoveIntent{ItemID: "T9", TargetContainerID: "col-b"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := b.BeginMove(domain.MoveIntent{ItemID: "T1", TargetContainerID: "col-z"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown target, got %v", err)
	}
	if b.Pending("col-a") {
		t.Fatal("failed move must not leave a pending guess")
	}
}

func TestResolveConfirmsWithServerEvent(t *testing.T) {
	b := loadedBoard()
	ticket, err := b.BeginMove(domain.MoveIntent{ItemID: "T1", TargetContainerID: "col-b", TargetIndex: 0})
	if err != nil {
		t.Fatalf("begin move: %v", err)
	}
	if got := b.Resolve(ticket, movedEvent(t, "T1", "col-a", "col-b", 0, 0), nil); got != Confirmed {
		t.Fatalf("expected confirmed, got %v", got)
	}
	assertOrder(t, b, "col-a", "T2", "T3")
	assertOrder(t, b, "col-b", "T1")
	if b.Pending("col-a") || b.Pending("col-b") {
		t.Fatal("expected pending to clear")
	}
}

func TestResolveServerPlacementWins(t *testing.T) {
	b := loadedBoard()
	ticket, err := b.BeginMove(domain.MoveIntent{ItemID: "T1", TargetContainerID: "col-a", TargetIndex: 2})
	if err != nil {
		t.Fatalf("begin move: %v", err)
	}
	assertOrder(t, b, "col-a", "T2", "T3", "T1")
	// The server clamped against a shorter container.
	b.Resolve(ticket, movedEvent(t, "T1", "col-a", "col-a", 0, 1), nil)
	assertOrder(t, b, "col-a", "T2", "T1", "T3")
}

func TestResolveSupersededTicket(t *testing.T) {
	b := loadedBoard()
	first, err := b.BeginMove(domain.MoveIntent{ItemID: "T1", TargetContainerID: "col-a", TargetIndex: 2})
	if err != nil {
		t.Fatalf("first move: %v", err)
	}
	second, err := b.BeginMove(domain.MoveIntent{ItemID: "T3", TargetContainerID: "col-a", TargetIndex: 0})
	if err != nil {
		t.Fatalf("second move: %v", err)
	}
	assertOrder(t, b, "col-a", "T3", "T2", "T1")

	if got := b.Resolve(first, movedEvent(t, "T1", "col-a", "col-a", 0, 2), nil); got != Superseded {
		t.Fatalf("expected superseded, got %v", got)
	}
	if !b.Pending("col-a") {
		t.Fatal("newer guess must stay pending")
	}
	assertOrder(t, b, "col-a", "T3", "T2", "T1")

	if got := b.Resolve(second, movedEvent(t, "T3", "col-a", "col-a", 1, 0), nil); got != Confirmed {
		t.Fatalf("expected confirmed, got %v", got)
	}
	assertOrder(t, b, "col-a", "T3", "T2", "T1")
}

func TestResolveFailureDropsLocalState(t *testing.T) {
	b := loadedBoard()
	ticket, err := b.BeginMove(domain.MoveIntent{ItemID: "T1", TargetContainerID: "col-b", TargetIndex: 0})
	if err != nil {
		t.Fatalf("begin move: %v", err)
	}
	if got := b.Resolve(ticket, domain.DomainEvent{}, domain.ErrConflict); got != Reverted {
		t.Fatalf("expected reverted, got %v", got)
	}
	if _, ok := b.Order("col-a"); ok {
		t.Fatal("expected col-a order to be dropped")
	}
	if _, err := b.BeginMove(domain.MoveIntent{ItemID: "T2", TargetContainerID: "col-b"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected moves on dropped containers to fail, got %v", err)
	}
	if got := b.Stale(); !slices.Equal(got, []domain.ContainerID{"col-a", "col-b"}) {
		t.Fatalf("unexpected stale set %v", got)
	}

	server := fakeFetcher{
		"col-a": {{ID: "T2", Position: 0}, {ID: "T1", Position: 1}, {ID: "T3", Position: 2}},
		"col-b": {},
	}
	if err := b.Refresh(context.Background(), server); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	assertOrder(t, b, "col-a", "T2", "T1", "T3")
	assertOrder(t, b, "col-b")
	if len(b.Stale()) != 0 {
		t.Fatalf("expected nothing stale, got %v", b.Stale())
	}
}

func TestApplyRemote(t *testing.T) {
	tests := []struct {
		name      string
		event     func(t *testing.T) domain.DomainEvent
		wantA     []domain.ItemID
		wantB     []domain.ItemID
		wantStale []domain.ContainerID
	}{
		{
			name: "moved across containers",
			event: func(t *testing.T) domain.DomainEvent {
				return movedEvent(t, "T2", "col-a", "col-b", 1, 0)
			},
			wantA: []domain.ItemID{"T1", "T3"},
			wantB: []domain.ItemID{"T2"},
		},
		{
			name: "moved within container",
			event: func(t *testing.T) domain.DomainEvent {
				return movedEvent(t, "T3", "col-a", "col-a", 2, 0)
			},
			wantA: []domain.ItemID{"T3", "T1", "T2"},
		},
		{
			name: "reordered",
			event: func(t *testing.T) domain.DomainEvent {
				return mustEvent(t, domain.ContainerReordered, []domain.ContainerID{"col-a"},
					domain.ContainerReorderedData{ContainerID: "col-a", Order: []domain.ItemID{"T2", "T3", "T1"}})
			},
			wantA: []domain.ItemID{"T2", "T3", "T1"},
		},
		{
			name: "created",
			event: func(t *testing.T) domain.DomainEvent {
				return mustEvent(t, domain.ItemCreated, []domain.ContainerID{"col-b"},
					domain.ItemCreatedData{ItemID: "T4", Kind: domain.ItemTask, ContainerID: "col-b"})
			},
			wantA: []domain.ItemID{"T1", "T2", "T3"},
			wantB: []domain.ItemID{"T4"},
		},
		{
			name: "deleted",
			event: func(t *testing.T) domain.DomainEvent {
				return mustEvent(t, domain.ItemDeleted, []domain.ContainerID{"col-a"},
					domain.ItemDeletedData{ItemID: "T1", ContainerID: "col-a"})
			},
			wantA: []domain.ItemID{"T2", "T3"},
		},
		{
			name: "moved unknown item",
			event: func(t *testing.T) domain.DomainEvent {
				return movedEvent(t, "T9", "col-a", "col-b", 0, 0)
			},
			wantA:     []domain.ItemID{"T1", "T2", "T3"},
			wantStale: []domain.ContainerID{"col-a", "col-b"},
		},
		{
			name: "deleted unknown item",
			event: func(t *testing.T) domain.DomainEvent {
				return mustEvent(t, domain.ItemDeleted, []domain.ContainerID{"col-a"},
					domain.ItemDeletedData{ItemID: "T9", ContainerID: "col-a"})
			},
			wantA:     []domain.ItemID{"T1", "T2", "T3"},
			wantStale: []domain.ContainerID{"col-a"},
		},
		{
			name: "undecodable payload",
			event: func(t *testing.T) domain.DomainEvent {
				return domain.DomainEvent{Type: domain.ItemMoved, ContainerIDs: []domain.ContainerID{"col-b"}}
			},
			wantA:     []domain.ItemID{"T1", "T2", "T3"},
			wantStale: []domain.ContainerID{"col-b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := loadedBoard()
			b.ApplyRemote(tt.event(t))
			assertOrder(t, b, "col-a", tt.wantA...)
			assertOrder(t, b, "col-b", tt.wantB...)
			if got := b.Stale(); !slices.Equal(got, tt.wantStale) {
				t.Fatalf("expected stale %v, got %v", tt.wantStale, got)
			}
		})
	}
}

func TestApplyRemoteOnPendingContainerMarksStale(t *testing.T) {
	b := loadedBoard()
	if _, err := b.BeginMove(domain.MoveIntent{ItemID: "T1", TargetContainerID: "col-a", TargetIndex: 2}); err != nil {
		t.Fatalf("begin move: %v", err)
	}
	b.ApplyRemote(movedEvent(t, "T2", "col-a", "col-b", 1, 0))
	assertOrder(t, b, "col-a", "T2", "T3", "T1")
	assertOrder(t, b, "col-b")
	if got := b.Stale(); !slices.Equal(got, []domain.ContainerID{"col-a", "col-b"}) {
		t.Fatalf("unexpected stale set %v", got)
	}

	server := fakeFetcher{"col-b": {{ID: "T2", Position: 0}}}
	if err := b.Refresh(context.Background(), server); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// col-a keeps its guess until the pending move resolves.
	assertOrder(t, b, "col-a", "T2", "T3", "T1")
	assertOrder(t, b, "col-b", "T2")
	if got := b.Stale(); !slices.Equal(got, []domain.ContainerID{"col-a"}) {
		t.Fatalf("expected col-a to stay stale, got %v", got)
	}
}

func TestRefreshReportsFetchErrors(t *testing.T) {
	b := loadedBoard()
	b.ApplyRemote(mustEvent(t, domain.ItemDeleted, []domain.ContainerID{"col-a"},
		domain.ItemDeletedData{ItemID: "T9", ContainerID: "col-a"}))
	if err := b.Refresh(context.Background(), fakeFetcher{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
