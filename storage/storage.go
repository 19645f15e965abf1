// Package storage persists ordered containers, their items and the
// membership records used for access control.
package storage

import (
	"context"
	"fmt"

	"boardsync/domain"
)

// Backend is implemented by every position store.
type Backend interface {
	Container(ctx context.Context, id domain.ContainerID) (domain.Container, error)
	Item(ctx context.Context, id domain.ItemID) (domain.OrderedItem, error)
	// Items returns the container's items sorted by position. Ties keep
	// insertion order.
	Items(ctx context.Context, id domain.ContainerID) ([]domain.OrderedItem, error)
	PutContainer(ctx context.Context, c domain.Container) error
	// ApplyPositions writes every entry or none of them.
	ApplyPositions(ctx context.Context, writes []domain.PositionWrite) error
	InsertItem(ctx context.Context, item domain.OrderedItem) error
	DeleteItem(ctx context.Context, id domain.ItemID) error
	IsBoardMember(ctx context.Context, user domain.UserID, board domain.BoardID) (bool, error)
	IsWorkspaceMember(ctx context.Context, user domain.UserID, workspace domain.WorkspaceID) (bool, error)
	Ping(ctx context.Context) error
}

// Seeder writes the records owned by the CRUD layer: containers and
// memberships. Stores implement it so fixtures and tests can populate them.
type Seeder interface {
	PutContainer(ctx context.Context, c domain.Container) error
	InsertItem(ctx context.Context, item domain.OrderedItem) error
	AddBoardMember(ctx context.Context, board domain.BoardID, user domain.UserID) error
	AddWorkspaceMember(ctx context.Context, workspace domain.WorkspaceID, user domain.UserID) error
}

func containerNotFound(id domain.ContainerID) error {
	return fmt.Errorf("%w: container %s", domain.ErrNotFound, id)
}

func itemNotFound(id domain.ItemID) error {
	return fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
}

func itemExists(id domain.ItemID) error {
	return fmt.Errorf("%w: item %s already exists", domain.ErrConflict, id)
}

func validateContainer(c domain.Container) error {
	if c.ID == "" {
		return domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if c.BoardID == "" {
		return domain.ValidationError{Field: "boardId", Reason: "is required"}
	}
	switch c.Kind {
	case domain.ContainerBoard:
		if c.ID != c.BoardID.Container() {
			return domain.ValidationError{Field: "id", Reason: "board container must use the board id"}
		}
	case domain.ContainerColumn:
	default:
		return domain.ValidationError{Field: "kind", Reason: "unknown container kind " + string(c.Kind)}
	}
	return nil
}
