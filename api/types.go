package api

import (
	"context"

	"boardsync/domain"
)

const (
	requestMaxSize       = 64 * 1024
	headerIdempotencyKey = "Idempotency-Key"
	headerConnectionID   = "X-Connection-Id"
)

// Coordinator applies ordering changes.
type Coordinator interface {
	MoveItem(ctx context.Context, intent domain.MoveIntent, caller domain.Caller) (domain.DomainEvent, error)
	ReorderContainer(ctx context.Context, containerID domain.ContainerID, order []domain.ItemID, caller domain.Caller) (domain.DomainEvent, error)
	CreateItem(ctx context.Context, containerID domain.ContainerID, itemID domain.ItemID, caller domain.Caller) (domain.DomainEvent, error)
	DeleteItem(ctx context.Context, itemID domain.ItemID, caller domain.Caller) (domain.DomainEvent, error)
}

// Reader serves the authoritative order for re-fetches.
type Reader interface {
	Container(ctx context.Context, id domain.ContainerID) (domain.Container, error)
	Items(ctx context.Context, id domain.ContainerID) ([]domain.OrderedItem, error)
	IsBoardMember(ctx context.Context, user domain.UserID, board domain.BoardID) (bool, error)
	Ping(ctx context.Context) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate commands.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// POST /api/items/:itemId/move
type moveRequest struct {
	TargetContainerID string `json:"targetContainerId"`
	TargetIndex       *int   `json:"targetIndex"`
	SourceContainerID string `json:"sourceContainerId,omitempty"`
}

// PUT /api/containers/:containerId/order
type reorderRequest struct {
	Order []string `json:"order"`
}

// POST /api/containers/:containerId/items
type createRequest struct {
	ID string `json:"id,omitempty"`
}

type eventResponse struct {
	Event domain.DomainEvent `json:"event"`
}

type duplicateResponse struct {
	Duplicate bool `json:"duplicate"`
}

type itemsResponse struct {
	ContainerID domain.ContainerID   `json:"containerId"`
	Items       []domain.OrderedItem `json:"items"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}
