package domain

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// EventType names a domain event.
type EventType string

const (
	ItemMoved          EventType = "item-moved"
	ContainerReordered EventType = "container-reordered"
	ItemCreated        EventType = "item-created"
	ItemDeleted        EventType = "item-deleted"
)

// DomainEvent describes a committed change. It is never stored.
type DomainEvent struct {
	ID                     string          `json:"id"`
	Type                   EventType       `json:"type"`
	BoardID                BoardID         `json:"boardId"`
	WorkspaceID            WorkspaceID     `json:"workspaceId,omitempty"`
	ContainerIDs           []ContainerID   `json:"containerIds"`
	Data                   json.RawMessage `json:"data"`
	OriginatorConnectionID ConnectionID    `json:"originatorConnectionId,omitempty"`
	Timestamp              int64           `json:"timestamp"`
}

type ItemMovedData struct {
	ItemID          ItemID      `json:"itemId"`
	Kind            ItemKind    `json:"kind"`
	FromContainerID ContainerID `json:"fromContainerId"`
	ToContainerID   ContainerID `json:"toContainerId"`
	FromIndex       int         `json:"fromIndex"`
	ToIndex         int         `json:"toIndex"`
	Position        int         `json:"position"`
}

type ContainerReorderedData struct {
	ContainerID ContainerID `json:"containerId"`
	Order       []ItemID    `json:"order"`
}

type ItemCreatedData struct {
	ItemID      ItemID      `json:"itemId"`
	Kind        ItemKind    `json:"kind"`
	ContainerID ContainerID `json:"containerId"`
	Position    int         `json:"position"`
}

type ItemDeletedData struct {
	ItemID      ItemID      `json:"itemId"`
	ContainerID ContainerID `json:"containerId"`
}

// EncodeData marshals an event payload.
func EncodeData(v any) (json.RawMessage, error) {
	b, err := sonic.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// DecodeData unmarshals the payload into out.
func (e DomainEvent) DecodeData(out any) error {
	if len(e.Data) == 0 {
		return ValidationError{Field: "data", Reason: "is empty"}
	}
	return sonic.Unmarshal(e.Data, out)
}
