package domain

import (
	"fmt"
	"strings"
)

const maxIDLength = 128

// invalidIDChars are reserved by room keys, OData filters and table keys.
const invalidIDChars = ":'/\\#?"

// ItemID identifies a column or a task.
type ItemID string

// ContainerID identifies a board (holding columns) or a column (holding tasks).
type ContainerID string

// BoardID identifies a board. Every board is also a container.
type BoardID string

// WorkspaceID identifies the workspace owning a board.
type WorkspaceID string

// UserID is the authenticated subject of a request or connection.
type UserID string

// ConnectionID identifies one live real-time connection.
type ConnectionID string

func (id ItemID) String() string       { return string(id) }
func (id ContainerID) String() string  { return string(id) }
func (id BoardID) String() string      { return string(id) }
func (id WorkspaceID) String() string  { return string(id) }
func (id UserID) String() string       { return string(id) }
func (id ConnectionID) String() string { return string(id) }

// Container returns the container view of a board.
func (id BoardID) Container() ContainerID { return ContainerID(id) }

// ParseItemID normalises a raw identifier received at the system boundary.
func ParseItemID(raw string) (ItemID, error) {
	s, err := parseID("itemId", raw)
	return ItemID(s), err
}

// ParseContainerID normalises a raw container identifier.
func ParseContainerID(raw string) (ContainerID, error) {
	s, err := parseID("containerId", raw)
	return ContainerID(s), err
}

// ParseItemIDs parses an ordered list of identifiers, rejecting duplicates.
func ParseItemIDs(raw []string) ([]ItemID, error) {
	out := make([]ItemID, 0, len(raw))
	seen := make(map[ItemID]struct{}, len(raw))
	for i, r := range raw {
		id, err := ParseItemID(r)
		if err != nil {
			return nil, ValidationError{Field: fmt.Sprintf("order[%d]", i), Reason: err.(ValidationError).Reason}
		}
		if _, dup := seen[id]; dup {
			return nil, ValidationError{Field: fmt.Sprintf("order[%d]", i), Reason: "duplicate item " + string(id)}
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func parseID(field, raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ValidationError{Field: field, Reason: "is required"}
	}
	if len(s) > maxIDLength {
		return "", ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %d bytes", maxIDLength)}
	}
	for _, r := range s {
		if strings.ContainsRune(invalidIDChars, r) || r < 0x20 || r == 0x7f {
			return "", ValidationError{Field: field, Reason: "contains an invalid character"}
		}
	}
	return s, nil
}
