package domain

import (
	"fmt"
	"strings"
)

// RoomKind is the routing scope of a room.
type RoomKind string

const (
	RoomBoard     RoomKind = "board"
	RoomWorkspace RoomKind = "workspace"
	RoomUser      RoomKind = "user"
)

// RoomID is a fan-out routing key of the form "<kind>:<id>".
type RoomID string

func BoardRoom(id BoardID) RoomID         { return RoomID("board:" + string(id)) }
func WorkspaceRoom(id WorkspaceID) RoomID { return RoomID("workspace:" + string(id)) }
func UserRoom(id UserID) RoomID           { return RoomID("user:" + string(id)) }

func (r RoomID) String() string { return string(r) }

// Kind returns the room scope, or an empty kind for malformed IDs.
func (r RoomID) Kind() RoomKind {
	kind, _, ok := strings.Cut(string(r), ":")
	if !ok {
		return ""
	}
	return RoomKind(kind)
}

// Target returns the identifier after the kind prefix.
func (r RoomID) Target() string {
	_, target, _ := strings.Cut(string(r), ":")
	return target
}

// ParseRoomID validates a room identifier received from a client.
func ParseRoomID(raw string) (RoomID, error) {
	kind, target, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return "", ValidationError{Field: "room", Reason: "must be <kind>:<id>"}
	}
	switch RoomKind(kind) {
	case RoomBoard, RoomWorkspace, RoomUser:
	default:
		return "", ValidationError{Field: "room", Reason: fmt.Sprintf("unknown room kind %q", kind)}
	}
	id, err := parseID("room", target)
	if err != nil {
		return "", err
	}
	return RoomID(kind + ":" + id), nil
}
