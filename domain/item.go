package domain

// ContainerKind distinguishes the two ordered containers.
type ContainerKind string

const (
	ContainerBoard  ContainerKind = "board"
	ContainerColumn ContainerKind = "column"
)

// ItemKind distinguishes the two ordered item types.
type ItemKind string

const (
	ItemColumn ItemKind = "column"
	ItemTask   ItemKind = "task"
)

// Container is an ordered collection together with the routing data needed
// for authorization and fan-out.
type Container struct {
	ID          ContainerID   `json:"id"`
	Kind        ContainerKind `json:"kind"`
	BoardID     BoardID       `json:"boardId"`
	WorkspaceID WorkspaceID   `json:"workspaceId"`
}

// ChildKind reports which item kind the container holds.
func (c Container) ChildKind() ItemKind {
	if c.Kind == ContainerBoard {
		return ItemColumn
	}
	return ItemTask
}

// StructureLevel reports whether changes inside the container alter board
// structure, which is also broadcast to the workspace room.
func (c Container) StructureLevel() bool {
	return c.Kind == ContainerBoard
}

// Rooms returns the fan-out targets for a change inside the container.
func (c Container) Rooms() []RoomID {
	rooms := []RoomID{BoardRoom(c.BoardID)}
	if c.StructureLevel() && c.WorkspaceID != "" {
		rooms = append(rooms, WorkspaceRoom(c.WorkspaceID))
	}
	return rooms
}

// OrderedItem is a column or task with its rank inside its container.
type OrderedItem struct {
	ID          ItemID      `json:"id"`
	Kind        ItemKind    `json:"kind"`
	ContainerID ContainerID `json:"containerId"`
	Position    int         `json:"position"`
}

// PositionWrite assigns an item to a container at a position.
type PositionWrite struct {
	ItemID      ItemID      `json:"itemId"`
	ContainerID ContainerID `json:"containerId"`
	Position    int         `json:"position"`
}

// MoveIntent is a single requested move. SourceContainerID is optional; when
// set it must match the item's current container.
type MoveIntent struct {
	ItemID            ItemID
	SourceContainerID ContainerID
	TargetContainerID ContainerID
	TargetIndex       int
}

// Caller identifies who issued a request and from which connection, if any.
type Caller struct {
	UserID       UserID
	ConnectionID ConnectionID
}

// IDs projects a list of items to their identifiers.
func IDs(items []OrderedItem) []ItemID {
	out := make([]ItemID, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
