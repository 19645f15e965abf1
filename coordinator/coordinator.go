// Package coordinator is the transactional boundary for ordering changes.
// It authorizes a request, serializes it per container, applies the
// engine's write-set atomically and hands the resulting event to its sinks.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boardsync/domain"
	"boardsync/ordering"
)

const (
	tracerName         = "boardsync/coordinator"
	defaultLockTimeout = 2 * time.Second
	// maxRelock bounds how often an item that keeps changing container
	// between lookup and lock is chased before giving up with ErrConflict.
	maxRelock = 3
)

// Store is the persistence collaborator.
type Store interface {
	Container(ctx context.Context, id domain.ContainerID) (domain.Container, error)
	Item(ctx context.Context, id domain.ItemID) (domain.OrderedItem, error)
	Items(ctx context.Context, id domain.ContainerID) ([]domain.OrderedItem, error)
	ApplyPositions(ctx context.Context, writes []domain.PositionWrite) error
	InsertItem(ctx context.Context, item domain.OrderedItem) error
	DeleteItem(ctx context.Context, id domain.ItemID) error
	PutContainer(ctx context.Context, c domain.Container) error
}

// Authorizer answers board membership questions.
type Authorizer interface {
	IsBoardMember(ctx context.Context, user domain.UserID, board domain.BoardID) (bool, error)
}

// Sink receives committed events. Publish is called while the touched
// containers are still locked and must not block.
type Sink interface {
	Publish(ctx context.Context, rooms []domain.RoomID, ev domain.DomainEvent)
}

// Config wires a Coordinator.
type Config struct {
	Store       Store
	Authorizer  Authorizer
	Locker      Locker
	Sinks       []Sink
	Logger      *log.Logger
	LockTimeout time.Duration
}

type Coordinator struct {
	store       Store
	auth        Authorizer
	locker      Locker
	sinks       []Sink
	log         *log.Logger
	lockTimeout time.Duration
	clock       clock
	newID       func() string
}

func New(cfg Config) *Coordinator {
	if cfg.Store == nil {
		panic("coordinator.New: store is nil")
	}
	if cfg.Authorizer == nil {
		panic("coordinator.New: authorizer is nil")
	}
	c := &Coordinator{
		store:       cfg.Store,
		auth:        cfg.Authorizer,
		locker:      cfg.Locker,
		sinks:       cfg.Sinks,
		log:         cfg.Logger,
		lockTimeout: cfg.LockTimeout,
		newID:       uuid.NewString,
	}
	if c.locker == nil {
		c.locker = NewLocalLocker()
	}
	if c.log == nil {
		c.log = log.StandardLogger()
	}
	if c.lockTimeout <= 0 {
		c.lockTimeout = defaultLockTimeout
	}
	return c
}

// AddSink registers an extra sink. It must be called before the first
// request is served.
func (c *Coordinator) AddSink(s Sink) {
	c.sinks = append(c.sinks, s)
}

// MoveItem moves one item to TargetIndex of the target container's
// post-move order.
func (c *Coordinator) MoveItem(ctx context.Context, intent domain.MoveIntent, caller domain.Caller) (ev domain.DomainEvent, err error) {
	ctx, span := c.start(ctx, "coordinator.MoveItem",
		attribute.String("item.id", string(intent.ItemID)),
		attribute.String("container.target", string(intent.TargetContainerID)),
		attribute.Int("target.index", intent.TargetIndex))
	defer func() { endSpan(span, err) }()

	if intent.ItemID == "" {
		return ev, domain.ValidationError{Field: "itemId", Reason: "is required"}
	}
	if intent.TargetContainerID == "" {
		return ev, domain.ValidationError{Field: "targetContainerId", Reason: "is required"}
	}
	if intent.TargetIndex < 0 {
		return ev, domain.ValidationError{Field: "targetIndex", Reason: "must not be negative"}
	}

	item, err := c.store.Item(ctx, intent.ItemID)
	if err != nil {
		return ev, err
	}
	target, err := c.store.Container(ctx, intent.TargetContainerID)
	if err != nil {
		return ev, err
	}
	source, err := c.store.Container(ctx, item.ContainerID)
	if err != nil {
		return ev, err
	}
	if source.BoardID != target.BoardID {
		return ev, domain.ValidationError{Field: "targetContainerId", Reason: "belongs to a different board"}
	}
	if item.Kind != target.ChildKind() {
		return ev, domain.ValidationError{Field: "targetContainerId", Reason: fmt.Sprintf("cannot hold a %s", item.Kind)}
	}
	if err := c.authorize(ctx, caller, target.BoardID); err != nil {
		return ev, err
	}

	item, unlock, err := c.lockItem(ctx, intent.ItemID, target.ID)
	if err != nil {
		return ev, err
	}
	defer unlock()

	if intent.SourceContainerID != "" && intent.SourceContainerID != item.ContainerID {
		return ev, fmt.Errorf("%w: item %s is in container %s, not %s", domain.ErrConflict, item.ID, item.ContainerID, intent.SourceContainerID)
	}

	srcItems, err := c.store.Items(ctx, item.ContainerID)
	if err != nil {
		return ev, err
	}
	tgtItems := srcItems
	if target.ID != item.ContainerID {
		if tgtItems, err = c.store.Items(ctx, target.ID); err != nil {
			return ev, err
		}
	}
	plan, err := ordering.Move(
		ordering.Snapshot{ContainerID: item.ContainerID, Items: srcItems},
		ordering.Snapshot{ContainerID: target.ID, Items: tgtItems},
		item.ID, intent.TargetIndex)
	if err != nil {
		return ev, err
	}

	ev, err = c.event(domain.ItemMoved, target, caller, []domain.ContainerID{item.ContainerID, target.ID}, domain.ItemMovedData{
		ItemID:          item.ID,
		Kind:            item.Kind,
		FromContainerID: item.ContainerID,
		ToContainerID:   target.ID,
		FromIndex:       plan.FromIndex,
		ToIndex:         plan.ToIndex,
		Position:        plan.Position,
	})
	if err != nil {
		return ev, err
	}
	if err := c.commit(ctx, plan, target, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// ReorderContainer assigns positions 0..n-1 in the submitted order. order
// must be a permutation of the container's items. A move landing between
// the caller's read and this write is overwritten: last bulk write wins.
func (c *Coordinator) ReorderContainer(ctx context.Context, containerID domain.ContainerID, order []domain.ItemID, caller domain.Caller) (ev domain.DomainEvent, err error) {
	ctx, span := c.start(ctx, "coordinator.ReorderContainer",
		attribute.String("container.id", string(containerID)),
		attribute.Int("order.length", len(order)))
	defer func() { endSpan(span, err) }()

	if len(order) == 0 {
		return ev, domain.ValidationError{Field: "order", Reason: "must not be empty"}
	}
	container, err := c.store.Container(ctx, containerID)
	if err != nil {
		return ev, err
	}
	if err := c.authorize(ctx, caller, container.BoardID); err != nil {
		return ev, err
	}
	unlock, err := c.lock(ctx, container.ID)
	if err != nil {
		return ev, err
	}
	defer unlock()

	items, err := c.store.Items(ctx, container.ID)
	if err != nil {
		return ev, err
	}
	plan, err := ordering.Reorder(ordering.Snapshot{ContainerID: container.ID, Items: items}, order)
	if err != nil {
		return ev, err
	}
	ev, err = c.event(domain.ContainerReordered, container, caller, []domain.ContainerID{container.ID}, domain.ContainerReorderedData{
		ContainerID: container.ID,
		Order:       plan.Target,
	})
	if err != nil {
		return ev, err
	}
	if err := c.commit(ctx, plan, container, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// CreateItem appends a new item to the container at max position + 1. An
// empty itemID is replaced by a generated one. Creating a column also
// registers it as a task container.
func (c *Coordinator) CreateItem(ctx context.Context, containerID domain.ContainerID, itemID domain.ItemID, caller domain.Caller) (ev domain.DomainEvent, err error) {
	ctx, span := c.start(ctx, "coordinator.CreateItem",
		attribute.String("container.id", string(containerID)))
	defer func() { endSpan(span, err) }()

	container, err := c.store.Container(ctx, containerID)
	if err != nil {
		return ev, err
	}
	if err := c.authorize(ctx, caller, container.BoardID); err != nil {
		return ev, err
	}
	if itemID == "" {
		itemID = domain.ItemID(c.newID())
	}
	unlock, err := c.lock(ctx, container.ID)
	if err != nil {
		return ev, err
	}
	defer unlock()

	items, err := c.store.Items(ctx, container.ID)
	if err != nil {
		return ev, err
	}
	item := domain.OrderedItem{
		ID:          itemID,
		Kind:        container.ChildKind(),
		ContainerID: container.ID,
		Position:    ordering.NextPosition(items),
	}
	if item.Kind == domain.ItemColumn {
		if _, err := c.store.Container(ctx, domain.ContainerID(itemID)); err == nil {
			return ev, fmt.Errorf("%w: container %s already exists", domain.ErrConflict, itemID)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return ev, err
		}
	}
	if err := c.store.InsertItem(ctx, item); err != nil {
		return ev, err
	}
	// The column item goes in first so a failed insert never leaves a
	// container without its column.
	if item.Kind == domain.ItemColumn {
		if err := c.store.PutContainer(ctx, domain.Container{
			ID:          domain.ContainerID(itemID),
			Kind:        domain.ContainerColumn,
			BoardID:     container.BoardID,
			WorkspaceID: container.WorkspaceID,
		}); err != nil {
			if delErr := c.store.DeleteItem(context.WithoutCancel(ctx), item.ID); delErr != nil {
				c.log.WithError(delErr).WithField("item_id", item.ID).Error("remove column after failed container write")
			}
			return ev, fmt.Errorf("register column container: %w", err)
		}
	}
	ev, err = c.event(domain.ItemCreated, container, caller, []domain.ContainerID{container.ID}, domain.ItemCreatedData{
		ItemID:      item.ID,
		Kind:        item.Kind,
		ContainerID: item.ContainerID,
		Position:    item.Position,
	})
	if err != nil {
		return ev, err
	}
	c.publish(ctx, container, ev)
	return ev, nil
}

// DeleteItem removes an item and leaves the gap in place. Columns that
// still hold tasks cannot be deleted.
func (c *Coordinator) DeleteItem(ctx context.Context, itemID domain.ItemID, caller domain.Caller) (ev domain.DomainEvent, err error) {
	ctx, span := c.start(ctx, "coordinator.DeleteItem",
		attribute.String("item.id", string(itemID)))
	defer func() { endSpan(span, err) }()

	item, err := c.store.Item(ctx, itemID)
	if err != nil {
		return ev, err
	}
	container, err := c.store.Container(ctx, item.ContainerID)
	if err != nil {
		return ev, err
	}
	if err := c.authorize(ctx, caller, container.BoardID); err != nil {
		return ev, err
	}
	var extra []domain.ContainerID
	if item.Kind == domain.ItemColumn {
		extra = append(extra, domain.ContainerID(item.ID))
	}
	item, unlock, err := c.lockItem(ctx, itemID, extra...)
	if err != nil {
		return ev, err
	}
	defer unlock()

	if item.Kind == domain.ItemColumn {
		tasks, err := c.store.Items(ctx, domain.ContainerID(item.ID))
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return ev, err
		}
		if len(tasks) > 0 {
			return ev, fmt.Errorf("%w: column %s still holds %d tasks", domain.ErrConflict, item.ID, len(tasks))
		}
	}
	if err := c.store.DeleteItem(ctx, item.ID); err != nil {
		return ev, err
	}
	ev, err = c.event(domain.ItemDeleted, container, caller, []domain.ContainerID{item.ContainerID}, domain.ItemDeletedData{
		ItemID:      item.ID,
		ContainerID: item.ContainerID,
	})
	if err != nil {
		return ev, err
	}
	c.publish(ctx, container, ev)
	return ev, nil
}

func (c *Coordinator) authorize(ctx context.Context, caller domain.Caller, board domain.BoardID) error {
	if caller.UserID == "" {
		return fmt.Errorf("%w: anonymous caller", domain.ErrUnauthorized)
	}
	ok, err := c.auth.IsBoardMember(ctx, caller.UserID, board)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a member of board %s", domain.ErrUnauthorized, caller.UserID, board)
	}
	return nil
}

func (c *Coordinator) lock(ctx context.Context, ids ...domain.ContainerID) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	return c.locker.Lock(lctx, ids)
}

// lockItem locks the item's container plus extra and returns the item as
// read under the lock. If the item changed container between the read and
// the lock, the locks are dropped and the lookup repeated.
func (c *Coordinator) lockItem(ctx context.Context, id domain.ItemID, extra ...domain.ContainerID) (domain.OrderedItem, func(), error) {
	for attempt := 0; attempt < maxRelock; attempt++ {
		before, err := c.store.Item(ctx, id)
		if err != nil {
			return domain.OrderedItem{}, nil, err
		}
		unlock, err := c.lock(ctx, append([]domain.ContainerID{before.ContainerID}, extra...)...)
		if err != nil {
			return domain.OrderedItem{}, nil, err
		}
		current, err := c.store.Item(ctx, id)
		if err != nil {
			unlock()
			return domain.OrderedItem{}, nil, err
		}
		if current.ContainerID == before.ContainerID {
			return current, unlock, nil
		}
		unlock()
	}
	return domain.OrderedItem{}, nil, fmt.Errorf("%w: item %s keeps changing container", domain.ErrConflict, id)
}

// commit applies the plan and publishes ev. A plan without writes is a
// no-op: nothing is stored and nothing is broadcast.
func (c *Coordinator) commit(ctx context.Context, plan ordering.Plan, container domain.Container, ev domain.DomainEvent) error {
	if !plan.Changed() {
		c.log.WithFields(log.Fields{
			"event_type": ev.Type,
			"containers": ev.ContainerIDs,
		}).Debug("ordering unchanged")
		return nil
	}
	if err := c.store.ApplyPositions(ctx, plan.Writes); err != nil {
		return fmt.Errorf("apply positions: %w", err)
	}
	c.publish(ctx, container, ev)
	return nil
}

func (c *Coordinator) publish(ctx context.Context, container domain.Container, ev domain.DomainEvent) {
	rooms := container.Rooms()
	c.log.WithFields(log.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"board_id":   ev.BoardID,
		"rooms":      rooms,
	}).Debug("event committed")
	for _, s := range c.sinks {
		s.Publish(ctx, rooms, ev)
	}
}

func (c *Coordinator) event(typ domain.EventType, container domain.Container, caller domain.Caller, containers []domain.ContainerID, data any) (domain.DomainEvent, error) {
	payload, err := domain.EncodeData(data)
	if err != nil {
		return domain.DomainEvent{}, err
	}
	ids := containers[:1]
	if len(containers) > 1 && containers[1] != containers[0] {
		ids = containers
	}
	return domain.DomainEvent{
		ID:                     c.newID(),
		Type:                   typ,
		BoardID:                container.BoardID,
		WorkspaceID:            container.WorkspaceID,
		ContainerIDs:           ids,
		Data:                   payload,
		OriginatorConnectionID: caller.ConnectionID,
		Timestamp:              c.clock.next(),
	}, nil
}

func (c *Coordinator) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
