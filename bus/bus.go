// Package bus fans committed domain events out to the connections that
// joined the affected rooms.
package bus

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/presence"
	"boardsync/wire"
)

// Bus delivers events to locally connected peers. It is constructed once
// and handed to every publisher.
type Bus struct {
	registry *presence.Registry
	log      *log.Logger
}

func New(registry *presence.Registry, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bus{registry: registry, log: logger}
}

// Publish sends ev to every connection registered in any of rooms, once per
// connection, skipping the originating connection. A failing recipient is
// logged and torn down; the others are unaffected.
func (b *Bus) Publish(_ context.Context, rooms []domain.RoomID, ev domain.DomainEvent) {
	frame, err := wire.EncodeEvent(ev)
	if err != nil {
		b.log.WithError(err).WithField("event_id", ev.ID).Error("encode event frame")
		return
	}
	seen := make(map[domain.ConnectionID]struct{})
	delivered := 0
	for _, room := range rooms {
		for _, m := range b.registry.Members(room) {
			if _, dup := seen[m.ConnectionID]; dup {
				continue
			}
			seen[m.ConnectionID] = struct{}{}
			if ev.OriginatorConnectionID != "" && m.ConnectionID == ev.OriginatorConnectionID {
				continue
			}
			if err := m.Peer.Send(frame); err != nil {
				b.drop(m, err)
				continue
			}
			delivered++
		}
	}
	b.log.WithFields(log.Fields{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"rooms":      rooms,
		"recipients": delivered,
	}).Debug("event fanned out")
}

// drop schedules teardown of a connection whose send failed.
func (b *Bus) drop(m presence.Member, err error) {
	if !errors.Is(err, domain.ErrTransport) {
		err = errors.Join(domain.ErrTransport, err)
	}
	b.log.WithFields(log.Fields{
		"connection_id": m.ConnectionID,
		"user_id":       m.UserID,
	}).WithError(err).Warn("dropping connection after failed delivery")
	go func() {
		b.registry.Disconnect(m.ConnectionID)
		_ = m.Peer.Close()
	}()
}
