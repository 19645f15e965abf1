package bus

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Publisher delivers an event to local connections.
type Publisher interface {
	Publish(ctx context.Context, rooms []domain.RoomID, ev domain.DomainEvent)
}

// envelope is the relay message format.
type envelope struct {
	Origin string             `json:"origin"`
	Rooms  []domain.RoomID    `json:"rooms"`
	Event  domain.DomainEvent `json:"event"`
}

// Relay forwards committed events to the other service instances over a
// Redis pub/sub channel and delivers their events to the local bus.
// Outgoing messages are published by one goroutine in commit order.
type Relay struct {
	client   *redis.Client
	channel  string
	instance string
	local    Publisher
	out      chan []byte
	log      *log.Logger
}

func NewRelay(client *redis.Client, channel string, local Publisher, buffer int, logger *log.Logger) *Relay {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		local:    local,
		out:      make(chan []byte, buffer),
		log:      logger,
	}
}

// Publish queues ev for the other instances. When the queue is full the
// event is dropped for remote recipients; their clients recover by
// re-fetching.
func (r *Relay) Publish(_ context.Context, rooms []domain.RoomID, ev domain.DomainEvent) {
	data, err := sonic.Marshal(envelope{Origin: r.instance, Rooms: rooms, Event: ev})
	if err != nil {
		r.log.WithError(err).WithField("event_id", ev.ID).Error("encode relay envelope")
		return
	}
	select {
	case r.out <- data:
	default:
		r.log.WithField("event_id", ev.ID).Warn("relay queue full, event not forwarded")
	}
}

// Run publishes queued envelopes until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-r.out:
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				r.log.WithError(err).Warn("relay publish failed")
			}
		}
	}
}

// Subscribe delivers events from other instances to the local publisher
// and resubscribes whenever the channel closes, until ctx is done.
func (r *Relay) Subscribe(ctx context.Context) {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				r.deliver(ctx, msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Error("relay subscription closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *Relay) deliver(ctx context.Context, payload string) {
	var env envelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		r.log.WithError(err).Error("unable to parse relay envelope")
		return
	}
	if env.Origin == r.instance {
		return
	}
	r.local.Publish(ctx, env.Rooms, env.Event)
}
