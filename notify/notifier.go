// Package notify hands committed events to the notification service
// through a bounded worker pool. A saturated pool drops events rather than
// slowing down the write path.
package notify

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Sender delivers one message to the downstream queue.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Config struct {
	Workers int
	Buffer  int
	// Timeout bounds one Send call.
	Timeout time.Duration
	// Handoff is how long Publish may wait for buffer space. Zero never waits.
	Handoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Notifier is a coordinator sink feeding a Sender.
type Notifier struct {
	sender  Sender
	cfg     Config
	log     *log.Logger
	jobs    chan Message
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped int64
}

// New starts cfg.Workers workers. Call Close to drain and stop them.
func New(sender Sender, cfg Config, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg = cfg.withDefaults()
	n := &Notifier{
		sender: sender,
		cfg:    cfg,
		log:    logger,
		jobs:   make(chan Message, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}
	logger.WithFields(log.Fields{
		"workers": cfg.Workers,
		"buffer":  cfg.Buffer,
		"timeout": cfg.Timeout,
		"handoff": cfg.Handoff,
	}).Info("notifier started")
	return n
}

func (n *Notifier) worker(id int) {
	defer n.wg.Done()
	for msg := range n.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		err := n.sender.Send(ctx, msg)
		cancel()
		if err != nil {
			n.log.WithError(err).WithFields(log.Fields{
				"event_id": msg.Event.ID,
				"worker":   id,
			}).Error("notification enqueue failed")
		}
	}
}

// Publish queues ev for delivery. It never fails the caller.
func (n *Notifier) Publish(_ context.Context, rooms []domain.RoomID, ev domain.DomainEvent) {
	if !n.tryEnqueue(Message{Rooms: rooms, Event: ev}) {
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		n.log.WithField("event_id", ev.ID).Warn("notification buffer saturated, event dropped")
	}
}

func (n *Notifier) tryEnqueue(msg Message) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return false
	}
	select {
	case n.jobs <- msg:
		return true
	default:
	}
	if n.cfg.Handoff <= 0 {
		return false
	}
	timer := time.NewTimer(n.cfg.Handoff)
	defer timer.Stop()
	select {
	case n.jobs <- msg:
		return true
	case <-timer.C:
		return false
	}
}

// Dropped reports how many events were not queued.
func (n *Notifier) Dropped() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropped
}

// Close stops accepting events and waits for queued ones to be sent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.jobs)
	n.mu.Unlock()
	n.wg.Wait()
}
