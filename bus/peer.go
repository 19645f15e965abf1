package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"boardsync/domain"
)

// Overflow decides what a full outbound queue does with a new frame.
type Overflow int

const (
	// OverflowDisconnect fails the send, which tears the connection down.
	// The client resynchronizes with a re-fetch after reconnecting.
	OverflowDisconnect Overflow = iota
	// OverflowDropOldest discards the oldest queued frame.
	OverflowDropOldest
)

// ParseOverflow accepts "disconnect" or "drop-oldest".
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disconnect":
		return OverflowDisconnect, nil
	case "drop-oldest":
		return OverflowDropOldest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

func (o Overflow) String() string {
	if o == OverflowDropOldest {
		return "drop-oldest"
	}
	return "disconnect"
}

// FrameWriter writes one frame to the underlying transport.
type FrameWriter interface {
	WriteFrame(data []byte) error
}

// QueuedPeer decouples publishers from a connection's socket with a bounded
// queue drained by a single writer goroutine. Send never blocks.
type QueuedPeer struct {
	id       domain.ConnectionID
	w        FrameWriter
	out      chan []byte
	overflow Overflow
	mu       sync.Mutex
	closed   chan struct{}
	once     sync.Once
	dropped  atomic.Int64
}

func NewQueuedPeer(id domain.ConnectionID, w FrameWriter, size int, overflow Overflow) *QueuedPeer {
	if size <= 0 {
		size = 64
	}
	return &QueuedPeer{
		id:       id,
		w:        w,
		out:      make(chan []byte, size),
		overflow: overflow,
		closed:   make(chan struct{}),
	}
}

func (p *QueuedPeer) ID() domain.ConnectionID { return p.id }

// Dropped reports how many frames the drop-oldest policy discarded.
func (p *QueuedPeer) Dropped() int64 { return p.dropped.Load() }

func (p *QueuedPeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
		return fmt.Errorf("%w: connection %s is closed", domain.ErrTransport, p.id)
	default:
	}
	select {
	case p.out <- frame:
		return nil
	default:
	}
	if p.overflow != OverflowDropOldest {
		return fmt.Errorf("%w: outbound queue of connection %s is full", domain.ErrTransport, p.id)
	}
	select {
	case <-p.out:
		p.dropped.Add(1)
	default:
	}
	select {
	case p.out <- frame:
		return nil
	default:
		p.dropped.Add(1)
		return nil
	}
}

// Run writes queued frames until the peer is closed, ctx ends or a write
// fails. A failed write closes the peer.
func (p *QueuedPeer) Run(ctx context.Context) error {
	for {
		select {
		case <-p.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-p.out:
			if err := p.w.WriteFrame(frame); err != nil {
				_ = p.Close()
				return fmt.Errorf("%w: write to connection %s: %v", domain.ErrTransport, p.id, err)
			}
		}
	}
}

// Close stops the writer. Frames still queued are discarded.
func (p *QueuedPeer) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Done is closed once the peer is closed.
func (p *QueuedPeer) Done() <-chan struct{} { return p.closed }
