package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/domain"
	"boardsync/presence"
	"boardsync/wire"
)

// recordingPeer captures frames handed to Send.
type recordingPeer struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	closed bool
}

func (p *recordingPeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *recordingPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPeer) events(t *testing.T) []domain.DomainEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.DomainEvent, 0, len(p.frames))
	for _, f := range p.frames {
		sf, err := wire.DecodeServer(f)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if sf.Type != wire.TypeEvent || sf.Event == nil {
			t.Fatalf("unexpected frame %s", f)
		}
		out = append(out, *sf.Event)
	}
	return out
}

func (p *recordingPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func newTestBus(t *testing.T) (*Bus, *presence.Registry) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := presence.NewRegistry()
	return New(reg, logger), reg
}

func connect(t *testing.T, reg *presence.Registry, id domain.ConnectionID, rooms ...domain.RoomID) *recordingPeer {
	t.Helper()
	p := &recordingPeer{}
	if err := reg.Register(id, domain.UserID("user-"+id), p); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, room := range rooms {
		if _, err := reg.Join(id, room); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	return p
}

func moved(id string) domain.DomainEvent {
	return domain.DomainEvent{ID: id, Type: domain.ItemMoved, BoardID: "123", ContainerIDs: []domain.ContainerID{"col"}}
}

func TestPublishRespectsRoomMembership(t *testing.T) {
	b, reg := newTestBus(t)
	room := domain.BoardRoom("123")
	member := connect(t, reg, "c1", room)
	outsider := connect(t, reg, "c2", domain.BoardRoom("456"))

	b.Publish(context.Background(), []domain.RoomID{room}, moved("e1"))
	if got := member.events(t); len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("member should receive e1, got %+v", got)
	}
	if got := outsider.events(t); len(got) != 0 {
		t.Fatalf("outsider must not receive board:123 events, got %+v", got)
	}

	reg.Leave("c1", room)
	b.Publish(context.Background(), []domain.RoomID{room}, moved("e2"))
	if got := member.events(t); len(got) != 1 {
		t.Fatalf("connection that left must not receive e2, got %+v", got)
	}
}

func TestPublishSkipsOriginatorAndDeduplicates(t *testing.T) {
	b, reg := newTestBus(t)
	board, ws := domain.BoardRoom("123"), domain.WorkspaceRoom("w")
	origin := connect(t, reg, "c1", board)
	both := connect(t, reg, "c2", board, ws)

	ev := moved("e1")
	ev.OriginatorConnectionID = "c1"
	b.Publish(context.Background(), []domain.RoomID{board, ws}, ev)

	if got := origin.events(t); len(got) != 0 {
		t.Fatalf("originator must not get its own event, got %+v", got)
	}
	if got := both.events(t); len(got) != 1 {
		t.Fatalf("connection in two target rooms should get one copy, got %d", len(got))
	}
}

func TestPublishAfterDisconnect(t *testing.T) {
	b, reg := newTestBus(t)
	room := domain.BoardRoom("123")
	p := connect(t, reg, "c1", room)
	reg.Disconnect("c1")

	b.Publish(context.Background(), []domain.RoomID{room}, moved("e1"))
	if got := p.events(t); len(got) != 0 {
		t.Fatalf("disconnected connection received %+v", got)
	}
}

func TestFailingRecipientIsTornDown(t *testing.T) {
	b, reg := newTestBus(t)
	room := domain.BoardRoom("123")
	broken := connect(t, reg, "c1", room)
	broken.err = errors.New("broken pipe")
	healthy := connect(t, reg, "c2", room)

	b.Publish(context.Background(), []domain.RoomID{room}, moved("e1"))
	if got := healthy.events(t); len(got) != 1 {
		t.Fatalf("healthy peer should still receive, got %d", len(got))
	}
	deadline := time.Now().Add(time.Second)
	for len(reg.Rooms("c1")) != 0 || !broken.isClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("broken connection was not torn down")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type sliceWriter struct {
	mu     sync.Mutex
	frames []string
	fail   error
	wrote  chan struct{}
}

func (w *sliceWriter) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.frames = append(w.frames, string(data))
	if w.wrote != nil {
		w.wrote <- struct{}{}
	}
	return nil
}

func TestQueuedPeerPreservesOrder(t *testing.T) {
	w := &sliceWriter{wrote: make(chan struct{}, 10)}
	p := NewQueuedPeer("c1", w, 10, OverflowDisconnect)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	for _, f := range []string{"a", "b", "c"} {
		if err := p.Send([]byte(f)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-w.wrote:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for writes")
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.frames) != 3 || w.frames[0] != "a" || w.frames[1] != "b" || w.frames[2] != "c" {
		t.Fatalf("unexpected write order %v", w.frames)
	}
}

func TestQueuedPeerOverflowPolicies(t *testing.T) {
	p := NewQueuedPeer("c1", &sliceWriter{}, 2, OverflowDisconnect)
	_ = p.Send([]byte("a"))
	_ = p.Send([]byte("b"))
	if err := p.Send([]byte("c")); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error on full queue, got %v", err)
	}

	p = NewQueuedPeer("c2", &sliceWriter{}, 2, OverflowDropOldest)
	for _, f := range []string{"a", "b", "c"} {
		if err := p.Send([]byte(f)); err != nil {
			t.Fatalf("drop-oldest send must not fail: %v", err)
		}
	}
	if p.Dropped() != 1 {
		t.Fatalf("expected one dropped frame, got %d", p.Dropped())
	}
	if first := string(<-p.out); first != "b" {
		t.Fatalf("expected oldest frame dropped, head is %q", first)
	}
}

func TestQueuedPeerClosesOnWriteFailure(t *testing.T) {
	w := &sliceWriter{fail: errors.New("reset by peer")}
	p := NewQueuedPeer("c1", w, 4, OverflowDisconnect)
	_ = p.Send([]byte("a"))
	if err := p.Run(context.Background()); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("peer should be closed after a failed write")
	}
	if err := p.Send([]byte("b")); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("send after close should fail, got %v", err)
	}
}

func TestParseOverflow(t *testing.T) {
	for in, want := range map[string]Overflow{"": OverflowDisconnect, "disconnect": OverflowDisconnect, "Drop-Oldest": OverflowDropOldest} {
		got, err := ParseOverflow(in)
		if err != nil || got != want {
			t.Fatalf("ParseOverflow(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseOverflow("block"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
