package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/domain"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []Message
	started chan struct{}
	gate    chan struct{}
	err     error
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Event.ID
	}
	return out
}

func ev(id string) domain.DomainEvent { return domain.DomainEvent{ID: id, Type: domain.ItemMoved} }

func TestNotifierDeliversAndDrainsOnClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sender := &fakeSender{}
	n := New(sender, Config{Workers: 1, Buffer: 8}, logger)

	rooms := []domain.RoomID{domain.BoardRoom("b1")}
	for _, id := range []string{"e1", "e2", "e3"} {
		n.Publish(context.Background(), rooms, ev(id))
	}
	n.Close()

	got := sender.ids()
	if len(got) != 3 || got[0] != "e1" || got[2] != "e3" {
		t.Fatalf("expected all events delivered in order, got %v", got)
	}
	if sender.sent[0].Rooms[0] != rooms[0] {
		t.Fatalf("rooms not carried: %+v", sender.sent[0])
	}

	n.Publish(context.Background(), rooms, ev("late"))
	if n.Dropped() != 1 {
		t.Fatalf("publish after close should be dropped, dropped=%d", n.Dropped())
	}
	n.Close()
}

func TestNotifierDropsWhenSaturated(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sender := &fakeSender{started: make(chan struct{}, 4), gate: make(chan struct{})}
	n := New(sender, Config{Workers: 1, Buffer: 1}, logger)

	n.Publish(context.Background(), nil, ev("e1"))
	<-sender.started
	n.Publish(context.Background(), nil, ev("e2"))

	done := make(chan struct{})
	go func() {
		n.Publish(context.Background(), nil, ev("e3"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a saturated pool")
	}
	if n.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", n.Dropped())
	}
	if entry := hook.LastEntry(); entry == nil || entry.Data["event_id"] != "e3" {
		t.Fatalf("expected drop warning for e3, got %+v", entry)
	}

	close(sender.gate)
	n.Close()
	if got := sender.ids(); len(got) != 2 {
		t.Fatalf("expected two delivered events, got %v", got)
	}
}

func TestNotifierHandoffWaitsForCapacity(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sender := &fakeSender{started: make(chan struct{}, 4), gate: make(chan struct{})}
	n := New(sender, Config{Workers: 1, Buffer: 1, Handoff: time.Second}, logger)

	n.Publish(context.Background(), nil, ev("e1"))
	<-sender.started
	n.Publish(context.Background(), nil, ev("e2"))

	done := make(chan struct{})
	go func() {
		n.Publish(context.Background(), nil, ev("e3"))
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("publish returned before capacity was freed")
	case <-time.After(20 * time.Millisecond):
	}
	close(sender.gate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for handoff")
	}
	n.Close()
	if n.Dropped() != 0 || len(sender.ids()) != 3 {
		t.Fatalf("expected all three events sent, dropped=%d sent=%v", n.Dropped(), sender.ids())
	}
}

func TestNotifierLogsSendFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sender := &fakeSender{err: errors.New("queue unavailable")}
	n := New(sender, Config{Workers: 1}, logger)
	n.Publish(context.Background(), nil, ev("e1"))
	n.Close()

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "notification enqueue failed" || entry.Data["event_id"] != "e1" {
		t.Fatalf("expected failure to be logged, got %+v", entry)
	}
}

type fakeQueue struct {
	contents []string
}

func (f *fakeQueue) EnqueueMessage(_ context.Context, content string, _ *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.contents = append(f.contents, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestAzureQueueSendEncodesMessage(t *testing.T) {
	fq := &fakeQueue{}
	q := &AzureQueue{client: fq}
	msg := Message{Rooms: []domain.RoomID{"board:b1"}, Event: ev("e1")}
	if err := q.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fq.contents) != 1 {
		t.Fatalf("expected one message, got %d", len(fq.contents))
	}
	var got Message
	if err := sonic.UnmarshalString(fq.contents[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Event.ID != "e1" || len(got.Rooms) != 1 || got.Rooms[0] != "board:b1" {
		t.Fatalf("unexpected payload %+v", got)
	}
}
