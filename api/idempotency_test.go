package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisDeduperAddRemove(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})

	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "alice", "k1")
	if err != nil || !added {
		t.Fatalf("expected first add to succeed, got %v %v", added, err)
	}
	if added, _ := deduper.Add(ctx, "alice", "k1"); added {
		t.Fatalf("expected duplicate key to be rejected")
	}
	if added, _ := deduper.Add(ctx, "bob", "k1"); !added {
		t.Fatalf("keys must be namespaced per user")
	}
	if ttl := m.TTL("idem:alice:k1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	if err := deduper.Remove(ctx, "alice", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if added, _ := deduper.Add(ctx, "alice", "k1"); !added {
		t.Fatalf("expected key to be addable after remove")
	}

	m.FastForward(2 * time.Minute)
	if added, _ := deduper.Add(ctx, "alice", "k1"); !added {
		t.Fatalf("expected key to expire")
	}
}
