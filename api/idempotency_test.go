package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
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
	return m, client
}

func TestRedisDeduperLifecycle(t *testing.T) {
	_, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added {
		t.Fatalf("expected key to be added")
	}
	again, err := deduper.Add(ctx, "user", "k1")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if again {
		t.Fatalf("expected duplicate on second add")
	}

	if got, err := deduper.Lookup(ctx, "user", "k1"); err != nil || got != "" {
		t.Fatalf("expected pending lookup, got %q err %v", got, err)
	}
	if err := deduper.Complete(ctx, "user", "k1", "task-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got, err := deduper.Lookup(ctx, "user", "k1"); err != nil || got != "task-1" {
		t.Fatalf("expected stored result, got %q err %v", got, err)
	}
}

func TestRedisDeduperRemoveAllowsRetry(t *testing.T) {
	_, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	if _, err := deduper.Add(ctx, "user", "k1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := deduper.Remove(ctx, "user", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil {
		t.Fatalf("add after remove: %v", err)
	}
	if !added {
		t.Fatalf("expected key to be re-added after remove")
	}
}

func TestRedisDeduperKeyNamespacing(t *testing.T) {
	m, client := newTestRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	if _, err := deduper.Add(ctx, "alice", "k1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	added, err := deduper.Add(ctx, "bob", "k1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added {
		t.Fatalf("expected keys to be scoped per user")
	}
	if !m.Exists("idem:alice:k1") {
		t.Fatalf("expected namespaced redis key to exist")
	}
	if ttl := m.TTL("idem:alice:k1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
}
