package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

func TestFeedPublishWatch(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	feed := NewFeed(client, "tasks:changes")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.Change, 1)
	done := make(chan error, 1)
	go func() {
		done <- feed.Watch(ctx, func(c domain.Change) { got <- c })
	}()
	waitFor(t, func() bool {
		return mr.PubSubNumSub("tasks:changes")["tasks:changes"] == 1
	})

	want := domain.Change{TaskID: "t1", OwnerID: "u1", Kind: domain.TaskUpdated}
	if err := feed.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case c := <-got:
		if c != want {
			t.Fatalf("unexpected change: %#v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("change not delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestFeedSkipsMalformedPayloads(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	feed := NewFeed(client, "tasks:changes")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.Change, 2)
	go func() { _ = feed.Watch(ctx, func(c domain.Change) { got <- c }) }()
	waitFor(t, func() bool {
		return mr.PubSubNumSub("tasks:changes")["tasks:changes"] == 1
	})

	mr.Publish("tasks:changes", "{not json")
	if err := feed.Publish(ctx, domain.Change{TaskID: "t2", OwnerID: "u1", Kind: domain.TaskCreated}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case c := <-got:
		if c.TaskID != "t2" {
			t.Fatalf("unexpected change: %#v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("valid change not delivered after malformed one")
	}
}
