package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskboard/session"
)

func TestStreamLoadCountsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	stats := StreamLoad(ctx, New(srv.URL, session.StaticToken("tok")), "/api/tasks/stream", 4)

	if stats.Events != 12 {
		t.Fatalf("expected 12 events, got %d", stats.Events)
	}
	if stats.Attempts != 4 || stats.Failures != 0 {
		t.Fatalf("unexpected attempts/failures: %+v", stats)
	}
	if stats.FailureRate() != 0 {
		t.Fatalf("unexpected failure rate: %v", stats.FailureRate())
	}
}

func TestStreamLoadCountsRejectedConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	stats := StreamLoad(ctx, New(srv.URL, session.StaticToken("tok")), "/", 1)

	if stats.Attempts == 0 || stats.Failures == 0 || stats.Events != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.FailureRate() <= 0.5 {
		t.Fatalf("expected most attempts to fail, got %v", stats.FailureRate())
	}
}
