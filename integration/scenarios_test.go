//go:build integration

package integration

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"taskboard/domain"
	"taskboard/session"
)

type tasksPage struct {
	Tasks  []domain.Task `json:"tasks"`
	Counts domain.Counts `json:"counts"`
}

func newClient(t *testing.T, uid string) *Client {
	t.Helper()
	base := os.Getenv("API_BASE")
	if base == "" {
		base = "http://localhost:8080"
	}
	if _, err := http.Get(base + "/healthz"); err != nil {
		t.Skipf("skipping, API not reachable: %v", err)
	}
	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" {
		t.Skip("skipping, LOCAL_AUTH_SHARED_SECRET not set")
	}
	src := session.NewHS256Source([]byte(secret), domain.User{UID: uid})
	src.Audience = os.Getenv("AUTH0_AUDIENCE")
	return New(base, src)
}

// pollTasks polls /api/tasks until cond returns true or the deadline passes.
func pollTasks(t *testing.T, client *Client, what string, cond func([]domain.Task) bool) []domain.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	backoff := 100 * time.Millisecond
	for {
		var page tasksPage
		_, err := client.GetJSON(context.Background(), "/api/tasks", &page)
		if err == nil && cond(page.Tasks) {
			return page.Tasks
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s: %v", what, err)
		}
		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func find(tasks []domain.Task, id string) (domain.Task, bool) {
	for _, tk := range tasks {
		if tk.ID == id {
			return tk, true
		}
	}
	return domain.Task{}, false
}

func createTask(t *testing.T, client *Client, title string) string {
	t.Helper()
	var created struct {
		ID string `json:"id"`
	}
	if _, err := client.PostJSON(context.Background(), "/api/tasks", map[string]string{"title": title}, &created); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created.ID
}

func TestCreateRenameToggleDelete(t *testing.T) {
	client := newClient(t, "integration-"+uuid.NewString())
	ctx := context.Background()

	title := fmt.Sprintf("task-%d", time.Now().UnixNano())
	id := createTask(t, client, title)
	pollTasks(t, client, "task to be created", func(ts []domain.Task) bool {
		tk, ok := find(ts, id)
		return ok && tk.Title == title && !tk.Completed
	})

	newTitle := title + " updated"
	if _, err := client.Do(ctx, http.MethodPatch, "/api/tasks/"+id, map[string]string{"title": newTitle}, nil); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := client.PostJSON(ctx, "/api/tasks/"+id+"/toggle", nil, nil); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	pollTasks(t, client, "task to be renamed and completed", func(ts []domain.Task) bool {
		tk, ok := find(ts, id)
		return ok && tk.Title == newTitle && tk.Completed
	})

	if _, err := client.Do(ctx, http.MethodDelete, "/api/tasks/"+id, nil, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pollTasks(t, client, "task to be deleted", func(ts []domain.Task) bool {
		_, ok := find(ts, id)
		return !ok
	})
}

func TestIdempotentCreate(t *testing.T) {
	client := newClient(t, "integration-"+uuid.NewString())
	ctx := context.Background()
	key := uuid.NewString()

	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		req, err := client.Request(ctx, http.MethodPost, "/api/tasks", map[string]string{"title": "once"})
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.Header.Set("Idempotency-Key", key)
		resp, err := client.HTTP.Do(req)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		var created struct {
			ID string `json:"id"`
		}
		err = sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&created)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		ids = append(ids, created.ID)
	}
	if ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("expected the retry to return the same id, got %v", ids)
	}
	tasks := pollTasks(t, client, "single task", func(ts []domain.Task) bool { return len(ts) == 1 })
	if tasks[0].ID != ids[0] {
		t.Fatalf("unexpected task: %+v", tasks[0])
	}
}

func TestStreamingLiveUpdates(t *testing.T) {
	client := newClient(t, "integration-"+uuid.NewString())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := client.Request(ctx, http.MethodGet, "/api/tasks/stream", nil)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.HTTP.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", resp.StatusCode)
	}

	events := make(chan tasksPage, 8)
	go func() {
		defer close(events)
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var page tasksPage
			if err := sonic.UnmarshalString(strings.TrimSpace(strings.TrimPrefix(line, "data:")), &page); err == nil {
				events <- page
			}
		}
	}()

	select {
	case page := <-events:
		if len(page.Tasks) != 0 {
			t.Fatalf("expected empty initial snapshot for a fresh user, got %d tasks", len(page.Tasks))
		}
	case <-ctx.Done():
		t.Fatalf("no initial snapshot")
	}

	id := createTask(t, client, "streamed")
	for {
		select {
		case page, ok := <-events:
			if !ok {
				t.Fatalf("stream closed before the new task arrived")
			}
			if _, found := find(page.Tasks, id); found {
				return
			}
		case <-ctx.Done():
			t.Fatalf("no event received in time")
		}
	}
}
