package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	edmInt64        = "Edm.Int64"
	maxFlipAttempts = 8
)

// Publisher pushes change notifications to watchers.
type Publisher interface {
	Publish(ctx context.Context, c domain.Change) error
	Watch(ctx context.Context, fn func(domain.Change)) error
}

// Tables stores tasks in Azure Table Storage. PartitionKey is the owner and
// RowKey the task ID. Every successful write is announced on the feed.
type Tables struct {
	table *aztables.Client
	feed  Publisher
	now   func() time.Time
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, tableName string, feed Publisher) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{table: svc.NewClient(tableName), feed: feed, now: time.Now}, nil
}

type taskEntity struct {
	aztables.Entity
	ETag          string `json:"odata.etag,omitempty"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Completed     bool   `json:"Completed"`
	ImageURL      string `json:"ImageURL,omitempty"`
	ImagePath     string `json:"ImagePath,omitempty"`
	AIResponse    string `json:"AIResponse,omitempty"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

func (e taskEntity) task() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		OwnerID:     e.PartitionKey,
		Title:       e.Title,
		Description: e.Description,
		Completed:   e.Completed,
		ImageURL:    e.ImageURL,
		ImagePath:   e.ImagePath,
		AIResponse:  e.AIResponse,
		CreatedAt:   time.UnixMilli(e.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(e.UpdatedAt).UTC(),
	}
}

// Insert adds a new task document stamped with the store clock.
func (s *Tables) Insert(ctx context.Context, t domain.Task) error {
	now := s.now().UTC().UnixMilli()
	ent := taskEntity{
		Entity:        aztables.Entity{PartitionKey: t.OwnerID, RowKey: t.ID},
		Title:         t.Title,
		Description:   t.Description,
		Completed:     false,
		CreatedAt:     now,
		CreatedAtType: edmInt64,
		UpdatedAt:     now,
		UpdatedAtType: edmInt64,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return err
	}
	s.publish(ctx, domain.Change{TaskID: t.ID, OwnerID: t.OwnerID, Kind: domain.TaskCreated})
	return nil
}

// Get returns a single task.
func (s *Tables) Get(ctx context.Context, id string) (domain.Task, error) {
	ent, err := s.lookup(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return ent.task(), nil
}

// List returns every task matching the filter.
func (s *Tables) List(ctx context.Context, f domain.Filter) ([]domain.Task, error) {
	opts := &aztables.ListEntitiesOptions{}
	if !f.All {
		filter := "PartitionKey eq '" + quote(f.OwnerID) + "'"
		opts.Filter = &filter
	}
	return s.query(ctx, opts)
}

// Merge applies a partial update and refreshes UpdatedAt.
func (s *Tables) Merge(ctx context.Context, id string, p domain.Patch) error {
	ent, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	upd := mergeFields(ent, p, s.now())
	if err := s.update(ctx, upd, azcore.ETagAny); err != nil {
		if errors.Is(err, errMissing) {
			return &domain.NotFoundError{ID: id}
		}
		return err
	}
	s.publish(ctx, domain.Change{TaskID: id, OwnerID: ent.PartitionKey, Kind: domain.TaskUpdated})
	return nil
}

// Flip negates Completed atomically: the write is conditional on the ETag
// read, and a conflicting writer forces a re-read.
func (s *Tables) Flip(ctx context.Context, id string) error {
	for attempt := 0; attempt < maxFlipAttempts; attempt++ {
		ent, err := s.lookup(ctx, id)
		if err != nil {
			return err
		}
		upd := mergeFields(ent, domain.Patch{Completed: domain.Bool(!ent.Completed)}, s.now())
		err = s.update(ctx, upd, azcore.ETag(ent.ETag))
		switch {
		case err == nil:
			s.publish(ctx, domain.Change{TaskID: id, OwnerID: ent.PartitionKey, Kind: domain.TaskUpdated})
			return nil
		case errors.Is(err, domain.ErrConcurrencyConflict):
			log.WithFields(log.Fields{"task": id, "attempt": attempt + 1}).Debug("flip conflict, retrying")
			continue
		case errors.Is(err, errMissing):
			return &domain.NotFoundError{ID: id}
		default:
			return err
		}
	}
	return fmt.Errorf("flip task %s: %w", id, domain.ErrConcurrencyConflict)
}

// Delete removes a task and returns the removed document.
func (s *Tables) Delete(ctx context.Context, id string) (domain.Task, error) {
	ent, err := s.lookup(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	et := azcore.ETagAny
	if _, err := s.table.DeleteEntity(ctx, ent.PartitionKey, ent.RowKey, &aztables.DeleteEntityOptions{IfMatch: &et}); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return domain.Task{}, &domain.NotFoundError{ID: id}
		}
		return domain.Task{}, err
	}
	s.publish(ctx, domain.Change{TaskID: id, OwnerID: ent.PartitionKey, Kind: domain.TaskDeleted})
	return ent.task(), nil
}

// Watch blocks, delivering change notifications until ctx is done.
func (s *Tables) Watch(ctx context.Context, fn func(domain.Change)) error {
	return s.feed.Watch(ctx, fn)
}

var errMissing = errors.New("entity missing")

// lookup resolves a task by RowKey across partitions.
func (s *Tables) lookup(ctx context.Context, id string) (*taskEntity, error) {
	// IDs are repository-issued UUIDs; anything else cannot exist and must
	// not reach the filter expression.
	if _, err := uuid.Parse(id); err != nil {
		return nil, &domain.NotFoundError{ID: id}
	}
	filter := "RowKey eq '" + id + "'"
	top := int32(1)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			return &ent, nil
		}
	}
	return nil, &domain.NotFoundError{ID: id}
}

func (s *Tables) query(ctx context.Context, opts *aztables.ListEntitiesOptions) ([]domain.Task, error) {
	pager := s.table.NewListEntitiesPager(opts)
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.task())
		}
	}
	return tasks, nil
}

func (s *Tables) update(ctx context.Context, upd map[string]any, etag azcore.ETag) error {
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
	switch statusOf(err) {
	case 0:
		return err
	case http.StatusPreconditionFailed:
		return domain.ErrConcurrencyConflict
	case http.StatusNotFound:
		return errMissing
	default:
		return err
	}
}

func (s *Tables) publish(ctx context.Context, c domain.Change) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, c); err != nil {
		log.WithError(err).WithFields(log.Fields{"task": c.TaskID, "kind": c.Kind}).Error("unable to publish change")
	}
}

func mergeFields(ent *taskEntity, p domain.Patch, now time.Time) map[string]any {
	upd := map[string]any{
		"PartitionKey":         ent.PartitionKey,
		"RowKey":               ent.RowKey,
		"UpdatedAt":            fmt.Sprint(now.UTC().UnixMilli()),
		"UpdatedAt@odata.type": edmInt64,
	}
	if p.Title != nil {
		upd["Title"] = *p.Title
	}
	if p.Description != nil {
		upd["Description"] = *p.Description
	}
	if p.Completed != nil {
		upd["Completed"] = *p.Completed
	}
	if p.ImageURL != nil {
		upd["ImageURL"] = *p.ImageURL
	}
	if p.ImagePath != nil {
		upd["ImagePath"] = *p.ImagePath
	}
	if p.AIResponse != nil {
		upd["AIResponse"] = *p.AIResponse
	}
	return upd
}

// statusOf returns the HTTP status carried by an Azure response error, or 0.
func statusOf(err error) int {
	if err == nil {
		return 0
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return -1
}

// quote escapes a value for an OData string literal.
func quote(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
