package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"taskboard/domain"
)

type backend interface {
	Insert(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.Filter) ([]domain.Task, error)
	Merge(ctx context.Context, id string, p domain.Patch) error
	Flip(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) (domain.Task, error)
	Watch(ctx context.Context, fn func(domain.Change)) error
}

const (
	// listTimeout bounds a shared backing query, which outlives the
	// cancellation of any single caller.
	listTimeout = 30 * time.Second
	// genTTL keeps eviction generations well past any in-flight query.
	genTTL = 24 * time.Hour
)

var errSnapshotSuperseded = errors.New("snapshot superseded by a newer write")

// Cache wraps a store with Redis-backed snapshot caching for List. Entries
// are dropped when a change for the owner is observed, before the change is
// handed on, so a reload triggered by the notification never reads a stale
// snapshot. Every eviction also bumps a per-key generation; a query that
// started before the bump never writes its result back.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
	group singleflight.Group
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Insert(ctx context.Context, t domain.Task) error {
	if err := c.base.Insert(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, t.OwnerID)
	return nil
}

func (c *Cache) Get(ctx context.Context, id string) (domain.Task, error) {
	return c.base.Get(ctx, id)
}

// List serves snapshots from Redis when present. Concurrent misses for the
// same filter share one backing query. The shared query is detached from
// the callers' contexts; each caller stops waiting when its own ctx ends.
func (c *Cache) List(ctx context.Context, f domain.Filter) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx, f); ok {
		return tasks, nil
	}
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(f.Key(), func() (any, error) {
		qctx, cancel := context.WithTimeout(detached, listTimeout)
		defer cancel()
		gen, ok := c.generation(qctx, f)
		tasks, err := c.base.List(qctx, f)
		if err != nil {
			return nil, err
		}
		if ok {
			c.store(qctx, f, gen, tasks)
		}
		return tasks, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	tasks := res.Val.([]domain.Task)
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	return out, nil
}

func (c *Cache) Merge(ctx context.Context, id string, p domain.Patch) error {
	if err := c.base.Merge(ctx, id, p); err != nil {
		return err
	}
	c.evictTask(ctx, id)
	return nil
}

func (c *Cache) Flip(ctx context.Context, id string) error {
	if err := c.base.Flip(ctx, id); err != nil {
		return err
	}
	c.evictTask(ctx, id)
	return nil
}

func (c *Cache) Delete(ctx context.Context, id string) (domain.Task, error) {
	t, err := c.base.Delete(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, t.OwnerID)
	return t, nil
}

func (c *Cache) Watch(ctx context.Context, fn func(domain.Change)) error {
	return c.base.Watch(ctx, func(ch domain.Change) {
		c.evict(ctx, ch.OwnerID)
		fn(ch)
	})
}

func (c *Cache) load(ctx context.Context, f domain.Filter) ([]domain.Task, bool) {
	if c.redis == nil || c.ttl == 0 {
		return nil, false
	}
	key := tasksCacheKey(f)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return tasks, true
}

// generation reads the eviction generation of f's snapshot. ok is false
// when it cannot be read, in which case the result must not be stored.
func (c *Cache) generation(ctx context.Context, f domain.Filter) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, genCacheKey(f)).Int64()
	if err == redis.Nil {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	return gen, true
}

// store writes the snapshot only while f's generation still equals gen.
func (c *Cache) store(ctx context.Context, f domain.Filter, gen int64, tasks []domain.Task) {
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	genKey := genCacheKey(f)
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return errSnapshotSuperseded
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tasksCacheKey(f), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
	case errors.Is(err, errSnapshotSuperseded), errors.Is(err, redis.TxFailedErr):
		log.WithField("filter", f.Key()).Debug("discarding superseded snapshot")
	default:
		log.WithError(err).WithField("filter", f.Key()).Warn("cache store failed")
	}
}

func (c *Cache) evictTask(ctx context.Context, id string) {
	t, err := c.base.Get(ctx, id)
	if err != nil {
		c.evict(ctx, "")
		return
	}
	c.evict(ctx, t.OwnerID)
}

// evict drops the owner's snapshot and the all-owners snapshot, bumps their
// generations and detaches any in-flight shared query for them.
func (c *Cache) evict(ctx context.Context, ownerID string) {
	filters := []domain.Filter{domain.AllTasks()}
	if ownerID != "" {
		filters = append(filters, domain.OwnedBy(ownerID))
	}
	defer func() {
		for _, f := range filters {
			c.group.Forget(f.Key())
		}
	}()
	if c.redis == nil {
		return
	}
	_, err := c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, f := range filters {
			p.Incr(ctx, genCacheKey(f))
			p.Expire(ctx, genCacheKey(f), genTTL)
			p.Del(ctx, tasksCacheKey(f))
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("owner", ownerID).Warn("cache eviction failed")
	}
}

func tasksCacheKey(f domain.Filter) string {
	return "tasks:" + f.Key()
}

func genCacheKey(f domain.Filter) string {
	return "tasks:gen:" + f.Key()
}
