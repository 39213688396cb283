package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// versionTTL bounds how long an owner's list version outlives its last write.
const versionTTL = 24 * time.Hour

var errStaleListing = errors.New("task list changed while loading")

// Cache wraps a TaskStorage with a Redis read-through cache of each owner's
// task list. Every mutation bumps the owner's list version and evicts the
// entry; a listing is only cached if the version did not move while it was
// read from the backend.
type Cache struct {
	base  domain.TaskStorage
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A nil client disables caching.
func NewCache(base domain.TaskStorage, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, ownerID); ok {
		return tasks, nil
	}
	ver, ok := c.version(ctx, ownerID)
	tasks, err := c.base.ListTasks(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if ok {
		c.storeTasks(ctx, ownerID, ver, tasks)
	}
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, ownerID, id string) (*domain.Task, error) {
	return c.base.GetTask(ctx, ownerID, id)
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	if err := c.base.InsertTask(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, t.OwnerID)
	return nil
}

func (c *Cache) ReplaceTask(ctx context.Context, t domain.Task) error {
	if err := c.base.ReplaceTask(ctx, t); err != nil {
		return err
	}
	c.evict(ctx, t.OwnerID)
	return nil
}

func (c *Cache) UpdateTaskStatus(ctx context.Context, ownerID, id string, status domain.Status) error {
	if err := c.base.UpdateTaskStatus(ctx, ownerID, id, status); err != nil {
		return err
	}
	c.evict(ctx, ownerID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, ownerID, id string) error {
	if err := c.base.DeleteTask(ctx, ownerID, id); err != nil {
		return err
	}
	c.evict(ctx, ownerID)
	return nil
}

func (c *Cache) loadTasks(ctx context.Context, ownerID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(ownerID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			log.WithError(err).WithField("user", ownerID).Debug("task cache read failed")
			_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		return nil, false
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, true
}

// version reads the owner's list version. ok is false when nothing should be
// cached.
func (c *Cache) version(ctx context.Context, ownerID string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	v, err := c.redis.Get(ctx, tasksVersionKey(ownerID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false
	}
	return v, true
}

func (c *Cache) storeTasks(ctx context.Context, ownerID, ver string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	verKey := tasksVersionKey(ownerID)
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, verKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != ver {
			return errStaleListing
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tasksCacheKey(ownerID), data, c.ttl)
			return nil
		})
		return err
	}, verKey)
	switch {
	case err == nil, errors.Is(err, errStaleListing), errors.Is(err, redis.TxFailedErr):
	default:
		log.WithError(err).WithField("user", ownerID).Debug("task cache write failed")
	}
}

func (c *Cache) evict(ctx context.Context, ownerID string) {
	if c.redis == nil {
		return
	}
	verKey := tasksVersionKey(ownerID)
	_, err := c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, verKey)
		p.Expire(ctx, verKey, versionTTL)
		p.Del(ctx, tasksCacheKey(ownerID))
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("user", ownerID).Warn("task cache eviction failed")
	}
}

func tasksCacheKey(ownerID string) string {
	return "tasks:" + ownerID
}

func tasksVersionKey(ownerID string) string {
	return "tasks:ver:" + ownerID
}
