package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on top of Redis. Cursors and jobs are
// stored as JSON strings under a keyspace prefix so several deployments can
// share one Redis instance.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a new Redis storage backend
func NewRedisBackend(addr, password string, db int, prefix string) (*RedisBackend, error) {
	if prefix == "" {
		prefix = "telepool:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	return &RedisBackend{client: client, prefix: prefix}, nil
}

// Initialize tests the Redis connection
func (r *RedisBackend) Initialize(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Health checks redis availability
func (r *RedisBackend) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) cursorKey(peer string) string { return r.prefix + "cursor:" + peer }
func (r *RedisBackend) jobKey(id string) string      { return r.prefix + "job:" + id }

func (r *RedisBackend) GetCursor(ctx context.Context, peer string) (Cursor, error) {
	data, err := r.client.Get(ctx, r.cursorKey(peer)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Cursor{}, &ErrNotFound{Key: peer}
		}
		return Cursor{}, err
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor %s: %w", peer, err)
	}
	return c, nil
}

func (r *RedisBackend) SetCursor(ctx context.Context, cursor Cursor) error {
	payload, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode cursor %s: %w", cursor.Peer, err)
	}
	return r.client.Set(ctx, r.cursorKey(cursor.Peer), payload, 0).Err()
}

func (r *RedisBackend) DeleteCursor(ctx context.Context, peer string) error {
	return r.client.Del(ctx, r.cursorKey(peer)).Err()
}

func (r *RedisBackend) ListCursors(ctx context.Context) ([]Cursor, error) {
	pattern := r.prefix + "cursor:*"
	var cursors []Cursor

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		var c Cursor
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode cursor %s: %w", iter.Val(), err)
		}
		cursors = append(cursors, c)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return cursors, nil
}

func (r *RedisBackend) GetJob(ctx context.Context, id string) (FetchJob, error) {
	data, err := r.client.Get(ctx, r.jobKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return FetchJob{}, &ErrNotFound{Key: id}
		}
		return FetchJob{}, err
	}
	var j FetchJob
	if err := json.Unmarshal(data, &j); err != nil {
		return FetchJob{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (r *RedisBackend) SetJob(ctx context.Context, job FetchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return r.client.Set(ctx, r.jobKey(job.ID), payload, 0).Err()
}

func (r *RedisBackend) DeleteJob(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.jobKey(id)).Err()
}

func (r *RedisBackend) ListJobs(ctx context.Context) ([]string, error) {
	pattern := r.prefix + "job:*"
	var ids []string

	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), r.prefix+"job:"))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
