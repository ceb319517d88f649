// Package cache maintains the externally consumed set of active member
// page links in Redis. The set is advisory: this process is the only
// writer, other processes read it, and nothing here is a source of truth.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bandmonitor/internal/config"
)

const opTimeout = 5 * time.Second

// SetStore is the external set-valued cache consumed by the link publisher.
type SetStore interface {
	ReplaceSet(ctx context.Context, members []string) error
	ReadSet(ctx context.Context) ([]string, error)
	Add(ctx context.Context, member string) error
	Remove(ctx context.Context, member string) error
	Close() error
}

// RedisSet implements SetStore on a single Redis set. Every operation
// carries a bounded retry policy: on failure the connection is dropped
// and the same operation is attempted exactly once more, immediately.
type RedisSet struct {
	cfg     config.Redis
	enabled bool

	mu     sync.Mutex
	client *redis.Client
}

var _ SetStore = (*RedisSet)(nil)

// New creates a Redis-backed set store. With enabled=false every
// operation becomes a no-op, which is how the sync feature gate is
// implemented: callers never need to know the gate exists.
func New(cfg config.Redis, enabled bool) *RedisSet {
	return &RedisSet{cfg: cfg, enabled: enabled}
}

// ReplaceSet atomically swaps the set's members for the given slice.
func (r *RedisSet) ReplaceSet(ctx context.Context, members []string) error {
	if !r.enabled {
		return nil
	}
	return r.withRetry(ctx, func(ctx context.Context, client *redis.Client) error {
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.cfg.SetKey)
			if len(members) > 0 {
				pipe.SAdd(ctx, r.cfg.SetKey, membersToAny(members)...)
			}
			return nil
		})
		return err
	})
}

// ReadSet returns the current members of the set.
func (r *RedisSet) ReadSet(ctx context.Context) ([]string, error) {
	if !r.enabled {
		return nil, nil
	}
	var members []string
	err := r.withRetry(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		members, err = client.SMembers(ctx, r.cfg.SetKey).Result()
		return err
	})
	return members, err
}

// Add inserts a single member.
func (r *RedisSet) Add(ctx context.Context, member string) error {
	if !r.enabled {
		return nil
	}
	return r.withRetry(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.SAdd(ctx, r.cfg.SetKey, member).Err()
	})
}

// Remove deletes a single member.
func (r *RedisSet) Remove(ctx context.Context, member string) error {
	if !r.enabled {
		return nil
	}
	return r.withRetry(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.SRem(ctx, r.cfg.SetKey, member).Err()
	})
}

// Close releases the underlying connection if one was ever opened.
func (r *RedisSet) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// withRetry runs op against a connected client, reconnecting and
// retrying once on failure. Two failures in a row surface the last error.
func (r *RedisSet) withRetry(ctx context.Context, op func(context.Context, *redis.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	client, err := r.connect(ctx)
	if err == nil {
		if err = op(ctx, client); err == nil {
			return nil
		}
	}

	r.reset()
	client, connErr := r.connect(ctx)
	if connErr != nil {
		return fmt.Errorf("redis reconnect after %v: %w", err, connErr)
	}
	if err := op(ctx, client); err != nil {
		return fmt.Errorf("redis operation failed after retry: %w", err)
	}
	return nil
}

func (r *RedisSet) connect(ctx context.Context) (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		r.client = redis.NewClient(&redis.Options{
			Addr:         r.cfg.Addr,
			Password:     r.cfg.Password,
			DB:           r.cfg.DB,
			DialTimeout:  opTimeout,
			ReadTimeout:  opTimeout,
			WriteTimeout: opTimeout,
		})
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return r.client, nil
}

func (r *RedisSet) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		_ = r.client.Close()
		r.client = nil
	}
}

func membersToAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
