// Package session stores short-lived server-side state (sign-in flows and app
// sessions) keyed by opaque ids carried in cookies.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session: not found")

// Store keeps values of type T until their TTL elapses.
type Store[T any] interface {
	Get(ctx context.Context, id string) (*T, error)
	Put(ctx context.Context, id string, v *T, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type RedisStore[T any] struct {
	client *redis.Client
	prefix string
}

func NewRedisStore[T any](client *redis.Client, prefix string) *RedisStore[T] {
	return &RedisStore[T]{client: client, prefix: prefix}
}

func (r *RedisStore[T]) key(id string) string {
	return r.prefix + id
}

func (r *RedisStore[T]) Get(ctx context.Context, id string) (*T, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	val, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}

	var v T
	if err := json.Unmarshal(val, &v); err != nil {
		return nil, fmt.Errorf("session: failed to unmarshal: %w", err)
	}
	return &v, nil
}

func (r *RedisStore[T]) Put(ctx context.Context, id string, v *T, ttl time.Duration) error {
	if id == "" {
		return errors.New("session: missing id")
	}
	if ttl <= 0 {
		return r.Delete(ctx, id)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}
	return r.client.Set(ctx, r.key(id), data, ttl).Err()
}

func (r *RedisStore[T]) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return r.client.Del(ctx, r.key(id)).Err()
}

// MemoryStore keeps values in process. Only suitable for a single replica.
type MemoryStore[T any] struct {
	cache *gocache.Cache
}

func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{cache: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (m *MemoryStore[T]) Get(_ context.Context, id string) (*T, error) {
	v, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	cp := v.(T)
	return &cp, nil
}

func (m *MemoryStore[T]) Put(_ context.Context, id string, v *T, ttl time.Duration) error {
	if id == "" {
		return errors.New("session: missing id")
	}
	if ttl <= 0 {
		m.cache.Delete(id)
		return nil
	}
	m.cache.Set(id, *v, ttl)
	return nil
}

func (m *MemoryStore[T]) Delete(_ context.Context, id string) error {
	m.cache.Delete(id)
	return nil
}

// Len reports the number of stored entries, including expired ones not yet
// evicted.
func (m *MemoryStore[T]) Len() int {
	return m.cache.ItemCount()
}
