package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// memcached treats relative expirations longer than this as absolute unix times
const maxMemcachedExpiry = 30 * 24 * 60 * 60

type MemcachedCacheStore struct {
	Client *memcache.Client
	// in seconds, as memcached wants it
	Expiry int32
}

var _ CacheStore = (*MemcachedCacheStore)(nil)

func NewMemcachedCacheStore(servers []string, ttl time.Duration) *MemcachedCacheStore {
	expiry := int32(ttl.Seconds())
	if ttl.Seconds() > maxMemcachedExpiry {
		// clamp at 30 days minus a minute
		expiry = maxMemcachedExpiry - 60
	}
	return &MemcachedCacheStore{
		Client: memcache.New(servers...),
		Expiry: expiry,
	}
}

// the memcache client has no context support; ctx is accepted to satisfy the interface
func (s *MemcachedCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	item, err := s.Client.Get(redisCacheKey(name, key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(item.Value), nil
}

func (s *MemcachedCacheStore) Set(ctx context.Context, name, key string, val string) error {
	return s.Client.Set(&memcache.Item{
		Key:        redisCacheKey(name, key),
		Value:      []byte(val),
		Expiration: s.Expiry,
	})
}

func (s *MemcachedCacheStore) Purge(ctx context.Context, name, key string) error {
	err := s.Client.Delete(redisCacheKey(name, key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}
