package cachestore

import (
	"context"
)

// Get returns an empty string (and no error) on a cache miss.
type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}
