// Package cache provides query-result caching for the HTTP service layer,
// with in-memory and redis backends. Cached entries are serialized query
// responses; every mutating archive operation invalidates the storage area
// it touched.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

// ErrCacheMiss is returned when a key is not present in the cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores serialized query results.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// InvalidateArea drops every cached result for one storage area.
	InvalidateArea(ctx context.Context, area string) error
	Close() error
}

// QueryKey builds a cache key for one query against one storage area. The
// query string is hashed so arbitrary identifiers produce bounded keys.
func QueryKey(area, kind, query string) string {
	h := fnv.New64a()
	h.Write([]byte(query))
	return fmt.Sprintf("qrindex:%s:%s:%x", area, kind, h.Sum64())
}

func areaPrefix(area string) string {
	return "qrindex:" + area + ":"
}
