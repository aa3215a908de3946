package db

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cache is a small string cache in front of lookups that are stable for the
// life of a row, such as a user's Transfers category id.
type Cache struct {
	inner *ristretto.Cache
}

func NewCache(maxItems int64) (*Cache, error) {
	if maxItems <= 0 {
		maxItems = 10000
	}
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10, // number of keys to track frequency of
		MaxCost:     maxItems,
		BufferItems: 64, // number of keys per Get buffer
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	return &Cache{inner: inner}, nil
}

func (c *Cache) Get(key string) (string, bool) {
	v, ok := c.inner.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores value and waits for the write to become visible.
func (c *Cache) Set(key, value string) {
	c.inner.Set(key, value, 1)
	c.inner.Wait()
}

// Del drops key, for example after the row behind it was deleted.
func (c *Cache) Del(key string) {
	c.inner.Del(key)
}

func (c *Cache) Close() {
	c.inner.Close()
}
