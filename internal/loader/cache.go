package loader

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Cached memoizes successful loads by URI in a bounded LRU. Concurrent loads
// of the same URI share one underlying call.
type Cached struct {
	next  Loader
	cache *lru.Cache[string, string]
	group singleflight.Group
}

var _ Loader = (*Cached)(nil)

// NewCached wraps next with an LRU of size entries.
func NewCached(next Loader, size int) (*Cached, error) {
	if size <= 0 {
		size = 128
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("document cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) Load(ctx context.Context, uri string) (string, error) {
	if v, ok := c.cache.Get(uri); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(uri, func() (any, error) {
		if v, ok := c.cache.Get(uri); ok {
			return v, nil
		}
		body, err := c.next.Load(ctx, uri)
		if err != nil {
			return "", err
		}
		c.cache.Add(uri, body)
		return body, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Len reports cached entries.
func (c *Cached) Len() int { return c.cache.Len() }
