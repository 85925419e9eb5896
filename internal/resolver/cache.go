package resolver

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCacheSize bounds the number of remembered socket tuples.
const DefaultCacheSize = 256

// owner is a cached resolution result. found=false records a failed lookup.
type owner struct {
	name  string
	found bool
}

// ownerCache is a fixed-capacity map that evicts the least recently accessed key
// when an insert would exceed capacity. It is not synchronized; Resolver guards it.
type ownerCache struct {
	lru *simplelru.LRU[string, owner]
}

func newOwnerCache(size int) (*ownerCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	l, err := simplelru.NewLRU[string, owner](size, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create owner cache: %w", err)
	}
	return &ownerCache{lru: l}, nil
}

// get marks the key as most recently used on a hit.
func (c *ownerCache) get(key string) (owner, bool) {
	return c.lru.Get(key)
}

func (c *ownerCache) put(key string, value owner) {
	c.lru.Add(key, value)
}

func (c *ownerCache) len() int {
	return c.lru.Len()
}
