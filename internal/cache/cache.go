// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides an interface and implementations for caching.
package cache

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"
)

// Cache is a simple interface defining a cache.
type Cache interface {
	Get(any) (any, error)
	Set(any, func() (any, error)) error
	GetOrSet(any, func() (any, error)) (any, error)
	Del(any)
	Clear()
}

// ErrNotExist is returned when a key does not exist in the cache.
var ErrNotExist = errors.New("does not exist")

// fn is a wrapper that allows making func() comparable.
type fn struct {
	Func func() (any, error)
}

// BoundedLRUCache is a cache with a fixed maximum entry count. Once full, the
// least-recently-used entry (by access, including Get) is evicted to make
// room for a new one. Concurrent Set/GetOrSet calls for the same key coalesce
// onto a single fetch via a per-entry sync.OnceValues.
type BoundedLRUCache struct {
	capacity int

	mu      sync.Mutex
	entries map[any]*list.Element // key -> element in order
	order   *list.List            // front = most recently used
}

type lruEntry struct {
	key  any
	once *fn
}

// NewBoundedLRUCache creates a BoundedLRUCache holding at most capacity
// entries. A non-positive capacity is treated as 1.
func NewBoundedLRUCache(capacity int) *BoundedLRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &BoundedLRUCache{
		capacity: capacity,
		entries:  make(map[any]*list.Element),
		order:    list.New(),
	}
}

func (c *BoundedLRUCache) touch(el *list.Element) {
	c.order.MoveToFront(el)
}

// Get returns the value for the given key, or ErrNotExist if absent. A
// successful Get refreshes the entry's recency.
func (c *BoundedLRUCache) Get(key any) (any, error) {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotExist
	}
	c.touch(el)
	once := el.Value.(*lruEntry).once
	c.mu.Unlock()
	val, err := once.Func()
	if err != nil {
		c.Del(key)
	}
	return val, err
}

// Set sets the value for the given key, evicting the least-recently-used
// entry first if the cache is at capacity.
func (c *BoundedLRUCache) Set(key any, fetch func() (any, error)) error {
	once := &fn{sync.OnceValues(fetch)}
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		el.Value = &lruEntry{key, once}
		c.touch(el)
	} else {
		if c.order.Len() >= c.capacity {
			c.evictOldestLocked()
		}
		el := c.order.PushFront(&lruEntry{key, once})
		c.entries[key] = el
	}
	c.mu.Unlock()
	_, err := once.Func()
	if err != nil {
		c.Del(key)
	}
	return err
}

// GetOrSet returns the value for key, computing and storing it via fetch if
// absent. Concurrent calls for the same key coalesce onto one fetch.
func (c *BoundedLRUCache) GetOrSet(key any, fetch func() (any, error)) (any, error) {
	c.mu.Lock()
	el, ok := c.entries[key]
	var once *fn
	if ok {
		once = el.Value.(*lruEntry).once
		c.touch(el)
	} else {
		if c.order.Len() >= c.capacity {
			c.evictOldestLocked()
		}
		once = &fn{sync.OnceValues(fetch)}
		el := c.order.PushFront(&lruEntry{key, once})
		c.entries[key] = el
	}
	c.mu.Unlock()
	val, err := once.Func()
	if err != nil {
		c.Del(key)
	}
	return val, err
}

// evictOldestLocked removes the least-recently-used entry. c.mu must be held.
func (c *BoundedLRUCache) evictOldestLocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.order.Remove(oldest)
	delete(c.entries, oldest.Value.(*lruEntry).key)
}

// Del deletes the value for the given key.
func (c *BoundedLRUCache) Del(key any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Clear clears the cache.
func (c *BoundedLRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[any]*list.Element)
	c.order = list.New()
}

// Len returns the current number of entries in the cache.
func (c *BoundedLRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

var _ Cache = &BoundedLRUCache{}
