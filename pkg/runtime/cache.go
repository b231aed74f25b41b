// Copyright 2025 The LlamaFarm Authors
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

package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/llamafarm/llamafarm/pkg/logger"
)

// entry pairs a wrapper with its last-access time.
type entry struct {
	wrapper    Wrapper
	lastAccess time.Time
}

// Expired is a wrapper removed by PopExpired; the caller owns the
// unload.
type Expired struct {
	Key     string
	Wrapper Wrapper
}

// Cache holds loaded wrappers keyed kind:model_id with TTL-based
// expiry and a synchronous LRU bound.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	maxSize int
}

// NewCache builds a cache with the given idle TTL and size bound.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the wrapper for key and refreshes its last access.
func (c *Cache) Get(key string) (Wrapper, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.lastAccess = time.Now()
	return e.wrapper, true
}

// Put stores a wrapper with a fresh timestamp. At capacity the least
// recently used entry is evicted and unloaded before Put returns; its
// unload runs outside the map lock.
func (c *Cache) Put(key string, w Wrapper) {
	var evicted Expired

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.lastAccess.Before(oldest) {
				oldestKey, oldest = k, e.lastAccess
			}
		}
		evicted = Expired{Key: oldestKey, Wrapper: c.entries[oldestKey].wrapper}
		delete(c.entries, oldestKey)
	}
	c.entries[key] = &entry{wrapper: w, lastAccess: time.Now()}
	c.mu.Unlock()

	if evicted.Wrapper != nil {
		log := logger.GetLogger("runtime")
		log.Info("evicting least recently used model", "key", evicted.Key)
		if err := evicted.Wrapper.Unload(context.Background()); err != nil {
			log.Warn("unload failed during eviction", "key", evicted.Key, "error", err)
		}
	}
}

// PopExpired atomically removes every entry idle longer than the TTL
// as of now. The caller unloads the returned wrappers.
func (c *Cache) PopExpired(now time.Time) []Expired {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Expired
	for key, e := range c.entries {
		if now.Sub(e.lastAccess) >= c.ttl {
			out = append(out, Expired{Key: key, Wrapper: e.wrapper})
			delete(c.entries, key)
		}
	}
	return out
}

// PopAll removes everything; used for shutdown.
func (c *Cache) PopAll() []Expired {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Expired, 0, len(c.entries))
	for key, e := range c.entries {
		out = append(out, Expired{Key: key, Wrapper: e.wrapper})
		delete(c.entries, key)
	}
	return out
}

// Keys lists the resident cache keys.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len reports the number of resident wrappers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns Info for every resident wrapper without touching
// access times.
func (c *Cache) Snapshot() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Info, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.wrapper.Info())
	}
	return out
}
