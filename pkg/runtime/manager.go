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
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/llamafarm/llamafarm/pkg/config"
	"github.com/llamafarm/llamafarm/pkg/logger"
)

// Factory builds an unloaded wrapper for a kind and model id.
type Factory func(kind, modelID string) (Wrapper, error)

// Manager owns the wrapper cache, deduplicates concurrent loads of the
// same model, and runs the idle-unload janitor.
type Manager struct {
	cache    *Cache
	factory  Factory
	interval time.Duration

	group  singleflight.Group
	stop   chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup
}

// NewManager starts the janitor goroutine immediately.
func NewManager(settings *config.Settings, factory Factory) *Manager {
	m := &Manager{
		cache:    NewCache(settings.UnloadTimeout, settings.MaxCachedModels),
		factory:  factory,
		interval: settings.CleanupInterval,
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.janitor()
	return m
}

// Acquire returns the loaded wrapper for kind:modelID, loading it on
// first use. Concurrent acquisitions of the same key share one load.
func (m *Manager) Acquire(ctx context.Context, kind, modelID string) (Wrapper, error) {
	key := CacheKey(kind, modelID)
	if w, ok := m.cache.Get(key); ok {
		return w, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		// Another flight may have populated the cache first.
		if w, ok := m.cache.Get(key); ok {
			return w, nil
		}

		w, err := m.factory(kind, modelID)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		if err := w.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", key, err)
		}
		logger.GetLogger("runtime").Info("model loaded",
			"key", key, "elapsed", time.Since(start).Round(time.Millisecond))

		m.cache.Put(key, w)
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Wrapper), nil
}

// Snapshot lists the resident wrappers.
func (m *Manager) Snapshot() []Info { return m.cache.Snapshot() }

// Keys lists the resident cache keys.
func (m *Manager) Keys() []string { return m.cache.Keys() }

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			for _, exp := range m.cache.PopExpired(now) {
				m.unloadAsync(exp)
			}
		}
	}
}

func (m *Manager) unloadAsync(exp Expired) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log := logger.GetLogger("runtime")
		log.Info("unloading idle model", "key", exp.Key)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := exp.Wrapper.Unload(ctx); err != nil {
			log.Warn("unload failed", "key", exp.Key, "error", err)
		}
	}()
}

// Shutdown stops the janitor, then unloads every resident wrapper,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopMu.Do(func() { close(m.stop) })

	log := logger.GetLogger("runtime")
	for _, exp := range m.cache.PopAll() {
		log.Info("unloading model on shutdown", "key", exp.Key)
		if err := exp.Wrapper.Unload(ctx); err != nil {
			log.Warn("unload failed on shutdown", "key", exp.Key, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("shutdown wait cancelled", "error", ctx.Err())
	}
}
