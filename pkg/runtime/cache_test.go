package runtime

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeWrapper counts loads and unloads; Load can be slowed to expose
// duplicate-load races.
type fakeWrapper struct {
	id       string
	loadWait time.Duration
	loads    atomic.Int64
	unloads  atomic.Int64
}

func (f *fakeWrapper) Load(ctx context.Context) error {
	if f.loadWait > 0 {
		time.Sleep(f.loadWait)
	}
	f.loads.Add(1)
	return nil
}

func (f *fakeWrapper) Unload(ctx context.Context) error {
	f.unloads.Add(1)
	return nil
}

func (f *fakeWrapper) Kind() string            { return "fake" }
func (f *fakeWrapper) SupportsStreaming() bool { return false }
func (f *fakeWrapper) Info() Info              { return Info{Kind: "fake", ModelID: f.id} }

func TestCachePutGet(t *testing.T) {
	c := NewCache(time.Hour, 8)
	w := &fakeWrapper{id: "a"}
	c.Put("fake:a", w)

	got, ok := c.Get("fake:a")
	if !ok || got != w {
		t.Fatal("cached wrapper not returned")
	}
	if _, ok := c.Get("fake:b"); ok {
		t.Fatal("unexpected hit")
	}
	if c.Len() != 1 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestCachePopExpiredRespectsTTL(t *testing.T) {
	c := NewCache(time.Hour, 8)
	c.Put("fake:a", &fakeWrapper{id: "a"})
	c.Put("fake:b", &fakeWrapper{id: "b"})

	if got := c.PopExpired(time.Now()); len(got) != 0 {
		t.Fatalf("fresh entries popped: %v", got)
	}
	got := c.PopExpired(time.Now().Add(2 * time.Hour))
	if len(got) != 2 {
		t.Fatalf("popped %d entries, want 2", len(got))
	}
	if c.Len() != 0 {
		t.Errorf("len after pop = %d", c.Len())
	}
}

// Randomized access schedule: entries touched inside the TTL window
// survive the sweep, untouched ones are popped, regardless of which
// subset gets refreshed.
func TestCacheTTLRefreshProperty(t *testing.T) {
	const ttl = 300 * time.Millisecond
	rng := rand.New(rand.NewSource(7))

	c := NewCache(ttl, 64)
	keys := make([]string, 12)
	for i := range keys {
		keys[i] = fmt.Sprintf("fake:%d", i)
		c.Put(keys[i], &fakeWrapper{id: keys[i]})
	}

	time.Sleep(200 * time.Millisecond)

	refreshed := map[string]bool{}
	for _, key := range keys {
		if rng.Intn(2) == 0 {
			if _, ok := c.Get(key); !ok {
				t.Fatalf("key %s missing before expiry", key)
			}
			refreshed[key] = true
		}
	}

	time.Sleep(200 * time.Millisecond)

	popped := map[string]bool{}
	for _, exp := range c.PopExpired(time.Now()) {
		popped[exp.Key] = true
	}
	for _, key := range keys {
		if refreshed[key] && popped[key] {
			t.Errorf("refreshed key %s was popped", key)
		}
		if !refreshed[key] && !popped[key] {
			t.Errorf("stale key %s survived", key)
		}
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(time.Hour, 2)
	a := &fakeWrapper{id: "a"}
	b := &fakeWrapper{id: "b"}
	c.Put("fake:a", a)
	time.Sleep(time.Millisecond)
	c.Put("fake:b", b)
	time.Sleep(time.Millisecond)

	// Touch a so b becomes the LRU.
	c.Get("fake:a")
	c.Put("fake:c", &fakeWrapper{id: "c"})

	if b.unloads.Load() != 1 {
		t.Errorf("lru entry not unloaded, unloads = %d", b.unloads.Load())
	}
	if _, ok := c.Get("fake:b"); ok {
		t.Error("evicted entry still resident")
	}
	if _, ok := c.Get("fake:a"); !ok {
		t.Error("recently used entry evicted")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestCacheSnapshot(t *testing.T) {
	c := NewCache(time.Hour, 8)
	c.Put("fake:a", &fakeWrapper{id: "a"})
	c.Put("fake:b", &fakeWrapper{id: "b"})

	infos := c.Snapshot()
	if len(infos) != 2 {
		t.Fatalf("snapshot = %+v", infos)
	}
	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.ModelID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("snapshot ids = %v", seen)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache(time.Hour, 32)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("fake:%d", i%4)
			c.Put(key, &fakeWrapper{id: key})
			c.Get(key)
			c.Keys()
			c.Snapshot()
		}(i)
	}
	wg.Wait()
	if c.Len() != 4 {
		t.Errorf("len = %d", c.Len())
	}
}
