package cache_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/infra/cache"
)

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	c.Set("regra:AGENDAR", "v1")
	val, ok := c.Get("regra:AGENDAR")
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val != "v1" {
		t.Errorf("expected 'v1', got '%s'", val)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected cache miss for nonexistent key")
	}
}

func TestCache_Expiration(t *testing.T) {
	c := cache.New[string](50 * time.Millisecond)
	defer c.Close()

	c.Set("key1", "value1")
	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected cache entry to be expired")
	}
}

func TestCache_Delete(t *testing.T) {
	c := cache.New[string](5 * time.Minute)
	defer c.Close()

	c.Set("key1", "value1")
	c.Delete("key1")

	if _, ok := c.Get("key1"); ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestCache_SetIfAbsent(t *testing.T) {
	c := cache.New[bool](5 * time.Minute)
	defer c.Close()

	if !c.SetIfAbsent("dedup:whatsapp:wamid.1", true) {
		t.Fatal("first claim should succeed")
	}
	if c.SetIfAbsent("dedup:whatsapp:wamid.1", true) {
		t.Fatal("second claim should fail")
	}
}

func TestCache_SetIfAbsentAfterExpiry(t *testing.T) {
	c := cache.New[bool](time.Hour)
	defer c.Close()

	if !c.SetIfAbsentTTL("k", true, 20*time.Millisecond) {
		t.Fatal("first claim should succeed")
	}
	time.Sleep(50 * time.Millisecond)
	if !c.SetIfAbsentTTL("k", true, 20*time.Millisecond) {
		t.Fatal("claim after expiry should succeed")
	}
}

func TestCache_SetIfAbsentConcurrent(t *testing.T) {
	c := cache.New[bool](5 * time.Minute)
	defer c.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.SetIfAbsent("same", true) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins.Load())
	}
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := cache.New[int](10 * time.Millisecond)
	c.Close()
	c.Close()
}
