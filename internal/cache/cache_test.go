package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := New(10, time.Minute)
	c.Put("ry_key", Entry{KeyID: "k1", OwnerID: "o1"})

	e, ok := c.Get("ry_key")
	if !ok {
		t.Fatal("expected a hit")
	}
	if e.KeyID != "k1" || e.OwnerID != "o1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.ExpiresAt.IsZero() {
		t.Error("expected ExpiresAt to be set")
	}
	if _, ok := c.Get("ry_other"); ok {
		t.Error("expected a miss for an unknown key")
	}
}

func TestExpiry(t *testing.T) {
	c := New(10, 50*time.Millisecond)
	c.Put("ry_key", Entry{KeyID: "k1"})
	time.Sleep(120 * time.Millisecond)
	if _, ok := c.Get("ry_key"); ok {
		t.Error("expected entry to expire")
	}
}

func TestBounded(t *testing.T) {
	c := New(3, time.Minute)
	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("key-%d", i), Entry{KeyID: fmt.Sprint(i)})
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get("key-0"); ok {
		t.Error("expected oldest entry to be evicted")
	}
	if _, ok := c.Get("key-9"); !ok {
		t.Error("expected newest entry to remain")
	}
}

func TestRemoveAndPurge(t *testing.T) {
	c := New(10, time.Minute)
	c.Put("a", Entry{})
	c.Put("b", Entry{})
	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be removed")
	}
	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Len after purge = %d", c.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := fmt.Sprintf("key-%d", i%5)
			c.Put(k, Entry{KeyID: k})
			c.Get(k)
		}(i)
	}
	wg.Wait()
	if c.Len() != 5 {
		t.Errorf("Len = %d, want 5", c.Len())
	}
}
