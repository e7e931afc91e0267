package cache

import (
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c := New[string](NoExpiration, 0)
	c.Set("a", "1", DefaultExpiration)
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("got %q, %v", v, ok)
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("unexpected hit")
	}
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("delete did not remove item")
	}
}

func TestExpiration(t *testing.T) {
	c := New[int](10*time.Millisecond, 0)
	c.Set("short", 1, DefaultExpiration)
	c.Set("forever", 2, NoExpiration)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Fatal("expired item returned")
	}
	if _, ok := c.Get("forever"); !ok {
		t.Fatal("non-expiring item missing")
	}
	c.DeleteExpired()
	if c.Len() != 1 {
		t.Fatalf("got %d items after DeleteExpired", c.Len())
	}
}

func TestMaxItems(t *testing.T) {
	c := New[int](NoExpiration, 2)
	c.Set("a", 1, DefaultExpiration)
	c.Set("b", 2, DefaultExpiration)
	c.Set("c", 3, DefaultExpiration)
	if c.Len() != 2 {
		t.Fatalf("got %d items, want 2", c.Len())
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("newest item evicted")
	}
	// overwriting an existing key never evicts
	c.Set("c", 4, DefaultExpiration)
	if c.Len() != 2 {
		t.Fatalf("got %d items after overwrite", c.Len())
	}
}
