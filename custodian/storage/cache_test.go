package storage

import (
	"bytes"
	"testing"
)

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(2)

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))

	// Touch a so b is the least recently used.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to be present")
	}

	c.Put("c", []byte("3"))

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if v, ok := c.Get("a"); !ok || !bytes.Equal(v, []byte("1")) {
		t.Error("expected a to survive")
	}
	if v, ok := c.Get("c"); !ok || !bytes.Equal(v, []byte("3")) {
		t.Error("expected c to be present")
	}
}

func TestLRUCachePurge(t *testing.T) {
	c := NewLRUCache(4)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after purge, got %d", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be gone after purge")
	}
}

func TestLRUCacheDelete(t *testing.T) {
	c := NewLRUCache(4)
	c.Put("a", []byte("1"))
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be gone after delete")
	}
}
