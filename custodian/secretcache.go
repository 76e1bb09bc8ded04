package main

import (
	"fmt"
	"sync"

	"github.com/nostrium/custodian/custodian/storage"
)

// SecretCache keeps derived nip04 shared secrets per peer so repeated
// conversations do not redo the ECDH work. Entries are keyed by
// (generation, peer); Bump increments the generation whenever the active
// signing key changes, which makes every older entry unreachable. The
// bounded LRU then ages them out. A counter is used instead of comparing
// key material so that rotation to an equal-looking key still invalidates.
type SecretCache struct {
	mu         sync.Mutex
	lru        *storage.LRUCache
	generation uint64
}

// NewSecretCache creates a cache holding at most capacity secrets.
func NewSecretCache(capacity int) *SecretCache {
	return &SecretCache{lru: storage.NewLRUCache(capacity)}
}

// Get returns the cached shared secret for peer under the current key
// generation.
func (c *SecretCache) Get(peer string) ([]byte, bool) {
	c.mu.Lock()
	key := c.entryKey(peer)
	c.mu.Unlock()
	return c.lru.Get(key)
}

// Put stores the shared secret for peer under the current key generation.
func (c *SecretCache) Put(peer string, secret []byte) {
	c.mu.Lock()
	key := c.entryKey(peer)
	c.mu.Unlock()
	c.lru.Put(key, secret)
}

// Bump invalidates every cached secret. Called on active-key change.
func (c *SecretCache) Bump() {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
	c.lru.Purge()
}

// Generation returns the current key generation, for tests and logging.
func (c *SecretCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *SecretCache) entryKey(peer string) string {
	return fmt.Sprintf("%d/%s", c.generation, peer)
}
