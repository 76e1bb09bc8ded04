package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PinCache holds the unlocked PIN in memory for a bounded window. It is
// never persisted. A proactive timer clears the entry at expiry even if
// nobody reads it; Get additionally checks lazily so a stale PIN is never
// observable. A zero duration disables caching entirely (fail closed).
type PinCache struct {
	mu        sync.Mutex
	pin       []byte
	expiresAt time.Time
	timer     *time.Timer
	duration  time.Duration
}

// NewPinCache creates a cache keeping PINs for the given duration.
// Non-positive durations disable the cache.
func NewPinCache(duration time.Duration) *PinCache {
	if duration <= 0 {
		duration = 0
	}
	return &PinCache{duration: duration}
}

// Set stores pin and (re)arms the expiration timer. A no-op when caching
// is disabled.
func (c *PinCache) Set(pin string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.duration == 0 {
		return
	}

	c.clearLocked()
	c.pin = []byte(pin)
	c.expiresAt = time.Now().Add(c.duration)
	c.timer = time.AfterFunc(c.duration, c.expire)
}

// Get returns the cached PIN if one is present and not expired.
func (c *PinCache) Get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pin == nil {
		return "", false
	}
	if !time.Now().Before(c.expiresAt) {
		c.clearLocked()
		return "", false
	}
	return string(c.pin), true
}

// Cached reports whether a valid PIN is currently held.
func (c *PinCache) Cached() bool {
	_, ok := c.Get()
	return ok
}

// Clear drops the cached PIN and cancels the timer.
func (c *PinCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *PinCache) clearLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.pin != nil {
		zeroBytes(c.pin)
		c.pin = nil
	}
	c.expiresAt = time.Time{}
}

func (c *PinCache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Set may have re-armed since this timer fired.
	if c.pin == nil || time.Now().Before(c.expiresAt) {
		return
	}
	c.clearLocked()
	log.Debug().Msg("cached PIN expired")
}
