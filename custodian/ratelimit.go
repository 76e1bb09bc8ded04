package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// evictionSweepInterval bounds how often the idle-host sweep runs, in
// Allow calls.
const evictionSweepInterval = 256

// HostLimiter applies a per-host token bucket to incoming page requests
// so one misbehaving site cannot starve the prompt pipeline. A nil
// *HostLimiter allows everything.
type HostLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	hits   int
	byHost map[string]*hostBucket
}

type hostBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewHostLimiter creates a limiter allowing rps requests per second with
// the given burst per host. Non-positive rps or burst disables limiting.
func NewHostLimiter(rps float64, burst int, idleTTL time.Duration) *HostLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &HostLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byHost:  make(map[string]*hostBucket),
	}
}

// Allow reports whether host may issue a request right now.
func (l *HostLimiter) Allow(host string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byHost[host]
	if !ok {
		b = &hostBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byHost[host] = b
	}
	b.lastSeen = now

	l.hits++
	if l.hits >= evictionSweepInterval {
		l.hits = 0
		for h, bucket := range l.byHost {
			if now.Sub(bucket.lastSeen) > l.idleTTL {
				delete(l.byHost, h)
			}
		}
	}

	return b.limiter.AllowN(now, 1)
}
