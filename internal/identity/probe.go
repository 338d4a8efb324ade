package identity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober reports whether a native vector search capability is usable
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// CapabilityCache memoizes a probe result. With a positive ttl the result is
// refreshed once it is older than ttl; otherwise it lives until Invalidate.
type CapabilityCache struct {
	prober Prober
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time

	mu        sync.Mutex
	known     bool
	available bool
	checkedAt time.Time
}

// NewCapabilityCache creates a cache around p
func NewCapabilityCache(p Prober, ttl time.Duration, logger *logrus.Logger) *CapabilityCache {
	return &CapabilityCache{
		prober: p,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Available returns the cached probe result, probing when needed.
// A failed probe counts as unavailable.
func (c *CapabilityCache) Available(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.known && (c.ttl <= 0 || c.now().Sub(c.checkedAt) < c.ttl) {
		return c.available
	}

	ok, err := c.prober.Probe(ctx)
	if err != nil {
		c.logger.Warnf("Native vector search probe failed: %v", err)
		ok = false
	}
	if ok != c.available || !c.known {
		c.logger.Infof("Native vector search available: %v", ok)
	}

	c.known = true
	c.available = ok
	c.checkedAt = c.now()
	return ok
}

// Invalidate drops the cached result
func (c *CapabilityCache) Invalidate() {
	c.mu.Lock()
	c.known = false
	c.mu.Unlock()
}
