// Package cache is the short-TTL read cache fronting the store gateway on
// dashboard-hot paths. It is best effort: a miss or a cache failure falls
// through to the gateway. Invalidation is explicit, driven by state
// transitions and alert open/resolve events.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/kljama/netmon/internal/device"
	"github.com/kljama/netmon/internal/metrics"
)

// Key prefixes for the cached read paths.
const (
	prefixDeviceList = "devices:list:"
	prefixDevice     = "devices:detail:"
	keyRuleList      = "rules:list"
	keyISPStatus     = "interfaces:isp_status"
)

func DeviceListKey(slice string) string { return prefixDeviceList + slice }
func DeviceKey(id device.ID) string     { return prefixDevice + string(id) }
func RuleListKey() string               { return keyRuleList }
func ISPStatusKey() string              { return keyISPStatus }

type entry struct {
	value   interface{}
	expires time.Time
}

// Cache is a process-local TTL key-value map.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Get returns the cached value if present and fresh.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		metrics.CacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("hit").Inc()
	return e.value, true
}

// Set stores a value with the given TTL.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate evicts exact keys.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
}

// invalidatePrefix evicts every key under a prefix.
func (c *Cache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// OnTransition evicts the device's keys and every list slice before the next
// read; called synchronously by the state machine on went_down/recovered.
func (c *Cache) OnTransition(id device.ID) {
	c.Invalidate(DeviceKey(id), ISPStatusKey())
	c.invalidatePrefix(prefixDeviceList)
}

// OnAlertChange evicts rule aggregates when an instance opens or resolves.
func (c *Cache) OnAlertChange() {
	c.Invalidate(RuleListKey())
}

// Prune drops expired entries; called from the maintenance queue so the map
// does not accumulate dead keys between hot reads.
func (c *Cache) Prune() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}
