// Package cache holds the last known quote per symbol. The controller
// falls back to a recent cached price when a quote call fails, so a
// transient gateway hiccup does not stall the trailing ratchet.
package cache

import (
	"sync"
	"time"
)

type quoteEntry struct {
	price     float64
	updatedAt time.Time
}

// QuoteCache is a concurrency-safe last-price store.
type QuoteCache struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

func NewQuoteCache() *QuoteCache {
	return &QuoteCache{items: make(map[string]quoteEntry)}
}

// Set stores the latest price for a symbol.
func (c *QuoteCache) Set(symbol string, price float64) {
	c.mu.Lock()
	c.items[symbol] = quoteEntry{price: price, updatedAt: time.Now()}
	c.mu.Unlock()
}

// Get returns the cached price for a symbol.
func (c *QuoteCache) Get(symbol string) (float64, bool) {
	c.mu.RLock()
	entry, ok := c.items[symbol]
	c.mu.RUnlock()
	return entry.price, ok
}

// Fresh returns the cached price only if it is younger than maxAge.
func (c *QuoteCache) Fresh(symbol string, maxAge time.Duration) (float64, bool) {
	c.mu.RLock()
	entry, ok := c.items[symbol]
	c.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > maxAge {
		return 0, false
	}
	return entry.price, true
}

// Delete removes a symbol, typically after its leg is realized.
func (c *QuoteCache) Delete(symbol string) {
	c.mu.Lock()
	delete(c.items, symbol)
	c.mu.Unlock()
}

// Len reports the number of cached symbols.
func (c *QuoteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
