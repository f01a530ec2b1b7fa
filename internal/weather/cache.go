package weather

import (
	"sort"
	"sync"
	"time"
)

type Entry struct {
	State     State     `json:"state"`
	Main      string    `json:"main"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache holds the last known weather per city. Entries never expire; a failed fetch
// leaves the previous entry in place.
type Cache struct {
	mu sync.RWMutex
	m  map[string]Entry
}

func NewCache() *Cache {
	return &Cache{m: map[string]Entry{}}
}

// Get returns Clear for unknown cities and for "".
func (c *Cache) Get(city string) State {
	if e, ok := c.Lookup(city); ok {
		return e.State
	}
	return Clear
}

func (c *Cache) Lookup(city string) (Entry, bool) {
	if city == "" {
		return Entry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[city]
	return e, ok
}

func (c *Cache) Put(city string, e Entry) {
	if city == "" {
		return
	}
	c.mu.Lock()
	c.m[city] = e
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func (c *Cache) Cities() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.m))
	for k := range c.m {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}
