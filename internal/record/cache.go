package record

import (
	"io/fs"
	"sync"
	"time"

	"github.com/p-blackswan/designvault/internal/metrics"
)

// cacheEntry is a doubly linked list node holding a parsed README and the
// file attributes it was parsed from.
type cacheEntry struct {
	path    string
	modTime time.Time
	size    int64
	rec     *Record
	prev    *cacheEntry
	next    *cacheEntry
}

// Cache is a thread-safe LRU of parsed READMEs keyed by path. An entry is
// only served while the file's modification time and size are unchanged.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*cacheEntry
	head     *cacheEntry // most recently used (sentinel)
	tail     *cacheEntry // least recently used (sentinel)
	metrics  *metrics.Metrics
}

// NewCache creates a cache holding up to capacity READMEs.
// Panics if capacity < 1.
func NewCache(capacity int, m *metrics.Metrics) *Cache {
	if capacity < 1 {
		panic("record: cache capacity must be >= 1")
	}
	head := &cacheEntry{}
	tail := &cacheEntry{}
	head.next = tail
	tail.prev = head
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*cacheEntry, capacity),
		head:     head,
		tail:     tail,
		metrics:  m,
	}
}

// Load returns a copy of the cached record for path if info still matches.
// A stale entry is dropped.
func (c *Cache) Load(path string, info fs.FileInfo) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[path]
	hit := ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size()
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(hit)
	}
	if !hit {
		if ok {
			c.unlink(e)
			delete(c.items, path)
		}
		return nil, false
	}
	c.moveToFront(e)
	return e.rec.Clone(), true
}

// Store caches a copy of rec for path, evicting the least recently used
// entry when full.
func (c *Cache) Store(path string, info fs.FileInfo, rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[path]; ok {
		e.modTime, e.size, e.rec = info.ModTime(), info.Size(), rec.Clone()
		c.moveToFront(e)
		return
	}
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.unlink(victim)
		delete(c.items, victim.path)
	}
	e := &cacheEntry{path: path, modTime: info.ModTime(), size: info.Size(), rec: rec.Clone()}
	c.items[path] = e
	c.pushFront(e)
}

// Invalidate drops path. Returns true if it was cached.
func (c *Cache) Invalidate(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[path]
	if !ok {
		return false
	}
	c.unlink(e)
	delete(c.items, path)
	return true
}

// Len returns the number of cached READMEs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Paths returns cached paths from most to least recently used.
func (c *Cache) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := make([]string, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		paths = append(paths, cur.path)
	}
	return paths
}

// --- list operations (caller must hold lock) ---

func (c *Cache) unlink(e *cacheEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

func (c *Cache) pushFront(e *cacheEntry) {
	e.next = c.head.next
	e.prev = c.head
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache) moveToFront(e *cacheEntry) {
	c.unlink(e)
	c.pushFront(e)
}
