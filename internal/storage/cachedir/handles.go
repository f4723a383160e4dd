package cachedir

import (
	"container/list"
	"os"
	"sync"
	"time"
)

// handleCache keeps a bounded LRU of open file handles. Handles are
// refcounted: dropping an entry that is still in use only detaches it, and
// the file is closed once the last user releases it. Dropping a handle never
// touches the file's content.
type handleCache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	lru     *list.List // front = most recently used
	entries map[string]*list.Element
	now     func() time.Time
}

type fileHandle struct {
	name     string
	file     *os.File
	refs     int
	lastUsed time.Time
	detached bool
}

func newHandleCache(max int, ttl time.Duration, now func() time.Time) *handleCache {
	if max <= 0 {
		max = defaultMaxOpenHandles
	}
	if ttl <= 0 {
		ttl = defaultHandleTTL
	}
	if now == nil {
		now = time.Now
	}
	return &handleCache{
		max:     max,
		ttl:     ttl,
		lru:     list.New(),
		entries: make(map[string]*list.Element),
		now:     now,
	}
}

// acquire returns the cached handle for name, opening it with open on a miss.
// Every successful acquire must be paired with release.
func (c *handleCache) acquire(name string, open func() (*os.File, error)) (*fileHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[name]; ok {
		h := elem.Value.(*fileHandle)
		h.refs++
		h.lastUsed = c.now()
		c.lru.MoveToFront(elem)
		return h, nil
	}

	f, err := open()
	if err != nil {
		return nil, err
	}
	h := &fileHandle{name: name, file: f, refs: 1, lastUsed: c.now()}
	c.entries[name] = c.lru.PushFront(h)

	for c.lru.Len() > c.max {
		c.dropLocked(c.lru.Back())
	}
	return h, nil
}

func (c *handleCache) release(h *fileHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h.refs--
	if h.detached && h.refs <= 0 {
		_ = h.file.Close()
	}
}

// evict drops the handle for name, if any.
func (c *handleCache) evict(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[name]; ok {
		c.dropLocked(elem)
	}
}

// sweep drops unused handles older than the TTL and reports how many went.
func (c *handleCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	dropped := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		h := elem.Value.(*fileHandle)
		if h.refs == 0 && h.lastUsed.Before(cutoff) {
			c.dropLocked(elem)
			dropped++
		}
		elem = prev
	}
	return dropped
}

func (c *handleCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		c.dropLocked(elem)
		elem = prev
	}
}

func (c *handleCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *handleCache) dropLocked(elem *list.Element) {
	h := elem.Value.(*fileHandle)
	c.lru.Remove(elem)
	delete(c.entries, h.name)
	h.detached = true
	if h.refs <= 0 {
		_ = h.file.Close()
	}
}
