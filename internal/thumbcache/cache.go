// Package thumbcache holds a bounded set of cover images in memory.
package thumbcache

import (
	"sync"

	"github.com/h2non/filetype"
	"github.com/puzpuzpuz/xsync/v3"
)

// Entry is a cached image and its sniffed content type.
type Entry struct {
	Data        []byte
	ContentType string
}

// Cache maps keys to images. Reads never block; inserts evict the oldest
// entry once capacity is reached. A reader racing an eviction sees a miss.
type Cache struct {
	entries  *xsync.MapOf[string, Entry]
	capacity int
	maxBytes int64

	mu    sync.Mutex
	order []string
}

func New(capacity int, maxBytes int64) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		entries:  xsync.NewMapOf[string, Entry](),
		capacity: capacity,
		maxBytes: maxBytes,
		order:    make([]string, 0, capacity),
	}
}

func (c *Cache) Get(key string) (Entry, bool) {
	return c.entries.Load(key)
}

// Put stores data under key and reports whether it was cached. Images larger
// than the per-entry limit are not cached.
func (c *Cache) Put(key string, data []byte) (Entry, bool) {
	entry := Entry{Data: data, ContentType: ContentType(data)}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return entry, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries.Load(key); exists {
		c.entries.Store(key, entry)
		return entry, true
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.entries.Delete(oldest)
	}
	c.order = append(c.order, key)
	c.entries.Store(key, entry)
	return entry, true
}

func (c *Cache) Len() int {
	return c.entries.Size()
}

// ContentType sniffs the image type, defaulting to JPEG.
func ContentType(data []byte) string {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown || kind.MIME.Value == "" {
		return "image/jpeg"
	}
	return kind.MIME.Value
}
