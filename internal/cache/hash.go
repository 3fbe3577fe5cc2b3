package cache

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/buildwatch/internal/artifact"
)

// HashCache remembers content hashes by file metadata so unchanged files are
// not re-read between rebuilds. Keys combine path, modification time and
// size; a changed file gets a new key and the stale one ages out.
type HashCache struct {
	entries    map[string]*hashEntry
	mutex      sync.Mutex
	maxEntries int
	head       *hashEntry
	tail       *hashEntry

	hits   int64
	misses int64
}

type hashEntry struct {
	key  string
	hash string
	prev *hashEntry
	next *hashEntry
}

// NewHashCache creates a hash cache bounded to maxEntries.
func NewHashCache(maxEntries int) *HashCache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c := &HashCache{
		entries:    make(map[string]*hashEntry),
		maxEntries: maxEntries,
		head:       &hashEntry{},
		tail:       &hashEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// MetadataKey builds the cache key for a file.
func MetadataKey(path string, info os.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", path, info.ModTime().UnixNano(), info.Size())
}

// FileHash returns the content hash of path, reading the file only when its
// metadata changed since the last call.
func (c *HashCache) FileHash(path string) (string, error) {
	// Stat first: a metadata hit needs no file I/O at all.
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := MetadataKey(path, info)
	if hash, ok := c.Get(key); ok {
		return hash, nil
	}

	hash, err := artifact.HashFile(path)
	if err != nil {
		return "", err
	}
	c.Set(key, hash)
	return hash, nil
}

// Get retrieves a cached hash.
func (c *HashCache) Get(key string) (string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return "", false
	}
	c.removeFromList(entry)
	c.addToFront(entry)
	atomic.AddInt64(&c.hits, 1)
	return entry.hash, true
}

// Set stores a hash, evicting the least recently used entry when full.
func (c *HashCache) Set(key, hash string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.hash = hash
		c.removeFromList(entry)
		c.addToFront(entry)
		return
	}

	for len(c.entries) >= c.maxEntries && c.tail.prev != c.head {
		lru := c.tail.prev
		c.removeFromList(lru)
		delete(c.entries, lru.key)
	}

	entry := &hashEntry{key: key, hash: hash}
	c.entries[key] = entry
	c.addToFront(entry)
}

// Len returns the number of cached hashes.
func (c *HashCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// GetHitRate returns the cache hit rate as a fraction (0.0 to 1.0)
func (c *HashCache) GetHitRate() float64 {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

func (c *HashCache) addToFront(entry *hashEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *HashCache) removeFromList(entry *hashEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
}
