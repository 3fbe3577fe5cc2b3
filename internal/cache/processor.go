// Package cache holds the in-process caches shared across builds: a
// reference counted LRU of expensive processors and a metadata-keyed file
// hash cache.
package cache

import (
	"sync"
	"sync/atomic"
)

// ProcessorCache shares immutable processors (markdown engines and the like)
// keyed by a hash of their configuration. Entries in use are never evicted;
// idle entries beyond maxEntries are dropped least recently used first.
type ProcessorCache[V any] struct {
	entries    map[string]*processorEntry[V]
	mutex      sync.Mutex
	maxEntries int
	// LRU list of idle and in-use entries, most recent at the front
	head *processorEntry[V]
	tail *processorEntry[V]

	hits      int64
	misses    int64
	evictions int64
}

type processorEntry[V any] struct {
	key   string
	value V
	refs  int
	prev  *processorEntry[V]
	next  *processorEntry[V]
}

// NewProcessorCache creates a cache holding at most maxEntries idle
// processors. A non-positive maxEntries keeps none once released.
func NewProcessorCache[V any](maxEntries int) *ProcessorCache[V] {
	c := &ProcessorCache[V]{
		entries:    make(map[string]*processorEntry[V]),
		maxEntries: maxEntries,
		head:       &processorEntry[V]{},
		tail:       &processorEntry[V]{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Acquire returns the processor for key, building it on a miss. The caller
// must call release exactly once when done; extra calls are ignored.
// build runs under the cache lock and must not call back into the cache.
func (c *ProcessorCache[V]) Acquire(key string, build func() (V, error)) (V, func(), error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if ok {
		atomic.AddInt64(&c.hits, 1)
		c.moveToFront(entry)
	} else {
		atomic.AddInt64(&c.misses, 1)
		value, err := build()
		if err != nil {
			var zero V
			return zero, func() {}, err
		}
		entry = &processorEntry[V]{key: key, value: value}
		c.entries[key] = entry
		c.addToFront(entry)
	}
	entry.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { c.release(entry) })
	}
	return entry.value, release, nil
}

func (c *ProcessorCache[V]) release(entry *processorEntry[V]) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	entry.refs--
	c.evictIdle()
}

// evictIdle drops idle entries from the tail while over capacity.
func (c *ProcessorCache[V]) evictIdle() {
	over := len(c.entries) - c.maxEntries
	for e := c.tail.prev; over > 0 && e != c.head; {
		prev := e.prev
		if e.refs == 0 {
			c.removeFromList(e)
			delete(c.entries, e.key)
			atomic.AddInt64(&c.evictions, 1)
			over--
		}
		e = prev
	}
}

// Len returns the number of cached processors.
func (c *ProcessorCache[V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Stats returns hits, misses and evictions.
func (c *ProcessorCache[V]) Stats() (hits, misses, evictions int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses), atomic.LoadInt64(&c.evictions)
}

func (c *ProcessorCache[V]) addToFront(entry *processorEntry[V]) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *ProcessorCache[V]) removeFromList(entry *processorEntry[V]) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
}

func (c *ProcessorCache[V]) moveToFront(entry *processorEntry[V]) {
	c.removeFromList(entry)
	c.addToFront(entry)
}
