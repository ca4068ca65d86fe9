// Package blockcache caches fixed-size raster blocks per band, with
// asynchronous write-back of dirty blocks on eviction.
//
// The cache is safe for concurrent use, but callers coordinating writes
// across goroutines are expected to serialize through the dataset's
// read/write mutex; the cache only guarantees its own map consistency.
package blockcache

import (
	"fmt"
	"sync"
)

// Key addresses one block in block coordinates.
type Key struct {
	X, Y int
}

// Flusher persists one evicted dirty block. It may block (network, disk);
// evictions run it on a background worker so callers are not stalled.
type Flusher func(bx, by int, data []byte) error

type entry struct {
	data  []byte
	dirty bool
}

type flushTask struct {
	key  Key
	data []byte
}

// Cache holds up to max blocks. Eviction is FIFO; a dirty evictee is handed
// to the background flush worker. WaitPending drains that worker, which is
// what the dataset lock layer calls before admitting a first read after
// writes.
type Cache struct {
	mu     sync.Mutex
	blocks map[Key]*entry
	order  []Key
	max    int

	flush    Flusher
	tasks    chan flushTask
	pending  sync.WaitGroup
	closed   bool
	flushErr error
}

// New creates a cache bounded to max blocks. flush may be nil for read-only
// sources; dirty blocks then stay resident until Flush or Close.
func New(max int, flush Flusher) *Cache {
	if max <= 0 {
		max = 64
	}
	c := &Cache{
		blocks: make(map[Key]*entry),
		max:    max,
		flush:  flush,
		tasks:  make(chan flushTask, 16),
	}
	go c.worker()
	return c
}

func (c *Cache) worker() {
	for task := range c.tasks {
		if err := c.flush(task.key.X, task.key.Y, task.data); err != nil {
			c.mu.Lock()
			if c.flushErr == nil {
				c.flushErr = fmt.Errorf("blockcache: write-back of block (%d,%d): %w", task.key.X, task.key.Y, err)
			}
			c.mu.Unlock()
		}
		c.pending.Done()
	}
}

// Get returns the cached block and whether it was present. The returned
// slice is the cache's copy; callers mutate it only while holding the
// dataset write lock, and must call MarkDirty afterwards.
func (c *Cache) Get(bx, by int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.blocks[Key{bx, by}]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Add inserts a block, evicting the oldest resident block when full. A
// dirty evictee is queued for asynchronous write-back.
func (c *Cache) Add(bx, by int, data []byte, dirty bool) {
	key := Key{bx, by}

	c.mu.Lock()
	if e, ok := c.blocks[key]; ok {
		e.data = data
		e.dirty = e.dirty || dirty
		c.mu.Unlock()
		return
	}

	var evicted *flushTask
	if len(c.blocks) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		if old, ok := c.blocks[oldest]; ok {
			if old.dirty && c.flush != nil && !c.closed {
				evicted = &flushTask{key: oldest, data: old.data}
				c.pending.Add(1)
			}
			delete(c.blocks, oldest)
		}
	}
	c.blocks[key] = &entry{data: data, dirty: dirty}
	c.order = append(c.order, key)
	c.mu.Unlock()

	if evicted != nil {
		c.tasks <- *evicted
	}
}

// MarkDirty flags a resident block as modified.
func (c *Cache) MarkDirty(bx, by int) {
	c.mu.Lock()
	if e, ok := c.blocks[Key{bx, by}]; ok {
		e.dirty = true
	}
	c.mu.Unlock()
}

// WaitPending blocks until every queued asynchronous write-back has
// completed.
func (c *Cache) WaitPending() {
	c.pending.Wait()
}

// Flush synchronously writes every dirty resident block and drains the
// write-back queue. Blocks stay resident (clean) afterwards.
func (c *Cache) Flush() error {
	c.pending.Wait()

	c.mu.Lock()
	var dirty []flushTask
	for key, e := range c.blocks {
		if e.dirty {
			dirty = append(dirty, flushTask{key: key, data: e.data})
			e.dirty = false
		}
	}
	err := c.flushErr
	c.mu.Unlock()

	if c.flush != nil {
		for _, task := range dirty {
			if ferr := c.flush(task.key.X, task.key.Y, task.data); ferr != nil && err == nil {
				err = fmt.Errorf("blockcache: flush of block (%d,%d): %w", task.key.X, task.key.Y, ferr)
			}
		}
	}
	return err
}

// Close flushes dirty blocks, stops the write-back worker, and releases all
// resident blocks. The cache must not be used afterwards.
func (c *Cache) Close() error {
	err := c.Flush()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.tasks)
	}
	c.blocks = make(map[Key]*entry)
	c.order = nil
	c.mu.Unlock()
	return err
}

// Len reports the number of resident blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}
