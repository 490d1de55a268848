package gmt

import (
	"sync/atomic"

	"github.com/s417-lama/massivethreads-dm/internal/spin"
)

// A Cache is one refcounted local copy of a distributed object span.
// Its buffer covers the contiguous range from the first to one past
// the last block a localize call touched; blocks records the sorted
// unique block base pointers that produced it. A cache with a nonzero
// refcount is reachable from exactly one directory; when the count
// drops to zero the record unregisters itself and the buffer is
// dropped.
type Cache struct {
	refCount int64
	buf      []byte
	base     Ptr
	blocks   []Ptr
	dir      *CacheDir
}

func newCache(buf []byte, base Ptr, blocks []Ptr, dir *CacheDir) *Cache {
	return &Cache{refCount: 1, buf: buf, base: base, blocks: blocks, dir: dir}
}

// Buf returns the cache buffer.
func (c *Cache) Buf() []byte { return c.buf }

// Base returns the global pointer the buffer's first byte mirrors.
func (c *Cache) Base() Ptr { return c.base }

// Blocks returns the sorted unique block bases covered.
func (c *Cache) Blocks() []Ptr { return c.blocks }

// RefCount returns the current reference count.
func (c *Cache) RefCount() int64 { return atomic.LoadInt64(&c.refCount) }

// TryIncr increments the refcount unless it already fell to zero,
// which means the record is being torn down and must not be reused.
func (c *Cache) TryIncr() bool {
	for {
		n := atomic.LoadInt64(&c.refCount)
		if n <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&c.refCount, n, n+1) {
			return true
		}
	}
}

// Decr drops one reference, unregistering and freeing the record when
// the last one goes away.
func (c *Cache) Decr() {
	if atomic.AddInt64(&c.refCount, -1) == 0 {
		c.dir.unregister(c)
		c.buf = nil
		c.blocks = nil
	}
}

// contains reports whether blocks is a subsequence of the cache's
// block list. Both lists are sorted, so one forward scan suffices.
func (c *Cache) contains(blocks []Ptr) bool {
	j := 0
	for _, b := range c.blocks {
		if b == blocks[j] {
			j++
			if j == len(blocks) {
				return true
			}
		}
	}
	return false
}

// A CacheDir tracks the live caches of one distributed object.
type CacheDir struct {
	lock   spin.RWLock
	caches []*Cache
}

func newCacheDir(poll func()) *CacheDir {
	d := &CacheDir{}
	d.lock.Init(poll)
	return d
}

// Find returns a registered cache whose block list contains blocks as
// a subsequence, or nil.
func (d *CacheDir) Find(blocks []Ptr) *Cache {
	if len(blocks) == 0 {
		return nil
	}
	d.lock.RLock()
	var found *Cache
	for _, c := range d.caches {
		if c.contains(blocks) {
			found = c
			break
		}
	}
	d.lock.RUnlock()
	return found
}

// Register adds a freshly populated cache to the directory.
func (d *CacheDir) Register(c *Cache) {
	d.lock.WLock()
	d.caches = append(d.caches, c)
	d.lock.WUnlock()
}

func (d *CacheDir) unregister(c *Cache) {
	d.lock.WLock()
	for i, x := range d.caches {
		if x == c {
			d.caches = append(d.caches[:i], d.caches[i+1:]...)
			d.lock.WUnlock()
			return
		}
	}
	panic("gmt: unregister of unknown cache")
}

// NewCacheRecord builds a cache record for Register. The buffer must
// be transport-registered memory.
func NewCacheRecord(buf []byte, base Ptr, blocks []Ptr, dir *CacheDir) *Cache {
	return newCache(buf, base, blocks, dir)
}
