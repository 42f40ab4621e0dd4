package jit

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"emujit/pkg/tcg/region"
)

// Key identifies a translation: the guest pc plus the cpu flags that
// influenced decoding.
type Key struct {
	PC    uint64
	Flags uint32
}

func (k Key) hash() uint64 {
	var b [12]byte
	binary.LittleEndian.PutUint64(b[:8], k.PC)
	binary.LittleEndian.PutUint32(b[8:], k.Flags)
	return xxhash.Sum64(b[:])
}

const cacheShards = 64

// Cache maps keys to published units. Entries whose unit was invalidated
// are dropped on lookup.
type Cache struct {
	shards [cacheShards]cacheShard
}

type cacheShard struct {
	mu    sync.RWMutex
	units map[Key]*region.Unit
}

func newCache() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].units = make(map[Key]*region.Unit)
	}
	return c
}

func (c *Cache) shard(k Key) *cacheShard {
	return &c.shards[k.hash()%cacheShards]
}

func (c *Cache) Lookup(k Key) *region.Unit {
	s := c.shard(k)
	s.mu.RLock()
	u := s.units[k]
	s.mu.RUnlock()
	if u == nil || !u.Invalid() {
		return u
	}
	s.mu.Lock()
	if s.units[k] == u {
		delete(s.units, k)
	}
	s.mu.Unlock()
	return nil
}

// Insert records u for k unless a valid unit is already cached, in which
// case that one is returned.
func (c *Cache) Insert(k Key, u *region.Unit) *region.Unit {
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.units[k]; old != nil && !old.Invalid() {
		return old
	}
	s.units[k] = u
	return u
}

// Remove drops the entry for k and returns its unit.
func (c *Cache) Remove(k Key) *region.Unit {
	s := c.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.units[k]
	delete(s.units, k)
	return u
}

func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.units)
		s.mu.RUnlock()
	}
	return n
}

func (c *Cache) Flush() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		clear(s.units)
		s.mu.Unlock()
	}
}

const jumpCacheBits = 12

// jumpCache is a compiler-private direct-mapped front for Cache.
type jumpCache struct {
	entries [1 << jumpCacheBits]jumpEntry
}

type jumpEntry struct {
	key  Key
	unit *region.Unit
	gen  uint64
}

func (j *jumpCache) slot(k Key) *jumpEntry {
	return &j.entries[k.hash()&(1<<jumpCacheBits-1)]
}

func (j *jumpCache) lookup(k Key, gen uint64) *region.Unit {
	e := j.slot(k)
	if e.unit == nil || e.key != k || e.gen != gen || e.unit.Invalid() {
		return nil
	}
	return e.unit
}

func (j *jumpCache) insert(k Key, u *region.Unit, gen uint64) {
	*j.slot(k) = jumpEntry{key: k, unit: u, gen: gen}
}
