package cache

import (
	"github.com/lpabon/godbc"
	"github.com/outofforest/photon"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/taglinefs/tagline/blocks"
	"github.com/taglinefs/tagline/bus"
	"github.com/taglinefs/tagline/opcode"
)

// Stats holds the aggregate counters of the cache.
type Stats struct {
	Inserts int
	Gets    int
	Hits    int
	Misses  int
}

// HitRatio returns the fraction of lookups served from the cache.
func (s Stats) HitRatio() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

// Cache is a write-back LRU cache of physical blocks keyed by (disk, block).
// Entries live in a single byte arena, each prefixed by its header, and the
// recency list is threaded through the headers by arena slot. The least
// recently used entry is written through to the bus when an insertion would
// exceed the capacity.
type Cache struct {
	bus      bus.Bus
	log      *zap.Logger
	capacity int32
	data     []byte
	index    map[uint64]int32

	mru, lru int32
	free     int32
	count    int32
	stats    Stats
}

// New creates new cache with a fixed maximum entry count.
func New(b bus.Bus, capacity int, log *zap.Logger) *Cache {
	godbc.Require(capacity > 0)

	c := &Cache{
		bus:      b,
		log:      log,
		capacity: int32(capacity),
		data:     make([]byte, int64(capacity)*EntrySize),
		index:    make(map[uint64]int32, capacity),
		mru:      nilSlot,
		lru:      nilSlot,
	}

	for slot := int32(0); slot < c.capacity; slot++ {
		h := c.header(slot)
		h.State = freeEntryState
		h.Prev = nilSlot
		h.Next = slot + 1
	}
	c.header(c.capacity - 1).Next = nilSlot
	c.free = 0

	return c
}

// Get returns the cached buffer for the physical address, promoting the
// entry to most recently used. The returned slice aliases cache memory and
// is only valid until the next cache operation.
func (c *Cache) Get(disk blocks.DiskID, block blocks.BlockID) ([]byte, bool) {
	c.stats.Gets++

	slot, ok := c.index[cacheKey(disk, block)]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	c.promote(slot)
	c.stats.Hits++
	return c.buffer(slot), true
}

// Put stores the buffer as the authoritative bytes for the physical address.
// An existing entry is overwritten in place; a new entry may evict the least
// recently used one by writing it through to the bus. If that write fails
// the evicted entry is retained and the put reports the error.
func (c *Cache) Put(disk blocks.DiskID, block blocks.BlockID, p []byte) error {
	godbc.Require(int64(len(p)) == blocks.BlockSize)

	if slot, ok := c.index[cacheKey(disk, block)]; ok {
		copy(c.buffer(slot), p)
		c.promote(slot)
		c.stats.Hits++
		return nil
	}

	c.stats.Misses++

	if c.count == c.capacity {
		if err := c.evictLRU(); err != nil {
			return err
		}
	}

	slot := c.free
	godbc.Check(slot != nilSlot)
	h := c.header(slot)
	c.free = h.Next

	h.Disk = uint32(disk)
	h.Block = uint32(block)
	h.State = liveEntryState
	copy(c.buffer(slot), p)

	c.linkMRU(slot)
	c.index[cacheKey(disk, block)] = slot
	c.count++
	c.stats.Inserts++

	godbc.Ensure(c.count <= c.capacity)
	godbc.Ensure(int32(len(c.index)) == c.count)
	return nil
}

// Flush writes every live entry through to the bus. Entries stay cached.
func (c *Cache) Flush() error {
	for slot := c.mru; slot != nilSlot; slot = c.header(slot).Next {
		if err := c.writeThrough(slot); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes all live entries, reports the aggregate counters and tears
// the cache down.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}

	c.log.Info("cache statistics",
		zap.Int("inserts", c.stats.Inserts),
		zap.Int("gets", c.stats.Gets),
		zap.Int("hits", c.stats.Hits),
		zap.Int("misses", c.stats.Misses),
		zap.Float64("hitRatio", c.stats.HitRatio()),
	)

	c.data = nil
	c.index = nil
	c.mru = nilSlot
	c.lru = nilSlot
	c.free = nilSlot
	c.count = 0
	return nil
}

// Stats returns the aggregate counters of the cache.
func (c *Cache) Stats() Stats {
	return c.stats
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return int(c.count)
}

func (c *Cache) evictLRU() error {
	slot := c.lru
	godbc.Check(slot != nilSlot)

	if err := c.writeThrough(slot); err != nil {
		return err
	}

	h := c.header(slot)
	c.unlink(slot)
	delete(c.index, cacheKey(blocks.DiskID(h.Disk), blocks.BlockID(h.Block)))
	c.count--

	h.State = freeEntryState
	h.Next = c.free
	c.free = slot

	return nil
}

func (c *Cache) writeThrough(slot int32) error {
	h := c.header(slot)
	godbc.Check(h.State == liveEntryState)

	req := opcode.Opcode{
		RequestType: opcode.Write,
		NumBlocks:   1,
		Disk:        blocks.DiskID(h.Disk),
		BlockID:     blocks.BlockID(h.Block),
	}
	if _, err := bus.Call(c.bus, req, c.buffer(slot)); err != nil {
		return errors.Wrapf(err, "writing back block %d on disk %d", h.Block, h.Disk)
	}
	return nil
}

func (c *Cache) promote(slot int32) {
	if c.mru == slot {
		return
	}
	c.unlink(slot)
	c.linkMRU(slot)
}

func (c *Cache) linkMRU(slot int32) {
	h := c.header(slot)
	h.Prev = nilSlot
	h.Next = c.mru
	if c.mru != nilSlot {
		c.header(c.mru).Prev = slot
	}
	c.mru = slot
	if c.lru == nilSlot {
		c.lru = slot
	}
}

func (c *Cache) unlink(slot int32) {
	h := c.header(slot)
	if h.Prev != nilSlot {
		c.header(h.Prev).Next = h.Next
	} else {
		c.mru = h.Next
	}
	if h.Next != nilSlot {
		c.header(h.Next).Prev = h.Prev
	} else {
		c.lru = h.Prev
	}
	h.Prev = nilSlot
	h.Next = nilSlot
}

func (c *Cache) header(slot int32) *header {
	return photon.NewFromBytes[header](c.data[int64(slot)*EntrySize:]).V
}

func (c *Cache) buffer(slot int32) []byte {
	offset := int64(slot)*EntrySize + EntryHeaderSize
	return c.data[offset : offset+blocks.BlockSize]
}

func cacheKey(disk blocks.DiskID, block blocks.BlockID) uint64 {
	return uint64(disk)<<32 | uint64(block)
}
