package cache

import (
	"unsafe"

	"github.com/taglinefs/tagline/blocks"
)

const (
	// alignment specifies the alignment requirements of the architecture
	alignment = 8

	// EntryHeaderSize is the size of the header stored in front of every cached block.
	// This magic ensures that the header size is a multiplication of 8, meaning that block data following the header are
	// correctly aligned.
	EntryHeaderSize = (int64(unsafe.Sizeof(header{})-1)/alignment + 1) * alignment

	// EntrySize is the size of one cache entry stored in memory.
	EntrySize = blocks.BlockSize + EntryHeaderSize
)

// entryState is the enum representing the state of a cache entry.
type entryState byte

// Enum of possible entry states
const (
	freeEntryState entryState = iota
	liveEntryState
)

// nilSlot terminates the recency and free lists.
const nilSlot int32 = -1

// header stores the metadata of a cached block. Prev points towards the
// most recently used entry, Next towards the least recently used one.
type header struct {
	Disk  uint32
	Block uint32
	Prev  int32
	Next  int32
	State entryState
}
