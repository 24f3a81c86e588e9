package tagline

import (
	"github.com/pkg/errors"

	"github.com/taglinefs/tagline/blocks"
)

// ErrArrayFull is returned when no physical block is left to allocate.
var ErrArrayFull = errors.New("raid array is full")

// allocator hands out fresh physical addresses. The cursor advances
// disk-major, so consecutive allocations land on different disks.
type allocator struct {
	disk  blocks.DiskID
	block blocks.BlockID
	full  bool
}

func (a *allocator) allocate() (blocks.PhysAddr, error) {
	if a.full {
		return blocks.PhysAddr{}, errors.WithStack(ErrArrayFull)
	}

	addr := blocks.PhysAddr{Disk: a.disk, Block: a.block}

	a.disk++
	if a.disk == blocks.Disks {
		a.disk = 0
		a.block++
		if a.block == blocks.BlocksPerDisk {
			a.full = true
		}
	}

	return addr, nil
}

// allocateMirror allocates an address on a disk other than the primary's.
// Consecutive allocations land on different disks, so the first candidate is
// normally disjoint already; a candidate on the primary's disk is skipped and
// the cursor advanced again. A primary at the last address of the array gets
// no mirror: the allocation fails with ErrArrayFull.
func (a *allocator) allocateMirror(primary blocks.PhysAddr) (blocks.PhysAddr, error) {
	for {
		addr, err := a.allocate()
		if err != nil {
			return blocks.PhysAddr{}, err
		}
		if addr.Disk != primary.Disk {
			return addr, nil
		}
	}
}
