package tagline

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taglinefs/tagline/blocks"
	"github.com/taglinefs/tagline/pkg/membus"
)

func newDriver(t *testing.T, maxlines uint32) (*Driver, *membus.MemBus) {
	t.Helper()

	mb := membus.New()
	d := New(mb, zap.NewNop())
	require.NoError(t, d.Init(maxlines))
	return d, mb
}

// pattern builds block content unique to (tag, bnum, version).
func pattern(tag uint16, bnum uint32, version byte) []byte {
	p := make([]byte, blocks.BlockSize)
	for i := range p {
		p[i] = version
	}
	binary.BigEndian.PutUint16(p[0:], tag)
	binary.BigEndian.PutUint32(p[2:], bnum)
	return p
}

func TestFirstWritePlacement(t *testing.T) {
	requireT := require.New(t)

	d, _ := newDriver(t, 1)

	a := pattern(0, 0, 0xA1)
	requireT.NoError(d.Write(0, 0, 1, a))

	out := make([]byte, blocks.BlockSize)
	requireT.NoError(d.Read(0, 0, 1, out))
	requireT.Equal(a, out)

	// The cursor starts at (0, 0), so the first logical block is mirrored
	// across the first two disks.
	requireT.Equal(blocks.Placement{
		Primary: blocks.PhysAddr{Disk: 0, Block: 0},
		Mirror:  blocks.PhysAddr{Disk: 1, Block: 0},
	}, d.dir.lines[0].placements[0])
}

func TestOverwriteKeepsPlacement(t *testing.T) {
	requireT := require.New(t)

	d, _ := newDriver(t, 1)

	requireT.NoError(d.Write(0, 0, 1, pattern(0, 0, 0xA1)))
	placed := d.dir.lines[0].placements[0]

	b := pattern(0, 0, 0xB2)
	requireT.NoError(d.Write(0, 0, 1, b))
	requireT.Equal(placed, d.dir.lines[0].placements[0])
	requireT.Len(d.dir.lines[0].placements, 1)

	out := make([]byte, blocks.BlockSize)
	requireT.NoError(d.Read(0, 0, 1, out))
	requireT.Equal(b, out)
}

func TestHoleRejected(t *testing.T) {
	requireT := require.New(t)

	d, _ := newDriver(t, 1)

	requireT.Error(d.Write(0, 1, 1, pattern(0, 1, 0xCC)))

	requireT.NoError(d.Write(0, 0, 1, pattern(0, 0, 0xCC)))
	requireT.Error(d.Write(0, 2, 1, pattern(0, 2, 0xCC)))
}

func TestInvalidArguments(t *testing.T) {
	requireT := require.New(t)

	d, _ := newDriver(t, 2)

	out := make([]byte, blocks.BlockSize)

	// Unknown tagline.
	requireT.Error(d.Read(2, 0, 1, out))
	requireT.Error(d.Write(2, 0, 1, out))

	// Read beyond the high-water mark.
	requireT.Error(d.Read(0, 0, 1, out))
	requireT.NoError(d.Write(0, 0, 1, pattern(0, 0, 1)))
	requireT.Error(d.Read(0, 1, 1, out))

	// Buffer size must match the block count.
	requireT.Error(d.Read(0, 0, 2, out))
	requireT.Error(d.Write(0, 1, 1, out[:10]))
}

func TestMultiBlockReadWrite(t *testing.T) {
	requireT := require.New(t)

	d, _ := newDriver(t, 1)

	const n = 5
	p := make([]byte, n*blocks.BlockSize)
	for i := 0; i < n; i++ {
		copy(p[int64(i)*blocks.BlockSize:], pattern(0, uint32(i), 0xD0))
	}
	requireT.NoError(d.Write(0, 0, n, p))

	out := make([]byte, n*blocks.BlockSize)
	requireT.NoError(d.Read(0, 0, n, out))
	requireT.Equal(p, out)

	// Partial reads see the same bytes.
	single := make([]byte, blocks.BlockSize)
	requireT.NoError(d.Read(0, 3, 1, single))
	requireT.Equal(pattern(0, 3, 0xD0), single)
}

func TestPlacementInvariants(t *testing.T) {
	requireT := require.New(t)

	d, _ := newDriver(t, 4)

	for tag := uint16(0); tag < 4; tag++ {
		for bnum := uint32(0); bnum < 50; bnum++ {
			requireT.NoError(d.Write(tag, bnum, 1, pattern(tag, bnum, 1)))
		}
	}
	// Overwrites must not disturb anything.
	for tag := uint16(0); tag < 4; tag++ {
		requireT.NoError(d.Write(tag, 7, 1, pattern(tag, 7, 2)))
	}

	seen := map[blocks.PhysAddr]bool{}
	for ti := range d.dir.lines {
		ln := &d.dir.lines[ti]
		requireT.EqualValues(len(ln.placements), ln.next())
		for _, pl := range ln.placements {
			requireT.NotEqual(pl.Primary.Disk, pl.Mirror.Disk)
			requireT.False(seen[pl.Primary])
			requireT.False(seen[pl.Mirror])
			seen[pl.Primary] = true
			seen[pl.Mirror] = true
		}
	}
}

func TestCloseFlushesAndEndsSession(t *testing.T) {
	requireT := require.New(t)

	d, mb := newDriver(t, 1)

	p := pattern(0, 0, 0xE7)
	requireT.NoError(d.Write(0, 0, 1, p))

	// Nothing on the array yet; the cache holds the only copies.
	requireT.Equal(make([]byte, blocks.BlockSize), mb.BlockBytes(blocks.PhysAddr{Disk: 0, Block: 0}))

	requireT.NoError(d.Close())

	requireT.Equal(p, mb.BlockBytes(blocks.PhysAddr{Disk: 0, Block: 0}))
	requireT.Equal(p, mb.BlockBytes(blocks.PhysAddr{Disk: 1, Block: 0}))
	requireT.False(mb.Initialized())

	requireT.Error(d.Close())
}

func TestRecoveryFromCache(t *testing.T) {
	requireT := require.New(t)

	d, mb := newDriver(t, 1)

	// 30 blocks spread placements over all 9 disks, putting some primaries
	// and some mirrors on disk 3.
	const n = 30
	for bnum := uint32(0); bnum < n; bnum++ {
		requireT.NoError(d.Write(0, bnum, 1, pattern(0, bnum, 1)))
	}
	// Overwrite a block whose primary sits on disk 3 (allocation 12).
	requireT.NoError(d.Write(0, 6, 1, pattern(0, 6, 2)))

	onFailedDisk := 0
	for _, pl := range d.dir.lines[0].placements {
		if pl.Primary.Disk == 3 || pl.Mirror.Disk == 3 {
			onFailedDisk++
		}
	}
	requireT.NotZero(onFailedDisk)

	mb.FailDisk(3)
	requireT.NoError(d.DiskSignal())

	for bnum := uint32(0); bnum < n; bnum++ {
		want := pattern(0, bnum, 1)
		if bnum == 6 {
			want = pattern(0, bnum, 2)
		}
		out := make([]byte, blocks.BlockSize)
		requireT.NoError(d.Read(0, bnum, 1, out))
		requireT.Equal(want, out)
	}

	// Recovery writes the rebuilt blocks through eagerly: allocation 12 is
	// block 6's primary at (3, 1).
	requireT.Equal(pattern(0, 6, 2), mb.BlockBytes(blocks.PhysAddr{Disk: 3, Block: 1}))
}

func TestHealthyArrayNeedsNoRecovery(t *testing.T) {
	requireT := require.New(t)

	d, mb := newDriver(t, 1)
	requireT.NoError(d.Write(0, 0, 1, pattern(0, 0, 1)))

	writes := mb.Writes
	requireT.NoError(d.DiskSignal())
	requireT.Equal(writes, mb.Writes)
}

func TestEvictionAndRecoveryUnderPressure(t *testing.T) {
	requireT := require.New(t)

	// 17 full taglines produce 2 * 17 * 256 = 8704 cache entries, which
	// overflows the 8192-entry cache and forces evictions of the earliest
	// written blocks.
	const lines = 17
	d, mb := newDriver(t, lines)

	for tag := uint16(0); tag < lines; tag++ {
		for bnum := uint32(0); bnum < blocks.MaxTaglineBlocks; bnum++ {
			requireT.NoError(d.Write(tag, bnum, 1, pattern(tag, bnum, 1)))
		}
	}
	requireT.NotZero(mb.Writes)

	// The first block of tagline 0 was evicted; reading it goes to the bus.
	reads := mb.Reads
	out := make([]byte, blocks.BlockSize)
	requireT.NoError(d.Read(0, 0, 1, out))
	requireT.Equal(pattern(0, 0, 1), out)
	requireT.Equal(reads+1, mb.Reads)

	// Fail a disk now: recovery must restore both cached and evicted
	// blocks from their surviving side.
	mb.FailDisk(5)
	requireT.NoError(d.DiskSignal())

	for _, tag := range []uint16{0, 8, lines - 1} {
		for bnum := uint32(0); bnum < blocks.MaxTaglineBlocks; bnum++ {
			requireT.NoError(d.Read(tag, bnum, 1, out))
			requireT.Equal(pattern(tag, bnum, 1), out)
		}
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	requireT := require.New(t)

	// Each write consumes two physical blocks, so the array accommodates
	// exactly Disks * BlocksPerDisk / 2 writes.
	const (
		writesTotal = blocks.Disks * blocks.BlocksPerDisk / 2
		lines       = writesTotal / blocks.MaxTaglineBlocks
	)
	d, _ := newDriver(t, lines+1)

	batch := make([]byte, 128*blocks.BlockSize)
	for tag := uint16(0); tag < lines; tag++ {
		for start := uint32(0); start < blocks.MaxTaglineBlocks; start += 128 {
			for i := uint32(0); i < 128; i++ {
				copy(batch[int64(i)*blocks.BlockSize:], pattern(tag, start+i, 1))
			}
			requireT.NoError(d.Write(tag, start, 128, batch))
		}
	}

	err := d.Write(lines, 0, 1, pattern(lines, 0, 1))
	requireT.True(errors.Is(err, ErrArrayFull))
}
