package tagline

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/taglinefs/tagline/blocks"
	"github.com/taglinefs/tagline/bus"
	"github.com/taglinefs/tagline/cache"
	"github.com/taglinefs/tagline/opcode"
)

// Driver presents numbered taglines on top of the RAID array behind the bus.
// Every logical block is stored twice, on two distinct disks, and all I/O
// goes through the write-back cache.
type Driver struct {
	bus   bus.Bus
	log   *zap.Logger
	cache *cache.Cache
	dir   *directory
	alloc allocator
}

// New returns new driver. It does not touch the bus; call Init before
// anything else.
func New(b bus.Bus, log *zap.Logger) *Driver {
	return &Driver{
		bus: b,
		log: log,
	}
}

// Init initializes the RAID array, formats every disk and creates maxlines
// empty taglines.
func (d *Driver) Init(maxlines uint32) error {
	initReq := opcode.Opcode{
		RequestType: opcode.Init,
		Disk:        blocks.Disks,
	}
	if _, err := bus.Call(d.bus, initReq, nil); err != nil {
		return errors.Wrap(err, "initializing raid array")
	}

	for disk := blocks.DiskID(0); disk < blocks.Disks; disk++ {
		formatReq := opcode.Opcode{
			RequestType: opcode.Format,
			Disk:        disk,
		}
		if _, err := bus.Call(d.bus, formatReq, nil); err != nil {
			return errors.Wrapf(err, "formatting disk %d", disk)
		}
	}

	d.cache = cache.New(d.bus, blocks.CacheCapacity, d.log.Named("cache"))
	d.dir = newDirectory(maxlines)
	d.alloc = allocator{}

	d.log.Info("initialized storage", zap.Uint32("maxlines", maxlines))
	return nil
}

// Write writes nblocks consecutive logical blocks starting at bnum. Writing
// at the tagline's high-water mark appends a new block; writing below it
// overwrites in place; writing above it fails.
func (d *Driver) Write(tag uint16, bnum uint32, nblocks uint8, p []byte) error {
	if err := d.checkArgs(nblocks, len(p)); err != nil {
		return err
	}
	for i := uint32(0); i < uint32(nblocks); i++ {
		chunk := p[int64(i)*blocks.BlockSize : int64(i+1)*blocks.BlockSize]
		if err := d.writeBlock(tag, bnum+i, chunk); err != nil {
			return err
		}
	}

	d.log.Debug("wrote blocks",
		zap.Uint16("tagline", tag), zap.Uint32("start", bnum), zap.Uint8("blocks", nblocks))
	return nil
}

// Read reads nblocks consecutive logical blocks starting at bnum into p.
func (d *Driver) Read(tag uint16, bnum uint32, nblocks uint8, p []byte) error {
	if err := d.checkArgs(nblocks, len(p)); err != nil {
		return err
	}
	for i := uint32(0); i < uint32(nblocks); i++ {
		chunk := p[int64(i)*blocks.BlockSize : int64(i+1)*blocks.BlockSize]
		if err := d.readBlock(tag, bnum+i, chunk); err != nil {
			return err
		}
	}

	d.log.Debug("read blocks",
		zap.Uint16("tagline", tag), zap.Uint32("start", bnum), zap.Uint8("blocks", nblocks))
	return nil
}

// Close flushes and closes the cache, closes the bus session and frees the
// directory.
func (d *Driver) Close() error {
	if d.dir == nil {
		return errors.New("driver is not initialized")
	}

	if err := d.cache.Close(); err != nil {
		return err
	}

	closeReq := opcode.Opcode{RequestType: opcode.Close}
	if _, err := bus.Call(d.bus, closeReq, nil); err != nil {
		return errors.Wrap(err, "closing raid array")
	}

	d.cache = nil
	d.dir = nil

	d.log.Info("storage closed")
	return nil
}

// CacheStats returns the aggregate counters of the block cache.
func (d *Driver) CacheStats() cache.Stats {
	return d.cache.Stats()
}

func (d *Driver) writeBlock(tag uint16, bnum uint32, p []byte) error {
	ln, err := d.line(tag)
	if err != nil {
		return err
	}

	switch {
	case bnum > ln.next():
		return errors.Errorf("write to tagline %d would leave a hole: block %d, high-water mark %d",
			tag, bnum, ln.next())

	case bnum == ln.next():
		primary, err := d.alloc.allocate()
		if err != nil {
			return err
		}
		mirror, err := d.alloc.allocateMirror(primary)
		if err != nil {
			return err
		}
		pl := blocks.Placement{Primary: primary, Mirror: mirror}
		if err := d.putBoth(pl, p); err != nil {
			return err
		}
		return ln.append(pl, blocks.Checksum(p))

	default:
		pl := ln.placements[bnum]
		if err := d.putBoth(pl, p); err != nil {
			return err
		}
		ln.sums[bnum] = blocks.Checksum(p)
		return nil
	}
}

func (d *Driver) readBlock(tag uint16, bnum uint32, p []byte) error {
	ln, err := d.line(tag)
	if err != nil {
		return err
	}
	if bnum >= ln.next() {
		return errors.Errorf("read of unallocated block %d in tagline %d, high-water mark %d",
			bnum, tag, ln.next())
	}

	primary := ln.placements[bnum].Primary
	if buf, ok := d.cache.Get(primary.Disk, primary.Block); ok {
		copy(p, buf)
		return nil
	}

	readReq := opcode.Opcode{
		RequestType: opcode.Read,
		NumBlocks:   1,
		Disk:        primary.Disk,
		BlockID:     primary.Block,
	}
	if _, err := bus.Call(d.bus, readReq, p); err != nil {
		return errors.Wrapf(err, "reading block %d of tagline %d", bnum, tag)
	}
	if err := blocks.VerifyChecksum(primary, p, ln.sums[bnum]); err != nil {
		return err
	}

	return d.cache.Put(primary.Disk, primary.Block, p)
}

func (d *Driver) putBoth(pl blocks.Placement, p []byte) error {
	if err := d.cache.Put(pl.Primary.Disk, pl.Primary.Block, p); err != nil {
		return err
	}
	return d.cache.Put(pl.Mirror.Disk, pl.Mirror.Block, p)
}

func (d *Driver) line(tag uint16) (*line, error) {
	if d.dir == nil {
		return nil, errors.New("driver is not initialized")
	}
	return d.dir.line(tag)
}

func (d *Driver) checkArgs(nblocks uint8, bufLen int) error {
	if int64(bufLen) != int64(nblocks)*blocks.BlockSize {
		return errors.Errorf("buffer size %d does not match %d blocks", bufLen, nblocks)
	}
	return nil
}
