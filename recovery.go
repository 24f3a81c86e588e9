package tagline

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/taglinefs/tagline/blocks"
	"github.com/taglinefs/tagline/bus"
	"github.com/taglinefs/tagline/opcode"
)

// DiskSignal handles a suspected disk failure. It polls the status of every
// disk, then reformats each failed one and rebuilds its blocks from the
// surviving mirrors, preferring the cache over the bus as the source.
func (d *Driver) DiskSignal() error {
	if d.dir == nil {
		return errors.New("driver is not initialized")
	}

	var failed []blocks.DiskID
	for disk := blocks.DiskID(0); disk < blocks.Disks; disk++ {
		statusReq := opcode.Opcode{
			RequestType: opcode.Status,
			Disk:        disk,
		}
		resp, err := bus.Call(d.bus, statusReq, nil)
		if err != nil {
			return errors.Wrapf(err, "querying status of disk %d", disk)
		}
		if resp.BlockID == opcode.DiskFailed {
			failed = append(failed, disk)
		}
	}

	for _, disk := range failed {
		d.log.Info("disk failed, rebuilding", zap.Uint8("disk", uint8(disk)))
		if err := d.rebuildDisk(disk); err != nil {
			return err
		}
		d.log.Info("disk rebuilt", zap.Uint8("disk", uint8(disk)))
	}

	return nil
}

func (d *Driver) rebuildDisk(disk blocks.DiskID) error {
	formatReq := opcode.Opcode{
		RequestType: opcode.Format,
		Disk:        disk,
	}
	if _, err := bus.Call(d.bus, formatReq, nil); err != nil {
		return errors.Wrapf(err, "formatting failed disk %d", disk)
	}

	buf := make([]byte, blocks.BlockSize)
	for ti := range d.dir.lines {
		ln := &d.dir.lines[ti]
		for bi, pl := range ln.placements {
			var lost, alive blocks.PhysAddr
			switch disk {
			case pl.Primary.Disk:
				lost, alive = pl.Primary, pl.Mirror
			case pl.Mirror.Disk:
				lost, alive = pl.Mirror, pl.Primary
			default:
				continue
			}

			if err := d.recoverBlock(ln, bi, lost, alive, buf); err != nil {
				return err
			}
		}
	}

	return nil
}

// recoverBlock restores one side of a placement from the other. The bytes
// are placed in the cache under the lost address and eagerly written through
// to the reformatted disk.
func (d *Driver) recoverBlock(ln *line, bnum int, lost, alive blocks.PhysAddr, buf []byte) error {
	if cached, ok := d.cache.Get(alive.Disk, alive.Block); ok {
		copy(buf, cached)
	} else {
		readReq := opcode.Opcode{
			RequestType: opcode.Read,
			NumBlocks:   1,
			Disk:        alive.Disk,
			BlockID:     alive.Block,
		}
		if _, err := bus.Call(d.bus, readReq, buf); err != nil {
			return errors.Wrapf(err, "reading surviving copy of block %d on disk %d", alive.Block, alive.Disk)
		}
		if err := blocks.VerifyChecksum(alive, buf, ln.sums[bnum]); err != nil {
			return err
		}
		if err := d.cache.Put(alive.Disk, alive.Block, buf); err != nil {
			return err
		}
	}

	if err := d.cache.Put(lost.Disk, lost.Block, buf); err != nil {
		return err
	}

	writeReq := opcode.Opcode{
		RequestType: opcode.Write,
		NumBlocks:   1,
		Disk:        lost.Disk,
		BlockID:     lost.Block,
	}
	if _, err := bus.Call(d.bus, writeReq, buf); err != nil {
		return errors.Wrapf(err, "restoring block %d on disk %d", lost.Block, lost.Disk)
	}

	return nil
}
