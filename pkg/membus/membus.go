package membus

import (
	"github.com/pkg/errors"

	"github.com/taglinefs/tagline/blocks"
	"github.com/taglinefs/tagline/bus"
	"github.com/taglinefs/tagline/opcode"
)

var _ bus.Bus = &MemBus{}

// MemBus simulates the RAID array in memory. It speaks the opcode
// request/response contract of the real bus, supports failure injection for
// recovery tests and counts the operations it serves.
type MemBus struct {
	disks       [][]byte
	failed      []bool
	initialized bool

	// Reads and Writes count the READ and WRITE requests served.
	Reads  int
	Writes int
}

// New returns new membus.
func New() *MemBus {
	return &MemBus{}
}

// FailDisk marks the disk as failed. Subsequent STATUS requests report it,
// and READ/WRITE requests touching it fail until the disk is formatted.
// The disk contents are discarded, as they would be on real hardware.
func (mb *MemBus) FailDisk(disk blocks.DiskID) {
	mb.failed[disk] = true
	mb.disks[disk] = make([]byte, blocks.BlocksPerDisk*blocks.BlockSize)
}

// Initialized reports whether the array is between INIT and CLOSE.
func (mb *MemBus) Initialized() bool {
	return mb.initialized
}

// BlockBytes returns a copy of the raw bytes stored at the physical address.
func (mb *MemBus) BlockBytes(addr blocks.PhysAddr) []byte {
	p := make([]byte, blocks.BlockSize)
	copy(p, mb.block(addr.Disk, addr.Block))
	return p
}

// Request serves one bus request.
func (mb *MemBus) Request(req opcode.Opcode, payload []byte) (opcode.Opcode, error) {
	resp := req

	switch req.RequestType {
	case opcode.Init:
		mb.disks = make([][]byte, blocks.Disks)
		for i := range mb.disks {
			mb.disks[i] = make([]byte, blocks.BlocksPerDisk*blocks.BlockSize)
		}
		mb.failed = make([]bool, blocks.Disks)
		mb.initialized = true

	case opcode.Format:
		if !mb.validDisk(req.Disk) {
			resp.Status = 1
			break
		}
		mb.disks[req.Disk] = make([]byte, blocks.BlocksPerDisk*blocks.BlockSize)
		mb.failed[req.Disk] = false

	case opcode.Read:
		mb.Reads++
		if !mb.healthyTarget(req) || int64(len(payload)) != blocks.BlockSize {
			resp.Status = 1
			break
		}
		copy(payload, mb.block(req.Disk, req.BlockID))

	case opcode.Write:
		mb.Writes++
		if !mb.healthyTarget(req) || int64(len(payload)) != blocks.BlockSize {
			resp.Status = 1
			break
		}
		copy(mb.block(req.Disk, req.BlockID), payload)

	case opcode.Status:
		if !mb.validDisk(req.Disk) {
			resp.Status = 1
			break
		}
		if mb.failed[req.Disk] {
			resp.BlockID = opcode.DiskFailed
		} else {
			resp.BlockID = 0
		}

	case opcode.Close:
		mb.initialized = false

	default:
		return opcode.Opcode{}, errors.Errorf("unknown request type: %d", req.RequestType)
	}

	return resp, nil
}

func (mb *MemBus) validDisk(disk blocks.DiskID) bool {
	return mb.initialized && int(disk) < len(mb.disks)
}

func (mb *MemBus) healthyTarget(req opcode.Opcode) bool {
	return mb.validDisk(req.Disk) && !mb.failed[req.Disk] &&
		req.BlockID < blocks.BlocksPerDisk && req.NumBlocks == 1
}

func (mb *MemBus) block(disk blocks.DiskID, block blocks.BlockID) []byte {
	offset := int64(block) * blocks.BlockSize
	return mb.disks[disk][offset : offset+blocks.BlockSize]
}
