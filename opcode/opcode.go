package opcode

import (
	"github.com/pkg/errors"

	"github.com/taglinefs/tagline/blocks"
)

// RequestType is the enum of commands understood by the RAID bus.
type RequestType uint8

// Request types carried in the topmost byte of the opcode.
const (
	Init RequestType = iota
	Format
	Read
	Write
	Close
	Status
)

// DiskFailed is the health sentinel returned in the block_id field of a STATUS
// response when the queried disk has failed.
const DiskFailed blocks.BlockID = 2

// Opcode is the decoded form of the 64-bit bus word. The same shape is used
// for requests and responses; a response echoes the request with the status
// bit reporting the outcome.
//
// Layout, MSB first:
//
//	63-56 request type | 55-48 number of blocks | 47-40 disk number |
//	39-33 reserved     | 32 status              | 31-0 block id
type Opcode struct {
	RequestType RequestType
	NumBlocks   uint8
	Disk        blocks.DiskID
	Status      uint8
	BlockID     blocks.BlockID
}

// Encode packs the opcode fields into the 64-bit bus word.
func (o Opcode) Encode() uint64 {
	word := uint64(o.RequestType)
	word = word<<8 | uint64(o.NumBlocks)
	word = word<<8 | uint64(o.Disk)
	word = word << 7 // reserved
	word = word<<1 | uint64(o.Status&1)
	word = word<<32 | uint64(o.BlockID)
	return word
}

// Decode unpacks the 64-bit bus word into its fields.
func Decode(word uint64) Opcode {
	return Opcode{
		BlockID:     blocks.BlockID(word & 0xFFFFFFFF),
		Status:      uint8(word >> 32 & 0x1),
		Disk:        blocks.DiskID(word >> 40 & 0xFF),
		NumBlocks:   uint8(word >> 48 & 0xFF),
		RequestType: RequestType(word >> 56 & 0xFF),
	}
}

// CheckResponse validates that the response echoes the request and reports
// success. The block_id echo is not checked for STATUS requests because the
// bus returns disk health there instead.
func CheckResponse(req, resp Opcode) error {
	if req.RequestType != resp.RequestType {
		return errors.Errorf("bus response mismatch: request type %d, got %d", req.RequestType, resp.RequestType)
	}
	if req.NumBlocks != resp.NumBlocks {
		return errors.Errorf("bus response mismatch: number of blocks %d, got %d", req.NumBlocks, resp.NumBlocks)
	}
	if req.Disk != resp.Disk {
		return errors.Errorf("bus response mismatch: disk %d, got %d", req.Disk, resp.Disk)
	}
	if resp.Status != 0 {
		return errors.Errorf("bus request %d failed on disk %d, block %d", req.RequestType, req.Disk, req.BlockID)
	}
	if req.RequestType != Status && req.BlockID != resp.BlockID {
		return errors.Errorf("bus response mismatch: block %d, got %d", req.BlockID, resp.BlockID)
	}
	return nil
}
