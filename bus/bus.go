package bus

import (
	"github.com/taglinefs/tagline/opcode"
)

// Bus is the synchronous request/response channel to the RAID server.
// For READ requests the server fills payload with the block bytes;
// for WRITE requests payload carries the block bytes to store.
// All other requests pass a nil payload.
type Bus interface {
	Request(req opcode.Opcode, payload []byte) (opcode.Opcode, error)
}

// Call sends the request and validates the echoed response.
func Call(b Bus, req opcode.Opcode, payload []byte) (opcode.Opcode, error) {
	resp, err := b.Request(req, payload)
	if err != nil {
		return opcode.Opcode{}, err
	}
	if err := opcode.CheckResponse(req, resp); err != nil {
		return opcode.Opcode{}, err
	}
	return resp, nil
}
