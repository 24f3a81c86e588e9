package bus

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/taglinefs/tagline/blocks"
	"github.com/taglinefs/tagline/opcode"
)

var _ Bus = &Conn{}

// Conn is a Bus talking to a remote RAID server over a single TCP
// connection. Requests are serialized on the connection: each one is an
// 8-byte big-endian opcode followed by an 8-byte big-endian payload length
// and the payload bytes; responses are framed the same way.
type Conn struct {
	conn net.Conn
}

// Dial connects to the RAID server.
func Dial(address string) (*Conn, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Conn{conn: conn}, nil
}

// Request sends one opcode and waits for the response.
func (c *Conn) Request(req opcode.Opcode, payload []byte) (opcode.Opcode, error) {
	var out []byte
	if req.RequestType == opcode.Write {
		if int64(len(payload)) != blocks.BlockSize {
			return opcode.Opcode{}, errors.Errorf("invalid write payload size: %d", len(payload))
		}
		out = payload
	}

	var frame [16]byte
	binary.BigEndian.PutUint64(frame[:8], req.Encode())
	binary.BigEndian.PutUint64(frame[8:], uint64(len(out)))
	if _, err := c.conn.Write(frame[:]); err != nil {
		return opcode.Opcode{}, errors.WithStack(err)
	}
	if len(out) > 0 {
		if _, err := c.conn.Write(out); err != nil {
			return opcode.Opcode{}, errors.WithStack(err)
		}
	}

	if _, err := io.ReadFull(c.conn, frame[:]); err != nil {
		return opcode.Opcode{}, errors.WithStack(err)
	}
	resp := opcode.Decode(binary.BigEndian.Uint64(frame[:8]))
	respLen := binary.BigEndian.Uint64(frame[8:])

	switch {
	case respLen == 0:
	case int64(respLen) == blocks.BlockSize:
		if int64(len(payload)) != blocks.BlockSize {
			return opcode.Opcode{}, errors.Errorf("unexpected payload from server for request type %d", req.RequestType)
		}
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return opcode.Opcode{}, errors.WithStack(err)
		}
	default:
		return opcode.Opcode{}, errors.Errorf("invalid payload length from server: %d", respLen)
	}

	return resp, nil
}

// Close closes the connection to the server.
func (c *Conn) Close() error {
	return errors.WithStack(c.conn.Close())
}
