package blocks

import (
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Checksum computes content checksum of block bytes.
func Checksum(p []byte) Hash {
	return Hash(xxhash.Sum64(p))
}

// VerifyChecksum verifies that checksum of provided data matches the expected one.
func VerifyChecksum(addr PhysAddr, p []byte, expectedChecksum Hash) error {
	checksum := Checksum(p)
	if checksum == expectedChecksum {
		return nil
	}
	return errors.Errorf("checksum mismatch for block %d on disk %d, computed: %x, expected: %x",
		addr.Block, addr.Disk, uint64(checksum), uint64(expectedChecksum))
}
