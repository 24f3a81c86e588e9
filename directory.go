package tagline

import (
	"github.com/pkg/errors"

	"github.com/taglinefs/tagline/blocks"
)

// line is one tagline: an append-extend sequence of placements indexed by
// logical block number, plus the content checksum of the last write to each.
type line struct {
	placements []blocks.Placement
	sums       []blocks.Hash
}

// next returns the tagline's high-water mark: the only logical block number
// at which a new block may be appended.
func (ln *line) next() uint32 {
	return uint32(len(ln.placements))
}

func (ln *line) append(pl blocks.Placement, sum blocks.Hash) error {
	if len(ln.placements) == blocks.MaxTaglineBlocks {
		return errors.Errorf("tagline is full, maximum %d blocks", blocks.MaxTaglineBlocks)
	}
	ln.placements = append(ln.placements, pl)
	ln.sums = append(ln.sums, sum)
	return nil
}

// directory maps tagline numbers to their taglines. All taglines exist from
// initialization on; placements are only ever appended.
type directory struct {
	lines []line
}

func newDirectory(maxlines uint32) *directory {
	return &directory{
		lines: make([]line, maxlines),
	}
}

func (d *directory) line(tag uint16) (*line, error) {
	if int(tag) >= len(d.lines) {
		return nil, errors.Errorf("tagline %d does not exist, %d taglines in use", tag, len(d.lines))
	}
	return &d.lines[tag], nil
}
