package atlas

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/paulmach/orb"
)

// LAS public header block. LAZ files carry the same header as LAS, so the
// extent of a compressed tile can be read without decoding any points.
const (
	lasHeaderSize = 227
	lasMaxXOffset = 179
	lasMinXOffset = 187
	lasMaxYOffset = 195
	lasMinYOffset = 203
)

// ReadLasExtent reads the min/max X/Y extent from the header of a .las or
// .laz file.
func ReadLasExtent(path string) (orb.Bound, error) {
	f, err := os.Open(path)
	if err != nil {
		return orb.Bound{}, err
	}
	defer f.Close()

	buf := make([]byte, lasHeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return orb.Bound{}, fmt.Errorf("reading LAS header of %s: %w", path, err)
	}
	return parseLasHeader(buf)
}

func parseLasHeader(buf []byte) (orb.Bound, error) {
	if len(buf) < lasHeaderSize || string(buf[0:4]) != "LASF" {
		return orb.Bound{}, fmt.Errorf("not a LAS file")
	}
	f64 := func(off int) float64 {
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
	}
	maxX, minX := f64(lasMaxXOffset), f64(lasMinXOffset)
	maxY, minY := f64(lasMaxYOffset), f64(lasMinYOffset)
	if minX > maxX || minY > maxY {
		return orb.Bound{}, fmt.Errorf("LAS header has inverted extent")
	}
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}, nil
}

// lasTile converts a raw header extent to the integer-origin tile record the
// atlas stores.
func lasTile(filename string, extent orb.Bound, round DimensionRounder) Tile {
	if round == nil {
		round = NoRounding
	}
	xmin, ymin := int(extent.Min[0]), int(extent.Min[1])
	w := round(int(extent.Max[0]) - xmin)
	h := round(int(extent.Max[1]) - ymin)
	return Tile{
		Filename: filename,
		Bound: orb.Bound{
			Min: orb.Point{float64(xmin), float64(ymin)},
			Max: orb.Point{float64(xmin + w), float64(ymin + h)},
		},
	}
}
