package atlas

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func synthLasHeader(minX, minY, maxX, maxY float64) []byte {
	buf := make([]byte, lasHeaderSize)
	copy(buf, "LASF")
	put := func(off int, v float64) {
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(v))
	}
	put(lasMaxXOffset, maxX)
	put(lasMinXOffset, minX)
	put(lasMaxYOffset, maxY)
	put(lasMinYOffset, minY)
	return buf
}

func TestReadLasExtent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tile.laz")
	assert.Nil(t, os.WriteFile(path, synthLasHeader(267000, 6519000, 269499, 6521499), 0o644))

	extent, err := ReadLasExtent(path)
	assert.Nil(t, err)
	assert.Equal(t, 267000.0, extent.Min[0])
	assert.Equal(t, 6521499.0, extent.Max[1])
}

func TestParseLasHeaderBadSignature(t *testing.T) {
	buf := synthLasHeader(0, 0, 1, 1)
	copy(buf, "NOPE")
	_, err := parseLasHeader(buf)
	assert.Error(t, err)
}

func TestParseLasHeaderInvertedExtent(t *testing.T) {
	_, err := parseLasHeader(synthLasHeader(100, 0, 50, 1))
	assert.Error(t, err)
}

func TestReadLasExtentTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.laz")
	assert.Nil(t, os.WriteFile(path, []byte("LASF"), 0o644))
	_, err := ReadLasExtent(path)
	assert.Error(t, err)
}

func TestLasTileRounding(t *testing.T) {
	extent, err := parseLasHeader(synthLasHeader(267000, 6519000, 269499, 6521499))
	assert.Nil(t, err)

	tl := lasTile("x.laz", extent, RoundUp99)
	assert.Equal(t, 267000, tl.OriginX())
	assert.Equal(t, 2500.0, tl.Width())
	assert.Equal(t, 2500.0, tl.Height())

	tl = lasTile("x.laz", extent, NoRounding)
	assert.Equal(t, 2499.0, tl.Width())
}
