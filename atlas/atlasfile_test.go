package atlas

import (
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestParseNestedAtlas(t *testing.T) {
	data := []byte(`{
		"267000": {
			"6519000": {"filename": "09B008_67150_3375_25.laz", "width": 2499, "height": 2499}
		},
		"269500": {
			"6519000": {"filename": "09B008_67150_3400_25.laz", "width": 2500, "height": 2500}
		}
	}`)
	idx, err := ParseAtlas(discardLogger(), data, 0, RoundUp99)
	assert.Nil(t, err)
	assert.Equal(t, 2, idx.Len())

	tl, ok := idx.Lookup("09B008_67150_3375_25.laz")
	assert.True(t, ok)
	assert.Equal(t, 267000, tl.OriginX())
	assert.Equal(t, 6519000, tl.OriginY())
	// 2499 ends in 99, so the stored dimension rounds up.
	assert.Equal(t, 2500.0, tl.Width())
	assert.Equal(t, 2500.0, tl.Height())
}

func TestParseFlatAtlas(t *testing.T) {
	data := []byte(`{
		"tile_10000_20000": {"filename": "t1.gpkg", "minx": 10000, "miny": 20000, "maxx": 20000, "maxy": 30000, "width": 10000, "height": 10000}
	}`)
	idx, err := ParseAtlas(discardLogger(), data, 0, nil)
	assert.Nil(t, err)
	assert.Equal(t, 1, idx.Len())

	tl, ok := idx.Lookup("t1.gpkg")
	assert.True(t, ok)
	assert.Equal(t, 10000, tl.OriginX())
	assert.Equal(t, 30000.0, tl.Bound.Max[1])
}

func TestParseAtlasSkipsMalformed(t *testing.T) {
	data := []byte(`{
		"not-a-number": {"6519000": {"filename": "x.laz", "width": 2500, "height": 2500}},
		"267000": {
			"oops": {"filename": "y.laz", "width": 2500, "height": 2500},
			"6519000": {"filename": "ok.laz", "width": 2500, "height": 2500}
		}
	}`)
	idx, err := ParseAtlas(discardLogger(), data, 0, nil)
	assert.Nil(t, err)
	assert.Equal(t, 1, idx.Len())
	_, ok := idx.Lookup("ok.laz")
	assert.True(t, ok)
}

func TestParseAtlasRejectsNonObject(t *testing.T) {
	_, err := ParseAtlas(discardLogger(), []byte(`[1, 2, 3]`), 0, nil)
	assert.Error(t, err)
}

func TestMarshalNestedOrdering(t *testing.T) {
	idx := NewIndex(0)
	idx.Add(tile(10000, 0, 2500, 2500, "b.laz"))
	idx.Add(tile(9000, 0, 2500, 2500, "a.laz"))

	data, err := MarshalAtlas(idx, KindLidar)
	assert.Nil(t, err)
	// Keys order as integers, not lexically.
	assert.True(t, strings.Index(string(data), `"9000"`) < strings.Index(string(data), `"10000"`))
}

func TestAtlasRoundTripNested(t *testing.T) {
	idx := NewIndex(0)
	idx.Add(tile(267000, 6519000, 2500, 2500, "a.laz"))
	idx.Add(tile(269500, 6519000, 2500, 2500, "b.laz"))

	path := filepath.Join(t.TempDir(), "atlas.json")
	assert.Nil(t, WriteAtlasFile(path, idx, KindLidar))

	got, err := LoadAtlasFile(discardLogger(), path, 0, nil)
	assert.Nil(t, err)
	assert.Equal(t, 2, got.Len())
	tl, ok := got.Lookup("b.laz")
	assert.True(t, ok)
	assert.Equal(t, 269500, tl.OriginX())
}

func TestAtlasRoundTripFlat(t *testing.T) {
	idx := NewIndex(0)
	idx.Add(tile(10000, 20000, 10000, 10000, "t1.gpkg"))

	path := filepath.Join(t.TempDir(), "atlas.json")
	assert.Nil(t, WriteAtlasFile(path, idx, KindVector))

	got, err := LoadAtlasFile(discardLogger(), path, 0, nil)
	assert.Nil(t, err)
	tl, ok := got.Lookup("t1.gpkg")
	assert.True(t, ok)
	assert.Equal(t, 20000.0, tl.Bound.Max[0])
}

func TestRoundUp99(t *testing.T) {
	assert.Equal(t, 2500, RoundUp99(2499))
	assert.Equal(t, 100, RoundUp99(99))
	assert.Equal(t, 2500, RoundUp99(2500))
	assert.Equal(t, 2498, RoundUp99(2498))
	assert.Equal(t, 0, RoundUp99(0))
}
