package atlas

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func tile(x, y, w, h int, name string) Tile {
	return Tile{
		Filename: name,
		Bound: orb.Bound{
			Min: orb.Point{float64(x), float64(y)},
			Max: orb.Point{float64(x + w), float64(y + h)},
		},
	}
}

func TestQueryOverlap(t *testing.T) {
	idx := NewIndex(0)
	idx.Add(tile(0, 0, 100, 100, "a.laz"))

	hits := idx.Query(orb.Bound{Min: orb.Point{50, 50}, Max: orb.Point{150, 150}})
	assert.Equal(t, 1, len(hits))
	assert.Equal(t, "a.laz", hits[0].Filename)
}

func TestQueryDisjoint(t *testing.T) {
	idx := NewIndex(0)
	idx.Add(tile(0, 0, 100, 100, "a.laz"))

	hits := idx.Query(orb.Bound{Min: orb.Point{200, 200}, Max: orb.Point{300, 300}})
	assert.Equal(t, 0, len(hits))
}

func TestQueryEdgeTouch(t *testing.T) {
	idx := NewIndex(0)
	idx.Add(tile(0, 0, 100, 100, "a.laz"))

	// Intersection is closed on equality: a shared edge is a hit.
	hits := idx.Query(orb.Bound{Min: orb.Point{100, 0}, Max: orb.Point{110, 10}})
	assert.Equal(t, 1, len(hits))
}

func TestQueryEmptyIndex(t *testing.T) {
	idx := NewIndex(0)
	hits := idx.Query(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}})
	assert.Equal(t, 0, len(hits))
}

func TestQueryDegeneratePoint(t *testing.T) {
	idx := NewIndex(0)
	idx.Add(tile(0, 0, 100, 100, "a.laz"))

	hits := idx.Query(orb.Bound{Min: orb.Point{50, 50}, Max: orb.Point{50, 50}})
	assert.Equal(t, 1, len(hits))
}

func TestQueryGrid(t *testing.T) {
	idx := NewIndex(0)
	for x := 0; x < 10; x++ {
		for y := 0; y < 10; y++ {
			idx.Add(tile(x*2500, y*2500, 2500, 2500, ""))
		}
	}
	assert.Equal(t, 100, idx.Len())

	hits := idx.Query(orb.Bound{Min: orb.Point{1000, 1000}, Max: orb.Point{6000, 6000}})
	// Columns and rows 0..2 intersect [1000, 6000].
	assert.Equal(t, 9, len(hits))
}

func TestQueryPaddedSeekFindsLowOrigin(t *testing.T) {
	// The tile origin sits well below the query minimum; only the padded
	// seek makes the scan start early enough to visit it.
	idx := NewIndex(DefaultSeekPadding)
	idx.Add(tile(0, 0, 15000, 15000, "big.laz"))

	hits := idx.Query(orb.Bound{Min: orb.Point{14000, 14000}, Max: orb.Point{14500, 14500}})
	assert.Equal(t, 1, len(hits))
}

func TestSeekRange(t *testing.T) {
	keys := []int{10, 20, 30, 40}

	i, ok := seekRange(keys, 15, 35)
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	i, ok = seekRange(keys, 20, 20)
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	_, ok = seekRange(keys, 41, 50)
	assert.False(t, ok)

	_, ok = seekRange(keys, 0, 9)
	assert.False(t, ok)
}

func TestAddReplacesSameOrigin(t *testing.T) {
	idx := NewIndex(0)
	idx.Add(tile(0, 0, 100, 100, "old.laz"))
	idx.Add(tile(0, 0, 100, 100, "new.laz"))

	assert.Equal(t, 1, idx.Len())
	_, ok := idx.Lookup("old.laz")
	assert.False(t, ok)
	got, ok := idx.Lookup("new.laz")
	assert.True(t, ok)
	assert.Equal(t, "new.laz", got.Filename)
}

func TestTilesOriginOrder(t *testing.T) {
	idx := NewIndex(0)
	idx.Add(tile(9000, 0, 100, 100, "c"))
	idx.Add(tile(10000, 0, 100, 100, "d"))
	idx.Add(tile(500, 500, 100, 100, "b"))
	idx.Add(tile(500, 0, 100, 100, "a"))

	var names []string
	for _, tl := range idx.Tiles() {
		names = append(names, tl.Filename)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)
}
