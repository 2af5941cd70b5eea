package atlas

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// DefaultSeekPadding must be at least as large as the largest tile dimension
// in any served atlas; it widens the range seek so tiles whose origin lies
// below the query minimum are still visited.
const DefaultSeekPadding = 20000

type origin struct{ X, Y int }

// Index is an in-memory catalog of tiles ordered by integer origin: a sorted
// slice of x origins, a sorted slice of y origins per x, and the tile records
// themselves. Read-only once a server has loaded it; the client mutates its
// local copy only under the per-dataset reconcile lock.
type Index struct {
	pad    float64
	xs     []int
	ys     map[int][]int
	tiles  map[origin]Tile
	byName map[string]origin
}

func NewIndex(pad float64) *Index {
	if pad <= 0 {
		pad = DefaultSeekPadding
	}
	return &Index{
		pad:    pad,
		ys:     make(map[int][]int),
		tiles:  make(map[origin]Tile),
		byName: make(map[string]origin),
	}
}

func (idx *Index) Len() int { return len(idx.tiles) }

// Add inserts or replaces the tile at its origin, keeping both key levels
// sorted.
func (idx *Index) Add(t Tile) {
	o := origin{t.OriginX(), t.OriginY()}
	if old, ok := idx.tiles[o]; ok {
		delete(idx.byName, old.Filename)
	} else {
		col, had := idx.ys[o.X]
		if !had {
			i := sort.SearchInts(idx.xs, o.X)
			idx.xs = append(idx.xs, 0)
			copy(idx.xs[i+1:], idx.xs[i:])
			idx.xs[i] = o.X
		}
		j := sort.SearchInts(col, o.Y)
		col = append(col, 0)
		copy(col[j+1:], col[j:])
		col[j] = o.Y
		idx.ys[o.X] = col
	}
	idx.tiles[o] = t
	idx.byName[t.Filename] = o
}

// Lookup returns the tile with the given filename.
func (idx *Index) Lookup(filename string) (Tile, bool) {
	o, ok := idx.byName[filename]
	if !ok {
		return Tile{}, false
	}
	return idx.tiles[o], true
}

// Tiles returns all tiles in origin order.
func (idx *Index) Tiles() []Tile {
	out := make([]Tile, 0, len(idx.tiles))
	for _, x := range idx.xs {
		for _, y := range idx.ys[x] {
			out = append(out, idx.tiles[origin{x, y}])
		}
	}
	return out
}

// seekRange returns the position of the smallest key k in keys with
// lo <= k <= hi. keys must be sorted ascending.
func seekRange(keys []int, lo, hi int) (int, bool) {
	i := sort.SearchInts(keys, lo)
	if i < len(keys) && keys[i] <= hi {
		return i, true
	}
	return 0, false
}

// Query returns every tile whose rectangle intersects q, closed on equality.
// The scan starts at a padded seek below the query minimum and terminates
// early once tile origins pass the padded maximum.
func (idx *Index) Query(q orb.Bound) []Tile {
	if len(idx.xs) == 0 {
		return nil
	}
	pad := idx.pad
	xLo := int(math.Floor(q.Min[0] - pad))
	xHi := int(math.Ceil(q.Max[0] + pad))
	yLo := int(math.Floor(q.Min[1] - pad))
	yHi := int(math.Ceil(q.Max[1] + pad))

	var out []Tile
	i, ok := seekRange(idx.xs, xLo, xHi)
	if !ok {
		return nil
	}
	for ; i < len(idx.xs); i++ {
		x := idx.xs[i]
		if float64(x) > q.Max[0]+pad {
			break
		}
		col := idx.ys[x]
		j, ok := seekRange(col, yLo, yHi)
		if !ok {
			continue
		}
		prevTop := math.Inf(-1)
		for ; j < len(col); j++ {
			y := col[j]
			if float64(y) > q.Max[1]+pad || prevTop >= q.Max[1]+pad {
				break
			}
			t := idx.tiles[origin{x, y}]
			if t.Bound.Intersects(q) {
				out = append(out, t)
			}
			prevTop = t.Bound.Max[1]
		}
	}
	return out
}

// QueryFilenames is Query restricted to the tile identities.
func (idx *Index) QueryFilenames(q orb.Bound) []string {
	tiles := idx.Query(q)
	names := make([]string, 0, len(tiles))
	for _, t := range tiles {
		names = append(names, t.Filename)
	}
	return names
}
