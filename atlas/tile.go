package atlas

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// Kind selects the persisted atlas shape and the discovery wire format of a
// dataset: "lidar" datasets use a nested x/y catalog with integer origins,
// "vector" datasets use a flat catalog keyed "tile_<x>_<y>".
type Kind string

const (
	KindLidar  Kind = "lidar"
	KindVector Kind = "vector"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindLidar:
		return KindLidar, nil
	case KindVector:
		return KindVector, nil
	}
	return "", fmt.Errorf("%w: unknown dataset kind %q", ErrBadRequest, s)
}

// Tile is one immutable prebuilt unit of data. Filename is unique within a
// dataset and safe to use as a path component; Bound is the tile rectangle in
// the dataset's projected CRS.
type Tile struct {
	Filename string
	Bound    orb.Bound
}

func (t Tile) OriginX() int { return int(t.Bound.Min[0]) }
func (t Tile) OriginY() int { return int(t.Bound.Min[1]) }

func (t Tile) Width() float64  { return t.Bound.Max[0] - t.Bound.Min[0] }
func (t Tile) Height() float64 { return t.Bound.Max[1] - t.Bound.Min[1] }

// Descriptor is the discovery wire element for lidar datasets. Vector
// discovery responses carry bare filenames instead.
type Descriptor struct {
	Filename string  `json:"filename"`
	XMin     float64 `json:"xmin"`
	YMin     float64 `json:"ymin"`
	XMax     float64 `json:"xmax"`
	YMax     float64 `json:"ymax"`
}

func (t Tile) Descriptor() Descriptor {
	return Descriptor{
		Filename: t.Filename,
		XMin:     t.Bound.Min[0],
		YMin:     t.Bound.Min[1],
		XMax:     t.Bound.Max[0],
		YMax:     t.Bound.Max[1],
	}
}

// NewBound validates and builds a query rectangle. A degenerate (zero-area)
// rectangle is allowed; an inverted one is not.
func NewBound(minx, miny, maxx, maxy float64) (orb.Bound, error) {
	if minx > maxx || miny > maxy {
		return orb.Bound{}, fmt.Errorf("%w: invalid bbox: min must be <= max", ErrBadRequest)
	}
	return orb.Bound{Min: orb.Point{minx, miny}, Max: orb.Point{maxx, maxy}}, nil
}

// Contains reports whether sup fully covers sub (closed on equality). Used by
// the client's superset-skip registry.
func Contains(sup, sub orb.Bound) bool {
	return sup.Min[0] <= sub.Min[0] && sup.Min[1] <= sub.Min[1] &&
		sup.Max[0] >= sub.Max[0] && sup.Max[1] >= sub.Max[1]
}

// DimensionRounder adjusts stored tile dimensions on load. The reference
// lidar dataset stores nominally-2500-unit tiles as 2499; RoundUp99 promotes
// any dimension ending in "99" by one so extents line up.
type DimensionRounder func(int) int

func RoundUp99(v int) int {
	if v >= 0 && strings.HasSuffix(fmt.Sprintf("%d", v), "99") {
		return v + 1
	}
	return v
}

func NoRounding(v int) int { return v }
