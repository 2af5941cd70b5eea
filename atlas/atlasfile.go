package atlas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Two persisted atlas shapes exist in the wild. Lidar atlases are a two-level
// map of integer origins:
//
//	{"267000": {"6519000": {"filename": "a.laz", "width": 2500, "height": 2500}}}
//
// Vector atlases are a flat map keyed by tile id:
//
//	{"tile_10000_20000": {"filename": "t.gpkg", "minx": 10000, ...}}
//
// Loading auto-detects the shape; writing picks the shape from the dataset
// kind. Both load into the same Index.

type nestedEntry struct {
	Filename string      `json:"filename"`
	Width    json.Number `json:"width"`
	Height   json.Number `json:"height"`
}

type flatEntry struct {
	Filename string  `json:"filename"`
	MinX     float64 `json:"minx"`
	MinY     float64 `json:"miny"`
	MaxX     float64 `json:"maxx"`
	MaxY     float64 `json:"maxy"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

// LoadAtlasFile reads an atlas JSON file into an index. A missing or empty
// file is not an error here; callers decide whether that is fatal.
func LoadAtlasFile(logger *log.Logger, path string, pad float64, round DimensionRounder) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseAtlas(logger, data, pad, round)
}

// ParseAtlas decodes either atlas shape. Malformed entries are skipped with a
// warning; they never abort the load.
func ParseAtlas(logger *log.Logger, data []byte, pad float64, round DimensionRounder) (*Index, error) {
	if round == nil {
		round = NoRounding
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing atlas: %w", err)
	}
	idx := NewIndex(pad)
	for key, val := range raw {
		if strings.HasPrefix(key, "tile_") || bytes.Contains(val, []byte(`"minx"`)) {
			var e flatEntry
			if err := json.Unmarshal(val, &e); err != nil || e.Filename == "" {
				logger.Printf("skipping malformed atlas entry %q", key)
				continue
			}
			if e.MaxX < e.MinX+e.Width {
				e.MaxX = e.MinX + e.Width
			}
			if e.MaxY < e.MinY+e.Height {
				e.MaxY = e.MinY + e.Height
			}
			idx.Add(Tile{
				Filename: e.Filename,
				Bound:    orb.Bound{Min: orb.Point{e.MinX, e.MinY}, Max: orb.Point{e.MaxX, e.MaxY}},
			})
			continue
		}

		x, err := strconv.Atoi(key)
		if err != nil {
			logger.Printf("skipping malformed atlas entry %q: non-numeric origin", key)
			continue
		}
		var col map[string]nestedEntry
		if err := json.Unmarshal(val, &col); err != nil {
			logger.Printf("skipping malformed atlas column %q", key)
			continue
		}
		for ykey, e := range col {
			y, err := strconv.Atoi(ykey)
			if err != nil || e.Filename == "" {
				logger.Printf("skipping malformed atlas entry %s/%s", key, ykey)
				continue
			}
			w, werr := e.Width.Float64()
			h, herr := e.Height.Float64()
			if werr != nil || herr != nil {
				logger.Printf("skipping malformed atlas entry %s/%s: bad dimensions", key, ykey)
				continue
			}
			w = float64(round(int(w)))
			h = float64(round(int(h)))
			idx.Add(Tile{
				Filename: e.Filename,
				Bound: orb.Bound{
					Min: orb.Point{float64(x), float64(y)},
					Max: orb.Point{float64(x) + w, float64(y) + h},
				},
			})
		}
	}
	return idx, nil
}

// MarshalAtlas renders the index in the persisted shape for the given kind,
// with coordinate keys ordered ascending as integers on both levels.
func MarshalAtlas(idx *Index, kind Kind) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	first := true
	if kind == KindLidar {
		for _, x := range idx.xs {
			if !first {
				buf.WriteString(",")
			}
			first = false
			fmt.Fprintf(&buf, "\n  %q: {", strconv.Itoa(x))
			for j, y := range idx.ys[x] {
				t := idx.tiles[origin{x, y}]
				e, err := json.Marshal(nestedEntry{
					Filename: t.Filename,
					Width:    json.Number(strconv.Itoa(int(t.Width()))),
					Height:   json.Number(strconv.Itoa(int(t.Height()))),
				})
				if err != nil {
					return nil, err
				}
				if j > 0 {
					buf.WriteString(",")
				}
				fmt.Fprintf(&buf, "\n    %q: %s", strconv.Itoa(y), e)
			}
			buf.WriteString("\n  }")
		}
	} else {
		for _, x := range idx.xs {
			for _, y := range idx.ys[x] {
				t := idx.tiles[origin{x, y}]
				e, err := json.Marshal(flatEntry{
					Filename: t.Filename,
					MinX:     t.Bound.Min[0],
					MinY:     t.Bound.Min[1],
					MaxX:     t.Bound.Max[0],
					MaxY:     t.Bound.Max[1],
					Width:    t.Width(),
					Height:   t.Height(),
				})
				if err != nil {
					return nil, err
				}
				if !first {
					buf.WriteString(",")
				}
				first = false
				fmt.Fprintf(&buf, "\n  \"tile_%d_%d\": %s", x, y, e)
			}
		}
	}
	buf.WriteString("\n}\n")
	return buf.Bytes(), nil
}

// WriteAtlasFile persists the index with a write-to-temp-then-rename so a
// reader never observes a partial atlas.
func WriteAtlasFile(path string, idx *Index, kind Kind) error {
	data, err := MarshalAtlas(idx, kind)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteOriginMap persists the filename -> [x, y] inverse map kept alongside
// vector atlases; batch sidecars are generated from it.
func WriteOriginMap(path string, idx *Index) error {
	m := make(map[string][2]int, idx.Len())
	for _, t := range idx.Tiles() {
		m[t.Filename] = [2]int{t.OriginX(), t.OriginY()}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
