package atlas

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// BuildLidarAtlas scans a directory of .las/.laz files, reads each header,
// and writes the nested atlas plus the filename-to-origin map. Headers are
// read with bounded parallelism; files with unreadable headers are logged and
// skipped.
func BuildLidarAtlas(ctx context.Context, logger *log.Logger, dataDir, atlasPath, mapPath string, parallelism int, showProgress bool) (*Index, error) {
	if parallelism <= 0 {
		parallelism = 8
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".las" || ext == ".laz" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.Default(int64(len(names)), "scanning headers")
	}

	idx := NewIndex(DefaultSeekPadding)
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, name := range names {
		name := name
		g.Go(func() error {
			extent, err := ReadLasExtent(filepath.Join(dataDir, name))
			if bar != nil {
				bar.Add(1)
			}
			if err != nil {
				logger.Printf("skipping %s: %v", name, err)
				return nil
			}
			t := lasTile(name, extent, RoundUp99)
			mu.Lock()
			idx.Add(t)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if idx.Len() == 0 {
		return nil, fmt.Errorf("no readable tiles found in %s", dataDir)
	}

	if err := WriteAtlasFile(atlasPath, idx, KindLidar); err != nil {
		return nil, err
	}
	if mapPath != "" {
		if err := WriteOriginMap(mapPath, idx); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// BuildVectorAtlasFromMap writes a flat atlas from a filename-to-origin map
// produced when the vector tiles were cut. Tile size is uniform.
func BuildVectorAtlasFromMap(mapPath, atlasPath string, tileSize float64) (*Index, error) {
	if tileSize <= 0 {
		tileSize = vectorTileSize
	}
	data, err := os.ReadFile(mapPath)
	if err != nil {
		return nil, err
	}
	var m map[string][2]int
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing origin map %s: %w", mapPath, err)
	}
	idx := NewIndex(DefaultSeekPadding)
	for name, o := range m {
		idx.Add(Tile{
			Filename: name,
			Bound: orb.Bound{
				Min: orb.Point{float64(o[0]), float64(o[1])},
				Max: orb.Point{float64(o[0]) + tileSize, float64(o[1]) + tileSize},
			},
		})
	}
	if idx.Len() == 0 {
		return nil, fmt.Errorf("origin map %s is empty", mapPath)
	}
	if err := WriteAtlasFile(atlasPath, idx, KindVector); err != nil {
		return nil, err
	}
	return idx, nil
}
