package atlas

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildLidarAtlas(t *testing.T) {
	dataDir := t.TempDir()
	assert.Nil(t, os.WriteFile(filepath.Join(dataDir, "a.laz"),
		synthLasHeader(267000, 6519000, 269499, 6521499), 0o644))
	assert.Nil(t, os.WriteFile(filepath.Join(dataDir, "b.laz"),
		synthLasHeader(269500, 6519000, 271999, 6521499), 0o644))
	assert.Nil(t, os.WriteFile(filepath.Join(dataDir, "broken.laz"), []byte("junk"), 0o644))
	assert.Nil(t, os.WriteFile(filepath.Join(dataDir, "notes.txt"), []byte("ignore me"), 0o644))

	out := t.TempDir()
	atlasPath := filepath.Join(out, "atlas.json")
	mapPath := filepath.Join(out, "map.json")

	idx, err := BuildLidarAtlas(context.Background(), discardLogger(), dataDir, atlasPath, mapPath, 2, false)
	assert.Nil(t, err)
	assert.Equal(t, 2, idx.Len())

	loaded, err := LoadAtlasFile(discardLogger(), atlasPath, 0, RoundUp99)
	assert.Nil(t, err)
	tl, ok := loaded.Lookup("b.laz")
	assert.True(t, ok)
	assert.Equal(t, 269500, tl.OriginX())
	assert.Equal(t, 2500.0, tl.Width())

	data, err := os.ReadFile(mapPath)
	assert.Nil(t, err)
	var m map[string][2]int
	assert.Nil(t, json.Unmarshal(data, &m))
	assert.Equal(t, [2]int{267000, 6519000}, m["a.laz"])
}

func TestBuildLidarAtlasEmptyDir(t *testing.T) {
	_, err := BuildLidarAtlas(context.Background(), discardLogger(), t.TempDir(),
		filepath.Join(t.TempDir(), "atlas.json"), "", 2, false)
	assert.Error(t, err)
}

func TestBuildVectorAtlasFromMap(t *testing.T) {
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "map.json")
	m := map[string][2]int{
		"tile_10000_20000.gpkg": {10000, 20000},
		"tile_20000_20000.gpkg": {20000, 20000},
	}
	data, err := json.Marshal(m)
	assert.Nil(t, err)
	assert.Nil(t, os.WriteFile(mapPath, data, 0o644))

	atlasPath := filepath.Join(dir, "atlas.json")
	idx, err := BuildVectorAtlasFromMap(mapPath, atlasPath, 0)
	assert.Nil(t, err)
	assert.Equal(t, 2, idx.Len())

	loaded, err := LoadAtlasFile(discardLogger(), atlasPath, 0, nil)
	assert.Nil(t, err)
	tl, ok := loaded.Lookup("tile_20000_20000.gpkg")
	assert.True(t, ok)
	assert.Equal(t, 30000.0, tl.Bound.Max[0])
}

func TestRegisterDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	entry := RegistryEntry{Kind: "lidar", AtlasPath: "/a.json", DataDirectory: "/tiles"}

	assert.Nil(t, RegisterDataset(path, "city", entry))

	reg, err := LoadRegistry(path)
	assert.Nil(t, err)
	assert.Equal(t, entry, reg["city"])

	entry.AtlasPath = "/b.json"
	assert.Nil(t, RegisterDataset(path, "city", entry))
	reg, err = LoadRegistry(path)
	assert.Nil(t, err)
	assert.Equal(t, "/b.json", reg["city"].AtlasPath)
}

func TestVerifyReportsMissingAndOrphans(t *testing.T) {
	dir := t.TempDir()
	assert.Nil(t, os.WriteFile(filepath.Join(dir, "a.laz"), []byte("x"), 0o644))
	assert.Nil(t, os.WriteFile(filepath.Join(dir, "orphan.laz"), []byte("y"), 0o644))

	idx := NewIndex(0)
	idx.Add(tile(0, 0, 2500, 2500, "a.laz"))
	idx.Add(tile(2500, 0, 2500, 2500, "gone.laz"))
	atlasPath := filepath.Join(t.TempDir(), "atlas.json")
	assert.Nil(t, WriteAtlasFile(atlasPath, idx, KindLidar))

	report, err := Verify(context.Background(), discardLogger(), atlasPath, dir, nil)
	assert.Nil(t, err)
	assert.False(t, report.Clean())
	assert.Equal(t, []string{"gone.laz"}, report.MissingFiles)
	assert.Equal(t, []string{"orphan.laz"}, report.OrphanFiles)
}
