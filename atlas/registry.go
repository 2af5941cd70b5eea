package atlas

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryEntry describes one served dataset.
type RegistryEntry struct {
	Kind          string `json:"kind"`
	AtlasPath     string `json:"atlas_path"`
	DataDirectory string `json:"data_directory"`
	// MapPath points at the filename -> origin map written by the builder.
	// Optional: the server can derive the same mapping from the atlas.
	MapPath string `json:"map_path,omitempty"`
	// RoundUp99 enables the dataset quirk that promotes stored tile
	// dimensions ending in 99 by one. Defaults to true for lidar datasets.
	RoundUp99 *bool `json:"round_up_99,omitempty"`
}

// Registry maps dataset names to their backing files.
type Registry map[string]RegistryEntry

func LoadRegistry(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing dataset registry %s: %w", path, err)
	}
	return reg, nil
}

// SaveRegistry rewrites the registry atomically.
func SaveRegistry(path string, reg Registry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// RegisterDataset inserts or replaces one entry in the registry file,
// creating the file when absent.
func RegisterDataset(path, name string, entry RegistryEntry) error {
	reg, err := LoadRegistry(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		reg = Registry{}
	}
	reg[name] = entry
	return SaveRegistry(path, reg)
}

func (e RegistryEntry) rounder() DimensionRounder {
	if e.RoundUp99 != nil {
		if *e.RoundUp99 {
			return RoundUp99
		}
		return NoRounding
	}
	if Kind(e.Kind) == KindLidar {
		return RoundUp99
	}
	return NoRounding
}
