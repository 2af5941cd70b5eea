package atlas

import (
	"context"
	"log"
	"os"
)

// VerifyReport summarizes an atlas-versus-storage consistency check.
type VerifyReport struct {
	Indexed      int
	MissingFiles []string // indexed but absent from storage
	OrphanFiles  []string // stored but absent from the atlas
}

func (r VerifyReport) Clean() bool {
	return len(r.MissingFiles) == 0 && len(r.OrphanFiles) == 0
}

// Verify cross-checks an atlas against the files actually present in the
// data directory.
func Verify(ctx context.Context, logger *log.Logger, atlasPath, dataDir string, round DimensionRounder) (VerifyReport, error) {
	idx, err := LoadAtlasFile(logger, atlasPath, DefaultSeekPadding, round)
	if err != nil {
		return VerifyReport{}, err
	}
	bucket, err := OpenBucket(ctx, dataDir)
	if err != nil {
		return VerifyReport{}, err
	}
	defer bucket.Close()

	report := VerifyReport{Indexed: idx.Len()}
	for _, t := range idx.Tiles() {
		ok, err := bucket.Exists(ctx, t.Filename)
		if err != nil {
			return report, err
		}
		if !ok {
			report.MissingFiles = append(report.MissingFiles, t.Filename)
		}
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		// dataDir may be a remote bucket URL; orphan detection needs a
		// local listing and is skipped otherwise.
		return report, nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := idx.Lookup(e.Name()); !ok {
			report.OrphanFiles = append(report.OrphanFiles, e.Name())
		}
	}
	return report, nil
}
