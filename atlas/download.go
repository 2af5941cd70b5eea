package atlas

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// downloadToFile streams an HTTP response body to path, showing progress when
// the response advertises a length and bar output is enabled.
func downloadToFile(resp *http.Response, path string, showProgress bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var w io.Writer = f
	if showProgress && resp.ContentLength > 0 {
		bar := progressbar.DefaultBytes(resp.ContentLength, "downloading")
		w = io.MultiWriter(f, bar)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, err
	}
	if err := f.Sync(); err != nil {
		return n, err
	}
	return n, nil
}

// extractArchive unpacks a tar or tar.gz archive into dir, rejecting entries
// that would escape it. It returns the list of extracted tile filenames and
// the parsed sidecar mapping filenames to [xmin, ymin] origins, when present.
func extractArchive(archivePath, dir string) ([]string, map[string][2]int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var src io.Reader = f
	gz, err := gzip.NewReader(f)
	if err == nil {
		defer gz.Close()
		src = gz
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, nil, err
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}

	var names []string
	var origins map[string][2]int
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		if !validFilename(name) {
			return nil, nil, fmt.Errorf("archive entry %q is not a plain filename", hdr.Name)
		}
		if name == missingSidecarName {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, err
			}
			if err := json.Unmarshal(data, &origins); err != nil {
				return nil, nil, fmt.Errorf("parsing %s: %w", missingSidecarName, err)
			}
			continue
		}
		if err := writeArchiveEntry(filepath.Join(dir, name), tr); err != nil {
			return nil, nil, err
		}
		names = append(names, name)
	}
	return names, origins, nil
}

const missingSidecarName = "missing_coords.json"

func writeArchiveEntry(path string, src io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DownloadFiles fetches individual tiles into dir with bounded parallelism,
// skipping files that already exist locally. fetch retrieves one file body by
// name.
func DownloadFiles(ctx context.Context, dir string, names []string, parallelism int, fetch func(context.Context, string) (io.ReadCloser, error)) error {
	if parallelism <= 0 {
		parallelism = 4
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, name := range names {
		name := name
		g.Go(func() error {
			dest := filepath.Join(dir, name)
			if _, err := os.Stat(dest); err == nil {
				return nil
			}
			body, err := fetch(ctx, name)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", name, err)
			}
			defer body.Close()
			return writeArchiveEntry(dest, body)
		})
	}
	return g.Wait()
}
