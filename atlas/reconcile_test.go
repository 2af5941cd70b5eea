package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

type trafficCounter struct {
	next    http.Handler
	hits    int64
	batches [][]string
}

func (c *trafficCounter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&c.hits, 1)
	if r.URL.Path == "/datasets/lidar/batch" {
		body, _ := io.ReadAll(r.Body)
		var req batchRequest
		json.Unmarshal(body, &req)
		c.batches = append(c.batches, req.Filenames)
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	c.next.ServeHTTP(w, r)
}

func newTestClient(t *testing.T) (*Client, *trafficCounter) {
	counter := &trafficCounter{next: newTestServer(t).Handler()}
	srv := httptest.NewServer(counter)
	t.Cleanup(srv.Close)
	return &Client{
		BaseURL:  srv.URL,
		CacheDir: t.TempDir(),
		Logger:   discardLogger(),
	}, counter
}

func bound(minx, miny, maxx, maxy float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minx, miny}, Max: orb.Point{maxx, maxy}}
}

func TestFetchEmptyCache(t *testing.T) {
	client, _ := newTestClient(t)

	paths, err := client.Fetch(context.Background(), "lidar", KindLidar, bound(100, 100, 2600, 200))
	assert.Nil(t, err)
	assert.Equal(t, 2, len(paths))
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.Nil(t, err)
	}

	// The local atlas now mirrors the downloaded tiles.
	idx, err := LoadAtlasFile(discardLogger(), client.atlasPath("lidar"), 0, RoundUp99)
	assert.Nil(t, err)
	assert.Equal(t, 2, idx.Len())
}

func TestFetchSupersetSkip(t *testing.T) {
	client, counter := newTestClient(t)

	_, err := client.Fetch(context.Background(), "lidar", KindLidar, bound(0, 0, 3000, 3000))
	assert.Nil(t, err)
	before := atomic.LoadInt64(&counter.hits)
	assert.True(t, before > 0)

	// A query inside an already-downloaded extent touches the network not
	// at all.
	paths, err := client.Fetch(context.Background(), "lidar", KindLidar, bound(100, 100, 200, 200))
	assert.Nil(t, err)
	assert.Equal(t, 1, len(paths))
	assert.Equal(t, before, atomic.LoadInt64(&counter.hits))
}

func TestFetchIdenticalQueryUsesCache(t *testing.T) {
	client, counter := newTestClient(t)
	q := bound(100, 100, 200, 200)

	first, err := client.Fetch(context.Background(), "lidar", KindLidar, q)
	assert.Nil(t, err)
	before := atomic.LoadInt64(&counter.hits)

	second, err := client.Fetch(context.Background(), "lidar", KindLidar, q)
	assert.Nil(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, before, atomic.LoadInt64(&counter.hits))
}

func TestFetchDownloadsOnlyMissing(t *testing.T) {
	client, counter := newTestClient(t)

	_, err := client.Fetch(context.Background(), "lidar", KindLidar, bound(100, 100, 200, 200))
	assert.Nil(t, err)
	assert.Equal(t, [][]string{{"a.laz"}}, counter.batches)

	// The wider query re-downloads nothing it already holds.
	_, err = client.Fetch(context.Background(), "lidar", KindLidar, bound(100, 100, 2600, 200))
	assert.Nil(t, err)
	assert.Equal(t, 2, len(counter.batches))
	assert.Equal(t, []string{"b.laz"}, counter.batches[1])
}

func TestFetchMissingOnServer(t *testing.T) {
	client, _ := newTestClient(t)

	// The query area includes c.laz, which the server indexes but does not
	// store. The fetch succeeds with the tiles that exist.
	paths, err := client.Fetch(context.Background(), "lidar", KindLidar, bound(100, 100, 5100, 200))
	assert.Nil(t, err)

	names := make(map[string]bool)
	for _, p := range paths {
		names[filepath.Base(p)] = true
	}
	assert.True(t, names["a.laz"])
	assert.True(t, names["b.laz"])

	_, err = os.Stat(filepath.Join(client.tilesDir("lidar"), "c.laz"))
	assert.True(t, os.IsNotExist(err))
}

func TestFetchNoTiles(t *testing.T) {
	client, _ := newTestClient(t)

	// Discovery 404 means an empty result, not a failure.
	paths, err := client.Fetch(context.Background(), "lidar", KindLidar, bound(900000, 900000, 900001, 900001))
	assert.Nil(t, err)
	assert.Equal(t, 0, len(paths))
}

func TestFetchDeclined(t *testing.T) {
	client, _ := newTestClient(t)
	client.Approve = func(int) bool { return false }

	_, err := client.Fetch(context.Background(), "lidar", KindLidar, bound(100, 100, 200, 200))
	assert.Error(t, err)
}

func TestFetchVector(t *testing.T) {
	client, _ := newTestClient(t)

	paths, err := client.Fetch(context.Background(), "gpkg", KindVector, bound(12000, 22000, 13000, 23000))
	assert.Nil(t, err)
	assert.Equal(t, 1, len(paths))
	assert.Equal(t, "tile_10000_20000.gpkg", filepath.Base(paths[0]))

	idx, err := LoadAtlasFile(discardLogger(), client.atlasPath("gpkg"), 0, nil)
	assert.Nil(t, err)
	tl, ok := idx.Lookup("tile_10000_20000.gpkg")
	assert.True(t, ok)
	assert.Equal(t, 10000, tl.OriginX())
	assert.Equal(t, 20000, tl.OriginY())
}

func TestFetchVectorPlainNames(t *testing.T) {
	client, _ := newTestClient(t)

	// B.gpkg carries no coordinates in its name; its origin comes from the
	// batch sidecar.
	paths, err := client.Fetch(context.Background(), "gpkg", KindVector, bound(12000, 22000, 21000, 23000))
	assert.Nil(t, err)

	names := make(map[string]bool)
	for _, p := range paths {
		names[filepath.Base(p)] = true
	}
	assert.Equal(t, 2, len(paths))
	assert.True(t, names["tile_10000_20000.gpkg"])
	assert.True(t, names["B.gpkg"])

	idx, err := LoadAtlasFile(discardLogger(), client.atlasPath("gpkg"), 0, nil)
	assert.Nil(t, err)
	tl, ok := idx.Lookup("B.gpkg")
	assert.True(t, ok)
	assert.Equal(t, 20000, tl.OriginX())
	assert.Equal(t, 20000, tl.OriginY())
}

func TestFetchQueryRegistryBestEffort(t *testing.T) {
	client, _ := newTestClient(t)

	// A directory squatting on queries.json makes the registry unwritable;
	// the fetch still delivers the cached tiles.
	assert.Nil(t, os.MkdirAll(client.queriesPath("lidar"), 0o755))
	paths, err := client.Fetch(context.Background(), "lidar", KindLidar, bound(100, 100, 200, 200))
	assert.Nil(t, err)
	assert.Equal(t, 1, len(paths))
}

func TestClearCache(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Fetch(context.Background(), "lidar", KindLidar, bound(100, 100, 200, 200))
	assert.Nil(t, err)
	assert.Nil(t, client.ClearCache("lidar"))

	_, err = os.Stat(client.datasetDir("lidar"))
	assert.True(t, os.IsNotExist(err))
}

func TestTileFromFilename(t *testing.T) {
	tl := tileFromFilename("tile_10000_20000.gpkg")
	assert.Equal(t, 10000, tl.OriginX())
	assert.Equal(t, 20000, tl.OriginY())
	assert.Equal(t, 20000.0, tl.Bound.Max[0])

	tl = tileFromFilename("city_5000_6000.gpkg")
	assert.Equal(t, 5000, tl.OriginX())

	tl = tileFromFilename("noreference.gpkg")
	assert.Equal(t, orb.Bound{}, tl.Bound)
}

func TestRetryNetworkStopsOnTerminalError(t *testing.T) {
	calls := 0
	err := retryNetwork(context.Background(), func() error {
		calls++
		return ErrUnauthorized
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, calls)
}

func TestRetryNetworkRetriesTransport(t *testing.T) {
	calls := 0
	err := retryNetwork(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrNetwork
		}
		return nil
	})
	assert.Nil(t, err)
	assert.Equal(t, 3, calls)
}
