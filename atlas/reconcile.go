package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/paulmach/orb"
)

// CredentialProvider supplies a username/password pair on demand, typically
// by prompting.
type CredentialProvider interface {
	Credentials(ctx context.Context) (username, password string, err error)
}

// StaticCredentials is a CredentialProvider with fixed values.
type StaticCredentials struct {
	Username string
	Password string
}

func (c StaticCredentials) Credentials(context.Context) (string, string, error) {
	return c.Username, c.Password, nil
}

// vectorTileSize is the uniform edge length assumed for vector tiles; the
// batch sidecar carries origins only.
const vectorTileSize = 10000

var coordSuffixRe = regexp.MustCompile(`(?:^tile)?_(\d+)_(\d+)(?:\.[A-Za-z0-9]+)?$`)

// Client keeps a local differential tile cache in sync with a server. Every
// query first consults the local atlas and past query extents; the network is
// touched only for tiles the cache does not already hold.
type Client struct {
	BaseURL     string
	CacheDir    string
	HTTPClient  *http.Client
	Credentials CredentialProvider
	GitHubToken string
	// Approve, when set, is consulted before a batch download starts.
	Approve      func(numTiles int) bool
	Logger       *log.Logger
	ShowProgress bool

	mu      sync.Mutex
	perName map[string]*sync.Mutex

	tokenMu sync.Mutex
	token   string
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.New(io.Discard, "", 0)
}

// datasetLock serializes reconciles per dataset; two goroutines syncing
// different datasets do not block each other.
func (c *Client) datasetLock(dataset string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perName == nil {
		c.perName = make(map[string]*sync.Mutex)
	}
	m, ok := c.perName[dataset]
	if !ok {
		m = &sync.Mutex{}
		c.perName[dataset] = m
	}
	return m
}

func (c *Client) datasetDir(dataset string) string {
	return filepath.Join(c.CacheDir, dataset)
}

func (c *Client) atlasPath(dataset string) string {
	return filepath.Join(c.datasetDir(dataset), "atlas.json")
}

func (c *Client) tilesDir(dataset string) string {
	return filepath.Join(c.datasetDir(dataset), "tiles")
}

func (c *Client) queriesPath(dataset string) string {
	return filepath.Join(c.datasetDir(dataset), "queries.json")
}

// ClearCache removes the local cache of one dataset, or of every dataset
// when name is empty.
func (c *Client) ClearCache(dataset string) error {
	if dataset == "" {
		return os.RemoveAll(c.CacheDir)
	}
	lock := c.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(c.datasetDir(dataset))
}

func (c *Client) loadLocalIndex(dataset string, kind Kind) *Index {
	round := NoRounding
	if kind == KindLidar {
		round = RoundUp99
	}
	idx, err := LoadAtlasFile(c.logger(), c.atlasPath(dataset), DefaultSeekPadding, round)
	if err != nil {
		return NewIndex(DefaultSeekPadding)
	}
	return idx
}

func (c *Client) loadQueries(dataset string) []orb.Bound {
	data, err := os.ReadFile(c.queriesPath(dataset))
	if err != nil {
		return nil
	}
	var raw [][4]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	bounds := make([]orb.Bound, 0, len(raw))
	for _, b := range raw {
		bounds = append(bounds, orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}})
	}
	return bounds
}

func (c *Client) saveQueries(dataset string, bounds []orb.Bound) error {
	raw := make([][4]float64, 0, len(bounds))
	for _, b := range bounds {
		raw = append(raw, [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]})
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(c.queriesPath(dataset), data)
}

// Authenticate obtains a server token up front. Fetch calls it lazily, so
// calling it directly is only needed to validate credentials early.
func (c *Client) Authenticate(ctx context.Context) error {
	var path string
	var body interface{}
	if c.GitHubToken != "" {
		path = "/auth/github"
		body = map[string]string{"token": c.GitHubToken}
	} else {
		path = "/auth/token"
		username, password := "", ""
		if c.Credentials != nil {
			var err error
			username, password, err = c.Credentials.Credentials(ctx)
			if err != nil {
				return err
			}
		}
		body = map[string]string{"username": username, "password": password}
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.postJSON(ctx, path, body, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return fmt.Errorf("%w: server returned no token", ErrUnauthorized)
	}
	c.tokenMu.Lock()
	c.token = resp.Token
	c.tokenMu.Unlock()
	return nil
}

// Token returns the current server token, empty before Authenticate.
func (c *Client) Token() string { return c.bearer() }

func (c *Client) bearer() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t := c.bearer(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return resp, nil
}

// doAuthed issues a request, transparently re-authenticating once when the
// token has expired.
func (c *Client) doAuthed(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if c.bearer() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		return c.do(ctx, method, path, body)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := ErrorFromStatus(resp.StatusCode); err != nil {
		return fmt.Errorf("%w: %s returned %d", err, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// retryNetwork runs op with exponential backoff, retrying transport-level
// failures only. Terminal errors (auth, bad request, not found) abort
// immediately.
func retryNetwork(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
	), 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrNetwork) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

type discoveryResponse struct {
	Message  string          `json:"message"`
	NumTiles int             `json:"num_tiles"`
	Tiles    json.RawMessage `json:"tiles"`
}

// discover asks the server which tiles intersect q. A 404 means no tiles, not
// an error.
func (c *Client) discover(ctx context.Context, dataset string, q orb.Bound) ([]Tile, error) {
	payload, err := json.Marshal(map[string]float64{
		"xmin": q.Min[0], "ymin": q.Min[1], "xmax": q.Max[0], "ymax": q.Max[1],
	})
	if err != nil {
		return nil, err
	}

	var tiles []Tile
	err = retryNetwork(ctx, func() error {
		resp, err := c.doAuthed(ctx, http.MethodPost, "/datasets/"+dataset+"/tiles", payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			tiles = nil
			return nil
		}
		if err := ErrorFromStatus(resp.StatusCode); err != nil {
			return fmt.Errorf("%w: discovery returned %d", err, resp.StatusCode)
		}
		var dr discoveryResponse
		if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
			return fmt.Errorf("%w: decoding discovery response: %v", ErrNetwork, err)
		}
		tiles, err = parseDiscoveredTiles(dr.Tiles)
		return err
	})
	return tiles, err
}

// parseDiscoveredTiles accepts both wire forms: descriptor objects with full
// bounds, or bare filenames with origins encoded in the name.
func parseDiscoveredTiles(raw json.RawMessage) ([]Tile, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var descs []Descriptor
	if err := json.Unmarshal(raw, &descs); err == nil && len(descs) > 0 && descs[0].Filename != "" {
		tiles := make([]Tile, 0, len(descs))
		for _, d := range descs {
			tiles = append(tiles, Tile{
				Filename: d.Filename,
				Bound:    orb.Bound{Min: orb.Point{d.XMin, d.YMin}, Max: orb.Point{d.XMax, d.YMax}},
			})
		}
		return tiles, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("unrecognized discovery tile list: %w", err)
	}
	tiles := make([]Tile, 0, len(names))
	for _, name := range names {
		tiles = append(tiles, tileFromFilename(name))
	}
	return tiles, nil
}

// tileFromFilename recovers a tile record from a coordinate-bearing filename
// like "tile_10000_20000.gpkg". It is a fallback for archives without an
// origin sidecar; names without coordinates produce a zero-origin record.
func tileFromFilename(name string) Tile {
	m := coordSuffixRe.FindStringSubmatch(name)
	if m == nil {
		return Tile{Filename: name}
	}
	x, _ := strconv.Atoi(m[1])
	y, _ := strconv.Atoi(m[2])
	return Tile{
		Filename: name,
		Bound: orb.Bound{
			Min: orb.Point{float64(x), float64(y)},
			Max: orb.Point{float64(x) + vectorTileSize, float64(y) + vectorTileSize},
		},
	}
}

// downloadBatch fetches the given tiles as one archive into a staging
// directory and returns the extracted filenames plus the sidecar of tile
// origins shipped with vector batches.
func (c *Client) downloadBatch(ctx context.Context, dataset string, names []string, staging string) ([]string, map[string][2]int, error) {
	payload, err := json.Marshal(batchRequest{Filenames: names})
	if err != nil {
		return nil, nil, err
	}
	archivePath := filepath.Join(staging, "batch.tar.gz")
	err = retryNetwork(ctx, func() error {
		resp, err := c.doAuthed(ctx, http.MethodPost, "/datasets/"+dataset+"/batch", payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := ErrorFromStatus(resp.StatusCode); err != nil {
			return fmt.Errorf("%w: batch returned %d", err, resp.StatusCode)
		}
		_, err = downloadToFile(resp, archivePath, c.ShowProgress)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c.extractStaged(archivePath, staging)
}

func (c *Client) extractStaged(archivePath, staging string) ([]string, map[string][2]int, error) {
	extracted, origins, err := extractArchive(archivePath, filepath.Join(staging, "extracted"))
	if err != nil {
		return nil, nil, err
	}
	os.Remove(archivePath)
	return extracted, origins, nil
}

// Fetch reconciles the local cache of dataset with the server for the query
// rectangle and returns absolute paths of every cached tile intersecting it.
// A query fully covered by an earlier one is answered from the cache with no
// network traffic at all.
func (c *Client) Fetch(ctx context.Context, dataset string, kind Kind, q orb.Bound) ([]string, error) {
	lock := c.datasetLock(dataset)
	lock.Lock()
	defer lock.Unlock()

	local := c.loadLocalIndex(dataset, kind)
	queries := c.loadQueries(dataset)
	for _, past := range queries {
		if Contains(past, q) {
			c.logger().Printf("%s: query covered by earlier download, using cache", dataset)
			return c.localPaths(dataset, local.Query(q)), nil
		}
	}

	remote, err := c.discover(ctx, dataset, q)
	if err != nil {
		return nil, err
	}

	// One-way difference: tiles the server has and the cache does not.
	var missingNames []string
	for _, t := range remote {
		if _, ok := local.Lookup(t.Filename); !ok {
			missingNames = append(missingNames, t.Filename)
		}
	}

	if len(missingNames) > 0 {
		if c.Approve != nil && !c.Approve(len(missingNames)) {
			return nil, fmt.Errorf("download of %d tiles declined", len(missingNames))
		}
		if err := c.mergeMissing(ctx, dataset, kind, remote, missingNames, local); err != nil {
			return nil, err
		}
	}

	queries = append(queries, q)
	if err := c.saveQueries(dataset, queries); err != nil {
		// The tiles are cached and indexed already; losing the extent only
		// costs a future cache shortcut.
		c.logger().Printf("%s: recording query extent: %v", dataset, err)
	}
	return c.localPaths(dataset, local.Query(q)), nil
}

func (c *Client) mergeMissing(ctx context.Context, dataset string, kind Kind, remote []Tile, missingNames []string, local *Index) error {
	staging, err := os.MkdirTemp(c.datasetDir(dataset), ".staging-*")
	if err != nil {
		if mkErr := os.MkdirAll(c.datasetDir(dataset), 0o755); mkErr != nil {
			return mkErr
		}
		staging, err = os.MkdirTemp(c.datasetDir(dataset), ".staging-*")
		if err != nil {
			return err
		}
	}
	defer os.RemoveAll(staging)

	extracted, origins, err := c.downloadBatch(ctx, dataset, missingNames, staging)
	if err != nil {
		return err
	}

	byName := make(map[string]Tile, len(remote))
	for _, t := range remote {
		byName[t.Filename] = t
	}

	// Files land in the tiles directory only after a full extract; a failed
	// download never leaves partial tiles behind.
	tilesDir := c.tilesDir(dataset)
	if err := os.MkdirAll(tilesDir, 0o755); err != nil {
		return err
	}
	for _, name := range extracted {
		src := filepath.Join(staging, "extracted", name)
		if err := os.Rename(src, filepath.Join(tilesDir, name)); err != nil {
			return err
		}
		t, ok := byName[name]
		if !ok {
			t = tileFromFilename(name)
		}
		// The sidecar origin is authoritative for vector tiles; discovery
		// carries bare filenames only.
		if o, ok := origins[name]; ok {
			t.Bound = orb.Bound{
				Min: orb.Point{float64(o[0]), float64(o[1])},
				Max: orb.Point{float64(o[0]) + vectorTileSize, float64(o[1]) + vectorTileSize},
			}
		}
		if kind == KindLidar && t.Bound == (orb.Bound{}) {
			if extent, err := ReadLasExtent(filepath.Join(tilesDir, name)); err == nil {
				t.Bound = extent
			}
		}
		local.Add(t)
	}

	return WriteAtlasFile(c.atlasPath(dataset), local, kind)
}

func (c *Client) localPaths(dataset string, tiles []Tile) []string {
	dir := c.tilesDir(dataset)
	paths := make([]string, 0, len(tiles))
	for _, t := range tiles {
		paths = append(paths, filepath.Join(dir, t.Filename))
	}
	return paths
}

// RequestAccess submits an access-request form to the server.
func (c *Client) RequestAccess(ctx context.Context, req AccessRequest) error {
	var out map[string]interface{}
	return c.postJSON(ctx, "/access/request", req, &out)
}
