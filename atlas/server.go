package atlas

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dataset is one served tile collection: an in-memory atlas index plus the
// bucket holding the tile payloads. A dataset that failed to load stays
// registered and answers every request with an isolated error instead of
// taking the server down.
type Dataset struct {
	Name string
	Kind Kind

	mu      sync.RWMutex
	index   *Index
	loadErr error

	bucket    Bucket
	atlasPath string
	rounder   DimensionRounder
}

func (d *Dataset) snapshot() (*Index, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.loadErr != nil {
		return nil, fmt.Errorf("%w: dataset %s: %v", ErrDatasetUnavailable, d.Name, d.loadErr)
	}
	return d.index, nil
}

func (d *Dataset) reload(logger *log.Logger) error {
	idx, err := LoadAtlasFile(logger, d.atlasPath, DefaultSeekPadding, d.rounder)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.loadErr = err
		return err
	}
	d.index, d.loadErr = idx, nil
	return nil
}

// Server answers discovery, file, batch, auth, and access-request calls over
// HTTP.
type Server struct {
	logger   *log.Logger
	datasets map[string]*Dataset
	names    []string

	auth          *Authenticator
	enableAuth    bool
	verifier      *GitHubVerifier
	intake        *AccessIntake
	maxAccessBody int
	limiter       *RateLimiter

	metrics *metrics
	started time.Time
}

// NewServer assembles a server from the configuration. Dataset load failures
// are logged and isolated, not fatal.
func NewServer(logger *log.Logger, cfg Config) (*Server, error) {
	reg, err := cfg.Datasets()
	if err != nil {
		return nil, err
	}
	if len(reg) == 0 {
		return nil, errors.New("no datasets configured")
	}

	s := &Server{
		logger:     logger,
		datasets:   make(map[string]*Dataset),
		enableAuth: cfg.EnableAuth,
		metrics:    createMetrics("server", logger),
		started:    time.Now(),
	}

	ctx := context.Background()
	for name, entry := range reg {
		kind, err := ParseKind(entry.Kind)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", name, err)
		}
		bucket, err := OpenBucket(ctx, entry.DataDirectory)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", name, err)
		}
		d := &Dataset{
			Name:      name,
			Kind:      kind,
			bucket:    bucket,
			atlasPath: entry.AtlasPath,
			rounder:   entry.rounder(),
		}
		if err := d.reload(logger); err != nil {
			logger.Printf("dataset %s unavailable: %v", name, err)
		} else {
			logger.Printf("dataset %s: %d tiles from %s", name, d.index.Len(), entry.AtlasPath)
		}
		s.datasets[name] = d
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)

	s.auth = NewAuthenticator(
		SSHIdentityProvider{Host: cfg.SSHHost, Port: cfg.SSHPort},
		time.Duration(cfg.TokenTTLSeconds)*time.Second,
	)
	if cfg.GitHubRepo != "" {
		s.verifier = &GitHubVerifier{APIBaseURL: cfg.GitHubAPIURL, Repo: cfg.GitHubRepo}
	}

	intake, err := NewAccessIntake(cfg.AccessRequestsDir, logger)
	if err != nil {
		return nil, err
	}
	intake.Window = time.Duration(cfg.AccessReqWindowSeconds) * time.Second
	intake.MinInterval = time.Duration(cfg.AccessReqMinIntervalSeconds) * time.Second
	intake.MaxPerIP = cfg.AccessReqMaxPerIP
	intake.MaxPerEmail = cfg.AccessReqMaxPerEmail
	if cfg.AccessGitHubToken != "" {
		intake.Tickets = GitHubTicketCreator{
			APIBaseURL: cfg.GitHubAPIURL,
			Repo:       cfg.GitHubRepo,
			Token:      cfg.AccessGitHubToken,
			Labels:     cfg.AccessGitHubLabels,
		}
	}
	s.intake = intake
	s.maxAccessBody = cfg.AccessReqMaxBodyBytes

	if cfg.EnableRateLimit {
		s.limiter = NewRateLimiter(
			time.Duration(cfg.RateTimeWindow)*time.Second,
			cfg.RateReqLimit,
			cfg.RateGlobalLimit,
			time.Duration(cfg.RateMinInterval)*time.Millisecond,
		)
	}
	return s, nil
}

// Close releases dataset buckets.
func (s *Server) Close() error {
	for _, d := range s.datasets {
		if d.bucket != nil {
			d.bucket.Close()
		}
	}
	return nil
}

// ReloadAll re-reads every dataset atlas from disk.
func (s *Server) ReloadAll() {
	for _, name := range s.names {
		d := s.datasets[name]
		if err := d.reload(s.logger); err != nil {
			s.logger.Printf("reload of dataset %s failed: %v", name, err)
			continue
		}
		s.metrics.reloadAtlas(name)
		s.logger.Printf("dataset %s reloaded: %d tiles", name, d.index.Len())
	}
}

func (s *Server) firstOfKind(kind Kind) (*Dataset, bool) {
	for _, name := range s.names {
		if s.datasets[name].Kind == kind {
			return s.datasets[name], true
		}
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) int {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return 0
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
	return len(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) int {
	status := StatusCode(err)
	if status >= 500 {
		s.logger.Printf("request failed: %v", err)
	}
	return writeJSON(w, status, map[string]string{"detail": err.Error()})
}

// Handler builds the route tree. Middleware order on protected routes is
// rate limit, then auth, then the handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/token", s.limited(s.handleToken))
	r.Post("/auth/github", s.limited(s.handleGitHubToken))
	r.Post("/access/request", s.limited(s.handleAccessRequest))

	r.Post("/datasets/{dataset}/tiles", s.protected(s.byName(s.handleDiscover)))
	r.Post("/datasets/{dataset}/batch", s.protected(s.byName(s.handleBatch)))
	r.Get("/datasets/{dataset}/files/{filename}", s.protected(s.byName(s.handleFile)))

	// Routes kept for clients predating named datasets; they resolve to the
	// first dataset of the matching kind.
	r.Post("/get_lidar", s.protected(s.byKind(KindLidar, s.handleDiscover)))
	r.Post("/lidar/tiles", s.protected(s.byKind(KindLidar, s.handleDiscover)))
	r.Post("/tiles", s.protected(s.byKind(KindLidar, s.handleDiscover)))
	r.Post("/gpkg/tiles", s.protected(s.byKind(KindVector, s.handleDiscover)))
	r.Get("/get/{kind}/{filename}", s.protected(s.handleFileByKind))

	return r
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.limiter.Admit(clientIP(r)); err != nil {
			s.metrics.rateLimited.WithLabelValues("http").Inc()
			s.writeError(w, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) protected(next http.HandlerFunc) http.HandlerFunc {
	return s.limited(func(w http.ResponseWriter, r *http.Request) {
		if s.enableAuth {
			token := bearerToken(r)
			if token == "" {
				s.metrics.authFailures.WithLabelValues("bearer").Inc()
				s.writeError(w, fmt.Errorf("%w: missing bearer token", ErrUnauthorized))
				return
			}
			if _, err := s.auth.Validate(token); err != nil {
				s.metrics.authFailures.WithLabelValues("bearer").Inc()
				s.writeError(w, err)
				return
			}
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	for _, prefix := range []string{"Bearer ", "token "} {
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return ""
}

type datasetHandler func(w http.ResponseWriter, r *http.Request, d *Dataset)

func (s *Server) byName(next datasetHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "dataset")
		d, ok := s.datasets[name]
		if !ok {
			s.writeError(w, fmt.Errorf("%w: unknown dataset %q", ErrNotFound, name))
			return
		}
		next(w, r, d)
	}
}

func (s *Server) byKind(kind Kind, next datasetHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, ok := s.firstOfKind(kind)
		if !ok {
			s.writeError(w, fmt.Errorf("%w: no %s dataset configured", ErrNotFound, kind))
			return
		}
		next(w, r, d)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	datasets := make(map[string]string, len(s.names))
	for _, name := range s.names {
		datasets[name] = string(s.datasets[name].Kind)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":  "go-atlas",
		"datasets": datasets,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.enableAuth {
		// Protected routes skip validation in this mode, so the pseudo-token
		// needs no entry in the token store.
		s.tokenResponse(w, "anonymous", "anonymous")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		s.writeError(w, fmt.Errorf("%w: username and password required", ErrBadRequest))
		return
	}
	token, err := s.auth.IssueToken(r.Context(), req.Username, req.Password)
	if err != nil {
		s.metrics.authFailures.WithLabelValues("password").Inc()
		s.writeError(w, err)
		return
	}
	s.tokenResponse(w, token, req.Username)
}

func (s *Server) tokenResponse(w http.ResponseWriter, token, user string) {
	ttl := s.auth.TTL()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"token":         token,
		"user":          user,
		"expires_in":    int(ttl.Seconds()),
		"expires_at":    time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGitHubToken(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		s.writeError(w, fmt.Errorf("%w: github auth not configured", ErrNotFound))
		return
	}
	ghToken := bearerToken(r)
	if ghToken == "" {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			ghToken = body.Token
		}
	}
	if ghToken == "" {
		s.writeError(w, fmt.Errorf("%w: token required", ErrBadRequest))
		return
	}
	login, err := s.verifier.Verify(r.Context(), ghToken)
	if err != nil {
		s.metrics.authFailures.WithLabelValues("github").Inc()
		writeJSON(w, StatusCode(err), map[string]interface{}{
			"authenticated": false,
			"detail":        err.Error(),
		})
		return
	}
	s.tokenResponse(w, s.auth.Grant(login), login)
}

func (s *Server) handleAccessRequest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.maxAccessBody))
	var req AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, fmt.Errorf("%w: request body exceeds %d bytes", ErrPayloadTooLarge, s.maxAccessBody))
			return
		}
		s.writeError(w, fmt.Errorf("%w: invalid JSON body", ErrBadRequest))
		return
	}
	_, ticket, err := s.intake.Submit(r.Context(), req, clientIP(r), r.UserAgent())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"accepted":       true,
		"ticket_created": ticket != nil,
	}
	if ticket != nil {
		resp["ticket_url"] = ticket.URL
		resp["ticket_id"] = ticket.Number
	}
	writeJSON(w, http.StatusOK, resp)
}

// discoveryRequest accepts both bbox spellings; lidar clients send integer
// xmin/ymin/xmax/ymax plus an optional buffer, vector clients send float
// minx/miny/maxx/maxy. Only lidar datasets honor the buffer.
type discoveryRequest struct {
	XMin   *float64 `json:"xmin"`
	YMin   *float64 `json:"ymin"`
	XMax   *float64 `json:"xmax"`
	YMax   *float64 `json:"ymax"`
	MinX   *float64 `json:"minx"`
	MinY   *float64 `json:"miny"`
	MaxX   *float64 `json:"maxx"`
	MaxY   *float64 `json:"maxy"`
	Buffer *float64 `json:"buffer"`
}

func coalesce(a, b *float64) (float64, bool) {
	if a != nil {
		return *a, true
	}
	if b != nil {
		return *b, true
	}
	return 0, false
}

func (req discoveryRequest) bound(kind Kind) (orb.Bound, error) {
	minx, ok1 := coalesce(req.XMin, req.MinX)
	miny, ok2 := coalesce(req.YMin, req.MinY)
	maxx, ok3 := coalesce(req.XMax, req.MaxX)
	maxy, ok4 := coalesce(req.YMax, req.MaxY)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return orb.Bound{}, fmt.Errorf("%w: bbox requires all four coordinates", ErrBadRequest)
	}
	b, err := NewBound(minx, miny, maxx, maxy)
	if err != nil {
		return orb.Bound{}, err
	}
	if req.Buffer != nil && kind == KindLidar {
		buf := *req.Buffer
		// A negative buffer may not shrink the box past inversion.
		if b.Max[0]-b.Min[0]+2*buf < 0 || b.Max[1]-b.Min[1]+2*buf < 0 {
			return orb.Bound{}, fmt.Errorf("%w: buffer inverts the bbox", ErrBadRequest)
		}
		b = orb.Bound{
			Min: orb.Point{b.Min[0] - buf, b.Min[1] - buf},
			Max: orb.Point{b.Max[0] + buf, b.Max[1] + buf},
		}
	}
	return b, nil
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request, d *Dataset) {
	tracker := s.metrics.startRequest()
	var req discoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		tracker.finish(r.Context(), d.Name, "discover", http.StatusBadRequest, 0)
		s.writeError(w, fmt.Errorf("%w: invalid JSON body", ErrBadRequest))
		return
	}
	q, err := req.bound(d.Kind)
	if err != nil {
		tracker.finish(r.Context(), d.Name, "discover", StatusCode(err), 0)
		s.writeError(w, err)
		return
	}
	idx, err := d.snapshot()
	if err != nil {
		tracker.finish(r.Context(), d.Name, "discover", StatusCode(err), 0)
		s.writeError(w, err)
		return
	}

	tiles := idx.Query(q)
	s.metrics.observeQuery(d.Name, len(tiles))
	if len(tiles) == 0 {
		tracker.finish(r.Context(), d.Name, "discover", http.StatusNotFound, 0)
		s.writeError(w, fmt.Errorf("%w: no tiles intersect the requested area", ErrNotFound))
		return
	}

	var payload interface{}
	if d.Kind == KindLidar {
		descs := make([]Descriptor, 0, len(tiles))
		for _, t := range tiles {
			descs = append(descs, t.Descriptor())
		}
		payload = descs
	} else {
		names := make([]string, 0, len(tiles))
		for _, t := range tiles {
			names = append(names, t.Filename)
		}
		payload = names
	}
	n := writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Success",
		"num_tiles": len(tiles),
		"tiles":     payload,
	})
	tracker.finish(r.Context(), d.Name, "discover", http.StatusOK, n)
}

// validFilename rejects anything that could escape the dataset directory.
func validFilename(name string) bool {
	if name == "" || name != path.Base(name) {
		return false
	}
	return !strings.ContainsAny(name, "/\\") && name != "." && name != ".."
}

type batchRequest struct {
	Filenames []string `json:"filenames"`
}

// countingWriter tracks streamed bytes for metrics.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, d *Dataset) {
	tracker := s.metrics.startRequest()
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Filenames) == 0 {
		tracker.finish(r.Context(), d.Name, "batch", http.StatusBadRequest, 0)
		s.writeError(w, fmt.Errorf("%w: filenames required", ErrBadRequest))
		return
	}
	idx, err := d.snapshot()
	if err != nil {
		tracker.finish(r.Context(), d.Name, "batch", StatusCode(err), 0)
		s.writeError(w, err)
		return
	}
	for _, name := range req.Filenames {
		if !validFilename(name) {
			tracker.finish(r.Context(), d.Name, "batch", http.StatusBadRequest, 0)
			s.writeError(w, fmt.Errorf("%w: invalid filename %q", ErrBadRequest, name))
			return
		}
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Name+"_tiles.tar.gz"))
	w.WriteHeader(http.StatusOK)

	counter := &countingWriter{w: w}
	gz := gzip.NewWriter(counter)
	tw := tar.NewWriter(gz)
	now := time.Now()

	// Unreadable files are skipped and logged, never failing the whole
	// batch. Vector batches additionally carry a sidecar mapping each
	// shipped filename to its [xmin, ymin] origin, so the client can index
	// the tiles without parsing geometries.
	origins := make(map[string][2]int)
	skipped := 0
	for _, name := range req.Filenames {
		tile, indexed := idx.Lookup(name)
		body, err := s.readAll(r.Context(), d, name)
		if err != nil {
			s.logger.Printf("batch %s: missing file %s: %v", d.Name, name, err)
			skipped++
			continue
		}
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), ModTime: now}
		if err := tw.WriteHeader(hdr); err != nil {
			s.logger.Printf("batch %s: streaming aborted: %v", d.Name, err)
			return
		}
		if _, err := tw.Write(body); err != nil {
			s.logger.Printf("batch %s: streaming aborted: %v", d.Name, err)
			return
		}
		if indexed {
			origins[name] = [2]int{tile.OriginX(), tile.OriginY()}
		}
	}

	if d.Kind == KindVector && len(origins) > 0 {
		sidecar, err := json.Marshal(origins)
		if err == nil {
			hdr := &tar.Header{Name: missingSidecarName, Mode: 0o644, Size: int64(len(sidecar)), ModTime: now}
			if tw.WriteHeader(hdr) == nil {
				tw.Write(sidecar)
			}
		}
	}

	tw.Close()
	gz.Close()
	s.metrics.observeBatch(d.Name, counter.n, skipped)
	tracker.finish(r.Context(), d.Name, "batch", http.StatusOK, int(counter.n))
}

func (s *Server) readAll(ctx context.Context, d *Dataset, key string) ([]byte, error) {
	rd, err := d.bucket.NewReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, d *Dataset) {
	tracker := s.metrics.startRequest()
	name := chi.URLParam(r, "filename")
	if !validFilename(name) {
		tracker.finish(r.Context(), d.Name, "file", http.StatusBadRequest, 0)
		s.writeError(w, fmt.Errorf("%w: invalid filename %q", ErrBadRequest, name))
		return
	}
	idx, err := d.snapshot()
	if err != nil {
		tracker.finish(r.Context(), d.Name, "file", StatusCode(err), 0)
		s.writeError(w, err)
		return
	}
	if _, ok := idx.Lookup(name); !ok {
		tracker.finish(r.Context(), d.Name, "file", http.StatusNotFound, 0)
		s.writeError(w, fmt.Errorf("%w: file %s is not indexed", ErrNotFound, name))
		return
	}

	size, modTime, err := d.bucket.Attributes(r.Context(), name)
	if err != nil {
		tracker.finish(r.Context(), d.Name, "file", http.StatusNotFound, 0)
		s.writeError(w, fmt.Errorf("%w: file %s is indexed but not stored", ErrNotFound, name))
		return
	}
	etag := generateEtagFromInts(size, modTime.UnixNano())
	if r.Header.Get("If-None-Match") == etag {
		tracker.finish(r.Context(), d.Name, "file", http.StatusNotModified, 0)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rd, err := d.bucket.NewReader(r.Context(), name)
	if err != nil {
		tracker.finish(r.Context(), d.Name, "file", http.StatusInternalServerError, 0)
		s.writeError(w, fmt.Errorf("%w: opening %s: %v", ErrInternal, name, err))
		return
	}
	defer rd.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("ETag", etag)
	n, _ := io.Copy(w, rd)
	tracker.finish(r.Context(), d.Name, "file", http.StatusOK, int(n))
}

func (s *Server) handleFileByKind(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	d, ok := s.firstOfKind(kind)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: no %s dataset configured", ErrNotFound, kind))
		return
	}
	s.handleFile(w, r, d)
}
