package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dtcc-platform/go-atlas/atlas"
	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/term"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Serve struct {
		Port int    `default:"0" help:"Port to listen on; overrides PORT."`
		Cors string `help:"Value of the CORS allowed-origin header; overrides CORS_ORIGIN."`
	} `cmd:"" help:"Run the tile distribution server. Datasets come from the environment or DATASET_REGISTRY_PATH."`

	Get struct {
		Dataset  string  `arg:"" help:"Dataset name on the server."`
		Minx     float64 `arg:""`
		Miny     float64 `arg:""`
		Maxx     float64 `arg:""`
		Maxy     float64 `arg:""`
		Kind     string  `default:"lidar" help:"Dataset kind: lidar or vector."`
		Server   string  `default:"http://localhost:8001" help:"Server base URL."`
		CacheDir string  `default:"" help:"Local cache directory; defaults to the user cache dir."`
		Token    string  `help:"GitHub token to authenticate with instead of a password prompt."`
		Username string  `help:"Username for password authentication."`
		Yes      bool    `help:"Download without confirmation."`
	} `cmd:"" help:"Fetch every tile intersecting a bbox, reusing the local cache."`

	BuildAtlas struct {
		DataDir  string  `arg:"" help:"Directory of tile files." type:"existingdir"`
		Output   string  `arg:"" help:"Output atlas JSON path." type:"path"`
		Kind     string  `default:"lidar" help:"Dataset kind: lidar or vector."`
		MapPath  string  `help:"Filename-to-origin map: written for lidar, read for vector." type:"path"`
		TileSize float64 `default:"10000" help:"Uniform tile size for vector atlases."`
		Threads  int     `default:"8" help:"Number of header-reading threads."`
		Register string  `help:"Register the dataset under this name in DATASET_REGISTRY_PATH."`
	} `cmd:"" help:"Build an atlas index: scan lidar headers, or ingest a vector origin map."`

	Token struct {
		Username string `arg:"" help:"Username to authenticate as."`
		Server   string `default:"http://localhost:8001" help:"Server base URL."`
	} `cmd:"" help:"Obtain a bearer token interactively and print it."`

	RequestAccess struct {
		Server  string `default:"http://localhost:8001" help:"Server base URL."`
		Name    string `required:"" help:"First name."`
		Surname string `required:"" help:"Family name."`
		Email   string `required:"" help:"Contact email."`
		Github  string `required:"" help:"GitHub username."`
	} `cmd:"" help:"Submit an access request to the server operators."`

	ClearCache struct {
		Dataset  string `arg:"" optional:"" help:"Dataset to clear; all datasets when omitted."`
		CacheDir string `default:"" help:"Local cache directory; defaults to the user cache dir."`
	} `cmd:"" help:"Remove the local tile cache."`

	Verify struct {
		Atlas   string `arg:"" help:"Atlas JSON path." type:"existingfile"`
		DataDir string `arg:"" help:"Tile directory or bucket URL."`
		Kind    string `default:"lidar" help:"Dataset kind: lidar or vector."`
	} `cmd:"" help:"Cross-check an atlas against the files actually present."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func defaultCacheDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return ".go-atlas-cache"
	}
	return base + "/go-atlas"
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// promptCredentials asks on the terminal when the client needs to
// authenticate.
type promptCredentials struct {
	username string
}

func (p promptCredentials) Credentials(context.Context) (string, string, error) {
	username := p.username
	if username == "" {
		fmt.Fprint(os.Stderr, "Username: ")
		if _, err := fmt.Scanln(&username); err != nil {
			return "", "", err
		}
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return "", "", err
	}
	return username, password, nil
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ctx := kong.Parse(&cli)

	switch ctx.Command() {
	case "serve":
		runServe(logger)
	case "get <dataset> <minx> <miny> <maxx> <maxy>":
		runGet(logger)
	case "build-atlas <data-dir> <output>":
		runBuildAtlas(logger)
	case "token <username>":
		runToken(logger)
	case "request-access":
		client := &atlas.Client{BaseURL: cli.RequestAccess.Server, Logger: logger}
		err := client.RequestAccess(context.Background(), atlas.AccessRequest{
			Name:           cli.RequestAccess.Name,
			Surname:        cli.RequestAccess.Surname,
			Email:          cli.RequestAccess.Email,
			GitHubUsername: cli.RequestAccess.Github,
		})
		if err != nil {
			logger.Fatalf("Failed to submit access request, %v", err)
		}
		fmt.Println("Access request submitted.")
	case "clear-cache <dataset>", "clear-cache":
		client := &atlas.Client{CacheDir: defaultCacheDir(cli.ClearCache.CacheDir)}
		if err := client.ClearCache(cli.ClearCache.Dataset); err != nil {
			logger.Fatalf("Failed to clear cache, %v", err)
		}
	case "verify <atlas> <data-dir>":
		runVerify(logger)
	case "version":
		fmt.Printf("go-atlas %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(ctx.Command())
	}
}

func runServe(logger *log.Logger) {
	zlog, err := zap.NewProduction()
	if err != nil {
		logger.Fatalf("Failed to create logger, %v", err)
	}
	defer zlog.Sync()

	cfg := atlas.LoadConfig()
	if cli.Serve.Port != 0 {
		cfg.Port = cli.Serve.Port
	}
	if cli.Serve.Cors != "" {
		cfg.Cors = cli.Serve.Cors
	}
	atlas.SetBuildInfo(version, commit, date)

	server, err := atlas.NewServer(logger, cfg)
	if err != nil {
		logger.Fatalf("Failed to create server, %v", err)
	}
	defer server.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			zlog.Info("reloading dataset atlases")
			server.ReloadAll()
		}
	}()

	handler := requestLogging(zlog, server.Handler())
	if cfg.Cors != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins: strings.Split(cfg.Cors, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler(handler)
	}

	zlog.Info("serving", zap.Int("port", cfg.Port), zap.String("cors", cfg.Cors))
	logger.Fatal(http.ListenAndServe(":"+strconv.Itoa(cfg.Port), handler))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogging(zlog *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		zlog.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func runGet(logger *log.Logger) {
	kind, err := atlas.ParseKind(cli.Get.Kind)
	if err != nil {
		logger.Fatalf("Invalid kind, %v", err)
	}
	bound, err := atlas.NewBound(cli.Get.Minx, cli.Get.Miny, cli.Get.Maxx, cli.Get.Maxy)
	if err != nil {
		logger.Fatalf("Invalid bbox, %v", err)
	}

	client := &atlas.Client{
		BaseURL:      cli.Get.Server,
		CacheDir:     defaultCacheDir(cli.Get.CacheDir),
		GitHubToken:  cli.Get.Token,
		Credentials:  promptCredentials{username: cli.Get.Username},
		Logger:       logger,
		ShowProgress: true,
	}
	if !cli.Get.Yes {
		client.Approve = func(n int) bool {
			fmt.Fprintf(os.Stderr, "Download %d tiles? [y/N] ", n)
			var answer string
			fmt.Scanln(&answer)
			return strings.HasPrefix(strings.ToLower(answer), "y")
		}
	}

	paths, err := client.Fetch(context.Background(), cli.Get.Dataset, kind, bound)
	if err != nil {
		logger.Fatalf("Failed to fetch tiles, %v", err)
	}
	var total int64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
		fmt.Println(p)
	}
	logger.Printf("%d tiles, %s cached", len(paths), humanize.Bytes(uint64(total)))
}

func runBuildAtlas(logger *log.Logger) {
	kind, err := atlas.ParseKind(cli.BuildAtlas.Kind)
	if err != nil {
		logger.Fatalf("Invalid kind, %v", err)
	}

	var idx *atlas.Index
	if kind == atlas.KindVector {
		if cli.BuildAtlas.MapPath == "" {
			logger.Fatalf("Vector atlases are built from an origin map, set --map-path")
		}
		idx, err = atlas.BuildVectorAtlasFromMap(cli.BuildAtlas.MapPath, cli.BuildAtlas.Output, cli.BuildAtlas.TileSize)
	} else {
		idx, err = atlas.BuildLidarAtlas(context.Background(), logger,
			cli.BuildAtlas.DataDir, cli.BuildAtlas.Output, cli.BuildAtlas.MapPath,
			cli.BuildAtlas.Threads, true)
	}
	if err != nil {
		logger.Fatalf("Failed to build atlas, %v", err)
	}
	logger.Printf("indexed %d tiles into %s", idx.Len(), cli.BuildAtlas.Output)

	if cli.BuildAtlas.Register != "" {
		registryPath := atlas.LoadConfig().RegistryPath
		if registryPath == "" {
			logger.Fatalf("DATASET_REGISTRY_PATH is not set")
		}
		err := atlas.RegisterDataset(registryPath, cli.BuildAtlas.Register, atlas.RegistryEntry{
			Kind:          string(kind),
			AtlasPath:     cli.BuildAtlas.Output,
			DataDirectory: cli.BuildAtlas.DataDir,
			MapPath:       cli.BuildAtlas.MapPath,
		})
		if err != nil {
			logger.Fatalf("Failed to register dataset, %v", err)
		}
		logger.Printf("registered dataset %s in %s", cli.BuildAtlas.Register, registryPath)
	}
}

func runToken(logger *log.Logger) {
	password, err := promptPassword("Password: ")
	if err != nil {
		logger.Fatalf("Failed to read password, %v", err)
	}
	client := &atlas.Client{
		BaseURL:     cli.Token.Server,
		Credentials: atlas.StaticCredentials{Username: cli.Token.Username, Password: password},
	}
	if err := client.Authenticate(context.Background()); err != nil {
		logger.Fatalf("Failed to authenticate, %v", err)
	}
	fmt.Println(client.Token())
}

func runVerify(logger *log.Logger) {
	round := atlas.NoRounding
	if kind, err := atlas.ParseKind(cli.Verify.Kind); err == nil && kind == atlas.KindLidar {
		round = atlas.RoundUp99
	}
	report, err := atlas.Verify(context.Background(), logger, cli.Verify.Atlas, cli.Verify.DataDir, round)
	if err != nil {
		logger.Fatalf("Failed to verify, %v", err)
	}
	logger.Printf("%d tiles indexed", report.Indexed)
	for _, name := range report.MissingFiles {
		logger.Printf("missing from storage: %s", name)
	}
	for _, name := range report.OrphanFiles {
		logger.Printf("not indexed: %s", name)
	}
	if !report.Clean() {
		os.Exit(1)
	}
	logger.Printf("atlas and storage are consistent")
}
