// Package main is the Kensaku CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/backend"
	"github.com/hyperjump/kensaku/internal/cli"
	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/corpus"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/extract"
	"github.com/hyperjump/kensaku/internal/index"
	"github.com/hyperjump/kensaku/internal/ingest"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/server"
	"github.com/hyperjump/kensaku/internal/watcher"
	"github.com/hyperjump/kensaku/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kensaku/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "server":
		runServer()
	case "add":
		runAdd()
	case "search":
		runSearch()
	case "remove":
		runRemove()
	case "get":
		runGet()
	case "save":
		runSave()
	case "load":
		runLoad()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kensaku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`Usage: kensaku <command> [flags]

Commands:
  server   run the HTTP API server
  add      add a document (text from args)
  search   semantic search
  remove   remove a document by key or exact text
  get      fetch a document by key
  save     write the server's index snapshot to disk
  load     restore the server's index from its snapshot
  status   show index status
  version  print version

Run "kensaku <command> -h" for command flags.
`)
}

// newEmbedder builds the configured embedding provider, wrapped in an LRU
// cache when a cache size is set.
func newEmbedder(cfg *config.EmbeddingConfig) (embedding.Embedder, error) {
	var (
		e   embedding.Embedder
		err error
	)
	switch cfg.Provider {
	case "onnx":
		e, err = embedding.NewONNX(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("onnx embedder: %w", err)
		}
	default:
		e = embedding.NewMock(cfg.Dimensions)
	}
	if cfg.CacheSize > 0 {
		e = embedding.NewCached(e, cfg.CacheSize)
	}
	return e, nil
}

// newStore builds the configured corpus store.
func newStore(cfg *config.StorageConfig) (corpus.Store, error) {
	switch cfg.Corpus {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
			return nil, err
		}
		return corpus.NewSQLite(cfg.DatabasePath)
	default:
		return corpus.NewMemory(), nil
	}
}

// newIndex wires store, embedder and backend into an index.
func newIndex(cfg *config.Config, logger *zap.Logger, debug bool) (*index.Index, error) {
	store, err := newStore(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("corpus store: %w", err)
	}
	embedder, err := newEmbedder(&cfg.Embedding)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	back, err := backend.New(cfg.Index.Backend, embedder.Dimensions(), cfg.Index.PgVectorDSN)
	if err != nil {
		_ = store.Close()
		_ = embedder.Close()
		return nil, fmt.Errorf("vector backend: %w", err)
	}
	var opts []index.Option
	if debug {
		opts = append(opts, index.WithLogger(logger))
	}
	return index.New(store, embedder, back, opts...), nil
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode))

	idx, err := newIndex(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize index", zap.Error(err))
	}
	defer idx.Close()

	// Restore the previous snapshot when one exists.
	if _, err := os.Stat(cfg.Storage.SnapshotPath); err == nil {
		if err := idx.Load(cfg.Storage.SnapshotPath); err != nil {
			logger.Warn("snapshot load failed",
				zap.String("path", cfg.Storage.SnapshotPath), zap.Error(err))
		} else {
			logger.Info("snapshot loaded", zap.String("path", cfg.Storage.SnapshotPath))
		}
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	var watchSvc *watcher.Watcher
	if len(cfg.Watch.Directories) > 0 {
		var ingestOpts []ingest.Option
		var watchOpts []watcher.Option
		if debugMode {
			ingestOpts = append(ingestOpts, ingest.WithLogger(logger))
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		files := ingest.New(idx, extract.NewExtractor(), cfg.Watch.Split, ingestOpts...)
		watchSvc = watcher.New(
			cfg.Watch.Directories,
			cfg.Watch.Extensions,
			cfg.Watch.RecursiveOrDefault(),
			func(path string) {
				if _, err := files.IndexFile(context.Background(), path); err != nil {
					logger.Warn("watch index file failed", zap.String("path", path), zap.Error(err))
				}
			},
			func(path string) {
				if _, err := files.RemoveFile(context.Background(), path); err != nil {
					logger.Warn("watch remove file failed", zap.String("path", path), zap.Error(err))
				}
			},
			watchOpts...,
		)
		if err := watchSvc.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		watchSvc.SyncExistingFiles()
	}

	srv := server.NewServer(idx, &cfg.Server, cfg.Storage.SnapshotPath, version, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if watchSvc != nil {
		watchSvc.Stop()
	}
	if err := idx.Save(cfg.Storage.SnapshotPath); err != nil {
		logger.Warn("snapshot save failed",
			zap.String("path", cfg.Storage.SnapshotPath), zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// buildQuery joins all positional args with spaces so multi-word queries work
// the same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// argsReorder moves flags (and their values) that appear after positional
// arguments to the front so flag.Parse sees them; the flag package stops at
// the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runAdd() {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	split := fs.Uint("split", 0, "split to add into (0 = default split)")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	text := buildQuery(fs.Args())
	if text == "" {
		fmt.Fprintln(os.Stderr, "Usage: kensaku add [flags] <text>")
		os.Exit(1)
	}

	var resp struct {
		Keys []uint64 `json:"keys"`
	}
	err := httpJSON(http.MethodPost, *serverURL+"/api/v1/documents",
		&models.AddRequest{Text: text, Split: uint32(*split)}, &resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Add failed: %v\n", err)
		os.Exit(1)
	}
	for _, key := range resp.Keys {
		fmt.Printf("Added document %d\n", key)
	}
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	limit := fs.Int("limit", 10, "number of results")
	split := fs.Uint("split", 0, "split to search (0 = all)")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	queryStr := buildQuery(fs.Args())
	if queryStr == "" {
		fmt.Fprintln(os.Stderr, "Usage: kensaku search [flags] <query>")
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var response models.SearchResponse
	err = httpJSON(http.MethodPost, *serverURL+"/api/v1/search", &models.SearchQuery{
		Query: queryStr,
		Limit: *limit,
		Split: uint32(*split),
	}, &response)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, &response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runRemove() {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	key := fs.Uint64("key", 0, "document key to remove (0 = remove by text)")
	split := fs.Uint("split", 0, "split to remove from when removing by text (0 = all)")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if *key != 0 {
		err := httpJSON(http.MethodDelete,
			fmt.Sprintf("%s/api/v1/documents/%d", *serverURL, *key), nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Remove failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed document %d\n", *key)
		return
	}

	text := buildQuery(fs.Args())
	if text == "" {
		fmt.Fprintln(os.Stderr, "Usage: kensaku remove -key <key> | kensaku remove [flags] <text>")
		os.Exit(1)
	}
	var resp struct {
		Removed int `json:"removed"`
	}
	err := httpJSON(http.MethodPost, *serverURL+"/api/v1/documents/remove",
		&models.RemoveTextRequest{Text: text, Split: uint32(*split)}, &resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Remove failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed %d documents\n", resp.Removed)
}

func runGet() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: kensaku get <key>")
		os.Exit(1)
	}
	var doc models.Document
	err := httpJSON(http.MethodGet, fmt.Sprintf("%s/api/v1/documents/%s", *serverURL, fs.Arg(0)), nil, &doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Get failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(doc.Text)
}

func runSave() {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	var resp struct {
		Path string `json:"path"`
	}
	if err := httpJSON(http.MethodPost, *serverURL+"/api/v1/snapshot", nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Save failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Snapshot saved to %s\n", resp.Path)
}

func runLoad() {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	var resp struct {
		Path string `json:"path"`
	}
	if err := httpJSON(http.MethodPost, *serverURL+"/api/v1/restore", nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Snapshot restored from %s\n", resp.Path)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var status models.Status
	if err := httpJSON(http.MethodGet, *serverURL+"/api/v1/status", nil, &status); err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteStatus(os.Stdout, &status, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// httpJSON performs one API request, decoding a JSON response into out when
// out is non-nil.
func httpJSON(method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
