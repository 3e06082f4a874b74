package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  snapshot_path: "./index.ksna"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.SnapshotPath == "" {
		t.Error("snapshot_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  snapshot_path: "./data/index.ksna"
  corpus: "sqlite"
  database_path: "./data/corpus.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantSnap := filepath.Join(dir, "data/index.ksna")
	if cfg.Storage.SnapshotPath != wantSnap {
		t.Errorf("snapshot_path = %q, want %q", cfg.Storage.SnapshotPath, wantSnap)
	}
	wantDB := filepath.Join(dir, "data/corpus.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %q, want %q", cfg.Storage.DatabasePath, wantDB)
	}
	if cfg.Storage.Corpus != "sqlite" {
		t.Errorf("corpus = %q, want sqlite", cfg.Storage.Corpus)
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	if cfg.Server.Host != "localhost" || cfg.Server.Port != 8080 {
		t.Errorf("server defaults: %+v", cfg.Server)
	}
	if cfg.Storage.Corpus != "memory" {
		t.Errorf("corpus default = %q, want memory", cfg.Storage.Corpus)
	}
	if cfg.Index.Backend != "memory" {
		t.Errorf("backend default = %q, want memory", cfg.Index.Backend)
	}
	if cfg.Embedding.Provider != "mock" {
		t.Errorf("provider default = %q, want mock", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("dimensions default = %d, want 384", cfg.Embedding.Dimensions)
	}
	if len(cfg.Watch.Extensions) == 0 {
		t.Error("watch extensions default missing")
	}
	if cfg.Watch.Split != 0 {
		t.Errorf("watch split default = %d, want 0", cfg.Watch.Split)
	}
}

func TestWatchRecursiveDefaults(t *testing.T) {
	w := &WatchConfig{}
	if !w.RecursiveOrDefault() {
		t.Error("recursive should default to true when unset")
	}
	f := false
	w.Recursive = &f
	if w.RecursiveOrDefault() {
		t.Error("recursive=false should be honored")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Watch.Directories = []string{filepath.Join(dir, "docs")}
	cfg.Watch.Split = 3

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Watch.Directories) != 1 || loaded.Watch.Directories[0] != cfg.Watch.Directories[0] {
		t.Errorf("watch directories = %v, want %v", loaded.Watch.Directories, cfg.Watch.Directories)
	}
	if loaded.Watch.Split != 3 {
		t.Errorf("watch split = %d, want 3", loaded.Watch.Split)
	}
}
