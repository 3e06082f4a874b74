package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
)

func TestBuildQuery(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"machine", "learning"}, "machine learning"},
		{[]string{"single"}, "single"},
		{[]string{" padded "}, "padded"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := buildQuery(tt.args); got != tt.want {
			t.Errorf("buildQuery(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestArgsReorder(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{[]string{"query", "-limit", "5"}, []string{"-limit", "5", "query"}},
		{[]string{"-limit", "5", "query"}, []string{"-limit", "5", "query"}},
		{[]string{"plain", "query"}, []string{"plain", "query"}},
		{nil, nil},
	}
	for _, tt := range tests {
		if got := argsReorder(tt.args); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("argsReorder(%v) = %v, want %v", tt.args, got, tt.want)
		}
	}
}

func TestLoadConfig_explicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, resolved, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != path {
		t.Errorf("resolved = %q, want %q", resolved, path)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
}

func TestNewEmbedder_mock(t *testing.T) {
	e, err := newEmbedder(&config.EmbeddingConfig{Provider: "mock", Dimensions: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if e.Dimensions() != 16 {
		t.Errorf("dimensions = %d, want 16", e.Dimensions())
	}
}

func TestNewIndex_memoryStack(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage.Corpus = "memory"
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimensions = 16
	cfg.Index.Backend = "memory"

	logger := zap.NewNop()
	idx, err := newIndex(cfg, logger, false)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	if idx.Dimensions() != 16 {
		t.Errorf("dimensions = %d, want 16", idx.Dimensions())
	}
}
