package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recorder collects callback invocations behind a mutex.
type recorder struct {
	mu      sync.Mutex
	indexed []string
	removed []string
}

func (r *recorder) onIndex(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, path)
}

func (r *recorder) onRemove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, path)
}

func (r *recorder) indexedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.indexed)
}

func (r *recorder) removedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removed)
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"a.txt", []string{".txt"}, true},
		{"a.txt", []string{"txt"}, true},
		{"a.TXT", []string{".txt"}, true},
		{"a.pdf", []string{".txt"}, false},
		{"a.pdf", nil, true},
		{"noext", []string{".txt"}, false},
	}
	for _, tt := range tests {
		if got := matchExtension(tt.path, tt.extensions); got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	if !inDir("/a/b", "/a/b/c.txt") {
		t.Error("direct child should be in dir")
	}
	if !inDir("/a/b", "/a/b/c/d.txt") {
		t.Error("nested child should be in dir")
	}
	if inDir("/a/b", "/a/other.txt") {
		t.Error("sibling should not be in dir")
	}
}

func TestWatcher_WriteTriggersDebouncedIndex(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New([]string{dir}, []string{".txt"}, true, rec.onIndex, rec.onRemove)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)

	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, func() bool { return rec.indexedCount() >= 1 }) {
		t.Fatal("write never triggered onIndex")
	}

	// Non-matching extensions are ignored.
	if err := os.WriteFile(filepath.Join(dir, "skip.bin"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	rec.mu.Lock()
	for _, p := range rec.indexed {
		if filepath.Ext(p) != ".txt" {
			t.Errorf("non-matching file indexed: %s", p)
		}
	}
	rec.mu.Unlock()
}

func TestWatcher_RemoveTriggersOnRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	w := New([]string{dir}, []string{".txt"}, true, rec.onIndex, rec.onRemove)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, func() bool { return rec.removedCount() >= 1 }) {
		t.Fatal("remove never triggered onRemove")
	}
}

func TestWatcher_SyncExistingFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{
		filepath.Join(dir, "a.txt"),
		filepath.Join(sub, "b.txt"),
		filepath.Join(dir, "c.bin"),
	} {
		if err := os.WriteFile(p, []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	rec := &recorder{}
	w := New([]string{dir}, []string{".txt"}, true, rec.onIndex, rec.onRemove)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)

	w.SyncExistingFiles()
	if rec.indexedCount() != 2 {
		t.Errorf("synced %d files, want 2 (.txt only)", rec.indexedCount())
	}
}

func TestWatcher_StartCreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-yet")
	w := New([]string{root}, nil, true, nil, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root was not created: %v", err)
	}
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	w := New([]string{dir}, []string{".txt"}, true, rec.onIndex, rec.onRemove)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)

	sub := filepath.Join(dir, "newdir")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "nested.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, func() bool { return rec.indexedCount() >= 1 }) {
		t.Fatal("file in new subdirectory never indexed")
	}
}
