// Package ingest feeds files into the search index: extract text, add it
// under a configured split, and keep a path→key map so file updates and
// deletions translate into index operations.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/extract"
	"github.com/hyperjump/kensaku/internal/index"
)

// FileIndexer maps files on disk to documents in the index. An updated file
// is removed and re-added, so its key changes but the corpus never holds two
// versions of one file.
type FileIndexer struct {
	index     index.Searchable
	extractor *extract.Extractor
	split     uint32
	logger    *zap.Logger // optional; when set, logs debug events

	mu   sync.Mutex
	keys map[string]uint64
}

// Option configures a FileIndexer.
type Option func(*FileIndexer)

// WithLogger sets a logger for debug output (file indexed, file removed).
func WithLogger(l *zap.Logger) Option {
	return func(f *FileIndexer) { f.logger = l }
}

// New creates a file indexer that adds documents into split (0 selects the
// default split).
func New(idx index.Searchable, extractor *extract.Extractor, split uint32, opts ...Option) *FileIndexer {
	f := &FileIndexer{
		index:     idx,
		extractor: extractor,
		split:     split,
		keys:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// IndexFile extracts path's text and adds it to the index, replacing any
// document previously indexed for that path. Files with no extractable text
// are skipped and reported with key 0.
func (f *FileIndexer) IndexFile(ctx context.Context, path string) (uint64, error) {
	text, err := f.extractor.Extract(path)
	if err != nil {
		return 0, fmt.Errorf("extract %s: %w", path, err)
	}
	text = normalize(text)
	if text == "" {
		if f.logger != nil {
			f.logger.Debug("file skipped, no text", zap.String("path", path))
		}
		return 0, nil
	}

	if _, err := f.RemoveFile(ctx, path); err != nil {
		return 0, err
	}
	key, err := f.index.Add(ctx, text, f.split)
	if err != nil {
		return 0, fmt.Errorf("index %s: %w", path, err)
	}

	f.mu.Lock()
	f.keys[path] = key
	f.mu.Unlock()
	if f.logger != nil {
		f.logger.Debug("file indexed", zap.String("path", path), zap.Uint64("key", key))
	}
	return key, nil
}

// RemoveFile drops the document indexed for path, if any.
func (f *FileIndexer) RemoveFile(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	key, ok := f.keys[path]
	if ok {
		delete(f.keys, path)
	}
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	removed, err := f.index.Remove(ctx, key)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", path, err)
	}
	if f.logger != nil {
		f.logger.Debug("file removed", zap.String("path", path), zap.Uint64("key", key))
	}
	return removed, nil
}

// Key returns the document key indexed for path.
func (f *FileIndexer) Key(path string) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[path]
	return key, ok
}

// Files returns the indexed paths in lexical order.
func (f *FileIndexer) Files() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.keys))
	for path := range f.keys {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// normalize trims and collapses whitespace so extracted text indexes and
// matches consistently across formats.
func normalize(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	wasSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		} else {
			b.WriteRune(r)
			wasSpace = false
		}
	}
	return b.String()
}
