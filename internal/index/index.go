// Package index is the semantic-search index façade. It coordinates the
// corpus store, the embedding provider, the vector backend and the search
// session manager behind one public surface, and owns the save/load contract
// that keeps all of them mutually consistent.
package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kensaku/internal/archive"
	"github.com/hyperjump/kensaku/internal/backend"
	"github.com/hyperjump/kensaku/internal/corpus"
	"github.com/hyperjump/kensaku/internal/embedding"
	"github.com/hyperjump/kensaku/internal/session"
)

const (
	// AllSplits is the unfiltered sentinel: search every document, add to
	// the default split.
	AllSplits uint32 = 0
	// DefaultSplit is where documents land when no split is named.
	DefaultSplit uint32 = 1
)

// BlockMeta is the archive block holding the index-level header.
const BlockMeta = "index/meta"

const metaVersion = 1

// maxConcurrentEmbeds bounds AddBatch's parallel embedding calls.
const maxConcurrentEmbeds = 4

// Searchable is the full public surface of an index. Composition plugins
// wrap a Searchable and delegate to it; anything satisfying this interface
// can sit under a plugin.
type Searchable interface {
	Add(ctx context.Context, text string, split uint32) (uint64, error)
	AddBatch(ctx context.Context, texts []string, split uint32) ([]uint64, error)
	Get(ctx context.Context, key uint64) (string, bool, error)
	Remove(ctx context.Context, key uint64) (bool, error)
	RemoveText(ctx context.Context, text string, split uint32) (int, error)
	Count(ctx context.Context) (int, error)
	CountSplit(ctx context.Context, split uint32) (int, error)
	Clear(ctx context.Context) error

	BeginSearch(ctx context.Context, text string, split uint32) (uint64, error)
	Page(ctx context.Context, handle uint64, k int) ([]uint64, []float32, bool, error)
	CloseSearch(ctx context.Context, handle uint64)
	Search(ctx context.Context, text string, k int, split uint32) ([]string, []float32, error)

	SaveTo(w *archive.Writer) error
	LoadFrom(a *archive.Archive) error
	Save(path string) error
	Load(path string) error

	Dimensions() int
	OpenSessions() int
	Close() error
}

// Index composes a corpus store, an embedder, a vector backend and a session
// manager into one semantic-search index.
type Index struct {
	store    corpus.Store
	embedder embedding.Embedder
	backend  backend.Backend
	sessions *session.Manager
	logger   *zap.Logger // optional; when set, logs debug events
}

var _ Searchable = (*Index)(nil)

// Option configures an Index.
type Option func(*Index)

// WithLogger sets a logger for debug output (document added, snapshot saved,
// sessions dropped, etc.).
func WithLogger(l *zap.Logger) Option {
	return func(idx *Index) { idx.logger = l }
}

// New creates an index with the given dependencies. The embedder's and
// backend's dimensions must agree; a mismatch surfaces as ErrUnavailable
// from the first Add.
func New(store corpus.Store, embedder embedding.Embedder, back backend.Backend, opts ...Option) *Index {
	idx := &Index{
		store:    store,
		embedder: embedder,
		backend:  back,
	}
	for _, opt := range opts {
		opt(idx)
	}
	var sessOpts []session.Option
	if idx.logger != nil {
		sessOpts = append(sessOpts, session.WithLogger(idx.logger))
	}
	idx.sessions = session.NewManager(back, sessOpts...)
	return idx
}

// Add embeds text and stores it under a freshly allocated key in the given
// split (AllSplits selects DefaultSplit). The backend must accept the vector
// before the corpus commits, so an embedding or backend failure leaves the
// index unchanged apart from the consumed key.
func (idx *Index) Add(ctx context.Context, text string, split uint32) (uint64, error) {
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("embed document: %w", err)
	}
	return idx.addEmbedded(ctx, text, vec, split)
}

func (idx *Index) addEmbedded(ctx context.Context, text string, vec []float32, split uint32) (uint64, error) {
	if split == AllSplits {
		split = DefaultSplit
	}
	key := idx.store.Allocate()
	if err := idx.backend.Index(ctx, key, vec); err != nil {
		return 0, fmt.Errorf("index vector for key %d: %w", key, err)
	}
	if err := idx.store.Insert(key, text); err != nil {
		return 0, fmt.Errorf("store document %d: %w", key, err)
	}
	if err := idx.store.AddToSplit(split, key); err != nil {
		return 0, fmt.Errorf("add document %d to split %d: %w", key, split, err)
	}
	if idx.logger != nil {
		idx.logger.Debug("document added",
			zap.Uint64("key", key),
			zap.Uint32("split", split))
	}
	return key, nil
}

// AddBatch embeds texts concurrently, then indexes them sequentially in
// input order so allocated keys follow the caller's ordering. On failure it
// returns the keys of the documents that were fully added before the error.
func (idx *Index) AddBatch(ctx context.Context, texts []string, split uint32) ([]uint64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentEmbeds)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := idx.embedder.Embed(gctx, text)
			if err != nil {
				return fmt.Errorf("embed document %d: %w", i, err)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keys := make([]uint64, 0, len(texts))
	for i := range texts {
		key, err := idx.addEmbedded(ctx, texts[i], vecs[i], split)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Get returns the text stored under key and whether it exists.
func (idx *Index) Get(ctx context.Context, key uint64) (string, bool, error) {
	return idx.store.Resolve(key)
}

// Remove deletes the document under key from the corpus and the backend.
// The corpus deletion decides: the backend is only touched when a document
// actually existed.
func (idx *Index) Remove(ctx context.Context, key uint64) (bool, error) {
	removed, err := idx.store.Delete(key)
	if err != nil {
		return false, fmt.Errorf("delete document %d: %w", key, err)
	}
	if !removed {
		return false, nil
	}
	if err := idx.backend.Remove(ctx, key); err != nil {
		return true, fmt.Errorf("remove vector %d: %w", key, err)
	}
	if idx.logger != nil {
		idx.logger.Debug("document removed", zap.Uint64("key", key))
	}
	return true, nil
}

// RemoveText deletes every document in split whose text exactly matches
// text, and returns how many were removed. AllSplits scans every split.
func (idx *Index) RemoveText(ctx context.Context, text string, split uint32) (int, error) {
	match := func(stored string) bool { return stored == text }

	splits := []uint32{split}
	if split == AllSplits {
		var err error
		splits, err = idx.store.Splits()
		if err != nil {
			return 0, fmt.Errorf("list splits: %w", err)
		}
	}

	removed := 0
	for _, sp := range splits {
		keys, err := idx.store.DeleteWhere(sp, match)
		if err != nil {
			return removed, fmt.Errorf("delete from split %d: %w", sp, err)
		}
		for _, key := range keys {
			if err := idx.backend.Remove(ctx, key); err != nil {
				return removed, fmt.Errorf("remove vector %d: %w", key, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of stored documents.
func (idx *Index) Count(ctx context.Context) (int, error) {
	return idx.store.CountAll()
}

// CountSplit returns the number of documents in split; AllSplits counts
// everything.
func (idx *Index) CountSplit(ctx context.Context, split uint32) (int, error) {
	if split == AllSplits {
		return idx.store.CountAll()
	}
	return idx.store.CountInSplit(split)
}

// Clear empties the corpus and the backend and resets the session handle
// counter. Key allocation starts over from the beginning.
func (idx *Index) Clear(ctx context.Context) error {
	idx.sessions.Reset(ctx)
	if err := idx.store.ClearAll(); err != nil {
		return fmt.Errorf("clear corpus: %w", err)
	}
	if err := idx.backend.Clear(ctx); err != nil {
		return fmt.Errorf("clear backend: %w", err)
	}
	if idx.logger != nil {
		idx.logger.Debug("index cleared")
	}
	return nil
}

// BeginSearch embeds text and opens an incremental search session over
// split (AllSplits searches the whole corpus). The returned handle is paged
// with Page and released with CloseSearch.
func (idx *Index) BeginSearch(ctx context.Context, text string, split uint32) (uint64, error) {
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("embed query: %w", err)
	}
	filter, err := idx.splitFilter(split)
	if err != nil {
		return 0, err
	}
	return idx.sessions.Begin(ctx, vec, filter)
}

// splitFilter maps a split id to a backend filter. AllSplits means no
// filter; an absent split yields an empty bitmap, not nil, so searching a
// split that never existed finds nothing rather than everything.
func (idx *Index) splitFilter(split uint32) (*roaring64.Bitmap, error) {
	if split == AllSplits {
		return nil, nil
	}
	members, err := idx.store.SplitMembers(split)
	if err != nil {
		return nil, fmt.Errorf("resolve split %d: %w", split, err)
	}
	if members == nil {
		members = roaring64.New()
	}
	return members, nil
}

// Page returns up to k next results for an open session.
func (idx *Index) Page(ctx context.Context, handle uint64, k int) ([]uint64, []float32, bool, error) {
	return idx.sessions.Page(ctx, handle, k)
}

// CloseSearch terminates a session early; unknown handles are a no-op.
func (idx *Index) CloseSearch(ctx context.Context, handle uint64) {
	idx.sessions.Close(ctx, handle)
}

// Search is the one-shot convenience: begin, take the first k results,
// resolve their texts, and close whatever is left of the session. A key
// whose document was removed mid-search resolves to "".
func (idx *Index) Search(ctx context.Context, text string, k int, split uint32) ([]string, []float32, error) {
	handle, err := idx.BeginSearch(ctx, text, split)
	if err != nil {
		return nil, nil, err
	}
	keys, distances, completed, err := idx.sessions.Page(ctx, handle, k)
	if err != nil {
		idx.sessions.Close(ctx, handle)
		return nil, nil, err
	}
	if !completed {
		idx.sessions.Close(ctx, handle)
	}

	texts := make([]string, len(keys))
	for i, key := range keys {
		stored, ok, err := idx.store.Resolve(key)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve result %d: %w", key, err)
		}
		if ok {
			texts[i] = stored
		}
	}
	return texts, distances, nil
}

// SaveTo writes the whole index state into w: the index header, the corpus
// blocks and the backend blocks. Open sessions are not persisted; they are
// closed first and the drop is logged.
func (idx *Index) SaveTo(w *archive.Writer) error {
	if dropped := idx.sessions.CloseAll(context.Background()); dropped > 0 && idx.logger != nil {
		idx.logger.Info("open search sessions dropped by save", zap.Int("count", dropped))
	}

	var meta bytes.Buffer
	id := uuid.New()
	for _, v := range []any{
		uint32(metaVersion),
		uint32(idx.embedder.Dimensions()),
		time.Now().Unix(),
		uint64(idx.backend.Size()),
	} {
		if err := binary.Write(&meta, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	meta.Write(id[:])
	w.Add(BlockMeta, meta.Bytes())

	if err := idx.store.Snapshot(w); err != nil {
		return fmt.Errorf("snapshot corpus: %w", err)
	}
	if err := idx.backend.SaveState(w); err != nil {
		return fmt.Errorf("save backend state: %w", err)
	}
	if idx.logger != nil {
		idx.logger.Debug("index snapshot written", zap.String("snapshot_id", id.String()))
	}
	return nil
}

// LoadFrom replaces the index state from a. Every required block and the
// header are validated before any live state is touched, so a corrupt or
// incompatible archive leaves the index as it was.
func (idx *Index) LoadFrom(a *archive.Archive) error {
	required := append([]string{BlockMeta}, corpus.Blocks...)
	required = append(required, backend.Blocks...)
	for _, name := range required {
		if !a.Has(name) {
			return fmt.Errorf("%w: missing block %q", archive.ErrCorrupt, name)
		}
	}

	block, err := a.Block(BlockMeta)
	if err != nil {
		return err
	}
	mr := bytes.NewReader(block)
	var version, dims uint32
	if err := binary.Read(mr, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("%w: index meta: %v", archive.ErrCorrupt, err)
	}
	if version != metaVersion {
		return fmt.Errorf("%w: unsupported snapshot version %d", archive.ErrCorrupt, version)
	}
	if err := binary.Read(mr, binary.LittleEndian, &dims); err != nil {
		return fmt.Errorf("%w: index meta: %v", archive.ErrCorrupt, err)
	}
	if int(dims) != idx.embedder.Dimensions() {
		return fmt.Errorf("%w: snapshot dimension %d, embedder dimension %d",
			archive.ErrCorrupt, dims, idx.embedder.Dimensions())
	}

	if err := idx.store.Restore(a); err != nil {
		return fmt.Errorf("restore corpus: %w", err)
	}
	if err := idx.backend.LoadState(a); err != nil {
		return fmt.Errorf("load backend state: %w", err)
	}
	idx.sessions.Reset(context.Background())
	if idx.logger != nil {
		idx.logger.Debug("index snapshot loaded", zap.Uint32("dimensions", dims))
	}
	return nil
}

// Save writes the index to path atomically.
func (idx *Index) Save(path string) error {
	w := archive.NewWriter()
	if err := idx.SaveTo(w); err != nil {
		return err
	}
	return w.Save(path)
}

// Load reads the index from path.
func (idx *Index) Load(path string) error {
	a, err := archive.Open(path)
	if err != nil {
		return err
	}
	return idx.LoadFrom(a)
}

// Dimensions returns the embedding dimensionality in use.
func (idx *Index) Dimensions() int {
	return idx.embedder.Dimensions()
}

// OpenSessions returns the number of currently open search sessions.
func (idx *Index) OpenSessions() int {
	return idx.sessions.Open()
}

// Close shuts down every dependency. Open sessions are closed first.
func (idx *Index) Close() error {
	idx.sessions.CloseAll(context.Background())
	return errors.Join(
		idx.store.Close(),
		idx.backend.Close(),
		idx.embedder.Close(),
	)
}
