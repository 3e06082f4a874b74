// Package backend defines the vector-index capability: storing embeddings
// under document keys and running ranked nearest-neighbor searches over
// them. The index core never touches a backend's internal representation;
// it only calls through this interface, and the backend serializes its own
// state into the shared snapshot archive.
package backend

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kensaku/internal/archive"
)

var (
	// ErrUnavailable is returned (wrapped) when the backend rejects an
	// operation. The index state is left unchanged, so retry is safe.
	ErrUnavailable = errors.New("vector backend unavailable")

	// ErrUnknownCursor is returned when paging a cursor that was closed,
	// never issued, or already exhausted.
	ErrUnknownCursor = errors.New("unknown search cursor")
)

// Cursor identifies an in-progress ranked search inside a backend.
type Cursor uint64

// Backend is the pluggable vector index contract.
type Backend interface {
	// Index stores vec under key, replacing any previous vector.
	Index(ctx context.Context, key uint64, vec []float32) error
	// Remove deletes the vector under key; absent keys are a no-op.
	Remove(ctx context.Context, key uint64) error
	// Clear removes all vectors and invalidates all cursors.
	Clear(ctx context.Context) error
	// BeginSearch starts a ranked search for query. A nil filter searches
	// everything; otherwise only keys in the filter are candidates.
	BeginSearch(ctx context.Context, query []float32, filter *roaring64.Bitmap) (Cursor, error)
	// Page returns up to k next results, distances non-decreasing.
	// completed reports that the ranking is exhausted and the cursor has
	// been released; paging it again yields ErrUnknownCursor.
	Page(ctx context.Context, c Cursor, k int) (keys []uint64, distances []float32, completed bool, err error)
	// CloseCursor releases a cursor early. Unknown or already-released
	// cursors are a no-op.
	CloseCursor(c Cursor)
	// Size returns the number of indexed vectors.
	Size() int
	// SaveState serializes backend state into the archive writer.
	SaveState(w *archive.Writer) error
	// LoadState replaces backend state from the archive, all-or-nothing.
	LoadState(a *archive.Archive) error
	Close() error
}

// scored is one ranked search candidate.
type scored struct {
	key  uint64
	dist float32
}

// sortRanked orders candidates by ascending distance, ties by ascending
// key so paging is stable.
func sortRanked(ranked []scored) {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].key < ranked[j].key
	})
}

// cursorTable manages ranked result cursors for backends that rank eagerly
// at BeginSearch and page through the ranking afterwards.
type cursorTable struct {
	mu      sync.Mutex
	next    Cursor
	cursors map[Cursor]*cursorState
}

type cursorState struct {
	ranked []scored
	offset int
}

func newCursorTable() *cursorTable {
	return &cursorTable{cursors: make(map[Cursor]*cursorState)}
}

func (t *cursorTable) begin(ranked []scored) Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.cursors[t.next] = &cursorState{ranked: ranked}
	return t.next
}

func (t *cursorTable) page(c Cursor, k int) ([]uint64, []float32, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.cursors[c]
	if !ok {
		return nil, nil, false, ErrUnknownCursor
	}
	if k < 0 {
		k = 0
	}
	end := state.offset + k
	if end >= len(state.ranked) {
		end = len(state.ranked)
	}
	page := state.ranked[state.offset:end]
	keys := make([]uint64, len(page))
	distances := make([]float32, len(page))
	for i, s := range page {
		keys[i] = s.key
		distances[i] = s.dist
	}
	state.offset = end

	completed := state.offset >= len(state.ranked)
	if completed {
		delete(t.cursors, c)
	}
	return keys, distances, completed, nil
}

func (t *cursorTable) close(c Cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, c)
}

func (t *cursorTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors = make(map[Cursor]*cursorState)
}
