package backend

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kensaku/internal/archive"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// Archive block names for the in-memory backend's state.
const (
	BlockMeta    = "backend/meta"
	BlockVectors = "backend/vectors"
)

// Blocks lists every block the memory backend's SaveState writes.
var Blocks = []string{BlockMeta, BlockVectors}

// Memory is a brute-force in-memory backend. Vectors are expected to be
// unit length; distance is cosine distance (1 - inner product). Rankings
// are computed eagerly at BeginSearch and paged through a cursor table,
// so a search is unaffected by later mutations.
type Memory struct {
	dimensions int
	mu         sync.RWMutex
	vectors    map[uint64][]float32
	cursors    *cursorTable
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty brute-force backend of the given dimension.
func NewMemory(dimensions int) (*Memory, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	return &Memory{
		dimensions: dimensions,
		vectors:    make(map[uint64][]float32),
		cursors:    newCursorTable(),
	}, nil
}

// Index stores vec under key.
func (m *Memory) Index(ctx context.Context, key uint64, vec []float32) error {
	if len(vec) != m.dimensions {
		return fmt.Errorf("%w: vector dimension %d, index dimension %d", ErrUnavailable, len(vec), m.dimensions)
	}
	buf := make([]float32, m.dimensions)
	copy(buf, vec)
	m.mu.Lock()
	m.vectors[key] = buf
	m.mu.Unlock()
	return nil
}

// Remove deletes the vector under key.
func (m *Memory) Remove(ctx context.Context, key uint64) error {
	m.mu.Lock()
	delete(m.vectors, key)
	m.mu.Unlock()
	return nil
}

// Clear drops all vectors and invalidates every cursor.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.vectors = make(map[uint64][]float32)
	m.mu.Unlock()
	m.cursors.reset()
	return nil
}

// BeginSearch ranks all candidates for query and returns a paging cursor.
func (m *Memory) BeginSearch(ctx context.Context, query []float32, filter *roaring64.Bitmap) (Cursor, error) {
	if len(query) != m.dimensions {
		return 0, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrUnavailable, len(query), m.dimensions)
	}

	m.mu.RLock()
	ranked := make([]scored, 0, len(m.vectors))
	for key, vec := range m.vectors {
		if filter != nil && !filter.Contains(key) {
			continue
		}
		dist := float32(1.0 - utils.InnerProduct(query, vec))
		ranked = append(ranked, scored{key: key, dist: dist})
	}
	m.mu.RUnlock()

	sortRanked(ranked)
	return m.cursors.begin(ranked), nil
}

// Page returns up to k next ranked results.
func (m *Memory) Page(ctx context.Context, c Cursor, k int) ([]uint64, []float32, bool, error) {
	return m.cursors.page(c, k)
}

// CloseCursor releases the cursor; unknown cursors are a no-op.
func (m *Memory) CloseCursor(c Cursor) {
	m.cursors.close(c)
}

// Size returns the number of indexed vectors.
func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

// SaveState writes the vectors into the archive in ascending key order.
func (m *Memory) SaveState(w *archive.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]uint64, 0, len(m.vectors))
	for key := range m.vectors {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	rows := make([]vectorRow, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, vectorRow{key: key, vec: m.vectors[key]})
	}
	return encodeVectors(w, m.dimensions, rows)
}

// LoadState replaces the vectors from the archive. The payload is fully
// decoded before the live map is swapped, and all cursors are invalidated.
func (m *Memory) LoadState(a *archive.Archive) error {
	dims, rows, err := decodeVectors(a)
	if err != nil {
		return err
	}
	if dims != m.dimensions {
		return fmt.Errorf("%w: snapshot dimension %d, index dimension %d", archive.ErrCorrupt, dims, m.dimensions)
	}
	vectors := make(map[uint64][]float32, len(rows))
	for _, r := range rows {
		vectors[r.key] = r.vec
	}

	m.mu.Lock()
	m.vectors = vectors
	m.mu.Unlock()
	m.cursors.reset()
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *Memory) Close() error {
	return nil
}

// vectorRow is one serialized (key, embedding) pair.
type vectorRow struct {
	key uint64
	vec []float32
}

// encodeVectors writes the shared backend block layout; used by every
// backend implementation so their archives are interchangeable.
func encodeVectors(w *archive.Writer, dimensions int, rows []vectorRow) error {
	var meta bytes.Buffer
	if err := binary.Write(&meta, binary.LittleEndian, uint32(dimensions)); err != nil {
		return err
	}
	if err := binary.Write(&meta, binary.LittleEndian, uint64(len(rows))); err != nil {
		return err
	}
	w.Add(BlockMeta, meta.Bytes())

	var vecs bytes.Buffer
	if err := binary.Write(&vecs, binary.LittleEndian, uint64(len(rows))); err != nil {
		return err
	}
	for _, r := range rows {
		if err := binary.Write(&vecs, binary.LittleEndian, r.key); err != nil {
			return err
		}
		if err := binary.Write(&vecs, binary.LittleEndian, r.vec); err != nil {
			return err
		}
	}
	w.Add(BlockVectors, vecs.Bytes())
	return nil
}

func decodeVectors(a *archive.Archive) (int, []vectorRow, error) {
	meta, err := a.Block(BlockMeta)
	if err != nil {
		return 0, nil, err
	}
	block, err := a.Block(BlockVectors)
	if err != nil {
		return 0, nil, err
	}

	mr := bytes.NewReader(meta)
	var dims uint32
	var count uint64
	if err := binary.Read(mr, binary.LittleEndian, &dims); err != nil {
		return 0, nil, fmt.Errorf("%w: backend meta: %v", archive.ErrCorrupt, err)
	}
	if err := binary.Read(mr, binary.LittleEndian, &count); err != nil {
		return 0, nil, fmt.Errorf("%w: backend meta: %v", archive.ErrCorrupt, err)
	}

	vr := bytes.NewReader(block)
	var n uint64
	if err := binary.Read(vr, binary.LittleEndian, &n); err != nil {
		return 0, nil, fmt.Errorf("%w: backend vectors: %v", archive.ErrCorrupt, err)
	}
	if n != count {
		return 0, nil, fmt.Errorf("%w: vector count mismatch: meta says %d, block has %d", archive.ErrCorrupt, count, n)
	}
	rowSize := 8 + 4*uint64(dims)
	if n > uint64(vr.Len())/rowSize {
		return 0, nil, fmt.Errorf("%w: vector count %d exceeds block size", archive.ErrCorrupt, n)
	}
	rows := make([]vectorRow, 0, n)
	for i := uint64(0); i < n; i++ {
		r := vectorRow{vec: make([]float32, dims)}
		if err := binary.Read(vr, binary.LittleEndian, &r.key); err != nil {
			return 0, nil, fmt.Errorf("%w: backend vectors: %v", archive.ErrCorrupt, err)
		}
		if err := binary.Read(vr, binary.LittleEndian, r.vec); err != nil {
			return 0, nil, fmt.Errorf("%w: backend vectors: %v", archive.ErrCorrupt, err)
		}
		rows = append(rows, r)
	}
	if vr.Len() != 0 {
		return 0, nil, fmt.Errorf("%w: backend vectors: %d trailing bytes", archive.ErrCorrupt, vr.Len())
	}
	return int(dims), rows, nil
}
