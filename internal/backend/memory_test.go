package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kensaku/internal/archive"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// axis returns a unit vector along the given axis of a dims-dimensional
// space, optionally blended toward the next axis to control distances.
func axis(dims, i int, blend float32) []float32 {
	v := make([]float32, dims)
	v[i] = 1 - blend
	v[(i+1)%dims] = blend
	utils.NormalizeL2(v)
	return v
}

func newTestBackend(t *testing.T, dims int) *Memory {
	t.Helper()
	b, err := NewMemory(dims)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSearchRanksByDistance(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()
	query := axis(4, 0, 0)

	// Key 2 is closest to the query, then 1, then 3.
	if err := b.Index(ctx, 1, axis(4, 0, 0.3)); err != nil {
		t.Fatal(err)
	}
	if err := b.Index(ctx, 2, axis(4, 0, 0.1)); err != nil {
		t.Fatal(err)
	}
	if err := b.Index(ctx, 3, axis(4, 1, 0)); err != nil {
		t.Fatal(err)
	}

	c, err := b.BeginSearch(ctx, query, nil)
	if err != nil {
		t.Fatalf("BeginSearch: %v", err)
	}
	keys, dists, completed, err := b.Page(ctx, c, 10)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if !completed {
		t.Error("completed = false after exhausting 3 results with k=10")
	}
	want := []uint64{2, 1, 3}
	if len(keys) != 3 {
		t.Fatalf("got %d results, want 3", len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %d, want %d", i, keys[i], want[i])
		}
	}
	for i := 1; i < len(dists); i++ {
		if dists[i] < dists[i-1] {
			t.Errorf("distances not non-decreasing: %v", dists)
		}
	}
}

func TestPagingLifecycle(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := b.Index(ctx, uint64(i+1), axis(4, i%4, float32(i)*0.05)); err != nil {
			t.Fatal(err)
		}
	}

	c, err := b.BeginSearch(ctx, axis(4, 0, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	wantSizes := []int{4, 4, 2}
	wantDone := []bool{false, false, true}
	for i := range wantSizes {
		keys, _, completed, err := b.Page(ctx, c, 4)
		if err != nil {
			t.Fatalf("Page %d: %v", i, err)
		}
		if len(keys) != wantSizes[i] || completed != wantDone[i] {
			t.Errorf("Page %d = %d keys, completed=%v; want %d, %v",
				i, len(keys), completed, wantSizes[i], wantDone[i])
		}
	}

	// Cursor was released on completion.
	if _, _, _, err := b.Page(ctx, c, 4); !errors.Is(err, ErrUnknownCursor) {
		t.Errorf("Page after completion = %v, want ErrUnknownCursor", err)
	}
	// Closing a released cursor is a no-op.
	b.CloseCursor(c)
}

func TestSearchWithFilter(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		if err := b.Index(ctx, uint64(i), axis(4, i%4, 0)); err != nil {
			t.Fatal(err)
		}
	}

	filter := roaring64.BitmapOf(2, 4, 6)
	c, err := b.BeginSearch(ctx, axis(4, 0, 0), filter)
	if err != nil {
		t.Fatal(err)
	}
	keys, _, completed, err := b.Page(ctx, c, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !completed || len(keys) != 3 {
		t.Fatalf("filtered search returned %d keys (completed=%v), want 3", len(keys), completed)
	}
	for _, k := range keys {
		if !filter.Contains(k) {
			t.Errorf("key %d outside filter", k)
		}
	}
}

func TestSearchUnaffectedByLaterMutation(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		if err := b.Index(ctx, uint64(i), axis(4, i%4, 0)); err != nil {
			t.Fatal(err)
		}
	}
	c, err := b.BeginSearch(ctx, axis(4, 0, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Remove(ctx, 4); err != nil {
		t.Fatal(err)
	}
	keys, _, _, err := b.Page(ctx, c, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 4 {
		t.Errorf("ranking shrank after Remove: got %d keys, want 4", len(keys))
	}
}

func TestDimensionMismatch(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()
	if err := b.Index(ctx, 1, []float32{1, 0}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Index with wrong dims = %v, want ErrUnavailable", err)
	}
	if _, err := b.BeginSearch(ctx, []float32{1, 0}, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("BeginSearch with wrong dims = %v, want ErrUnavailable", err)
	}
}

func TestClearInvalidatesCursors(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()
	if err := b.Index(ctx, 1, axis(4, 0, 0)); err != nil {
		t.Fatal(err)
	}
	c, err := b.BeginSearch(ctx, axis(4, 0, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if b.Size() != 0 {
		t.Errorf("Size = %d after Clear", b.Size())
	}
	if _, _, _, err := b.Page(ctx, c, 1); !errors.Is(err, ErrUnknownCursor) {
		t.Errorf("Page after Clear = %v, want ErrUnknownCursor", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	b := newTestBackend(t, 4)
	ctx := context.Background()
	vectors := map[uint64][]float32{
		1: axis(4, 0, 0),
		2: axis(4, 1, 0.2),
		3: axis(4, 2, 0.4),
	}
	for key, vec := range vectors {
		if err := b.Index(ctx, key, vec); err != nil {
			t.Fatal(err)
		}
	}

	w := archive.NewWriter()
	if err := b.SaveState(w); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	path := filepath.Join(t.TempDir(), "backend.ksna")
	if err := w.Save(path); err != nil {
		t.Fatal(err)
	}

	restored := newTestBackend(t, 4)
	a, err := archive.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.LoadState(a); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if restored.Size() != 3 {
		t.Fatalf("restored Size = %d, want 3", restored.Size())
	}

	// Restored ranking matches the original.
	for _, back := range []*Memory{b, restored} {
		c, err := back.BeginSearch(ctx, axis(4, 0, 0), nil)
		if err != nil {
			t.Fatal(err)
		}
		keys, _, _, err := back.Page(ctx, c, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 1 || keys[0] != 1 {
			t.Errorf("nearest = %v, want [1]", keys)
		}
		back.CloseCursor(c)
	}
}

func TestLoadDimensionMismatchIsCorrupt(t *testing.T) {
	b := newTestBackend(t, 4)
	if err := b.Index(context.Background(), 1, axis(4, 0, 0)); err != nil {
		t.Fatal(err)
	}
	w := archive.NewWriter()
	if err := b.SaveState(w); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "b.ksna")
	if err := w.Save(path); err != nil {
		t.Fatal(err)
	}

	other := newTestBackend(t, 8)
	a, err := archive.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.LoadState(a); !errors.Is(err, archive.ErrCorrupt) {
		t.Errorf("LoadState across dimensions = %v, want ErrCorrupt", err)
	}
}

func TestFactory(t *testing.T) {
	b, err := New("", 4, "")
	if err != nil {
		t.Fatalf("New(\"\"): %v", err)
	}
	if _, ok := b.(*Memory); !ok {
		t.Errorf("default backend = %T, want *Memory", b)
	}
	if _, err := New("pgvector", 4, ""); err == nil {
		t.Error("pgvector without dsn succeeded")
	}
	if _, err := New("bogus", 4, ""); err == nil {
		t.Error("unknown backend type succeeded")
	}
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1, 0.0625}
	got, err := parseVector(formatVector(vec), 3)
	if err != nil {
		t.Fatal(err)
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("component %d = %v, want %v", i, got[i], vec[i])
		}
	}
	if _, err := parseVector("[1,2]", 3); err == nil {
		t.Error("wrong-arity literal parsed successfully")
	}
}
