package session

import (
	"context"
	"errors"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kensaku/internal/backend"
	"github.com/hyperjump/kensaku/pkg/utils"
)

func newTestManager(t *testing.T, docs int) *Manager {
	t.Helper()
	b, err := backend.NewMemory(4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()
	for i := 0; i < docs; i++ {
		vec := make([]float32, 4)
		vec[i%4] = 1
		vec[(i+1)%4] = float32(i) * 0.05
		utils.NormalizeL2(vec)
		if err := b.Index(ctx, uint64(i+1), vec); err != nil {
			t.Fatal(err)
		}
	}
	return NewManager(b)
}

func query() []float32 {
	return []float32{1, 0, 0, 0}
}

func TestHandlesAreMonotonic(t *testing.T) {
	m := newTestManager(t, 3)
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 5; i++ {
		h, err := m.Begin(ctx, query(), nil)
		if err != nil {
			t.Fatalf("Begin %d: %v", i, err)
		}
		if h <= prev {
			t.Errorf("handle %d not greater than previous %d", h, prev)
		}
		prev = h
	}
	if m.Open() != 5 {
		t.Errorf("Open = %d, want 5", m.Open())
	}
}

func TestPageThroughCompletion(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	h, err := m.Begin(ctx, query(), nil)
	if err != nil {
		t.Fatal(err)
	}
	wantSizes := []int{4, 4, 2}
	wantDone := []bool{false, false, true}
	for i := range wantSizes {
		keys, dists, completed, err := m.Page(ctx, h, 4)
		if err != nil {
			t.Fatalf("Page %d: %v", i, err)
		}
		if len(keys) != wantSizes[i] || completed != wantDone[i] {
			t.Errorf("Page %d = %d keys, completed=%v; want %d, %v",
				i, len(keys), completed, wantSizes[i], wantDone[i])
		}
		if len(dists) != len(keys) {
			t.Errorf("Page %d: %d distances for %d keys", i, len(dists), len(keys))
		}
	}

	// The completed session is gone.
	if _, _, _, err := m.Page(ctx, h, 4); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Page after completion = %v, want ErrUnknownSession", err)
	}
	if m.Open() != 0 {
		t.Errorf("Open = %d after completion, want 0", m.Open())
	}
}

func TestPageUnknownHandle(t *testing.T) {
	m := newTestManager(t, 3)
	if _, _, _, err := m.Page(context.Background(), 42, 1); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Page on unissued handle = %v, want ErrUnknownSession", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newTestManager(t, 3)
	ctx := context.Background()

	h, err := m.Begin(ctx, query(), nil)
	if err != nil {
		t.Fatal(err)
	}
	m.Close(ctx, h)
	if m.Open() != 0 {
		t.Errorf("Open = %d after Close, want 0", m.Open())
	}
	m.Close(ctx, h)
	m.Close(ctx, 999)

	if _, _, _, err := m.Page(ctx, h, 1); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Page after Close = %v, want ErrUnknownSession", err)
	}
}

func TestBeginWithFilter(t *testing.T) {
	m := newTestManager(t, 6)
	ctx := context.Background()

	h, err := m.Begin(ctx, query(), roaring64.BitmapOf(2, 4))
	if err != nil {
		t.Fatal(err)
	}
	keys, _, completed, err := m.Page(ctx, h, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !completed || len(keys) != 2 {
		t.Fatalf("filtered page = %d keys (completed=%v), want 2", len(keys), completed)
	}
}

func TestCloseAll(t *testing.T) {
	m := newTestManager(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Begin(ctx, query(), nil); err != nil {
			t.Fatal(err)
		}
	}
	if n := m.CloseAll(ctx); n != 3 {
		t.Errorf("CloseAll = %d, want 3", n)
	}
	if m.Open() != 0 {
		t.Errorf("Open = %d after CloseAll, want 0", m.Open())
	}
}

func TestResetRewindsHandles(t *testing.T) {
	m := newTestManager(t, 3)
	ctx := context.Background()

	first, err := m.Begin(ctx, query(), nil)
	if err != nil {
		t.Fatal(err)
	}
	m.Reset(ctx)

	again, err := m.Begin(ctx, query(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Errorf("handle after Reset = %d, want %d", again, first)
	}
}
