package corpus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kensaku/internal/archive"
)

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := NewMemory()
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLite(filepath.Join(t.TempDir(), "corpus.db"))
		if err != nil {
			t.Fatalf("NewSQLite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func mustAdd(t *testing.T, s Store, text string, split uint32) uint64 {
	t.Helper()
	key := s.Allocate()
	if err := s.Insert(key, text); err != nil {
		t.Fatalf("Insert(%d): %v", key, err)
	}
	if err := s.AddToSplit(split, key); err != nil {
		t.Fatalf("AddToSplit(%d, %d): %v", split, key, err)
	}
	return key
}

func TestAllocateMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		var prev uint64
		for i := 0; i < 10; i++ {
			key := s.Allocate()
			if key <= prev {
				t.Fatalf("Allocate returned %d after %d", key, prev)
			}
			prev = key
		}
	})
}

func TestResolveAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if _, ok, err := s.Resolve(42); err != nil || ok {
			t.Errorf("Resolve(42) = ok=%v err=%v, want absent", ok, err)
		}
	})
}

func TestDeleteStripsAllSplits(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		key := mustAdd(t, s, "shared", 1)
		if err := s.AddToSplit(2, key); err != nil {
			t.Fatal(err)
		}
		other := mustAdd(t, s, "other", 2)

		ok, err := s.Delete(key)
		if err != nil || !ok {
			t.Fatalf("Delete = %v, %v", ok, err)
		}
		if n, _ := s.CountInSplit(1); n != 0 {
			t.Errorf("CountInSplit(1) = %d, want 0", n)
		}
		if n, _ := s.CountInSplit(2); n != 1 {
			t.Errorf("CountInSplit(2) = %d, want 1", n)
		}
		if _, ok, _ := s.Resolve(other); !ok {
			t.Error("unrelated document was deleted")
		}

		// Second delete is a no-op.
		ok, err = s.Delete(key)
		if err != nil || ok {
			t.Errorf("second Delete = %v, %v, want false, nil", ok, err)
		}
	})
}

func TestEmptySplitIsAbsent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		key := mustAdd(t, s, "only", 7)
		if _, err := s.Delete(key); err != nil {
			t.Fatal(err)
		}
		members, err := s.SplitMembers(7)
		if err != nil {
			t.Fatal(err)
		}
		if members != nil {
			t.Error("split 7 still present after last member deleted")
		}
		ids, err := s.Splits()
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 0 {
			t.Errorf("Splits() = %v, want empty", ids)
		}
	})
}

func TestDeleteWhereScansOnlySplit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustAdd(t, s, "apple", 1)
		k2 := mustAdd(t, s, "apple", 2)
		mustAdd(t, s, "banana", 1)

		deleted, err := s.DeleteWhere(1, func(text string) bool { return text == "apple" })
		if err != nil {
			t.Fatal(err)
		}
		if len(deleted) != 1 {
			t.Fatalf("DeleteWhere deleted %v, want exactly one key", deleted)
		}
		if _, ok, _ := s.Resolve(k2); !ok {
			t.Error("document in split 2 was deleted")
		}
		if n, _ := s.CountInSplit(1); n != 1 {
			t.Errorf("CountInSplit(1) = %d, want 1 (banana)", n)
		}

		// Absent split: no-op, no error.
		deleted, err = s.DeleteWhere(99, func(string) bool { return true })
		if err != nil || len(deleted) != 0 {
			t.Errorf("DeleteWhere(99) = %v, %v, want empty", deleted, err)
		}
	})
}

func TestClearAllResetsCounter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustAdd(t, s, "a", 1)
		mustAdd(t, s, "b", 1)
		if err := s.ClearAll(); err != nil {
			t.Fatal(err)
		}
		if n, _ := s.CountAll(); n != 0 {
			t.Errorf("CountAll = %d after ClearAll", n)
		}
		if key := s.Allocate(); key != 1 {
			t.Errorf("Allocate after ClearAll = %d, want 1", key)
		}
	})
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		k1 := mustAdd(t, s, "first", 1)
		k2 := mustAdd(t, s, "second", 1)
		k3 := mustAdd(t, s, "third", 2)

		w := archive.NewWriter()
		if err := s.Snapshot(w); err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		path := filepath.Join(t.TempDir(), "snap.ksna")
		if err := w.Save(path); err != nil {
			t.Fatal(err)
		}

		if err := s.ClearAll(); err != nil {
			t.Fatal(err)
		}
		a, err := archive.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Restore(a); err != nil {
			t.Fatalf("Restore: %v", err)
		}

		for key, want := range map[uint64]string{k1: "first", k2: "second", k3: "third"} {
			got, ok, err := s.Resolve(key)
			if err != nil || !ok || got != want {
				t.Errorf("Resolve(%d) = %q, %v, %v; want %q", key, got, ok, err, want)
			}
		}
		if n, _ := s.CountInSplit(1); n != 2 {
			t.Errorf("CountInSplit(1) = %d, want 2", n)
		}
		if n, _ := s.CountInSplit(2); n != 1 {
			t.Errorf("CountInSplit(2) = %d, want 1", n)
		}

		// The restored counter must keep issued keys strictly increasing.
		if next := s.Allocate(); next <= k3 {
			t.Errorf("Allocate after Restore = %d, want > %d", next, k3)
		}
	})
}

func TestRestoreRejectsIncompleteArchive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustAdd(t, s, "keep me", 1)

		// An archive with only the meta block is structurally incomplete.
		w := archive.NewWriter()
		w.Add(BlockMeta, []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
		var path = filepath.Join(t.TempDir(), "bad.ksna")
		if err := w.Save(path); err != nil {
			t.Fatal(err)
		}
		a, err := archive.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Restore(a); !errors.Is(err, archive.ErrCorrupt) {
			t.Fatalf("Restore = %v, want ErrCorrupt", err)
		}

		// Prior state is untouched.
		if n, _ := s.CountAll(); n != 1 {
			t.Errorf("CountAll = %d after failed restore, want 1", n)
		}
	})
}

func TestSQLiteCounterSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	k1 := mustAdd(t, s, "persisted", 1)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s2.Close() })
	if got, ok, _ := s2.Resolve(k1); !ok || got != "persisted" {
		t.Errorf("Resolve(%d) after reopen = %q, %v", k1, got, ok)
	}
	if next := s2.Allocate(); next <= k1 {
		t.Errorf("Allocate after reopen = %d, want > %d", next, k1)
	}
}

func TestRestoreRejectsOversizedBitmapLength(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustAdd(t, s, "keep me", 1)

		writeU32 := func(buf *bytes.Buffer, v uint32) {
			_ = binary.Write(buf, binary.LittleEndian, v)
		}
		writeU64 := func(buf *bytes.Buffer, v uint64) {
			_ = binary.Write(buf, binary.LittleEndian, v)
		}

		var meta, docs, splits bytes.Buffer
		writeU64(&meta, 2) // next key
		writeU64(&meta, 0) // document count
		writeU64(&docs, 0)
		// One split record whose bitmap length points far beyond the block.
		writeU32(&splits, 1)
		writeU32(&splits, 1)
		writeU64(&splits, 1<<62)

		w := archive.NewWriter()
		w.Add(BlockMeta, meta.Bytes())
		w.Add(BlockDocuments, docs.Bytes())
		w.Add(BlockSplits, splits.Bytes())
		path := filepath.Join(t.TempDir(), "bad.ksna")
		if err := w.Save(path); err != nil {
			t.Fatal(err)
		}
		a, err := archive.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Restore(a); !errors.Is(err, archive.ErrCorrupt) {
			t.Fatalf("Restore = %v, want ErrCorrupt", err)
		}

		// Prior state is untouched.
		if n, _ := s.CountAll(); n != 1 {
			t.Errorf("CountAll = %d after failed restore, want 1", n)
		}
	})
}
