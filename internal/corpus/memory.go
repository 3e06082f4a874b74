package corpus

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kensaku/internal/archive"
)

// Memory is the in-memory corpus store. Splits are held as roaring bitmaps,
// so membership iteration is always in ascending key order.
type Memory struct {
	mu      sync.RWMutex
	nextKey uint64
	docs    map[uint64]string
	splits  map[uint32]*roaring64.Bitmap
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory corpus.
func NewMemory() *Memory {
	return &Memory{
		nextKey: firstKey,
		docs:    make(map[uint64]string),
		splits:  make(map[uint32]*roaring64.Bitmap),
	}
}

// Allocate returns the next key and advances the counter.
func (m *Memory) Allocate() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.nextKey
	m.nextKey++
	return key
}

// Insert records text under key, replacing any previous text.
func (m *Memory) Insert(key uint64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = text
	return nil
}

// Resolve returns the text stored under key and whether it exists.
func (m *Memory) Resolve(key uint64) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.docs[key]
	return text, ok, nil
}

// Delete removes the document and strips key from every split. Splits left
// empty are dropped, keeping split existence lazy.
func (m *Memory) Delete(key uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(key), nil
}

func (m *Memory) deleteLocked(key uint64) bool {
	if _, ok := m.docs[key]; !ok {
		return false
	}
	delete(m.docs, key)
	for id, members := range m.splits {
		members.Remove(key)
		if members.IsEmpty() {
			delete(m.splits, id)
		}
	}
	return true
}

// DeleteWhere removes every document in split whose text satisfies pred.
// Only that split's members are scanned.
func (m *Memory) DeleteWhere(split uint32, pred func(text string) bool) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.splits[split]
	if !ok {
		return nil, nil
	}
	var deleted []uint64
	for _, key := range members.ToArray() {
		if text, ok := m.docs[key]; ok && pred(text) {
			deleted = append(deleted, key)
		}
	}
	for _, key := range deleted {
		m.deleteLocked(key)
	}
	return deleted, nil
}

// CountAll returns the number of documents.
func (m *Memory) CountAll() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

// CountInSplit returns the member count of split, 0 if absent.
func (m *Memory) CountInSplit(split uint32) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.splits[split]
	if !ok {
		return 0, nil
	}
	return int(members.GetCardinality()), nil
}

// ClearAll empties the corpus and resets the key counter.
func (m *Memory) ClearAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKey = firstKey
	m.docs = make(map[uint64]string)
	m.splits = make(map[uint32]*roaring64.Bitmap)
	return nil
}

// AddToSplit adds key to split, creating the split on first membership.
func (m *Memory) AddToSplit(split uint32, key uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.splits[split]
	if !ok {
		members = roaring64.New()
		m.splits[split] = members
	}
	members.Add(key)
	return nil
}

// SplitMembers returns a copy of the split's member set, nil if absent.
func (m *Memory) SplitMembers(split uint32) (*roaring64.Bitmap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.splits[split]
	if !ok {
		return nil, nil
	}
	return members.Clone(), nil
}

// Splits returns all split ids in ascending order.
func (m *Memory) Splits() ([]uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint32, 0, len(m.splits))
	for id := range m.splits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Snapshot writes the corpus blocks into w. Documents are emitted in
// ascending key order so snapshots of equal corpora are byte-identical.
func (m *Memory) Snapshot(w *archive.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &snapshot{nextKey: m.nextKey}
	keys := make([]uint64, 0, len(m.docs))
	for key := range m.docs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		snap.docs = append(snap.docs, document{key: key, text: m.docs[key]})
	}

	ids := make([]uint32, 0, len(m.splits))
	for id := range m.splits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		snap.splits = append(snap.splits, splitSet{id: id, members: m.splits[id]})
	}
	return snap.encode(w)
}

// Restore replaces the corpus state from the archive. The snapshot is fully
// decoded before any state is touched, so a corrupt archive leaves the
// corpus unchanged.
func (m *Memory) Restore(a *archive.Archive) error {
	snap, err := decodeSnapshot(a)
	if err != nil {
		return err
	}

	docs := make(map[uint64]string, len(snap.docs))
	for _, d := range snap.docs {
		docs[d.key] = d.text
	}
	splits := make(map[uint32]*roaring64.Bitmap, len(snap.splits))
	for _, sp := range snap.splits {
		splits[sp.id] = sp.members
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextKey = snap.nextKey
	m.docs = docs
	m.splits = splits
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
