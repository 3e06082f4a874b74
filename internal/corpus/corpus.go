// Package corpus owns document text keyed by a monotonically increasing
// integer key, and the named splits (partitions) that group keys. It knows
// nothing about embeddings; the vector backend holds those under the same
// keys.
package corpus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperjump/kensaku/internal/archive"
)

// Archive block names written by Snapshot and required by Restore.
const (
	BlockMeta      = "corpus/meta"
	BlockDocuments = "corpus/documents"
	BlockSplits    = "corpus/splits"
)

// Blocks lists every block a corpus snapshot contains.
var Blocks = []string{BlockMeta, BlockDocuments, BlockSplits}

// firstKey is the initial value of the key counter. Key 0 is never issued.
const firstKey = 1

// Store is the document corpus contract. Keys are allocated monotonically
// and never reused. Absence of a key or split is not an error: lookups
// report it with a bool, deletions with a count of zero. The error return
// carries infrastructure failures only (e.g. a database write), so the
// in-memory implementation never returns one.
type Store interface {
	// Allocate returns the next document key and advances the counter.
	Allocate() uint64
	// Insert records text under key, replacing any previous text.
	Insert(key uint64, text string) error
	// Resolve returns the text stored under key, and whether it exists.
	Resolve(key uint64) (string, bool, error)
	// Delete removes the document and strips key from every split.
	// Deleting an absent key is a no-op and returns false.
	Delete(key uint64) (bool, error)
	// DeleteWhere removes every document in the given split whose text
	// satisfies pred, returning the deleted keys in ascending order. Only
	// that split's members are scanned.
	DeleteWhere(split uint32, pred func(text string) bool) ([]uint64, error)
	// CountAll returns the number of documents in the corpus.
	CountAll() (int, error)
	// CountInSplit returns the number of members of split, 0 if absent.
	CountInSplit(split uint32) (int, error)
	// ClearAll empties documents and splits and resets the key counter.
	ClearAll() error
	// AddToSplit adds key to split, creating the split lazily.
	AddToSplit(split uint32, key uint64) error
	// SplitMembers returns a copy of the split's member set, nil if the
	// split is absent.
	SplitMembers(split uint32) (*roaring64.Bitmap, error)
	// Splits returns the ids of all non-empty splits in ascending order.
	Splits() ([]uint32, error)
	// Snapshot writes the corpus state into the archive writer.
	Snapshot(w *archive.Writer) error
	// Restore replaces the corpus state from the archive, all-or-nothing.
	Restore(a *archive.Archive) error
	Close() error
}

// document is one row of the serialized corpus.
type document struct {
	key  uint64
	text string
}

// splitSet is one serialized split.
type splitSet struct {
	id      uint32
	members *roaring64.Bitmap
}

// snapshot is the decoded form of the three corpus blocks. Both store
// implementations serialize through it, so their archives are
// interchangeable.
type snapshot struct {
	nextKey uint64
	docs    []document
	splits  []splitSet
}

func (s *snapshot) encode(w *archive.Writer) error {
	var meta bytes.Buffer
	if err := binary.Write(&meta, binary.LittleEndian, s.nextKey); err != nil {
		return err
	}
	if err := binary.Write(&meta, binary.LittleEndian, uint64(len(s.docs))); err != nil {
		return err
	}
	w.Add(BlockMeta, meta.Bytes())

	var docs bytes.Buffer
	if err := binary.Write(&docs, binary.LittleEndian, uint64(len(s.docs))); err != nil {
		return err
	}
	for _, d := range s.docs {
		if err := binary.Write(&docs, binary.LittleEndian, d.key); err != nil {
			return err
		}
		if err := binary.Write(&docs, binary.LittleEndian, uint32(len(d.text))); err != nil {
			return err
		}
		docs.WriteString(d.text)
	}
	w.Add(BlockDocuments, docs.Bytes())

	var splits bytes.Buffer
	if err := binary.Write(&splits, binary.LittleEndian, uint32(len(s.splits))); err != nil {
		return err
	}
	for _, sp := range s.splits {
		if err := binary.Write(&splits, binary.LittleEndian, sp.id); err != nil {
			return err
		}
		var blob bytes.Buffer
		if _, err := sp.members.WriteTo(&blob); err != nil {
			return fmt.Errorf("serialize split %d: %w", sp.id, err)
		}
		if err := binary.Write(&splits, binary.LittleEndian, uint64(blob.Len())); err != nil {
			return err
		}
		splits.Write(blob.Bytes())
	}
	w.Add(BlockSplits, splits.Bytes())
	return nil
}

func decodeSnapshot(a *archive.Archive) (*snapshot, error) {
	meta, err := a.Block(BlockMeta)
	if err != nil {
		return nil, err
	}
	docsBlock, err := a.Block(BlockDocuments)
	if err != nil {
		return nil, err
	}
	splitsBlock, err := a.Block(BlockSplits)
	if err != nil {
		return nil, err
	}

	s := &snapshot{}
	mr := bytes.NewReader(meta)
	var docCount uint64
	if err := binary.Read(mr, binary.LittleEndian, &s.nextKey); err != nil {
		return nil, fmt.Errorf("%w: corpus meta: %v", archive.ErrCorrupt, err)
	}
	if err := binary.Read(mr, binary.LittleEndian, &docCount); err != nil {
		return nil, fmt.Errorf("%w: corpus meta: %v", archive.ErrCorrupt, err)
	}

	dr := bytes.NewReader(docsBlock)
	var n uint64
	if err := binary.Read(dr, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: corpus documents: %v", archive.ErrCorrupt, err)
	}
	if n != docCount {
		return nil, fmt.Errorf("%w: document count mismatch: meta says %d, block has %d", archive.ErrCorrupt, docCount, n)
	}
	// Each record is at least a key and a text length.
	if n > uint64(dr.Len())/12 {
		return nil, fmt.Errorf("%w: document count %d exceeds block size", archive.ErrCorrupt, n)
	}
	s.docs = make([]document, 0, n)
	for i := uint64(0); i < n; i++ {
		var d document
		var textLen uint32
		if err := binary.Read(dr, binary.LittleEndian, &d.key); err != nil {
			return nil, fmt.Errorf("%w: corpus documents: %v", archive.ErrCorrupt, err)
		}
		if err := binary.Read(dr, binary.LittleEndian, &textLen); err != nil {
			return nil, fmt.Errorf("%w: corpus documents: %v", archive.ErrCorrupt, err)
		}
		if uint64(textLen) > uint64(dr.Len()) {
			return nil, fmt.Errorf("%w: document %d text length %d exceeds block", archive.ErrCorrupt, d.key, textLen)
		}
		text := make([]byte, textLen)
		if _, err := io.ReadFull(dr, text); err != nil {
			return nil, fmt.Errorf("%w: corpus documents: %v", archive.ErrCorrupt, err)
		}
		d.text = string(text)
		if d.key >= s.nextKey {
			return nil, fmt.Errorf("%w: document key %d not below next key %d", archive.ErrCorrupt, d.key, s.nextKey)
		}
		s.docs = append(s.docs, d)
	}

	sr := bytes.NewReader(splitsBlock)
	var splitCount uint32
	if err := binary.Read(sr, binary.LittleEndian, &splitCount); err != nil {
		return nil, fmt.Errorf("%w: corpus splits: %v", archive.ErrCorrupt, err)
	}
	// Each split record is at least an id and a bitmap length.
	if uint64(splitCount) > uint64(sr.Len())/12 {
		return nil, fmt.Errorf("%w: split count %d exceeds block size", archive.ErrCorrupt, splitCount)
	}
	s.splits = make([]splitSet, 0, splitCount)
	for i := uint32(0); i < splitCount; i++ {
		var sp splitSet
		if err := binary.Read(sr, binary.LittleEndian, &sp.id); err != nil {
			return nil, fmt.Errorf("%w: corpus splits: %v", archive.ErrCorrupt, err)
		}
		var blobLen uint64
		if err := binary.Read(sr, binary.LittleEndian, &blobLen); err != nil {
			return nil, fmt.Errorf("%w: corpus splits: %v", archive.ErrCorrupt, err)
		}
		if blobLen > uint64(sr.Len()) {
			return nil, fmt.Errorf("%w: split %d bitmap length %d exceeds block", archive.ErrCorrupt, sp.id, blobLen)
		}
		blob := make([]byte, blobLen)
		if _, err := io.ReadFull(sr, blob); err != nil {
			return nil, fmt.Errorf("%w: corpus splits: %v", archive.ErrCorrupt, err)
		}
		sp.members = roaring64.New()
		if err := sp.members.UnmarshalBinary(blob); err != nil {
			return nil, fmt.Errorf("%w: split %d bitmap: %v", archive.ErrCorrupt, sp.id, err)
		}
		s.splits = append(s.splits, sp)
	}
	return s, nil
}
