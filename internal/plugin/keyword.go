package plugin

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"

	"github.com/hyperjump/kensaku/internal/archive"
	"github.com/hyperjump/kensaku/internal/index"
)

// BlockKeyword is the archive block holding the keyword plugin's documents.
const BlockKeyword = "plugin/keyword"

// Keyword adds exact-term search beside the semantic index. It mirrors every
// stored document into an in-memory bleve index plus its own key→text map;
// the map is the persisted state and bleve is rebuilt from it on load.
type Keyword struct {
	index.Searchable

	mu    sync.Mutex
	bleve bleve.Index
	texts map[uint64]string
}

// keywordDoc is the shape bleve indexes.
type keywordDoc struct {
	Text string `json:"text"`
}

// NewKeyword wraps inner with a keyword index.
func NewKeyword(inner index.Searchable) (*Keyword, error) {
	b, err := newBleve()
	if err != nil {
		return nil, err
	}
	return &Keyword{
		Searchable: inner,
		bleve:      b,
		texts:      make(map[uint64]string),
	}, nil
}

// newBleve creates an in-memory index with the standard analyzer, so terms
// are lowercased and tokenized but not stemmed.
func newBleve() (bleve.Index, error) {
	fm := bleve.NewTextFieldMapping()
	fm.Analyzer = standard.Name
	dm := bleve.NewDocumentMapping()
	dm.AddFieldMappingsAt("text", fm)
	im := bleve.NewIndexMapping()
	im.DefaultMapping = dm

	b, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return b, nil
}

// Add stores text in the wrapped index and mirrors it into the keyword
// index.
func (p *Keyword) Add(ctx context.Context, text string, split uint32) (uint64, error) {
	key, err := p.Searchable.Add(ctx, text, split)
	if err != nil {
		return 0, err
	}
	if err := p.mirror(key, text); err != nil {
		return key, err
	}
	return key, nil
}

// AddBatch stores texts in the wrapped index and mirrors every added
// document. On partial failure the mirrored set matches the added set.
func (p *Keyword) AddBatch(ctx context.Context, texts []string, split uint32) ([]uint64, error) {
	keys, err := p.Searchable.AddBatch(ctx, texts, split)
	for i, key := range keys {
		if merr := p.mirror(key, texts[i]); merr != nil && err == nil {
			err = merr
		}
	}
	return keys, err
}

func (p *Keyword) mirror(key uint64, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.bleve.Index(strconv.FormatUint(key, 10), keywordDoc{Text: text}); err != nil {
		return fmt.Errorf("keyword-index document %d: %w", key, err)
	}
	p.texts[key] = text
	return nil
}

func (p *Keyword) unmirror(key uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.texts[key]; !ok {
		return
	}
	_ = p.bleve.Delete(strconv.FormatUint(key, 10))
	delete(p.texts, key)
}

// Remove deletes from the wrapped index and drops the keyword mirror when a
// document was actually removed.
func (p *Keyword) Remove(ctx context.Context, key uint64) (bool, error) {
	removed, err := p.Searchable.Remove(ctx, key)
	if removed {
		p.unmirror(key)
	}
	return removed, err
}

// RemoveText removes exact matches from the wrapped index, then reconciles
// the mirror: any mirrored document with that text which no longer resolves
// in the index is dropped. Reconciling via Get keeps the plugin out of the
// index's split bookkeeping.
func (p *Keyword) RemoveText(ctx context.Context, text string, split uint32) (int, error) {
	removed, err := p.Searchable.RemoveText(ctx, text, split)
	if removed == 0 {
		return removed, err
	}

	p.mu.Lock()
	var candidates []uint64
	for key, stored := range p.texts {
		if stored == text {
			candidates = append(candidates, key)
		}
	}
	p.mu.Unlock()

	for _, key := range candidates {
		if _, ok, gerr := p.Searchable.Get(ctx, key); gerr == nil && !ok {
			p.unmirror(key)
		}
	}
	return removed, err
}

// Clear empties the wrapped index and the keyword mirror.
func (p *Keyword) Clear(ctx context.Context) error {
	if err := p.Searchable.Clear(ctx); err != nil {
		return err
	}
	fresh, err := newBleve()
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.bleve
	p.bleve = fresh
	p.texts = make(map[uint64]string)
	p.mu.Unlock()
	return old.Close()
}

// SearchKeyword runs a match query and returns up to limit results as
// (keys, texts), best score first.
func (p *Keyword) SearchKeyword(ctx context.Context, query string, limit int) ([]uint64, []string, error) {
	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = limit

	p.mu.Lock()
	b := p.bleve
	p.mu.Unlock()

	res, err := b.SearchInContext(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("keyword search: %w", err)
	}

	keys := make([]uint64, 0, len(res.Hits))
	texts := make([]string, 0, len(res.Hits))
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hit := range res.Hits {
		key, err := strconv.ParseUint(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		text, ok := p.texts[key]
		if !ok {
			continue
		}
		keys = append(keys, key)
		texts = append(texts, text)
	}
	return keys, texts, nil
}

// SaveTo writes the wrapped index and then the keyword mirror block.
func (p *Keyword) SaveTo(w *archive.Writer) error {
	if err := p.Searchable.SaveTo(w); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]uint64, 0, len(p.texts))
	for key := range p.texts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(keys))); err != nil {
		return err
	}
	for _, key := range keys {
		text := p.texts[key]
		if err := binary.Write(&buf, binary.LittleEndian, key); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(text))); err != nil {
			return err
		}
		buf.WriteString(text)
	}
	w.Add(BlockKeyword, buf.Bytes())
	return nil
}

// LoadFrom restores the wrapped index, then rebuilds bleve from the mirror
// block. The block is fully decoded and indexed into a fresh bleve before
// the live state is swapped. An archive without the block loads as an empty
// mirror.
func (p *Keyword) LoadFrom(a *archive.Archive) error {
	if err := p.Searchable.LoadFrom(a); err != nil {
		return err
	}

	texts := make(map[uint64]string)
	if a.Has(BlockKeyword) {
		block, err := a.Block(BlockKeyword)
		if err != nil {
			return err
		}
		r := bytes.NewReader(block)
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return fmt.Errorf("%w: keyword mirror: %v", archive.ErrCorrupt, err)
		}
		for i := uint64(0); i < count; i++ {
			var key uint64
			var textLen uint32
			if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
				return fmt.Errorf("%w: keyword mirror: %v", archive.ErrCorrupt, err)
			}
			if err := binary.Read(r, binary.LittleEndian, &textLen); err != nil {
				return fmt.Errorf("%w: keyword mirror: %v", archive.ErrCorrupt, err)
			}
			if uint64(textLen) > uint64(r.Len()) {
				return fmt.Errorf("%w: keyword mirror: text length %d exceeds block", archive.ErrCorrupt, textLen)
			}
			text := make([]byte, textLen)
			if _, err := io.ReadFull(r, text); err != nil {
				return fmt.Errorf("%w: keyword mirror: %v", archive.ErrCorrupt, err)
			}
			texts[key] = string(text)
		}
		if r.Len() != 0 {
			return fmt.Errorf("%w: keyword mirror: %d trailing bytes", archive.ErrCorrupt, r.Len())
		}
	}

	fresh, err := newBleve()
	if err != nil {
		return err
	}
	for key, text := range texts {
		if err := fresh.Index(strconv.FormatUint(key, 10), keywordDoc{Text: text}); err != nil {
			_ = fresh.Close()
			return fmt.Errorf("rebuild keyword index for %d: %w", key, err)
		}
	}

	p.mu.Lock()
	old := p.bleve
	p.bleve = fresh
	p.texts = texts
	p.mu.Unlock()
	return old.Close()
}

// Save writes the index and mirror to path atomically.
func (p *Keyword) Save(path string) error {
	w := archive.NewWriter()
	if err := p.SaveTo(w); err != nil {
		return err
	}
	return w.Save(path)
}

// Load reads the index and mirror from path.
func (p *Keyword) Load(path string) error {
	a, err := archive.Open(path)
	if err != nil {
		return err
	}
	return p.LoadFrom(a)
}

// Close shuts down the keyword index and the wrapped index.
func (p *Keyword) Close() error {
	p.mu.Lock()
	b := p.bleve
	p.mu.Unlock()
	berr := b.Close()
	if err := p.Searchable.Close(); err != nil {
		return err
	}
	return berr
}
