// Package plugin provides composition layers over a search index. A plugin
// wraps an index.Searchable, delegates every core operation to it, and keeps
// its own auxiliary state under dedicated block names in the same archive.
// Plugins never reach into the wrapped index's internals.
package plugin

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/archive"
	"github.com/hyperjump/kensaku/internal/index"
)

// BlockLabels is the archive block holding the label registry.
const BlockLabels = "plugin/labels"

// Labels maps human-readable label names onto split ids, so callers can
// partition the corpus by name instead of tracking numeric splits. Ids are
// allocated from a monotonic counter starting after the default split and
// are never reused within a registry's lifetime.
type Labels struct {
	index.Searchable
	logger *zap.Logger

	mu    sync.Mutex
	next  uint32
	names map[string]uint32
}

// LabelsOption configures a Labels plugin.
type LabelsOption func(*Labels)

// WithLabelsLogger sets a logger for label allocation events.
func WithLabelsLogger(l *zap.Logger) LabelsOption {
	return func(p *Labels) { p.logger = l }
}

// NewLabels wraps inner with a label registry.
func NewLabels(inner index.Searchable, opts ...LabelsOption) *Labels {
	p := &Labels{
		Searchable: inner,
		next:       index.DefaultSplit + 1,
		names:      make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Split returns the split id for label, allocating one on first use.
func (p *Labels) Split(label string) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.names[label]; ok {
		return id
	}
	id := p.next
	p.next++
	p.names[label] = id
	if p.logger != nil {
		p.logger.Debug("label allocated", zap.String("label", label), zap.Uint32("split", id))
	}
	return id
}

// lookup returns the split id for label without allocating.
func (p *Labels) lookup(label string) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.names[label]
	return id, ok
}

// Labels returns every registered label name in lexical order.
func (p *Labels) Labels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.names))
	for name := range p.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddLabeled adds text under the split registered for label, allocating the
// label on first use.
func (p *Labels) AddLabeled(ctx context.Context, text, label string) (uint64, error) {
	return p.Searchable.Add(ctx, text, p.Split(label))
}

// SearchLabeled searches within label's split. An unregistered label finds
// nothing.
func (p *Labels) SearchLabeled(ctx context.Context, text string, k int, label string) ([]string, []float32, error) {
	id, ok := p.lookup(label)
	if !ok {
		return nil, nil, nil
	}
	return p.Searchable.Search(ctx, text, k, id)
}

// CountLabel returns the number of documents under label, 0 when the label
// was never registered.
func (p *Labels) CountLabel(ctx context.Context, label string) (int, error) {
	id, ok := p.lookup(label)
	if !ok {
		return 0, nil
	}
	return p.Searchable.CountSplit(ctx, id)
}

// RemoveLabeled removes exact matches of text under label.
func (p *Labels) RemoveLabeled(ctx context.Context, text, label string) (int, error) {
	id, ok := p.lookup(label)
	if !ok {
		return 0, nil
	}
	return p.Searchable.RemoveText(ctx, text, id)
}

// Clear empties the wrapped index and forgets every label.
func (p *Labels) Clear(ctx context.Context) error {
	if err := p.Searchable.Clear(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.next = index.DefaultSplit + 1
	p.names = make(map[string]uint32)
	p.mu.Unlock()
	return nil
}

// SaveTo writes the wrapped index and then the label registry block. Names
// are emitted in lexical order for deterministic archives.
func (p *Labels) SaveTo(w *archive.Writer) error {
	if err := p.Searchable.SaveTo(w); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.names))
	for name := range p.names {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, p.next); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(name))); err != nil {
			return err
		}
		buf.WriteString(name)
		if err := binary.Write(&buf, binary.LittleEndian, p.names[name]); err != nil {
			return err
		}
	}
	w.Add(BlockLabels, buf.Bytes())
	return nil
}

// LoadFrom restores the wrapped index and then the label registry. The
// registry block is decoded before the live registry is swapped. An archive
// without a registry block loads as an empty registry.
func (p *Labels) LoadFrom(a *archive.Archive) error {
	if err := p.Searchable.LoadFrom(a); err != nil {
		return err
	}
	if !a.Has(BlockLabels) {
		p.mu.Lock()
		p.next = index.DefaultSplit + 1
		p.names = make(map[string]uint32)
		p.mu.Unlock()
		return nil
	}

	block, err := a.Block(BlockLabels)
	if err != nil {
		return err
	}
	r := bytes.NewReader(block)
	var next, count uint32
	if err := binary.Read(r, binary.LittleEndian, &next); err != nil {
		return fmt.Errorf("%w: label registry: %v", archive.ErrCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: label registry: %v", archive.ErrCorrupt, err)
	}
	names := make(map[string]uint32, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return fmt.Errorf("%w: label registry: %v", archive.ErrCorrupt, err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return fmt.Errorf("%w: label registry: %v", archive.ErrCorrupt, err)
		}
		var id uint32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return fmt.Errorf("%w: label registry: %v", archive.ErrCorrupt, err)
		}
		if id >= next {
			return fmt.Errorf("%w: label %q has id %d beyond counter %d", archive.ErrCorrupt, name, id, next)
		}
		names[string(name)] = id
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: label registry: %d trailing bytes", archive.ErrCorrupt, r.Len())
	}

	p.mu.Lock()
	p.next = next
	p.names = names
	p.mu.Unlock()
	return nil
}

// Save writes the index and registry to path atomically.
func (p *Labels) Save(path string) error {
	w := archive.NewWriter()
	if err := p.SaveTo(w); err != nil {
		return err
	}
	return w.Save(path)
}

// Load reads the index and registry from path.
func (p *Labels) Load(path string) error {
	a, err := archive.Open(path)
	if err != nil {
		return err
	}
	return p.LoadFrom(a)
}
