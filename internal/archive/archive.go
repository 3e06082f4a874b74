// Package archive provides the snapshot container format: a single file
// holding independently named, independently verifiable binary blocks.
// Each block carries its own CRC32 so corruption of one block is detectable
// without trusting the rest of the file.
package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const (
	// Magic identifies kensaku archive files (ASCII "KSNA").
	Magic = 0x4b534e41
	// Version is the current container format version.
	Version = 1

	// flagZstd marks a block whose payload is zstd-compressed.
	flagZstd = 1 << 0

	// maxBlockNameLen bounds block names so a corrupt length field cannot
	// trigger a huge allocation.
	maxBlockNameLen = 256
)

// ErrCorrupt is returned when an archive fails structural validation:
// bad magic, unsupported version, truncated data, checksum mismatch,
// or a required block that is missing.
var ErrCorrupt = errors.New("corrupt archive")

// Writer accumulates named blocks and serializes them into one archive.
// Blocks are written in the order they were added.
type Writer struct {
	names  []string
	blocks map[string][]byte
}

// NewWriter returns an empty archive writer.
func NewWriter() *Writer {
	return &Writer{blocks: make(map[string][]byte)}
}

// Add records data under name. Adding the same name twice replaces the
// earlier payload; the data is copied so callers may reuse their buffer.
func (w *Writer) Add(name string, data []byte) {
	if _, ok := w.blocks[name]; !ok {
		w.names = append(w.names, name)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	w.blocks[name] = buf
}

// WriteTo serializes all blocks to out. Payloads are zstd-compressed when
// compression actually shrinks them.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()

	var buf bytes.Buffer
	writeU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	writeU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}

	writeU32(Magic)
	writeU32(Version)
	writeU32(uint32(len(w.names)))

	for _, name := range w.names {
		raw := w.blocks[name]
		stored := raw
		var flags uint8
		if compressed := enc.EncodeAll(raw, nil); len(compressed) < len(raw) {
			stored = compressed
			flags |= flagZstd
		}

		var nb [2]byte
		binary.LittleEndian.PutUint16(nb[:], uint16(len(name)))
		buf.Write(nb[:])
		buf.WriteString(name)
		buf.WriteByte(flags)
		writeU64(uint64(len(raw)))
		writeU64(uint64(len(stored)))
		buf.Write(stored)
		writeU32(crc32.ChecksumIEEE(stored))
	}

	return buf.WriteTo(out)
}

// Save writes the archive to path atomically: the data goes to a temp file
// in the same directory, is synced, and is renamed over the target so a
// crash mid-write never leaves a truncated archive behind.
func (w *Writer) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := w.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename archive into place: %w", err)
	}
	return nil
}

// Archive is a fully validated, decoded snapshot container. All checksums
// are verified at open time; Block never returns partially valid data.
type Archive struct {
	blocks map[string][]byte
}

// Open reads and validates the archive at path.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses an archive from r, verifying magic, version and every block
// checksum before returning. Any structural problem yields ErrCorrupt.
func Read(r io.Reader) (*Archive, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	off := 0
	need := func(n int) error {
		if len(data)-off < n {
			return fmt.Errorf("%w: truncated at offset %d", ErrCorrupt, off)
		}
		return nil
	}
	readU32 := func() (uint32, error) {
		if err := need(4); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint32(data[off:])
		off += 4
		return v, nil
	}
	readU64 := func() (uint64, error) {
		if err := need(8); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint64(data[off:])
		off += 8
		return v, nil
	}

	magic, err := readU32()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCorrupt, magic)
	}
	version, err := readU32()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	count, err := readU32()
	if err != nil {
		return nil, err
	}
	// Smallest possible block: name length, one name byte, flags, the two
	// size fields and the checksum.
	const minBlockSize = 2 + 1 + 1 + 8 + 8 + 4
	if uint64(count) > uint64(len(data))/minBlockSize {
		return nil, fmt.Errorf("%w: block count %d exceeds file size", ErrCorrupt, count)
	}

	a := &Archive{blocks: make(map[string][]byte, count)}
	for i := uint32(0); i < count; i++ {
		if err := need(2); err != nil {
			return nil, err
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if nameLen == 0 || nameLen > maxBlockNameLen {
			return nil, fmt.Errorf("%w: block %d has invalid name length %d", ErrCorrupt, i, nameLen)
		}
		if err := need(nameLen); err != nil {
			return nil, err
		}
		name := string(data[off : off+nameLen])
		off += nameLen

		if err := need(1); err != nil {
			return nil, err
		}
		flags := data[off]
		off++

		rawLen, err := readU64()
		if err != nil {
			return nil, err
		}
		storedLen, err := readU64()
		if err != nil {
			return nil, err
		}
		// Compare as uint64: converting an oversized length to int first
		// would wrap negative and slip past the remaining-bytes check.
		if storedLen > uint64(len(data)-off) {
			return nil, fmt.Errorf("%w: block %q stored size %d exceeds %d remaining bytes",
				ErrCorrupt, name, storedLen, len(data)-off)
		}
		stored := data[off : off+int(storedLen)]
		off += int(storedLen)

		sum, err := readU32()
		if err != nil {
			return nil, err
		}
		if crc32.ChecksumIEEE(stored) != sum {
			return nil, fmt.Errorf("%w: checksum mismatch in block %q", ErrCorrupt, name)
		}

		payload := stored
		if flags&flagZstd != 0 {
			// No pre-allocation from rawLen here: it is unvalidated until
			// the size check below.
			payload, err = dec.DecodeAll(stored, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: decompress block %q: %v", ErrCorrupt, name, err)
			}
		}
		if uint64(len(payload)) != rawLen {
			return nil, fmt.Errorf("%w: block %q size mismatch: got %d, want %d", ErrCorrupt, name, len(payload), rawLen)
		}
		a.blocks[name] = payload
	}

	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(data)-off)
	}
	return a, nil
}

// Block returns the payload stored under name. A missing block is a
// structural failure and reports ErrCorrupt.
func (a *Archive) Block(name string) ([]byte, error) {
	b, ok := a.blocks[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing block %q", ErrCorrupt, name)
	}
	return b, nil
}

// Has reports whether a block with the given name is present.
func (a *Archive) Has(name string) bool {
	_, ok := a.blocks[name]
	return ok
}

// Names returns the names of all blocks in the archive.
func (a *Archive) Names() []string {
	names := make([]string, 0, len(a.blocks))
	for name := range a.blocks {
		names = append(names, name)
	}
	return names
}
