package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hyperjump/kensaku/internal/archive"
)

// PgVector is a backend on PostgreSQL with the pgvector extension. Ranking
// uses the `<=>` cosine-distance operator, so results line up with the
// in-memory backend's cosine distance over unit vectors. SaveState dumps
// the table into the same archive blocks the memory backend writes, which
// keeps snapshots portable between backends.
type PgVector struct {
	db         *sql.DB
	dimensions int
	cursors    *cursorTable
}

var _ Backend = (*PgVector)(nil)

// NewPgVector connects to dsn and ensures the extension, table and ANN
// index exist.
func NewPgVector(dsn string, dimensions int) (*PgVector, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", ErrUnavailable, err)
	}

	b := &PgVector{db: db, dimensions: dimensions, cursors: newCursorTable()}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return b, nil
}

func (b *PgVector) migrate() error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
			key BIGINT PRIMARY KEY,
			embedding vector(%d) NOT NULL
		)`, b.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_embeddings_ann ON embeddings USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, m := range migrations {
		if _, err := b.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Index upserts vec under key.
func (b *PgVector) Index(ctx context.Context, key uint64, vec []float32) error {
	if len(vec) != b.dimensions {
		return fmt.Errorf("%w: vector dimension %d, index dimension %d", ErrUnavailable, len(vec), b.dimensions)
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO embeddings (key, embedding) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET embedding = EXCLUDED.embedding
	`, int64(key), formatVector(vec))
	if err != nil {
		return fmt.Errorf("%w: upsert embedding: %v", ErrUnavailable, err)
	}
	return nil
}

// Remove deletes the embedding under key.
func (b *PgVector) Remove(ctx context.Context, key uint64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM embeddings WHERE key = $1`, int64(key)); err != nil {
		return fmt.Errorf("%w: delete embedding: %v", ErrUnavailable, err)
	}
	return nil
}

// Clear truncates the table and invalidates every cursor.
func (b *PgVector) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `TRUNCATE embeddings`); err != nil {
		return fmt.Errorf("%w: truncate embeddings: %v", ErrUnavailable, err)
	}
	b.cursors.reset()
	return nil
}

// BeginSearch ranks candidates via `<=>` and returns a paging cursor.
// The full ranking is materialized at begin time so the cursor is stable
// against concurrent mutation, matching the in-memory backend.
func (b *PgVector) BeginSearch(ctx context.Context, query []float32, filter *roaring64.Bitmap) (Cursor, error) {
	if len(query) != b.dimensions {
		return 0, fmt.Errorf("%w: query dimension %d, index dimension %d", ErrUnavailable, len(query), b.dimensions)
	}

	q := `SELECT key, embedding <=> $1 FROM embeddings ORDER BY 2, key`
	args := []any{formatVector(query)}
	if filter != nil {
		keys := filter.ToArray()
		signed := make([]int64, len(keys))
		for i, k := range keys {
			signed[i] = int64(k)
		}
		q = `SELECT key, embedding <=> $1 FROM embeddings WHERE key = ANY($2) ORDER BY 2, key`
		args = append(args, signed)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: ranked query: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var ranked []scored
	for rows.Next() {
		var key int64
		var dist float64
		if err := rows.Scan(&key, &dist); err != nil {
			return 0, fmt.Errorf("%w: scan ranked row: %v", ErrUnavailable, err)
		}
		ranked = append(ranked, scored{key: uint64(key), dist: float32(dist)})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: ranked query: %v", ErrUnavailable, err)
	}
	return b.cursors.begin(ranked), nil
}

// Page returns up to k next ranked results.
func (b *PgVector) Page(ctx context.Context, c Cursor, k int) ([]uint64, []float32, bool, error) {
	return b.cursors.page(c, k)
}

// CloseCursor releases the cursor.
func (b *PgVector) CloseCursor(c Cursor) {
	b.cursors.close(c)
}

// Size returns the number of stored embeddings, 0 if the count fails.
func (b *PgVector) Size() int {
	var n int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// SaveState dumps the table into the shared backend block layout.
func (b *PgVector) SaveState(w *archive.Writer) error {
	rows, err := b.db.Query(`SELECT key, embedding::text FROM embeddings ORDER BY key`)
	if err != nil {
		return fmt.Errorf("%w: dump embeddings: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var dump []vectorRow
	for rows.Next() {
		var key int64
		var text string
		if err := rows.Scan(&key, &text); err != nil {
			return fmt.Errorf("%w: scan embedding: %v", ErrUnavailable, err)
		}
		vec, err := parseVector(text, b.dimensions)
		if err != nil {
			return err
		}
		dump = append(dump, vectorRow{key: uint64(key), vec: vec})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: dump embeddings: %v", ErrUnavailable, err)
	}
	return encodeVectors(w, b.dimensions, dump)
}

// LoadState replaces the table contents from the archive inside one
// transaction.
func (b *PgVector) LoadState(a *archive.Archive) error {
	dims, rows, err := decodeVectors(a)
	if err != nil {
		return err
	}
	if dims != b.dimensions {
		return fmt.Errorf("%w: snapshot dimension %d, index dimension %d", archive.ErrCorrupt, dims, b.dimensions)
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin restore: %v", ErrUnavailable, err)
	}
	if _, err := tx.Exec(`DELETE FROM embeddings`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: clear embeddings: %v", ErrUnavailable, err)
	}
	for _, r := range rows {
		if _, err := tx.Exec(
			`INSERT INTO embeddings (key, embedding) VALUES ($1, $2)`,
			int64(r.key), formatVector(r.vec),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: restore embedding %d: %v", ErrUnavailable, r.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit restore: %v", ErrUnavailable, err)
	}
	b.cursors.reset()
	return nil
}

// Close closes the database connection.
func (b *PgVector) Close() error {
	return b.db.Close()
}

// formatVector renders a pgvector literal like "[0.1,0.2,0.3]".
func formatVector(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// parseVector parses a pgvector literal back into a float slice.
func parseVector(text string, dimensions int) ([]float32, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "[")
	text = strings.TrimSuffix(text, "]")
	parts := strings.Split(text, ",")
	if len(parts) != dimensions {
		return nil, fmt.Errorf("%w: embedding has %d components, want %d", ErrUnavailable, len(parts), dimensions)
	}
	vec := make([]float32, dimensions)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("%w: parse embedding component %q: %v", ErrUnavailable, p, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
