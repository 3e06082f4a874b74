package backend

import "fmt"

// Type identifies a backend implementation.
type Type string

const (
	// TypeMemory is the brute-force in-memory backend. Good for tests and
	// small corpora.
	TypeMemory Type = "memory"
	// TypePgVector stores embeddings in PostgreSQL with the pgvector
	// extension.
	TypePgVector Type = "pgvector"
)

// New creates a backend of the given type. An empty type selects memory.
// dsn is only consulted for pgvector.
func New(backendType string, dimensions int, dsn string) (Backend, error) {
	switch Type(backendType) {
	case TypeMemory, "":
		return NewMemory(dimensions)
	case TypePgVector:
		if dsn == "" {
			return nil, fmt.Errorf("pgvector backend requires a dsn")
		}
		return NewPgVector(dsn, dimensions)
	default:
		return nil, fmt.Errorf("unknown backend type: %s (supported: memory, pgvector)", backendType)
	}
}
