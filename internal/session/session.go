// Package session manages incremental search sessions: opaque handles the
// host pages through, layered over backend cursors. Handles come from their
// own monotonic counter, independent of document keys, and are never
// recycled within a manager's lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/backend"
)

// ErrUnknownSession is returned when paging a handle that was never issued,
// was closed, or already completed. Unlike Close, paging a dead handle is a
// caller bug and is surfaced loudly.
var ErrUnknownSession = errors.New("unknown search session")

// Manager issues and tracks search sessions against one backend.
type Manager struct {
	backend backend.Backend
	logger  *zap.Logger

	mu       sync.Mutex
	next     uint64
	sessions map[uint64]backend.Cursor
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a logger for session lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a manager over the given backend.
func NewManager(b backend.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:  b,
		sessions: make(map[uint64]backend.Cursor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a ranked search and returns its session handle. A nil
// filter searches the whole corpus.
func (m *Manager) Begin(ctx context.Context, query []float32, filter *roaring64.Bitmap) (uint64, error) {
	cursor, err := m.backend.BeginSearch(ctx, query, filter)
	if err != nil {
		return 0, fmt.Errorf("begin search: %w", err)
	}

	m.mu.Lock()
	m.next++
	handle := m.next
	m.sessions[handle] = cursor
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debug("search session opened", zap.Uint64("handle", handle))
	}
	return handle, nil
}

// Page returns up to k next ranked results for handle. When the backend
// reports completion the session is released; paging it again fails with
// ErrUnknownSession.
func (m *Manager) Page(ctx context.Context, handle uint64, k int) ([]uint64, []float32, bool, error) {
	m.mu.Lock()
	cursor, ok := m.sessions[handle]
	m.mu.Unlock()
	if !ok {
		return nil, nil, false, fmt.Errorf("page session %d: %w", handle, ErrUnknownSession)
	}

	keys, distances, completed, err := m.backend.Page(ctx, cursor, k)
	if err != nil {
		if errors.Is(err, backend.ErrUnknownCursor) {
			// Backend dropped the cursor underneath us (e.g. Clear);
			// retire the session and report it as unknown.
			m.mu.Lock()
			delete(m.sessions, handle)
			m.mu.Unlock()
			return nil, nil, false, fmt.Errorf("page session %d: %w", handle, ErrUnknownSession)
		}
		return nil, nil, false, fmt.Errorf("page session %d: %w", handle, err)
	}
	if completed {
		m.mu.Lock()
		delete(m.sessions, handle)
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Debug("search session completed", zap.Uint64("handle", handle))
		}
	}
	return keys, distances, completed, nil
}

// Close terminates a session early and releases its backend cursor.
// Closing an unknown or already-completed handle is a no-op: cleanup is
// best-effort by contract.
func (m *Manager) Close(ctx context.Context, handle uint64) {
	m.mu.Lock()
	cursor, ok := m.sessions[handle]
	if ok {
		delete(m.sessions, handle)
	}
	m.mu.Unlock()
	if ok {
		m.backend.CloseCursor(cursor)
		if m.logger != nil {
			m.logger.Debug("search session closed", zap.Uint64("handle", handle))
		}
	}
}

// Open returns the number of currently open sessions.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every open session and returns how many were dropped.
// Called before Save: in-flight sessions are never persisted.
func (m *Manager) CloseAll(ctx context.Context) int {
	m.mu.Lock()
	dropped := make([]backend.Cursor, 0, len(m.sessions))
	for _, cursor := range m.sessions {
		dropped = append(dropped, cursor)
	}
	m.sessions = make(map[uint64]backend.Cursor)
	m.mu.Unlock()

	for _, cursor := range dropped {
		m.backend.CloseCursor(cursor)
	}
	return len(dropped)
}

// Reset closes every session and rewinds the handle counter. Used by
// Clear and Load, where the whole index state starts over.
func (m *Manager) Reset(ctx context.Context) {
	m.CloseAll(ctx)
	m.mu.Lock()
	m.next = 0
	m.mu.Unlock()
}
