// Package server provides the HTTP API for Kensaku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/index"
)

// Server is the HTTP server for the Kensaku API.
type Server struct {
	index        index.Searchable
	config       *config.ServerConfig
	snapshotPath string
	version      string
	logger       *zap.Logger
	server       *http.Server
}

// NewServer creates a server with the given dependencies. snapshotPath is
// where the snapshot and restore endpoints read and write the index archive.
func NewServer(idx index.Searchable, cfg *config.ServerConfig, snapshotPath, version string, logger *zap.Logger) *Server {
	return &Server{
		index:        idx,
		config:       cfg,
		snapshotPath: snapshotPath,
		version:      version,
		logger:       logger,
	}
}

// Router builds the API router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", s.handleAddDocuments)
		r.Get("/documents/{key}", s.handleGetDocument)
		r.Delete("/documents/{key}", s.handleDeleteDocument)
		r.Post("/documents/remove", s.handleRemoveByText)
		r.Post("/search", s.handleSearch)
		r.Post("/sessions", s.handleBeginSession)
		r.Get("/sessions/{handle}", s.handlePageSession)
		r.Delete("/sessions/{handle}", s.handleCloseSession)
		r.Post("/snapshot", s.handleSnapshot)
		r.Post("/restore", s.handleRestore)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
