package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/session"
)

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	var req models.AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Text != "" {
		key, err := s.index.Add(r.Context(), req.Text, req.Split)
		if err != nil {
			s.logger.Error("add failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusCreated, map[string]any{"keys": []uint64{key}})
		return
	}

	keys, err := s.index.AddBatch(r.Context(), req.Texts, req.Split)
	if err != nil {
		s.logger.Error("add batch failed", zap.Error(err), zap.Int("added", len(keys)))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"keys": keys})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseUint(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid key")
		return
	}
	text, ok, err := s.index.Get(r.Context(), key)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	s.respondJSON(w, http.StatusOK, &models.Document{Key: key, Text: text})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseUint(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid key")
		return
	}
	removed, err := s.index.Remove(r.Context(), key)
	if err != nil {
		s.logger.Error("delete failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRemoveByText(w http.ResponseWriter, r *http.Request) {
	var req models.RemoveTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		s.respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	n, err := s.index.RemoveText(r.Context(), req.Text, req.Split)
	if err != nil {
		s.logger.Error("remove by text failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := query.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("search request",
		zap.String("query", query.Query),
		zap.Int("limit", query.Limit),
		zap.Uint32("split", query.Split))

	start := time.Now()
	texts, distances, err := s.index.Search(r.Context(), query.Query, query.Limit, query.Split)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]*models.SearchResult, len(texts))
	for i := range texts {
		results[i] = &models.SearchResult{
			Text:     texts[i],
			Distance: distances[i],
			Rank:     i + 1,
		}
	}
	s.respondJSON(w, http.StatusOK, &models.SearchResponse{
		Results:   results,
		QueryTime: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleBeginSession(w http.ResponseWriter, r *http.Request) {
	var req models.SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	handle, err := s.index.BeginSearch(r.Context(), req.Query, req.Split)
	if err != nil {
		s.logger.Error("begin session failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, &models.Session{Handle: handle})
}

func (s *Server) handlePageSession(w http.ResponseWriter, r *http.Request) {
	handle, err := strconv.ParseUint(chi.URLParam(r, "handle"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid handle")
		return
	}
	k := 10
	if raw := r.URL.Query().Get("k"); raw != "" {
		k, err = strconv.Atoi(raw)
		if err != nil || k <= 0 {
			s.respondError(w, http.StatusBadRequest, "invalid page size")
			return
		}
	}

	keys, distances, completed, err := s.index.Page(r.Context(), handle, k)
	if err != nil {
		if errors.Is(err, session.ErrUnknownSession) {
			s.respondError(w, http.StatusNotFound, "unknown session")
			return
		}
		s.logger.Error("page session failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	texts := make([]string, len(keys))
	for i, key := range keys {
		if text, ok, err := s.index.Get(r.Context(), key); err == nil && ok {
			texts[i] = text
		}
	}
	s.respondJSON(w, http.StatusOK, &models.SessionPage{
		Handle:    handle,
		Keys:      keys,
		Distances: distances,
		Texts:     texts,
		Completed: completed,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	handle, err := strconv.ParseUint(chi.URLParam(r, "handle"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid handle")
		return
	}
	s.index.CloseSearch(r.Context(), handle)
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.index.Save(s.snapshotPath); err != nil {
		s.logger.Error("snapshot failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "saved", "path": s.snapshotPath})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.index.Load(s.snapshotPath); err != nil {
		s.logger.Error("restore failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "restored", "path": s.snapshotPath})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.index.Count(r.Context())
	if err != nil {
		s.logger.Error("status: count failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, &models.Status{
		Documents:    count,
		Dimensions:   s.index.Dimensions(),
		OpenSessions: s.index.OpenSessions(),
		Version:      s.version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
