package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/health"
	"github.com/glimte/docflow-go/pipeline"
)

// SubmitRequest is the body of POST /documents. Content is already-extracted
// text; binary parsing happens upstream of this service.
type SubmitRequest struct {
	FileName string            `json:"fileName"`
	FileType string            `json:"fileType"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, s.logger, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.Content == "" {
		respondError(w, s.logger, http.StatusBadRequest, errors.New("content cannot be empty"))
		return
	}

	doc := contracts.Document{
		FileName:  req.FileName,
		FileType:  req.FileType,
		Content:   req.Content,
		SizeBytes: int64(len(req.Content)),
		Metadata:  req.Metadata,
	}

	record, err := s.engine.Start(r.Context(), doc)
	if err != nil {
		respondError(w, s.logger, mapStatus(err), err)
		return
	}

	respondJSON(w, http.StatusCreated, pipeline.ProjectStatus(record))
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, s.logger, mapStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, s.logger, mapStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	review, err := s.engine.ReviewContext(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, s.logger, mapStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, review)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var feedback contracts.HumanFeedback
	if err := json.NewDecoder(r.Body).Decode(&feedback); err != nil {
		respondError(w, s.logger, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	record, err := s.engine.Resume(r.Context(), r.PathValue("id"), feedback)
	if err != nil {
		respondError(w, s.logger, mapStatus(err), err)
		return
	}
	respondJSON(w, http.StatusOK, pipeline.ProjectStatus(record))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := health.Run(r.Context(), s.checkers...)
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

// mapStatus translates pipeline errors onto HTTP status codes.
func mapStatus(err error) int {
	var engineErr *pipeline.EngineError
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound),
		errors.Is(err, pipeline.ErrNoReviewPending):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidFeedback):
		return http.StatusConflict
	case errors.As(err, &engineErr):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, logger *slog.Logger, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Debug("request rejected", "status", status, "error", err)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
