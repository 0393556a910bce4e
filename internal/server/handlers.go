package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/dontdude/replbox/internal/domain"
	"github.com/dontdude/replbox/internal/workspace"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleNewSession hands out a fresh session ID for the client to connect with.
func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": uuid.NewString()})
}

type runRequest struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	SessionID string `json:"sessionId"`
	UserID    int    `json:"userId"`
}

type runResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// handleRun enqueues plain source code as a job. A missing sessionId gets a new one.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Code == "" || req.Language == "" {
		writeError(w, http.StatusBadRequest, "code and language are required")
		return
	}
	lang, err := workspace.Lookup(req.Language)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedLanguage) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	job := domain.Job{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		CodeContent: workspace.Encode([]byte(req.Code)),
		Language:    lang.Name,
		UserID:      req.UserID,
	}

	slog.Info("Received submission", "jobID", job.ID, "sessionID", job.SessionID, "language", job.Language)
	if err := s.deps.Queue.Publish(r.Context(), job); err != nil {
		slog.Error("Failed to publish job", "jobID", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusAccepted, runResponse{
		ID:        job.ID,
		SessionID: job.SessionID,
		Status:    "queued",
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
