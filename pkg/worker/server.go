package worker

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/buildfarm/pkg/auth"
	"github.com/vyvo/buildfarm/pkg/protocol"
)

// Handler serves the worker's wire API.
type Handler struct {
	worker *Worker
	logger *slog.Logger
}

// NewRouter mounts the wire API under /v1, guarded by apiKey.
func NewRouter(w *Worker, apiKey string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{worker: w, logger: logger.With("component", "worker-api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.RequireKey(apiKey))
		r.Post("/cache", h.handleCache)
		r.Post("/build", h.handleBuild)
		r.Get("/status", h.handleStatus)
		r.Post("/abort", h.handleAbort)
		r.Post("/clean", h.handleClean)
		r.Get("/files/{key}", h.handleGetFile)
	})
	return r
}

func (h *Handler) handleCache(w http.ResponseWriter, r *http.Request) {
	var req protocol.CacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.URL == "" || !protocol.ValidHash(req.Hash) {
		respondError(w, http.StatusBadRequest, "url and a valid hash are required")
		return
	}

	present, err := h.worker.Cache().Fetch(r.Context(), req.URL, req.Hash)
	if err != nil {
		h.logger.Warn("cache fetch failed", "hash", req.Hash, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, protocol.ErrHashMismatch) {
			status = http.StatusUnprocessableEntity
		}
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, protocol.CacheResponse{Present: present}, http.StatusOK)
}

func (h *Handler) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req protocol.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	err := h.worker.StartBuild(req)
	switch {
	case err == nil:
		respondJSON(w, h.worker.Status(), http.StatusAccepted)
	case errors.Is(err, ErrBusy):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrMissingFile):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.worker.Status(), http.StatusOK)
}

func (h *Handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.worker.Abort(); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, h.worker.Status(), http.StatusOK)
}

func (h *Handler) handleClean(w http.ResponseWriter, r *http.Request) {
	if err := h.worker.Clean(); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, h.worker.Status(), http.StatusOK)
}

func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	f, err := h.worker.OpenFile(key)
	if errors.Is(err, ErrNotCached) {
		respondError(w, http.StatusNotFound, "no such file")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Warn("streaming file failed", "key", key, "error", err)
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, protocol.ErrorResponse{Error: message}, status)
}
