package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/buildfarm/pkg/estimator"
	"github.com/vyvo/buildfarm/pkg/farm"
)

// EstimateResponse is the answer to an estimate request. Known is false when
// no builder could ever run the job.
type EstimateResponse struct {
	JobID int64      `json:"job_id"`
	Known bool       `json:"known"`
	Start *time.Time `json:"start,omitempty"`
}

type rescoreRequest struct {
	Score int `json:"score"`
}

type adminHandler struct {
	d *Dispatcher
}

// NewAdminRouter exposes read access to jobs and builders and the operator
// actions on waiting and running jobs.
func NewAdminRouter(d *Dispatcher) http.Handler {
	h := &adminHandler{d: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Get("/builders", h.listBuilders)
	r.Get("/jobs", h.listJobs)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", h.getJob)
		r.Get("/estimate", h.estimate)
		r.Post("/cancel", h.cancel)
		r.Post("/rescore", h.rescore)
	})
	return r
}

func (h *adminHandler) listBuilders(w http.ResponseWriter, r *http.Request) {
	builders, err := h.d.repo.ListBuilders(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, builders, http.StatusOK)
}

func (h *adminHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []farm.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, farm.JobStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	jobs, err := h.d.repo.ListJobs(r.Context(), statuses...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, jobs, http.StatusOK)
}

func (h *adminHandler) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.d.repo.GetJob(r.Context(), id)
	if err != nil {
		respondRepoError(w, err)
		return
	}
	respondJSON(w, job, http.StatusOK)
}

func (h *adminHandler) estimate(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	job, err := h.d.repo.GetJob(ctx, id)
	if err != nil {
		respondRepoError(w, err)
		return
	}
	if job.Status != farm.StatusNeedsBuild {
		respondError(w, http.StatusConflict, "job is not waiting")
		return
	}

	jobs, err := h.d.repo.ListJobs(ctx, farm.StatusNeedsBuild, farm.StatusBuilding, farm.StatusCancelling)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	builders, err := h.d.repo.ListBuilders(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snap := estimator.FromRecords(jobs, builders)
	resp := EstimateResponse{JobID: job.ID}
	if start, known := estimator.EstimateJobStartTime(estimator.FromJob(job), snap, h.d.now()); known {
		resp.Known = true
		resp.Start = &start
	}
	respondJSON(w, resp, http.StatusOK)
}

func (h *adminHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := h.d.RequestCancel(r.Context(), id)
	if err != nil {
		respondRepoError(w, err)
		return
	}
	respondJSON(w, job, http.StatusOK)
}

func (h *adminHandler) rescore(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	var req rescoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	job, err := h.d.repo.UpdateJob(r.Context(), id, func(j *farm.Job) error {
		return j.Rescore(req.Score)
	})
	if err != nil {
		respondRepoError(w, err)
		return
	}
	h.d.logger.Info("job rescored", "job_id", job.ID, "score", job.Score)
	respondJSON(w, job, http.StatusOK)
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func respondRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, farm.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, farm.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
