package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/sshcron/internal/api/request"
	"github.com/edvin/sshcron/internal/api/response"
	"github.com/edvin/sshcron/internal/core"
	"github.com/edvin/sshcron/internal/model"
)

type Job struct {
	svc *core.JobService
}

// jobResponse adds the live schedule state to a stored job.
type jobResponse struct {
	*model.Job
	Scheduled bool `json:"scheduled"`
}

func (h *Job) withState(job *model.Job) jobResponse {
	return jobResponse{Job: job, Scheduled: h.svc.IsScheduled(job.ID)}
}

func NewJob(svc *core.JobService) *Job {
	return &Job{svc: svc}
}

func (h *Job) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateJob
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	job := &model.Job{
		NodeID:        req.NodeID,
		Name:          req.Name,
		Schedule:      req.Schedule,
		Command:       req.Command,
		Description:   req.Description,
		Enabled:       req.Enabled == nil || *req.Enabled,
		NotifyOnError: req.NotifyOnError,
	}
	if err := h.svc.Create(r.Context(), job); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, job)
}

func (h *Job) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, h.withState(job))
}

func (h *Job) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Job) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req request.SetJobEnabled
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.svc.SetEnabled(r.Context(), id, *req.Enabled)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, h.withState(job))
}
