package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/edvin/sshcron/internal/api/request"
	"github.com/edvin/sshcron/internal/api/response"
	"github.com/edvin/sshcron/internal/core"
)

type Execution struct {
	svc *core.ExecutionService
}

func NewExecution(svc *core.ExecutionService) *Execution {
	return &Execution{svc: svc}
}

// Run starts a manual execution. The response is the initial record; the
// outcome is observed by polling Get or streaming the logs.
func (h *Execution) Run(w http.ResponseWriter, r *http.Request) {
	jobID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := h.svc.Run(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, exec)
}

type runBatchResponse struct {
	Items  any      `json:"items"`
	Count  int      `json:"count"`
	Errors []string `json:"errors,omitempty"`
}

// RunBatch starts several jobs. Jobs that fail to start are reported in
// errors; the others still run.
func (h *Execution) RunBatch(w http.ResponseWriter, r *http.Request) {
	var req request.RunBatch
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	execs, err := h.svc.RunBatch(r.Context(), req.JobIDs, req.NodeIDs)
	if err != nil && execs == nil {
		writeServiceError(w, r, err)
		return
	}

	resp := runBatchResponse{Items: execs, Count: len(execs)}
	if merr, ok := err.(*multierror.Error); ok {
		for _, e := range merr.Errors {
			resp.Errors = append(resp.Errors, e.Error())
		}
	} else if err != nil {
		resp.Errors = []string{err.Error()}
	}
	response.WriteJSON(w, http.StatusAccepted, resp)
}

func (h *Execution) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, exec)
}

// Stop always succeeds; stopping a finished or unknown execution is a no-op.
func (h *Execution) Stop(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	stopped := h.svc.Stop(id)
	response.WriteJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (h *Execution) ListByJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := request.ParseInt(r, "limit", core.DefaultExecutionLimit)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	execs, err := h.svc.ListByJob(r.Context(), jobID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteList(w, http.StatusOK, execs)
}
