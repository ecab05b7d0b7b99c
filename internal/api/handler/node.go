package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/sshcron/internal/api/request"
	"github.com/edvin/sshcron/internal/api/response"
	"github.com/edvin/sshcron/internal/core"
	"github.com/edvin/sshcron/internal/model"
)

type Node struct {
	svc  *core.NodeService
	jobs *core.JobService
}

func NewNode(svc *core.NodeService, jobs *core.JobService) *Node {
	return &Node{svc: svc, jobs: jobs}
}

func (h *Node) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateNode
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	node := &model.Node{
		Name:       req.Name,
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		AuthType:   req.AuthType,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
		Passphrase: req.Passphrase,
		Active:     req.Active == nil || *req.Active,
	}
	if err := h.svc.Create(r.Context(), node); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, node)
}

func (h *Node) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, node)
}

func (h *Node) Delete(w http.ResponseWriter, r *http.Request) {
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

// SetActive enables or disables a node together with the schedule of its jobs.
func (h *Node) SetActive(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req request.SetNodeActive
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := h.svc.SetActive(r.Context(), id, *req.Active)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, node)
}

type testConnectionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TestConnection reports SSH reachability. A failed connection test is a successful
// request with success=false.
func (h *Node) TestConnection(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.svc.Get(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := h.svc.TestConnection(r.Context(), id); err != nil {
		response.WriteJSON(w, http.StatusOK, testConnectionResult{Success: false, Error: err.Error()})
		return
	}
	response.WriteJSON(w, http.StatusOK, testConnectionResult{Success: true})
}

func (h *Node) ListJobs(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := h.jobs.ListByNode(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.WriteList(w, http.StatusOK, jobs)
}
