package handler

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/edvin/sshcron/internal/api/response"
	"github.com/edvin/sshcron/internal/core"
	"github.com/edvin/sshcron/internal/engine"
	"github.com/edvin/sshcron/internal/scheduler"
	"github.com/edvin/sshcron/internal/store"
)

// writeServiceError maps service errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrInvalidSchedule), errors.Is(err, core.ErrNothingToRun):
		response.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
