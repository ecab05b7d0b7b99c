package handler

import (
	"net/http"
	"time"

	"github.com/edvin/sshcron/internal/api/request"
	"github.com/edvin/sshcron/internal/api/response"
	"github.com/edvin/sshcron/internal/scheduler"
)

const (
	defaultNextRuns = 5
	maxNextRuns     = 50
)

type Cron struct {
	location *time.Location
	now      func() time.Time
}

func NewCron(location *time.Location) *Cron {
	if location == nil {
		location = time.Local
	}
	return &Cron{location: location, now: time.Now}
}

// Next previews the upcoming fire times of a cron expression.
func (h *Cron) Next(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	if expr == "" {
		response.WriteError(w, http.StatusBadRequest, "missing expr")
		return
	}
	count, err := request.ParseInt(r, "count", defaultNextRuns)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if count > maxNextRuns {
		count = maxNextRuns
	}
	times, err := scheduler.NextRuns(expr, h.now().In(h.location), count)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"expr": expr, "next": times})
}
