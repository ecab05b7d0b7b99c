package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/sshcron/internal/broadcast"
	"github.com/edvin/sshcron/internal/core"
	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/store"
)

type stubScheduler struct{}

func (stubScheduler) AddJob(*model.Job) error { return nil }
func (stubScheduler) RemoveJob(string)        {}
func (stubScheduler) IsScheduled(string) bool { return false }

type stubEngine struct{}

func (stubEngine) Run(context.Context, string, string) (*model.Execution, error) {
	return nil, errors.New("not running")
}

func (stubEngine) RunMany(context.Context, []string, string) ([]*model.Execution, error) {
	return nil, errors.New("not running")
}

func (stubEngine) Stop(string) bool { return false }

type stubTester struct{}

func (stubTester) Test(context.Context, *model.Node) error { return nil }

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, db Pinger, opts ...Option) *Server {
	t.Helper()
	mem, err := store.NewMemory()
	require.NoError(t, err)
	services := core.NewServices(mem, stubScheduler{}, stubEngine{}, stubTester{})
	b := broadcast.New(0, 0, zerolog.Nop())
	return NewServer(zerolog.Nop(), services, b, db, time.UTC, opts...)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		db     Pinger
		status int
		check  string
	}{
		{"memory", nil, http.StatusOK, "memory"},
		{"db ok", stubPinger{}, http.StatusOK, "ok"},
		{"db down", stubPinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.db)
			rec := httptest.NewRecorder()

			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.status, rec.Code)
			var checks map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checks))
			assert.Equal(t, tt.check, checks["db"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	// Drive one API request so the HTTP collectors have a sample.
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/nodes/nope", nil))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sshcron_http_requests_total")
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodGet, "/api/v1/nodes/nope", "", http.StatusNotFound},
		{http.MethodPut, "/api/v1/nodes/nope/active", `{"active":true}`, http.StatusNotFound},
		{http.MethodPost, "/api/v1/nodes/nope/test", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/nodes/nope/jobs", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/jobs/nope", "", http.StatusNotFound},
		{http.MethodPut, "/api/v1/jobs/nope/enabled", `{"enabled":true}`, http.StatusNotFound},
		{http.MethodGet, "/api/v1/jobs/nope/executions", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/executions/nope", "", http.StatusNotFound},
		{http.MethodPost, "/api/v1/executions/nope/stop", "", http.StatusOK},
		{http.MethodPost, "/api/v1/executions", `{}`, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/executions/nope/logs", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/cron/next?expr=@hourly", "", http.StatusOK},
		{http.MethodPost, "/api/v1/nodes", `{}`, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/jobs", `{}`, http.StatusBadRequest},
		{http.MethodDelete, "/api/v1/jobs/nope", "", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/nodes/nope", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/ssh-ca", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestSSHCARoute(t *testing.T) {
	srv := newTestServer(t, nil, WithSSHCA("ssh-ed25519 AAAA"))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ssh-ca", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"public_key":"ssh-ed25519 AAAA"}`, rec.Body.String())
}
