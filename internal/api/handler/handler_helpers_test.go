package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/edvin/sshcron/internal/core"
	"github.com/edvin/sshcron/internal/engine"
	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/platform"
	"github.com/edvin/sshcron/internal/store"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorResponse parses the JSON error response body into a map.
func decodeErrorResponse(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// ---------- Fakes ----------

type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[string]bool{}}
}

func (s *fakeScheduler) AddJob(job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = true
	return nil
}

func (s *fakeScheduler) RemoveJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

func (s *fakeScheduler) IsScheduled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID]
}

// fakeEngine records a running execution for every known job and never
// completes it.
type fakeEngine struct {
	store   store.Store
	mu      sync.Mutex
	running map[string]bool
}

func (e *fakeEngine) Run(ctx context.Context, jobID, trigger string) (*model.Execution, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, engine.ErrNotFound)
	}
	exec := &model.Execution{
		ID:          platform.NewID(),
		JobID:       jobID,
		StartTime:   time.Now(),
		Status:      model.StatusRunning,
		TriggeredBy: trigger,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.running[exec.ID] = true
	e.mu.Unlock()
	return exec, nil
}

func (e *fakeEngine) RunMany(ctx context.Context, jobIDs []string, trigger string) ([]*model.Execution, error) {
	var result *multierror.Error
	execs := []*model.Execution{}
	for _, id := range jobIDs {
		exec, err := e.Run(ctx, id, trigger)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		execs = append(execs, exec)
	}
	return execs, result.ErrorOrNil()
}

func (e *fakeEngine) Stop(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[executionID]
}

type fakeTester struct {
	err error
}

func (f *fakeTester) Test(context.Context, *model.Node) error {
	return f.err
}

// ---------- Fixture ----------

type testEnv struct {
	store    *store.Memory
	sched    *fakeScheduler
	engine   *fakeEngine
	tester   *fakeTester
	services *core.Services
}

// newTestEnv returns services over a store with node n1 (active) holding
// jobs j1 (enabled) and j2 (disabled).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	mem, err := store.NewMemory()
	require.NoError(t, err)
	require.NoError(t, mem.CreateNode(ctx, &model.Node{ID: "n1", Name: "web-1", Host: "10.0.0.1", Username: "root", AuthType: model.AuthPassword, Password: "pw", Active: true}))
	require.NoError(t, mem.CreateJob(ctx, &model.Job{ID: "j1", NodeID: "n1", Name: "backup", Schedule: "@hourly", Command: "backup.sh", Enabled: true}))
	require.NoError(t, mem.CreateJob(ctx, &model.Job{ID: "j2", NodeID: "n1", Name: "report", Schedule: "@daily", Command: "report.sh", Enabled: false}))

	env := &testEnv{
		store:  mem,
		sched:  newFakeScheduler(),
		engine: &fakeEngine{store: mem, running: map[string]bool{}},
		tester: &fakeTester{},
	}
	env.services = core.NewServices(mem, env.sched, env.engine, env.tester)
	return env
}

// finishedExecution stores a terminal execution of j1.
func (env *testEnv) finishedExecution(t *testing.T, status, output, errText string) *model.Execution {
	t.Helper()
	ctx := context.Background()
	exec := &model.Execution{ID: platform.NewID(), JobID: "j1", StartTime: time.Now(), Status: model.StatusRunning, TriggeredBy: model.TriggerManual}
	require.NoError(t, env.store.CreateExecution(ctx, exec))
	require.NoError(t, env.store.AppendExecutionOutput(ctx, exec.ID, output, errText, model.StatusRunning))
	require.NoError(t, env.store.FinalizeExecution(ctx, exec.ID, status, time.Now(), 1000))
	out, err := env.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	return out
}

type listBody[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}
