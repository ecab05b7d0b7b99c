package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/store"
)

// ---------- Mock Scheduler ----------

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) AddJob(job *model.Job) error {
	args := m.Called(job.ID)
	return args.Error(0)
}

func (m *mockScheduler) RemoveJob(jobID string) {
	m.Called(jobID)
}

func (m *mockScheduler) IsScheduled(jobID string) bool {
	args := m.Called(jobID)
	return args.Bool(0)
}

// ---------- Mock Engine ----------

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Run(ctx context.Context, jobID, trigger string) (*model.Execution, error) {
	args := m.Called(ctx, jobID, trigger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Execution), args.Error(1)
}

func (m *mockEngine) RunMany(ctx context.Context, jobIDs []string, trigger string) ([]*model.Execution, error) {
	args := m.Called(ctx, jobIDs, trigger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Execution), args.Error(1)
}

func (m *mockEngine) Stop(executionID string) bool {
	args := m.Called(executionID)
	return args.Bool(0)
}

// ---------- Mock Tester ----------

type mockTester struct {
	mock.Mock
}

func (m *mockTester) Test(ctx context.Context, node *model.Node) error {
	args := m.Called(ctx, node.ID)
	return args.Error(0)
}

// ---------- Fixtures ----------

// newFixtureStore returns a store with node n1 (active) holding jobs j1
// (enabled) and j2 (disabled).
func newFixtureStore(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	mem, err := store.NewMemory()
	require.NoError(t, err)
	require.NoError(t, mem.CreateNode(ctx, &model.Node{ID: "n1", Name: "web-1", Host: "10.0.0.1", Username: "root", AuthType: model.AuthPassword, Active: true}))
	require.NoError(t, mem.CreateJob(ctx, &model.Job{ID: "j1", NodeID: "n1", Name: "backup", Schedule: "@hourly", Command: "backup.sh", Enabled: true}))
	require.NoError(t, mem.CreateJob(ctx, &model.Job{ID: "j2", NodeID: "n1", Name: "report", Schedule: "@daily", Command: "report.sh", Enabled: false}))
	return mem
}
