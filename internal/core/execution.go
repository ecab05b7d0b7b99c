package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/store"
)

// ErrNothingToRun is returned by RunBatch when neither job nor node ids are given.
var ErrNothingToRun = errors.New("at least one job id or node id is required")

const (
	DefaultExecutionLimit = 10
	MaxExecutionLimit     = 100
)

type ExecutionService struct {
	store  store.Store
	engine Engine
}

func NewExecutionService(st store.Store, eng Engine) *ExecutionService {
	return &ExecutionService{store: st, engine: eng}
}

// Run starts a manual execution of one job.
func (s *ExecutionService) Run(ctx context.Context, jobID string) (*model.Execution, error) {
	return s.engine.Run(ctx, jobID, model.TriggerManual)
}

// RunBatch starts every listed job plus every job on the listed nodes, each
// at most once. Jobs are started independently; the returned error
// aggregates start failures and the executions that did start are still
// returned.
func (s *ExecutionService) RunBatch(ctx context.Context, jobIDs, nodeIDs []string) ([]*model.Execution, error) {
	if len(jobIDs) == 0 && len(nodeIDs) == 0 {
		return nil, ErrNothingToRun
	}
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range jobIDs {
		add(id)
	}
	for _, nodeID := range nodeIDs {
		jobs, err := s.store.ListJobsByNode(ctx, nodeID)
		if err != nil {
			return nil, fmt.Errorf("list jobs of node %s: %w", nodeID, err)
		}
		for i := range jobs {
			add(jobs[i].ID)
		}
	}
	return s.engine.RunMany(ctx, ids, model.TriggerManual)
}

// Stop requests cancellation. Stopping an execution that is not running is
// not an error.
func (s *ExecutionService) Stop(executionID string) bool {
	return s.engine.Stop(executionID)
}

func (s *ExecutionService) Get(ctx context.Context, id string) (*model.Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// ListByJob returns the job's most recent executions, newest first.
func (s *ExecutionService) ListByJob(ctx context.Context, jobID string, limit int) ([]model.Execution, error) {
	if limit <= 0 {
		limit = DefaultExecutionLimit
	}
	if limit > MaxExecutionLimit {
		limit = MaxExecutionLimit
	}
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return s.store.ListExecutions(ctx, jobID, limit)
}
