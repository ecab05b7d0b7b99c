package core

import (
	"context"
	"fmt"
	"time"

	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/platform"
	"github.com/edvin/sshcron/internal/scheduler"
	"github.com/edvin/sshcron/internal/store"
)

type JobService struct {
	store     store.Store
	scheduler Scheduler
}

func NewJobService(st store.Store, sched Scheduler) *JobService {
	return &JobService{store: st, scheduler: sched}
}

// Create stores a job and schedules it when it is enabled on an active node.
func (s *JobService) Create(ctx context.Context, job *model.Job) error {
	if err := scheduler.Validate(job.Schedule); err != nil {
		return err
	}
	node, err := s.store.GetNode(ctx, job.NodeID)
	if err != nil {
		return fmt.Errorf("get node %s: %w", job.NodeID, err)
	}
	if job.ID == "" {
		job.ID = platform.NewID()
	}
	job.CreatedAt = time.Now().UTC()
	if err := s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job %s: %w", job.Name, err)
	}
	if job.Enabled && node.Active {
		if err := s.scheduler.AddJob(job); err != nil {
			return fmt.Errorf("schedule job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.store.GetJob(ctx, id)
}

// IsScheduled reports whether the job currently has a cron trigger.
func (s *JobService) IsScheduled(id string) bool {
	return s.scheduler.IsScheduled(id)
}

func (s *JobService) ListByNode(ctx context.Context, nodeID string) ([]model.Job, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	return s.store.ListJobsByNode(ctx, nodeID)
}

// SetEnabled flips the job's enabled flag. Enabling schedules the job if
// its node is active; disabling removes the trigger.
func (s *JobService) SetEnabled(ctx context.Context, id string, enabled bool) (*model.Job, error) {
	job, err := s.store.SetJobEnabled(ctx, id, enabled)
	if err != nil {
		return nil, fmt.Errorf("set job %s enabled=%t: %w", id, enabled, err)
	}
	if !enabled {
		s.scheduler.RemoveJob(id)
		return job, nil
	}
	node, err := s.store.GetNode(ctx, job.NodeID)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", job.NodeID, err)
	}
	if node.Active {
		if err := s.scheduler.AddJob(job); err != nil {
			return nil, fmt.Errorf("schedule job %s: %w", id, err)
		}
	}
	return job, nil
}

// Delete takes the job off the schedule and removes it with its executions.
func (s *JobService) Delete(ctx context.Context, id string) error {
	s.scheduler.RemoveJob(id)
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}
