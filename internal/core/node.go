package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/platform"
	"github.com/edvin/sshcron/internal/store"
)

type NodeService struct {
	store     store.Store
	scheduler Scheduler
	tester    ConnectionTester
}

func NewNodeService(st store.Store, sched Scheduler, tester ConnectionTester) *NodeService {
	return &NodeService{store: st, scheduler: sched, tester: tester}
}

func (s *NodeService) Create(ctx context.Context, node *model.Node) error {
	if node.ID == "" {
		node.ID = platform.NewID()
	}
	if node.Port == 0 {
		node.Port = model.DefaultSSHPort
	}
	if node.AuthType == "" {
		node.AuthType = model.AuthPassword
	}
	node.CreatedAt = time.Now().UTC()
	if err := s.store.CreateNode(ctx, node); err != nil {
		return fmt.Errorf("create node %s: %w", node.Name, err)
	}
	return nil
}

func (s *NodeService) Get(ctx context.Context, id string) (*model.Node, error) {
	return s.store.GetNode(ctx, id)
}

// SetActive flips the node's active flag and cascades to the schedule:
// deactivating removes every trigger of the node's jobs, activating restores
// triggers for the jobs that are themselves enabled.
func (s *NodeService) SetActive(ctx context.Context, id string, active bool) (*model.Node, error) {
	node, err := s.store.SetNodeActive(ctx, id, active)
	if err != nil {
		return nil, fmt.Errorf("set node %s active=%t: %w", id, active, err)
	}
	jobs, err := s.store.ListJobsByNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list jobs of node %s: %w", id, err)
	}
	for i := range jobs {
		if !active || !jobs[i].Enabled {
			s.scheduler.RemoveJob(jobs[i].ID)
			continue
		}
		// A job with a bad schedule stays unscheduled; the node toggle still succeeds.
		if err := s.scheduler.AddJob(&jobs[i]); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Str("node_id", id).
				Str("job_id", jobs[i].ID).
				Str("schedule", jobs[i].Schedule).
				Msg("job left unscheduled")
		}
	}
	return node, nil
}

// Delete removes the node and its jobs and takes the jobs off the schedule.
func (s *NodeService) Delete(ctx context.Context, id string) error {
	jobs, err := s.store.ListJobsByNode(ctx, id)
	if err != nil {
		return fmt.Errorf("list jobs of node %s: %w", id, err)
	}
	for i := range jobs {
		s.scheduler.RemoveJob(jobs[i].ID)
	}
	if err := s.store.DeleteNode(ctx, id); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

// TestConnection opens and closes an SSH connection to the node.
func (s *NodeService) TestConnection(ctx context.Context, id string) error {
	node, err := s.store.GetNode(ctx, id)
	if err != nil {
		return fmt.Errorf("get node %s: %w", id, err)
	}
	return s.tester.Test(ctx, node)
}
