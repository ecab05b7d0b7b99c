package core

import (
	"context"

	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/store"
)

// Scheduler is the part of *scheduler.Scheduler the services drive.
type Scheduler interface {
	AddJob(job *model.Job) error
	RemoveJob(jobID string)
	IsScheduled(jobID string) bool
}

// Engine is the part of *engine.Engine the services drive.
type Engine interface {
	Run(ctx context.Context, jobID, trigger string) (*model.Execution, error)
	RunMany(ctx context.Context, jobIDs []string, trigger string) ([]*model.Execution, error)
	Stop(executionID string) bool
}

// ConnectionTester checks SSH connectivity. *sshexec.Dialer satisfies it.
type ConnectionTester interface {
	Test(ctx context.Context, node *model.Node) error
}

type Services struct {
	Node      *NodeService
	Job       *JobService
	Execution *ExecutionService
}

func NewServices(st store.Store, sched Scheduler, eng Engine, tester ConnectionTester) *Services {
	return &Services{
		Node:      NewNodeService(st, sched, tester),
		Job:       NewJobService(st, sched),
		Execution: NewExecutionService(st, eng),
	}
}
