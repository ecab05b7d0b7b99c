package store

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/edvin/sshcron/internal/model"
)

var (
	// ErrNotFound is returned when a node, job or execution does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a create would violate a uniqueness rule.
	ErrConflict = errors.New("conflict")
	// ErrExecutionClosed is returned when writing to an execution that is
	// already terminal.
	ErrExecutionClosed = errors.New("execution is terminal")
)

// Store is the durable record of nodes, jobs and executions.
//
// Execution rows are written only by the engine run that created them, so
// implementations need no cross-writer coordination for a single id. Writes
// to a terminal execution fail with ErrExecutionClosed.
type Store interface {
	GetNode(ctx context.Context, id string) (*model.Node, error)
	CreateNode(ctx context.Context, node *model.Node) error
	SetNodeActive(ctx context.Context, id string, active bool) (*model.Node, error)
	DeleteNode(ctx context.Context, id string) error

	GetJob(ctx context.Context, id string) (*model.Job, error)
	CreateJob(ctx context.Context, job *model.Job) error
	SetJobEnabled(ctx context.Context, id string, enabled bool) (*model.Job, error)
	DeleteJob(ctx context.Context, id string) error
	ListJobsByNode(ctx context.Context, nodeID string) ([]model.Job, error)
	ListEnabledJobsForActiveNodes(ctx context.Context) ([]model.Job, error)

	CreateExecution(ctx context.Context, exec *model.Execution) error
	AppendExecutionOutput(ctx context.Context, id, stdout, stderr, status string) error
	// FinalizeExecution sets the terminal status and end time, keeping at most
	// the last retain characters of each output stream. retain <= 0 keeps everything.
	FinalizeExecution(ctx context.Context, id, status string, endTime time.Time, retain int) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, jobID string, limit int) ([]model.Execution, error)
}

// TailChars returns the last n characters of s. n <= 0 returns s unchanged.
// This matches right(text, n) on the Postgres side.
func TailChars(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	skip := utf8.RuneCountInString(s) - n
	if skip <= 0 {
		return s
	}
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}
