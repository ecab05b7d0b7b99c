// Package engine runs a single job invocation to completion on its node,
// streaming output to the broadcaster and persisting it to the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/edvin/sshcron/internal/broadcast"
	"github.com/edvin/sshcron/internal/cancel"
	"github.com/edvin/sshcron/internal/metrics"
	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/platform"
	"github.com/edvin/sshcron/internal/sshexec"
	"github.com/edvin/sshcron/internal/store"
)

var (
	// ErrNotFound is returned by Run when the job or its node is gone. The job
	// is removed from the schedule and no execution is recorded.
	ErrNotFound = errors.New("job or node not found")
	// ErrCancelled marks an execution stopped by an operator.
	ErrCancelled = errors.New("execution cancelled by user")
)

// Executor opens SSH sessions. *sshexec.Dialer satisfies it.
type Executor interface {
	Dial(ctx context.Context, node *model.Node) (sshexec.Session, error)
}

// Deregisterer removes a job from the schedule. *scheduler.Scheduler
// satisfies it.
type Deregisterer interface {
	RemoveJob(jobID string)
}

// Notifier is told about failed executions of jobs with NotifyOnError set.
type Notifier interface {
	NotifyFailure(ctx context.Context, job *model.Job, exec *model.Execution)
}

// Archiver stores the complete output of an execution. *archive.S3Archiver
// satisfies it.
type Archiver interface {
	Archive(ctx context.Context, executionID, name string, body io.ReadSeeker) error
}

type Config struct {
	PollInterval     time.Duration
	StdoutFlushBytes int
	StderrFlushBytes int
	// MaxOutputChars caps each persisted stream at finalization, keeping the
	// tail. Zero keeps everything.
	MaxOutputChars int
	// RetireGrace is how long a finished execution's live topic stays
	// subscribable.
	RetireGrace time.Duration
	// MopUpTimeout bounds the final drain after the remote command exits.
	MopUpTimeout time.Duration
	// FollowUpTimeout bounds the failure notification and the archive upload
	// that run after an execution is finalized.
	FollowUpTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.StdoutFlushBytes <= 0 {
		c.StdoutFlushBytes = 2000
	}
	if c.StderrFlushBytes <= 0 {
		c.StderrFlushBytes = 1000
	}
	if c.RetireGrace < 0 {
		c.RetireGrace = 0
	}
	if c.MopUpTimeout <= 0 {
		c.MopUpTimeout = 5 * time.Second
	}
	if c.FollowUpTimeout <= 0 {
		c.FollowUpTimeout = time.Minute
	}
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

type Engine struct {
	cfg         Config
	store       store.Store
	executor    Executor
	tokens      *cancel.Registry
	broadcaster *broadcast.Broadcaster
	scheduler   Deregisterer
	notifier    Notifier
	archiver    Archiver
	logger      zerolog.Logger

	wg sync.WaitGroup
}

func New(cfg Config, st store.Store, executor Executor, tokens *cancel.Registry, broadcaster *broadcast.Broadcaster, scheduler Deregisterer, logger zerolog.Logger, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:         cfg,
		store:       st,
		executor:    executor,
		tokens:      tokens,
		broadcaster: broadcaster,
		scheduler:   scheduler,
		logger:      logger.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = LogNotifier{Logger: e.logger}
	}
	return e
}

// Run starts one execution of jobID and returns its initial record. The
// command runs on its own goroutine, detached from ctx's cancellation.
func (e *Engine) Run(ctx context.Context, jobID, trigger string) (*model.Execution, error) {
	job, node, err := e.load(ctx, jobID, trigger)
	if err != nil {
		return nil, err
	}

	exec := &model.Execution{
		ID:          platform.NewID(),
		JobID:       job.ID,
		StartTime:   time.Now().UTC(),
		Status:      model.StatusRunning,
		TriggeredBy: trigger,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution for job %s: %w", job.ID, err)
	}

	e.tokens.Begin(exec.ID)
	e.broadcaster.Open(exec.ID)
	metrics.ExecutionsStarted.Inc()
	metrics.ExecutionsRunning.Inc()

	e.logger.Info().
		Str("execution_id", exec.ID).
		Str("job_id", job.ID).
		Str("node", node.Name).
		Str("triggered_by", trigger).
		Msg("execution started")

	snapshot := *exec
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.newRun(job, node, exec).execute(context.WithoutCancel(ctx))
	}()
	return &snapshot, nil
}

// load fetches the job and its node. A missing job or node, or an inactive
// node for a scheduled run, takes the job off the schedule.
func (e *Engine) load(ctx context.Context, jobID, trigger string) (*model.Job, *model.Node, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		e.deregister(jobID, "job not found")
		return nil, nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	node, err := e.store.GetNode(ctx, job.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		e.deregister(jobID, "node not found")
		return nil, nil, fmt.Errorf("node %s of job %s: %w", job.NodeID, jobID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load node %s: %w", job.NodeID, err)
	}

	if trigger == model.TriggerSystem && !node.Active {
		e.deregister(jobID, "node inactive")
		return nil, nil, fmt.Errorf("node %s of job %s is inactive: %w", node.ID, jobID, ErrNotFound)
	}
	return job, node, nil
}

func (e *Engine) deregister(jobID, reason string) {
	e.logger.Warn().Str("job_id", jobID).Str("reason", reason).Msg("removing job from schedule")
	if e.scheduler != nil {
		e.scheduler.RemoveJob(jobID)
	}
}

// RunMany starts each job independently. A job that fails to start does not
// prevent the others; start errors are aggregated.
func (e *Engine) RunMany(ctx context.Context, jobIDs []string, trigger string) ([]*model.Execution, error) {
	var result *multierror.Error
	execs := make([]*model.Execution, 0, len(jobIDs))
	seen := make(map[string]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		exec, err := e.Run(ctx, id, trigger)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("job %s: %w", id, err))
			continue
		}
		execs = append(execs, exec)
	}
	return execs, result.ErrorOrNil()
}

// Stop requests cancellation of a running execution. It reports whether the
// execution was running here; stopping anything else is a no-op.
func (e *Engine) Stop(executionID string) bool {
	ok := e.tokens.RequestStop(executionID)
	if ok {
		e.logger.Info().Str("execution_id", executionID).Msg("stop requested")
	}
	return ok
}

// Wait blocks until every execution started by this engine has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// LogNotifier reports failures to the log. It is the default Notifier.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) NotifyFailure(_ context.Context, job *model.Job, exec *model.Execution) {
	n.Logger.Warn().
		Str("execution_id", exec.ID).
		Str("job_id", job.ID).
		Str("job", job.Name).
		Str("status", exec.Status).
		Msg("job execution failed")
}
