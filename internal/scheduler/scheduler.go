// Package scheduler keeps one cron trigger per enabled job and hands each
// firing to the execution engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/edvin/sshcron/internal/metrics"
	"github.com/edvin/sshcron/internal/model"
)

// ErrInvalidSchedule is returned for cron expressions that do not parse.
var ErrInvalidSchedule = errors.New("invalid cron schedule")

// Standard five-field cron plus descriptors such as @hourly and @every 5m.
var parser = cronv3.NewParser(cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// Runner starts executions. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, jobID, trigger string) (*model.Execution, error)
}

// JobSource lists the jobs that should be scheduled. store.Store satisfies it.
type JobSource interface {
	ListEnabledJobsForActiveNodes(ctx context.Context) ([]model.Job, error)
}

type Option func(*Scheduler)

// WithLocation evaluates cron expressions in loc instead of the local zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

type Scheduler struct {
	source   JobSource
	logger   zerolog.Logger
	location *time.Location
	cron     *cronv3.Cron

	mu      sync.Mutex
	entries map[string]cronv3.EntryID
	runner  Runner
	ctx     context.Context
	running bool
}

func New(source JobSource, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:   source,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		location: time.Local,
		entries:  make(map[string]cronv3.EntryID),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{logger: s.logger}
	s.cron = cronv3.New(
		cronv3.WithParser(parser),
		cronv3.WithLocation(s.location),
		cronv3.WithLogger(cl),
		cronv3.WithChain(cronv3.Recover(cl)),
	)
	return s
}

// Start schedules every enabled job on an active node, drops triggers for
// jobs no longer in that set and begins dispatching. Jobs already scheduled
// keep their trigger. Calling Start again reconciles.
func (s *Scheduler) Start(ctx context.Context, runner Runner) error {
	jobs, err := s.source.ListEnabledJobsForActiveNodes(ctx)
	if err != nil {
		return fmt.Errorf("list schedulable jobs: %w", err)
	}

	s.mu.Lock()
	s.runner = runner
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	want := make(map[string]struct{}, len(jobs))
	for i := range jobs {
		want[jobs[i].ID] = struct{}{}
		if err := s.AddJob(&jobs[i]); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobs[i].ID).Msg("job not scheduled")
		}
	}
	for _, id := range s.Scheduled() {
		if _, ok := want[id]; !ok {
			s.RemoveJob(id)
		}
	}

	s.mu.Lock()
	if !s.running {
		s.cron.Start()
		s.running = true
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.logger.Info().Int("jobs", n).Msg("scheduler started")
	return nil
}

// AddJob registers a trigger for job. It is a no-op if the job is already
// scheduled. An invalid schedule leaves the job unscheduled.
func (s *Scheduler) AddJob(job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[job.ID]; ok {
		return nil
	}
	sched, err := parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s schedule %q: %w: %v", job.ID, job.Schedule, ErrInvalidSchedule, err)
	}

	jobID := job.ID
	s.entries[jobID] = s.cron.Schedule(sched, cronv3.FuncJob(func() { s.fire(jobID) }))
	metrics.SchedulerJobs.Set(float64(len(s.entries)))
	s.logger.Debug().Str("job_id", jobID).Str("schedule", job.Schedule).Msg("job scheduled")
	return nil
}

// RemoveJob drops the job's trigger. No-op if it is not scheduled.
func (s *Scheduler) RemoveJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[jobID]
	if !ok {
		return
	}
	s.cron.Remove(id)
	delete(s.entries, jobID)
	metrics.SchedulerJobs.Set(float64(len(s.entries)))
	s.logger.Debug().Str("job_id", jobID).Msg("job unscheduled")
}

func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	runner, ctx := s.runner, s.ctx
	s.mu.Unlock()
	if runner == nil {
		return
	}

	metrics.SchedulerFires.Inc()
	exec, err := runner.Run(ctx, jobID, model.TriggerSystem)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("scheduled run failed to start")
		return
	}
	s.logger.Debug().Str("job_id", jobID).Str("execution_id", exec.ID).Msg("scheduled run started")
}

// Shutdown stops all triggers. Executions already started keep running.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if !running {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// Scheduled returns the ids of all scheduled jobs.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) IsScheduled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[jobID]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextRun returns the next fire time of a scheduled job. The time is zero
// until the scheduler is running.
func (s *Scheduler) NextRun(jobID string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// NextRuns returns the next n fire times of expr after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%q: %w: %v", expr, ErrInvalidSchedule, err)
	}
	times := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		times = append(times, t)
	}
	return times, nil
}

// Validate reports whether expr is an accepted cron expression.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%q: %w: %v", expr, ErrInvalidSchedule, err)
	}
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
