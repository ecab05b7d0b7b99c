package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edvin/sshcron/internal/model"
)

// DB is the subset of pgxpool.Pool the Postgres store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

const uniqueViolation = "23505"

const nodeColumns = `id, name, host, port, username, auth_type, COALESCE(password, ''),
	COALESCE(private_key, ''), COALESCE(passphrase, ''), active, created_at`

const jobColumns = `id, node_id, name, schedule, command, description, enabled, notify_on_error, created_at`

const executionColumns = `id, job_id, start_time, end_time, status, output, error, triggered_by`

// Postgres is the pgx-backed Store.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

func scanNode(row pgx.Row) (*model.Node, error) {
	var n model.Node
	err := row.Scan(&n.ID, &n.Name, &n.Host, &n.Port, &n.Username, &n.AuthType,
		&n.Password, &n.PrivateKey, &n.Passphrase, &n.Active, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.NodeID, &j.Name, &j.Schedule, &j.Command,
		&j.Description, &j.Enabled, &j.NotifyOnError, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanExecution(row pgx.Row) (*model.Execution, error) {
	var e model.Execution
	err := row.Scan(&e.ID, &e.JobID, &e.StartTime, &e.EndTime, &e.Status,
		&e.Output, &e.Error, &e.TriggeredBy)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// notFound maps pgx.ErrNoRows to ErrNotFound, keeping other errors intact.
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", what, id, err)
}

func (s *Postgres) GetNode(ctx context.Context, id string) (*model.Node, error) {
	n, err := scanNode(s.db.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "node", id)
	}
	return n, nil
}

func (s *Postgres) CreateNode(ctx context.Context, node *model.Node) error {
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO nodes (id, name, host, port, username, auth_type, password, private_key, passphrase, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11)`,
		node.ID, node.Name, node.Host, node.Port, node.Username, node.AuthType,
		node.Password, node.PrivateKey, node.Passphrase, node.Active, node.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("node %q: %w", node.Name, ErrConflict)
		}
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *Postgres) SetNodeActive(ctx context.Context, id string, active bool) (*model.Node, error) {
	n, err := scanNode(s.db.QueryRow(ctx,
		`UPDATE nodes SET active = $2 WHERE id = $1 RETURNING `+nodeColumns, id, active))
	if err != nil {
		return nil, notFound(err, "node", id)
	}
	return n, nil
}

func (s *Postgres) DeleteNode(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "job", id)
	}
	return j, nil
}

func (s *Postgres) CreateJob(ctx context.Context, job *model.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO jobs (id, node_id, name, schedule, command, description, enabled, notify_on_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.NodeID, job.Name, job.Schedule, job.Command, job.Description,
		job.Enabled, job.NotifyOnError, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) SetJobEnabled(ctx context.Context, id string, enabled bool) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`UPDATE jobs SET enabled = $2 WHERE id = $1 RETURNING `+jobColumns, id, enabled))
	if err != nil {
		return nil, notFound(err, "job", id)
	}
	return j, nil
}

func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListJobsByNode(ctx context.Context, nodeID string) ([]model.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE node_id = $1 ORDER BY name`, nodeID)
}

func (s *Postgres) ListEnabledJobsForActiveNodes(ctx context.Context) ([]model.Job, error) {
	return s.listJobs(ctx,
		`SELECT j.id, j.node_id, j.name, j.schedule, j.command, j.description, j.enabled, j.notify_on_error, j.created_at
		 FROM jobs j JOIN nodes n ON n.id = j.node_id
		 WHERE j.enabled AND n.active
		 ORDER BY j.name, n.name`)
}

func (s *Postgres) listJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *Postgres) CreateExecution(ctx context.Context, exec *model.Execution) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO executions (id, job_id, start_time, end_time, status, output, error, triggered_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		exec.ID, exec.JobID, exec.StartTime, exec.EndTime, exec.Status,
		exec.Output, exec.Error, exec.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Postgres) AppendExecutionOutput(ctx context.Context, id, stdout, stderr, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET output = output || $2, error = error || $3, status = $4
		 WHERE id = $1 AND end_time IS NULL`,
		id, stdout, stderr, status,
	)
	if err != nil {
		return fmt.Errorf("append execution %s output: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.closedOrMissing(ctx, id)
	}
	return nil
}

func (s *Postgres) FinalizeExecution(ctx context.Context, id, status string, endTime time.Time, retain int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE executions SET status = $2, end_time = $3,
		   output = CASE WHEN $4 > 0 THEN right(output, $4) ELSE output END,
		   error = CASE WHEN $4 > 0 THEN right(error, $4) ELSE error END
		 WHERE id = $1 AND end_time IS NULL`,
		id, status, endTime, retain,
	)
	if err != nil {
		return fmt.Errorf("finalize execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.closedOrMissing(ctx, id)
	}
	return nil
}

func (s *Postgres) closedOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check execution %s: %w", id, err)
	}
	if exists {
		return fmt.Errorf("execution %s: %w", id, ErrExecutionClosed)
	}
	return fmt.Errorf("execution %s: %w", id, ErrNotFound)
}

func (s *Postgres) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	e, err := scanExecution(s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "execution", id)
	}
	return e, nil
}

func (s *Postgres) ListExecutions(ctx context.Context, jobID string, limit int) ([]model.Execution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE job_id = $1 ORDER BY start_time DESC LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var execs []model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}
