package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/edvin/sshcron/internal/model"
)

const (
	tableNodes      = "nodes"
	tableJobs       = "jobs"
	tableExecutions = "executions"
)

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableNodes: {
			Name: tableNodes,
			Indexes: map[string]*memdb.IndexSchema{
				"id":   {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"name": {Name: "name", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Name"}},
			},
		},
		tableJobs: {
			Name: tableJobs,
			Indexes: map[string]*memdb.IndexSchema{
				"id":      {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"node_id": {Name: "node_id", Indexer: &memdb.StringFieldIndex{Field: "NodeID"}},
			},
		},
		tableExecutions: {
			Name: tableExecutions,
			Indexes: map[string]*memdb.IndexSchema{
				"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"job_id": {Name: "job_id", Indexer: &memdb.StringFieldIndex{Field: "JobID"}},
			},
		},
	},
}

// Memory is a Store held in process memory. Used for development
// (STORE=memory) and tests. Rows are stored as immutable copies; every
// update inserts a fresh value.
type Memory struct {
	db *memdb.MemDB
}

func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &Memory{db: db}, nil
}

func (m *Memory) first(txn *memdb.Txn, table, what, id string) (any, error) {
	raw, err := txn.First(table, "id", id)
	if err != nil {
		return nil, fmt.Errorf("lookup %s %s: %w", what, id, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return raw, nil
}

func (m *Memory) GetNode(_ context.Context, id string) (*model.Node, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := m.first(txn, tableNodes, "node", id)
	if err != nil {
		return nil, err
	}
	n := *raw.(*model.Node)
	return &n, nil
}

func (m *Memory) CreateNode(_ context.Context, node *model.Node) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableNodes, "name", node.Name)
	if err != nil {
		return fmt.Errorf("lookup node name: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("node %q: %w", node.Name, ErrConflict)
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	n := *node
	if err := txn.Insert(tableNodes, &n); err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) SetNodeActive(_ context.Context, id string, active bool) (*model.Node, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := m.first(txn, tableNodes, "node", id)
	if err != nil {
		return nil, err
	}
	n := *raw.(*model.Node)
	n.Active = active
	if err := txn.Insert(tableNodes, &n); err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}
	txn.Commit()
	out := n
	return &out, nil
}

// DeleteNode removes the node and, like the Postgres foreign key, its jobs
// and their executions.
func (m *Memory) DeleteNode(_ context.Context, id string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := m.first(txn, tableNodes, "node", id)
	if err != nil {
		return err
	}
	jobs, err := txn.Get(tableJobs, "node_id", id)
	if err != nil {
		return fmt.Errorf("list jobs for node %s: %w", id, err)
	}
	var jobIDs []string
	for obj := jobs.Next(); obj != nil; obj = jobs.Next() {
		jobIDs = append(jobIDs, obj.(*model.Job).ID)
	}
	for _, jobID := range jobIDs {
		if err := m.deleteJobTxn(txn, jobID); err != nil {
			return err
		}
	}
	if err := txn.Delete(tableNodes, raw); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*model.Job, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := m.first(txn, tableJobs, "job", id)
	if err != nil {
		return nil, err
	}
	j := *raw.(*model.Job)
	return &j, nil
}

func (m *Memory) CreateJob(_ context.Context, job *model.Job) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if _, err := m.first(txn, tableNodes, "node", job.NodeID); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	j := *job
	if err := txn.Insert(tableJobs, &j); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) SetJobEnabled(_ context.Context, id string, enabled bool) (*model.Job, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := m.first(txn, tableJobs, "job", id)
	if err != nil {
		return nil, err
	}
	j := *raw.(*model.Job)
	j.Enabled = enabled
	if err := txn.Insert(tableJobs, &j); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	txn.Commit()
	out := j
	return &out, nil
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := m.deleteJobTxn(txn, id); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *Memory) deleteJobTxn(txn *memdb.Txn, id string) error {
	raw, err := m.first(txn, tableJobs, "job", id)
	if err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableExecutions, "job_id", id); err != nil {
		return fmt.Errorf("delete executions for job %s: %w", id, err)
	}
	if err := txn.Delete(tableJobs, raw); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (m *Memory) ListJobsByNode(_ context.Context, nodeID string) ([]model.Job, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableJobs, "node_id", nodeID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for node %s: %w", nodeID, err)
	}
	var jobs []model.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		jobs = append(jobs, *obj.(*model.Job))
	}
	sortJobs(jobs)
	return jobs, nil
}

func (m *Memory) ListEnabledJobsForActiveNodes(_ context.Context) ([]model.Job, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableJobs, "id")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var jobs []model.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		j := obj.(*model.Job)
		if !j.Enabled {
			continue
		}
		node, err := txn.First(tableNodes, "id", j.NodeID)
		if err != nil {
			return nil, fmt.Errorf("lookup node %s: %w", j.NodeID, err)
		}
		if node == nil || !node.(*model.Node).Active {
			continue
		}
		jobs = append(jobs, *j)
	}
	sortJobs(jobs)
	return jobs, nil
}

func sortJobs(jobs []model.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Name != jobs[k].Name {
			return jobs[i].Name < jobs[k].Name
		}
		return jobs[i].ID < jobs[k].ID
	})
}

func (m *Memory) CreateExecution(_ context.Context, exec *model.Execution) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if _, err := m.first(txn, tableJobs, "job", exec.JobID); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	e := *exec
	if err := txn.Insert(tableExecutions, &e); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	txn.Commit()
	return nil
}

// openExecution returns a copy of a non-terminal execution for update.
func (m *Memory) openExecution(txn *memdb.Txn, id string) (*model.Execution, error) {
	raw, err := m.first(txn, tableExecutions, "execution", id)
	if err != nil {
		return nil, err
	}
	e := *raw.(*model.Execution)
	if e.EndTime != nil {
		return nil, fmt.Errorf("execution %s: %w", id, ErrExecutionClosed)
	}
	return &e, nil
}

func (m *Memory) AppendExecutionOutput(_ context.Context, id, stdout, stderr, status string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	e, err := m.openExecution(txn, id)
	if err != nil {
		return err
	}
	e.Output += stdout
	e.Error += stderr
	e.Status = status
	if err := txn.Insert(tableExecutions, e); err != nil {
		return fmt.Errorf("append execution %s output: %w", id, err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) FinalizeExecution(_ context.Context, id, status string, endTime time.Time, retain int) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	e, err := m.openExecution(txn, id)
	if err != nil {
		return err
	}
	e.Status = status
	e.EndTime = &endTime
	e.Output = TailChars(e.Output, retain)
	e.Error = TailChars(e.Error, retain)
	if err := txn.Insert(tableExecutions, e); err != nil {
		return fmt.Errorf("finalize execution %s: %w", id, err)
	}
	txn.Commit()
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := m.first(txn, tableExecutions, "execution", id)
	if err != nil {
		return nil, err
	}
	e := *raw.(*model.Execution)
	return &e, nil
}

func (m *Memory) ListExecutions(_ context.Context, jobID string, limit int) ([]model.Execution, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableExecutions, "job_id", jobID)
	if err != nil {
		return nil, fmt.Errorf("list executions for job %s: %w", jobID, err)
	}
	var execs []model.Execution
	for obj := it.Next(); obj != nil; obj = it.Next() {
		execs = append(execs, *obj.(*model.Execution))
	}
	sort.Slice(execs, func(i, k int) bool {
		return execs[i].StartTime.After(execs[k].StartTime)
	})
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}
