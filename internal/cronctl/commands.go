package cronctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/edvin/sshcron/internal/model"
)

// Run starts a job and returns the new execution.
func (c *Client) Run(ctx context.Context, jobID string) (*model.Execution, error) {
	resp, err := c.Post(ctx, "/api/v1/jobs/"+url.PathEscape(jobID)+"/run", nil)
	if err != nil {
		return nil, err
	}
	var exec model.Execution
	if err := resp.Decode(&exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// Stop requests cancellation and reports whether the execution was running.
func (c *Client) Stop(ctx context.Context, executionID string) (bool, error) {
	resp, err := c.Post(ctx, "/api/v1/executions/"+url.PathEscape(executionID)+"/stop", nil)
	if err != nil {
		return false, err
	}
	var body struct {
		Stopped bool `json:"stopped"`
	}
	if err := resp.Decode(&body); err != nil {
		return false, err
	}
	return body.Stopped, nil
}

// History lists a job's most recent executions, newest first.
func (c *Client) History(ctx context.Context, jobID string, limit int) ([]model.Execution, error) {
	path := fmt.Sprintf("/api/v1/jobs/%s/executions?limit=%d", url.PathEscape(jobID), limit)
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	items, err := resp.Items()
	if err != nil {
		return nil, err
	}
	var execs []model.Execution
	if err := json.Unmarshal(items, &execs); err != nil {
		return nil, fmt.Errorf("parse executions: %w", err)
	}
	return execs, nil
}

// NextRuns previews the next count fire times of expr.
func (c *Client) NextRuns(ctx context.Context, expr string, count int) ([]time.Time, error) {
	q := url.Values{"expr": {expr}, "count": {fmt.Sprint(count)}}
	resp, err := c.Get(ctx, "/api/v1/cron/next?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var body struct {
		Next []time.Time `json:"next"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	return body.Next, nil
}

// PrintHistory writes one line per execution.
func PrintHistory(out io.Writer, execs []model.Execution) {
	for _, e := range execs {
		dur := "-"
		if e.EndTime != nil {
			dur = e.EndTime.Sub(e.StartTime).Round(time.Millisecond).String()
		}
		fmt.Fprintf(out, "%s  %-9s  %-6s  %s  %s\n", e.ID, e.Status, e.TriggeredBy, e.StartTime.Format(time.RFC3339), dur)
	}
}
