package cronctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edvin/sshcron/internal/api/request"
	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/store"
)

// ApplyResult counts what Apply created.
type ApplyResult struct {
	Nodes        int
	Jobs         int
	SkippedNodes []string
}

// ApplyFile reads a seed file (the same format the server loads from
// SEED_FILE) and creates its nodes and jobs through the API.
func (c *Client) ApplyFile(ctx context.Context, path string, out io.Writer) (*ApplyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return c.Apply(ctx, f, out)
}

// Apply creates the nodes and jobs described in r. A node whose name is
// already taken is skipped together with its jobs.
func (c *Client) Apply(ctx context.Context, r io.Reader, out io.Writer) (*ApplyResult, error) {
	var file store.SeedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	res := &ApplyResult{}
	for _, sn := range file.Nodes {
		resp, err := c.Post(ctx, "/api/v1/nodes", request.CreateNode{
			Name:       sn.Name,
			Host:       sn.Host,
			Port:       sn.Port,
			Username:   sn.Username,
			AuthType:   sn.AuthType,
			Password:   sn.Password,
			PrivateKey: sn.PrivateKey,
			Passphrase: sn.Passphrase,
			Active:     sn.Active,
		})
		if IsStatus(err, http.StatusConflict) {
			fmt.Fprintf(out, "Node %q exists, skipped\n", sn.Name)
			res.SkippedNodes = append(res.SkippedNodes, sn.Name)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("create node %q: %w", sn.Name, err)
		}
		var node model.Node
		if err := resp.Decode(&node); err != nil {
			return res, err
		}
		res.Nodes++
		fmt.Fprintf(out, "Node %q: %s\n", node.Name, node.ID)

		for _, sj := range sn.Jobs {
			resp, err := c.Post(ctx, "/api/v1/jobs", request.CreateJob{
				NodeID:        node.ID,
				Name:          sj.Name,
				Schedule:      sj.Schedule,
				Command:       sj.Command,
				Description:   sj.Description,
				Enabled:       sj.Enabled,
				NotifyOnError: sj.NotifyOnError,
			})
			if err != nil {
				return res, fmt.Errorf("create job %q on node %q: %w", sj.Name, sn.Name, err)
			}
			var job model.Job
			if err := resp.Decode(&job); err != nil {
				return res, err
			}
			res.Jobs++
			fmt.Fprintf(out, "  Job %q (%s): %s\n", job.Name, job.Schedule, job.ID)
		}
	}
	return res, nil
}
