package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/platform"
)

// SeedFile describes nodes and their jobs to load into a store at startup.
type SeedFile struct {
	Nodes []SeedNode `yaml:"nodes"`
}

type SeedNode struct {
	Name       string    `yaml:"name"`
	Host       string    `yaml:"host"`
	Port       int       `yaml:"port"`
	Username   string    `yaml:"username"`
	AuthType   string    `yaml:"auth_type"`
	Password   string    `yaml:"password"`
	PrivateKey string    `yaml:"private_key"`
	Passphrase string    `yaml:"passphrase"`
	Active     *bool     `yaml:"active"`
	Jobs       []SeedJob `yaml:"jobs"`
}

type SeedJob struct {
	Name          string `yaml:"name"`
	Schedule      string `yaml:"schedule"`
	Command       string `yaml:"command"`
	Description   string `yaml:"description"`
	Enabled       *bool  `yaml:"enabled"`
	NotifyOnError bool   `yaml:"notify_on_error"`
}

// SeedResult counts what a Seed call created.
type SeedResult struct {
	Nodes        int
	Jobs         int
	SkippedNodes []string
}

// Seed reads a YAML seed file and creates its nodes and jobs. Nodes whose
// name already exists are skipped together with their jobs, so seeding the
// same file twice is harmless.
func Seed(ctx context.Context, st Store, r io.Reader) (*SeedResult, error) {
	var file SeedFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	res := &SeedResult{}
	for i, sn := range file.Nodes {
		if sn.Name == "" || sn.Host == "" || sn.Username == "" {
			return res, fmt.Errorf("seed node %d: name, host and username are required", i)
		}
		node := &model.Node{
			ID:         platform.NewID(),
			Name:       sn.Name,
			Host:       sn.Host,
			Port:       sn.Port,
			Username:   sn.Username,
			AuthType:   sn.AuthType,
			Password:   sn.Password,
			PrivateKey: sn.PrivateKey,
			Passphrase: sn.Passphrase,
			Active:     boolOr(sn.Active, true),
		}
		if node.Port == 0 {
			node.Port = model.DefaultSSHPort
		}
		if node.AuthType == "" {
			node.AuthType = model.AuthPassword
		}

		if err := st.CreateNode(ctx, node); err != nil {
			if errors.Is(err, ErrConflict) {
				res.SkippedNodes = append(res.SkippedNodes, sn.Name)
				continue
			}
			return res, fmt.Errorf("seed node %q: %w", sn.Name, err)
		}
		res.Nodes++

		for _, sj := range sn.Jobs {
			job := &model.Job{
				ID:            platform.NewID(),
				NodeID:        node.ID,
				Name:          sj.Name,
				Schedule:      sj.Schedule,
				Command:       sj.Command,
				Description:   sj.Description,
				Enabled:       boolOr(sj.Enabled, true),
				NotifyOnError: sj.NotifyOnError,
			}
			if err := st.CreateJob(ctx, job); err != nil {
				return res, fmt.Errorf("seed job %q on node %q: %w", sj.Name, sn.Name, err)
			}
			res.Jobs++
		}
	}
	return res, nil
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}
