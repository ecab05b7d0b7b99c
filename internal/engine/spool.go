package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
)

// spool keeps the untruncated output of one execution on local disk until
// it is archived.
type spool struct {
	stdout *os.File
	stderr *os.File
	err    error
}

func newSpool() (*spool, error) {
	out, err := os.CreateTemp("", "sshcron-stdout-*")
	if err != nil {
		return nil, fmt.Errorf("create stdout spool: %w", err)
	}
	errFile, err := os.CreateTemp("", "sshcron-stderr-*")
	if err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, fmt.Errorf("create stderr spool: %w", err)
	}
	return &spool{stdout: out, stderr: errFile}, nil
}

func (s *spool) write(text string, isErr bool) {
	if s.err != nil {
		return
	}
	f := s.stdout
	if isErr {
		f = s.stderr
	}
	if _, err := io.WriteString(f, text); err != nil {
		s.err = err
	}
}

func (s *spool) archive(ctx context.Context, a Archiver, executionID string) error {
	if s.err != nil {
		return fmt.Errorf("spool write: %w", s.err)
	}
	var result *multierror.Error
	for name, f := range map[string]*os.File{"stdout.log": s.stdout, "stderr.log": s.stderr} {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			result = multierror.Append(result, fmt.Errorf("rewind %s: %w", name, err))
			continue
		}
		if err := a.Archive(ctx, executionID, name, f); err != nil {
			result = multierror.Append(result, fmt.Errorf("archive %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *spool) remove() {
	for _, f := range []*os.File{s.stdout, s.stderr} {
		f.Close()
		os.Remove(f.Name())
	}
}
