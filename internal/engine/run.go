package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/edvin/sshcron/internal/metrics"
	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/sshexec"
)

// outputBuffer holds one stream's bytes between store flushes.
type outputBuffer struct {
	pending   strings.Builder
	threshold int
	// carry holds the start of a UTF-8 sequence split across chunks.
	carry []byte
}

// decode turns a raw chunk into text, holding back a trailing incomplete rune
// until the next chunk completes it.
func (b *outputBuffer) decode(chunk []byte) string {
	if len(b.carry) > 0 {
		chunk = append(b.carry, chunk...)
		b.carry = nil
	}
	cut := len(chunk)
	for i := len(chunk) - 1; i >= 0 && i >= len(chunk)-utf8.UTFMax; i-- {
		if utf8.RuneStart(chunk[i]) {
			if !utf8.FullRune(chunk[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(chunk) {
		b.carry = append([]byte(nil), chunk[cut:]...)
	}
	return sanitize(chunk[:cut])
}

// rest returns whatever is still carried, for the end of the stream.
func (b *outputBuffer) rest() string {
	s := sanitize(b.carry)
	b.carry = nil
	return s
}

// sanitize makes remote output storable as text: invalid UTF-8 is replaced
// and NUL bytes are removed.
func sanitize(p []byte) string {
	if len(p) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(p), "�")
	return strings.ReplaceAll(s, "\x00", "")
}

// run is the state of one execution on its worker goroutine. Nothing in it
// is shared with other goroutines.
type run struct {
	e      *Engine
	job    *model.Job
	node   *model.Node
	exec   *model.Execution
	logger zerolog.Logger

	session sshexec.Session
	stdout  outputBuffer
	stderr  outputBuffer
	spool   *spool
}

func (e *Engine) newRun(job *model.Job, node *model.Node, exec *model.Execution) *run {
	return &run{
		e:      e,
		job:    job,
		node:   node,
		exec:   exec,
		logger: e.logger.With().Str("execution_id", exec.ID).Str("job_id", job.ID).Logger(),
		stdout: outputBuffer{threshold: e.cfg.StdoutFlushBytes},
		stderr: outputBuffer{threshold: e.cfg.StderrFlushBytes},
	}
}

// execute drives the execution to a terminal state. The session and the
// cancellation token are released as soon as the final state is published;
// notification and archival follow under FollowUpTimeout.
func (r *run) execute(ctx context.Context) {
	defer r.cleanup()

	if r.e.archiver != nil {
		sp, err := newSpool()
		if err != nil {
			r.logger.Warn().Err(err).Msg("output archival disabled for this execution")
		} else {
			r.spool = sp
		}
	}

	status, err := r.runCommand(ctx)
	r.finish(ctx, status, err)
	r.release()
	r.followUp(ctx, status)
}

// runCommand connects, runs the job's command and polls it to completion.
// The returned error carries text the engine adds to the execution's error
// stream; a plain non-zero exit returns a nil error.
func (r *run) runCommand(ctx context.Context) (string, error) {
	sess, err := r.e.executor.Dial(ctx, r.node)
	if err != nil {
		return model.StatusFailed, err
	}
	r.session = sess

	stream, err := sess.Start(r.job.Command)
	if err != nil {
		return model.StatusFailed, fmt.Errorf("start command: %w", err)
	}

	ticker := time.NewTicker(r.e.cfg.PollInterval)
	defer ticker.Stop()

	stdout, stderr := stream.Stdout, stream.Stderr
	for {
		if r.e.tokens.IsStopRequested(r.exec.ID) {
			return model.StatusCancelled, ErrCancelled
		}
		select {
		case chunk, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			r.onOutput(ctx, chunk, false)
		case chunk, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			r.onOutput(ctx, chunk, true)
		case res := <-stream.Done:
			r.mopUp(ctx, stdout, stderr)
			if r.e.tokens.IsStopRequested(r.exec.ID) {
				return model.StatusCancelled, ErrCancelled
			}
			if res.Err != nil {
				return model.StatusFailed, fmt.Errorf("command did not complete: %w", res.Err)
			}
			if res.ExitCode != 0 {
				r.logger.Debug().Int("exit_code", res.ExitCode).Msg("command exited non-zero")
				return model.StatusFailed, nil
			}
			return model.StatusSuccess, nil
		case <-ticker.C:
		}
	}
}

// mopUp drains output still in flight after the command exited.
func (r *run) mopUp(ctx context.Context, stdout, stderr <-chan []byte) {
	timeout := time.NewTimer(r.e.cfg.MopUpTimeout)
	defer timeout.Stop()
	for stdout != nil || stderr != nil {
		select {
		case chunk, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			r.onOutput(ctx, chunk, false)
		case chunk, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			r.onOutput(ctx, chunk, true)
		case <-timeout.C:
			r.logger.Warn().Msg("output did not close after command exit")
			return
		}
	}
}

// onOutput buffers a chunk, forwards it to live subscribers and flushes to
// the store once a stream's buffer passes its threshold.
func (r *run) onOutput(ctx context.Context, chunk []byte, isErr bool) {
	buf := &r.stdout
	if isErr {
		buf = &r.stderr
	}
	text := buf.decode(chunk)
	if text == "" {
		return
	}
	r.record(text, isErr)
	if buf.pending.Len() > buf.threshold {
		r.flush(ctx)
	}
}

// record appends text to the pending buffer, the spool and the live stream.
func (r *run) record(text string, isErr bool) {
	msg := model.LogMessage{Status: model.StatusRunning}
	if isErr {
		r.stderr.pending.WriteString(text)
		msg.Error = text
	} else {
		r.stdout.pending.WriteString(text)
		msg.Output = text
	}
	if r.spool != nil {
		r.spool.write(text, isErr)
	}
	r.e.broadcaster.Publish(r.exec.ID, msg)
}

// flush appends both pending buffers to the stored execution. On failure the
// text stays pending and goes out with the next flush.
func (r *run) flush(ctx context.Context) {
	if r.stdout.pending.Len() == 0 && r.stderr.pending.Len() == 0 {
		return
	}
	err := r.e.store.AppendExecutionOutput(ctx, r.exec.ID,
		r.stdout.pending.String(), r.stderr.pending.String(), model.StatusRunning)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to persist execution output")
		return
	}
	r.stdout.pending.Reset()
	r.stderr.pending.Reset()
}

// finish persists the terminal state and sends the final message.
func (r *run) finish(ctx context.Context, status string, runErr error) {
	if s := r.stdout.rest(); s != "" {
		r.record(s, false)
	}
	if s := r.stderr.rest(); s != "" {
		r.record(s, true)
	}

	var note string
	if runErr != nil {
		note = runErr.Error()
		if r.stderr.pending.Len() > 0 && !strings.HasSuffix(r.stderr.pending.String(), "\n") {
			note = "\n" + note
		}
		r.stderr.pending.WriteString(note)
		if r.spool != nil {
			r.spool.write(note, true)
		}
	}
	r.flush(ctx)

	end := time.Now().UTC()
	if err := r.e.store.FinalizeExecution(ctx, r.exec.ID, status, end, r.e.cfg.MaxOutputChars); err != nil {
		r.logger.Error().Err(err).Str("status", status).Msg("failed to finalize execution")
	}
	r.exec.Status = status
	r.exec.EndTime = &end

	// Output was already streamed chunk by chunk; the final frame carries only
	// what the engine itself added.
	r.e.broadcaster.Publish(r.exec.ID, model.LogMessage{
		Status:  status,
		Error:   note,
		EndTime: &end,
	})

	metrics.ExecutionsRunning.Dec()
	metrics.ExecutionsFinished.WithLabelValues(status).Inc()
	metrics.ExecutionDuration.Observe(end.Sub(r.exec.StartTime).Seconds())

	ev := r.logger.Info()
	if status == model.StatusFailed {
		ev = r.logger.Warn()
	}
	if runErr != nil && !errors.Is(runErr, ErrCancelled) {
		ev = ev.Err(runErr)
	}
	ev.Str("status", status).Dur("duration", end.Sub(r.exec.StartTime)).Msg("execution finished")
}

// followUp notifies about failures and archives the spooled output. It runs
// after release, so a slow notifier or archive endpoint holds neither the
// SSH connection nor the cancellation token.
func (r *run) followUp(ctx context.Context, status string) {
	ctx, cancel := context.WithTimeout(ctx, r.e.cfg.FollowUpTimeout)
	defer cancel()

	if status == model.StatusFailed && r.job.NotifyOnError {
		stored, err := r.e.store.GetExecution(ctx, r.exec.ID)
		if err != nil {
			stored = r.exec
		}
		r.e.notifier.NotifyFailure(ctx, r.job, stored)
	}

	if r.spool != nil {
		if err := r.spool.archive(ctx, r.e.archiver, r.exec.ID); err != nil {
			r.logger.Error().Err(err).Msg("failed to archive execution output")
		}
	}
}

// release closes the session and drops the cancellation token. Safe to call
// more than once.
func (r *run) release() {
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("closing ssh session")
		}
		r.session = nil
	}
	r.e.tokens.End(r.exec.ID)
}

func (r *run) cleanup() {
	r.release()
	if r.spool != nil {
		r.spool.remove()
	}

	id := r.exec.ID
	b := r.e.broadcaster
	time.AfterFunc(r.e.cfg.RetireGrace, func() { b.Retire(id) })
}
