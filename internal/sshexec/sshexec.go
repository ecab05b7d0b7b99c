// Package sshexec runs a single command on a remote node over SSH and
// exposes its output as pollable channels.
package sshexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/edvin/sshcron/internal/model"
)

// ErrConnect wraps every failure to reach or authenticate against a node.
var ErrConnect = errors.New("ssh connection failed")

// DefaultTimeout bounds TCP connect plus the SSH handshake, and separately
// opening the session and dispatching the command.
const DefaultTimeout = 10 * time.Second

const (
	chunkSize   = 4096
	chunkBuffer = 64
)

// Result is delivered on Stream.Done once the remote command has exited.
type Result struct {
	ExitCode int
	// Err is set when the command ended without an exit status, e.g. the
	// connection dropped or the process was killed by a signal.
	Err error
}

// Stream exposes a running command. Stdout and Stderr are closed at EOF.
// Done receives exactly one Result.
type Stream struct {
	Stdout <-chan []byte
	Stderr <-chan []byte
	Done   <-chan Result
}

// Session is one authenticated connection to a node.
type Session interface {
	Start(command string) (*Stream, error)
	Close() error
}

// CertSigner issues user certificates for nodes with the ssh_cert auth
// type. *sshca.Authority satisfies it.
type CertSigner interface {
	Sign(principal string, ttl time.Duration) (ssh.Signer, error)
}

// Dialer opens sessions to nodes.
type Dialer struct {
	Timeout time.Duration
	// HostKeyCallback verifies node host keys. Nodes are registered by
	// operators without a known_hosts entry, so the default accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	// CA signs certificates for ssh_cert nodes. Nil rejects such nodes.
	CA CertSigner
	// CertTTL is the validity of each issued certificate.
	CertTTL time.Duration
}

func NewDialer(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dialer{
		Timeout:         timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
}

// Dial connects and authenticates to the node within d.Timeout.
func (d *Dialer) Dial(ctx context.Context, node *model.Node) (Session, error) {
	auth, err := d.authMethods(node)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	addr := node.Addr()
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, addr, err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            node.Username,
		Auth:            auth,
		HostKeyCallback: d.HostKeyCallback,
		Timeout:         d.Timeout,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", ErrConnect, addr, err)
	}
	conn.SetDeadline(time.Time{})

	return &client{
		client:  ssh.NewClient(sshConn, chans, reqs),
		timeout: d.Timeout,
		closed:  make(chan struct{}),
	}, nil
}

// Test connects to the node and disconnects again.
func (d *Dialer) Test(ctx context.Context, node *model.Node) error {
	sess, err := d.Dial(ctx, node)
	if err != nil {
		return err
	}
	return sess.Close()
}

func (d *Dialer) authMethods(node *model.Node) ([]ssh.AuthMethod, error) {
	switch node.AuthType {
	case model.AuthSSHCert:
		if d.CA == nil {
			return nil, fmt.Errorf("node %s uses certificate auth but no SSH CA is configured", node.Name)
		}
		signer, err := d.CA.Sign(node.Username, d.CertTTL)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case model.AuthSSHKey:
		if node.PrivateKey == "" {
			return nil, fmt.Errorf("node %s has no private key", node.Name)
		}
		var signer ssh.Signer
		var err error
		if node.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(node.PrivateKey), []byte(node.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(node.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key for node %s: %w", node.Name, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case model.AuthPassword, "":
		password := node.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", node.AuthType)
	}
}

type client struct {
	client  *ssh.Client
	session *ssh.Session
	// timeout bounds opening the session and starting the command.
	timeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// Start runs command in a new SSH session. Only one command may be started
// per Session. A node that does not confirm the session and the exec request
// within the dial timeout gets its connection closed and an ErrConnect.
func (c *client) Start(command string) (*Stream, error) {
	if c.session != nil {
		return nil, errors.New("session already started")
	}

	// The ssh package has no deadline for channel requests; closing the
	// connection is what unblocks them.
	timer := time.AfterFunc(c.timeout, func() { c.client.Close() })
	sess, stdout, stderr, err := c.dispatch(command)
	if !timer.Stop() {
		if sess != nil {
			sess.Close()
		}
		return nil, fmt.Errorf("%w: node did not start the command within %s", ErrConnect, c.timeout)
	}
	if err != nil {
		return nil, err
	}
	c.session = sess

	outCh := make(chan []byte, chunkBuffer)
	errCh := make(chan []byte, chunkBuffer)
	done := make(chan Result, 1)

	go c.pump(stdout, outCh)
	go c.pump(stderr, errCh)
	go func() {
		done <- waitResult(sess.Wait())
		close(done)
	}()

	return &Stream{Stdout: outCh, Stderr: errCh, Done: done}, nil
}

// dispatch opens a session with both output pipes and starts command.
func (c *client) dispatch(command string) (*ssh.Session, io.Reader, io.Reader, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, nil, nil, fmt.Errorf("start command: %w", err)
	}
	return sess, stdout, stderr, nil
}

// pump copies r into ch in chunks until EOF or Close.
func (c *client) pump(r io.Reader, ch chan<- []byte) {
	defer close(ch)
	for {
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case ch <- buf[:n]:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func waitResult(err error) Result {
	if err == nil {
		return Result{ExitCode: 0}
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Signal() != "" {
			return Result{ExitCode: -1, Err: fmt.Errorf("killed by signal %s", exitErr.Signal())}
		}
		return Result{ExitCode: exitErr.ExitStatus()}
	}
	return Result{ExitCode: -1, Err: err}
}

// Close kills the remote command if still running and tears down the
// connection. Safe to call more than once.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.session != nil {
			_ = c.session.Signal(ssh.SIGKILL)
			c.session.Close()
		}
		err = c.client.Close()
	})
	return err
}
