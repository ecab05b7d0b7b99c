package sshexec

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/edvin/sshcron/internal/model"
	"github.com/edvin/sshcron/internal/sshca"
)

func shell(command string, ch ssh.Channel, signals <-chan string) uint32 {
	switch command {
	case "echo":
		ch.Write([]byte("hello\n"))
		ch.Stderr().Write([]byte("warning\n"))
		return 0
	case "fail":
		ch.Stderr().Write([]byte("boom\n"))
		return 3
	case "block":
		ch.Write([]byte("started\n"))
		<-signals
		return 137
	default:
		ch.Stderr().Write([]byte("command not found\n"))
		return 127
	}
}

// collect drains a stream until the command exits and both pipes are closed.
func collect(t *testing.T, s *Stream) (string, string, Result) {
	t.Helper()
	var out, errOut strings.Builder
	stdout, stderr := s.Stdout, s.Stderr
	var res Result
	var done bool
	timeout := time.After(5 * time.Second)
	for stdout != nil || stderr != nil || !done {
		select {
		case b, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			out.Write(b)
		case b, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			errOut.Write(b)
		case r, ok := <-s.Done:
			if ok {
				res = r
			}
			done = true
			s.Done = nil
		case <-timeout:
			t.Fatal("timed out waiting for command")
		}
	}
	return out.String(), errOut.String(), res
}

func TestDialer_RunSuccess(t *testing.T) {
	srv := newTestServer(t, shell)
	d := NewDialer(2 * time.Second)

	sess, err := d.Dial(context.Background(), srv.node(t))
	require.NoError(t, err)
	defer sess.Close()

	stream, err := sess.Start("echo")
	require.NoError(t, err)

	out, errOut, res := collect(t, stream)
	assert.Equal(t, "hello\n", out)
	assert.Equal(t, "warning\n", errOut)
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"echo"}, srv.Commands())
}

func TestDialer_RunNonZeroExit(t *testing.T) {
	srv := newTestServer(t, shell)
	sess, err := NewDialer(2*time.Second).Dial(context.Background(), srv.node(t))
	require.NoError(t, err)
	defer sess.Close()

	stream, err := sess.Start("fail")
	require.NoError(t, err)

	out, errOut, res := collect(t, stream)
	assert.Empty(t, out)
	assert.Equal(t, "boom\n", errOut)
	assert.Equal(t, 3, res.ExitCode)
	assert.NoError(t, res.Err)
}

func TestDialer_StartTwice(t *testing.T) {
	srv := newTestServer(t, shell)
	sess, err := NewDialer(2*time.Second).Dial(context.Background(), srv.node(t))
	require.NoError(t, err)
	defer sess.Close()

	stream, err := sess.Start("echo")
	require.NoError(t, err)
	collect(t, stream)

	_, err = sess.Start("echo")
	assert.Error(t, err)
}

func TestDialer_CloseKillsRunningCommand(t *testing.T) {
	srv := newTestServer(t, shell)
	sess, err := NewDialer(2*time.Second).Dial(context.Background(), srv.node(t))
	require.NoError(t, err)

	stream, err := sess.Start("block")
	require.NoError(t, err)

	select {
	case b := <-stream.Stdout:
		assert.Equal(t, "started\n", string(b))
	case <-time.After(5 * time.Second):
		t.Fatal("no output from blocking command")
	}

	require.NoError(t, sess.Close())
	// Second close is a no-op.
	assert.NoError(t, sess.Close())

	select {
	case <-stream.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("command did not finish after close")
	}
	assert.Eventually(t, func() bool {
		return len(srv.Signals()) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "KILL", srv.Signals()[0])
}

func TestDialer_PrivateKeyAuth(t *testing.T) {
	srv := newTestServer(t, shell)
	node := srv.node(t)
	node.AuthType = model.AuthSSHKey
	node.Password = ""
	node.PrivateKey = srv.withUserKey(t, "")

	assert.NoError(t, NewDialer(2*time.Second).Test(context.Background(), node))
}

func TestDialer_EncryptedPrivateKeyAuth(t *testing.T) {
	srv := newTestServer(t, shell)
	node := srv.node(t)
	node.AuthType = model.AuthSSHKey
	node.PrivateKey = srv.withUserKey(t, "s3cret")
	node.Passphrase = "s3cret"

	assert.NoError(t, NewDialer(2*time.Second).Test(context.Background(), node))
}

func newTestAuthority(t *testing.T) (*sshca.Authority, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	ca, err := sshca.New(pem.EncodeToMemory(block), "sshcron-test")
	require.NoError(t, err)
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(ca.AuthorizedKey()))
	require.NoError(t, err)
	return ca, pub
}

func TestDialer_CertificateAuth(t *testing.T) {
	srv := newTestServer(t, shell)
	ca, caPub := newTestAuthority(t)
	srv.trustCA(caPub)
	node := srv.node(t)
	node.AuthType = model.AuthSSHCert
	node.Password = ""

	d := NewDialer(2 * time.Second)
	d.CA = ca
	assert.NoError(t, d.Test(context.Background(), node))
}

func TestDialer_CertificateFromUntrustedCA(t *testing.T) {
	srv := newTestServer(t, shell)
	_, trusted := newTestAuthority(t)
	srv.trustCA(trusted)
	other, _ := newTestAuthority(t)
	node := srv.node(t)
	node.AuthType = model.AuthSSHCert

	d := NewDialer(2 * time.Second)
	d.CA = other
	assert.ErrorIs(t, d.Test(context.Background(), node), ErrConnect)
}

func TestDialer_CertificateWithoutCA(t *testing.T) {
	node := &model.Node{Name: "n", Host: "127.0.0.1", AuthType: model.AuthSSHCert}
	err := NewDialer(time.Second).Test(context.Background(), node)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Contains(t, err.Error(), "no SSH CA")
}

func TestDialer_WrongPassword(t *testing.T) {
	srv := newTestServer(t, shell)
	node := srv.node(t)
	node.Password = "nope"

	_, err := NewDialer(2*time.Second).Dial(context.Background(), node)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnect))
}

func TestDialer_BadPrivateKey(t *testing.T) {
	srv := newTestServer(t, shell)
	node := srv.node(t)
	node.AuthType = model.AuthSSHKey
	node.PrivateKey = "not a key"

	err := NewDialer(2*time.Second).Test(context.Background(), node)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Contains(t, err.Error(), "parse private key")
}

func TestDialer_MissingPrivateKey(t *testing.T) {
	node := &model.Node{Name: "n", Host: "127.0.0.1", AuthType: model.AuthSSHKey}
	err := NewDialer(time.Second).Test(context.Background(), node)
	assert.ErrorIs(t, err, ErrConnect)
}

func TestDialer_UnsupportedAuthType(t *testing.T) {
	node := &model.Node{Name: "n", Host: "127.0.0.1", AuthType: "kerberos"}
	err := NewDialer(time.Second).Test(context.Background(), node)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Contains(t, err.Error(), "kerberos")
}

func TestDialer_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	p, _ := strconv.Atoi(port)

	node := &model.Node{Name: "gone", Host: "127.0.0.1", Port: p, Username: "u", Password: "p", AuthType: model.AuthPassword}
	_, err = NewDialer(time.Second).Dial(context.Background(), node)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
}

func TestDialer_HandshakeTimeout(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)

	node := &model.Node{Name: "silent", Host: host, Port: p, Username: "u", Password: "p", AuthType: model.AuthPassword}
	start := time.Now()
	_, err = NewDialer(200*time.Millisecond).Dial(context.Background(), node)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStart_Timeout(t *testing.T) {
	for _, stall := range []string{"open", "exec"} {
		t.Run(stall, func(t *testing.T) {
			srv := newTestServer(t, shell)
			srv.setStall(stall)
			sess, err := NewDialer(200*time.Millisecond).Dial(context.Background(), srv.node(t))
			require.NoError(t, err)
			defer sess.Close()

			started := time.Now()
			_, err = sess.Start("echo")

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConnect)
			assert.Less(t, time.Since(started), 5*time.Second)
		})
	}
}

func TestNewDialer_DefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, NewDialer(0).Timeout)
	assert.NotNil(t, NewDialer(0).HostKeyCallback)
}

func TestWaitResult(t *testing.T) {
	assert.Equal(t, Result{ExitCode: 0}, waitResult(nil))

	res := waitResult(errors.New("connection lost"))
	assert.Equal(t, -1, res.ExitCode)
	assert.EqualError(t, res.Err, "connection lost")
}
