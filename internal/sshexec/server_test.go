package sshexec

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/edvin/sshcron/internal/model"
)

const testPassword = "hunter2"

// execFunc emulates a remote shell. It returns the exit status to report.
type execFunc func(command string, ch ssh.Channel, signals <-chan string) uint32

// testServer is a minimal SSH server that accepts exec requests.
type testServer struct {
	addr    string
	userKey ssh.PublicKey
	userCA  ssh.PublicKey
	exec    execFunc
	// stall makes the server accept the handshake and then leave session
	// channels ("open") or exec requests ("exec") unanswered.
	stall string

	mu       sync.Mutex
	commands []string
	signals  []string
}

func newTestServer(t *testing.T, exec execFunc) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	srv := &testServer{exec: exec}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == testPassword {
				return nil, nil
			}
			return nil, ssh.ErrNoAuth
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			srv.mu.Lock()
			userKey, userCA := srv.userKey, srv.userCA
			srv.mu.Unlock()
			if _, ok := key.(*ssh.Certificate); ok && userCA != nil {
				checker := &ssh.CertChecker{
					IsUserAuthority: func(auth ssh.PublicKey) bool {
						return bytes.Equal(auth.Marshal(), userCA.Marshal())
					},
				}
				return checker.Authenticate(meta, key)
			}
			if userKey != nil && bytes.Equal(key.Marshal(), userKey.Marshal()) {
				return nil, nil
			}
			return nil, ssh.ErrNoAuth
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	srv.addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, cfg)
		}
	}()
	return srv
}

func (s *testServer) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if s.stalls("open") {
			continue
		}
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs)
	}
}

func (s *testServer) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	signals := make(chan string, 4)
	started := false
	for req := range reqs {
		switch req.Type {
		case "exec":
			if s.stalls("exec") {
				continue
			}
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || started {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			go func() {
				status := s.exec(payload.Command, ch, signals)
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				ch.Close()
			}()
		case "signal":
			var payload struct{ Signal string }
			ssh.Unmarshal(req.Payload, &payload)
			s.mu.Lock()
			s.signals = append(s.signals, payload.Signal)
			s.mu.Unlock()
			select {
			case signals <- payload.Signal:
			default:
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	// Client closed the channel.
	close(signals)
}

func (s *testServer) setStall(mode string) {
	s.mu.Lock()
	s.stall = mode
	s.mu.Unlock()
}

func (s *testServer) stalls(mode string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stall == mode
}

func (s *testServer) Signals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func (s *testServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testServer) node(t *testing.T) *model.Node {
	t.Helper()
	host, port, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return &model.Node{
		ID:       "node-1",
		Name:     "test-node",
		Host:     host,
		Port:     p,
		Username: "runner",
		AuthType: model.AuthPassword,
		Password: testPassword,
		Active:   true,
	}
}

// withUserKey configures the server to accept a fresh key pair and returns
// the PEM encoded private half.
func (s *testServer) withUserKey(t *testing.T, passphrase string) string {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	s.mu.Lock()
	s.userKey = sshPub
	s.mu.Unlock()

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

// trustCA makes the server accept user certificates signed by ca.
func (s *testServer) trustCA(ca ssh.PublicKey) {
	s.mu.Lock()
	s.userCA = ca
	s.mu.Unlock()
}
