// Package sshca signs short-lived SSH user certificates so nodes can trust a
// single CA key instead of holding one credential per node.
package sshca

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultTTL covers connect plus authentication. A certificate is only
// checked at login, so commands may outlive it.
const DefaultTTL = 2 * time.Minute

// clockSkew backdates ValidAfter for nodes whose clock runs slightly behind.
const clockSkew = 30 * time.Second

// Authority holds the CA private key.
type Authority struct {
	signer ssh.Signer
	keyID  string
}

// New parses a PEM encoded private key. keyID is recorded in every
// certificate and shows up in the node's auth log.
func New(pemBytes []byte, keyID string) (*Authority, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("sshca: parse private key: %w", err)
	}
	return &Authority{signer: signer, keyID: keyID}, nil
}

// Load reads the CA key from path.
func Load(path, keyID string) (*Authority, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sshca: read %s: %w", path, err)
	}
	return New(b, keyID)
}

// AuthorizedKey returns the CA public key in authorized_keys format, the line
// nodes list in sshd's TrustedUserCAKeys.
func (a *Authority) AuthorizedKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(a.signer.PublicKey())))
}

// Sign generates an ephemeral Ed25519 key and a user certificate for
// principal valid for ttl. The certificate carries no extensions: no pty,
// no forwarding, exec only.
func (a *Authority) Sign(principal string, ttl time.Duration) (ssh.Signer, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshca: generate ephemeral key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("sshca: convert public key: %w", err)
	}

	now := time.Now()
	cert := &ssh.Certificate{
		CertType:        ssh.UserCert,
		Key:             sshPub,
		KeyId:           a.keyID,
		ValidPrincipals: []string{principal},
		ValidAfter:      uint64(now.Add(-clockSkew).Unix()),
		ValidBefore:     uint64(now.Add(ttl).Unix()),
	}
	if err := cert.SignCert(rand.Reader, a.signer); err != nil {
		return nil, fmt.Errorf("sshca: sign certificate: %w", err)
	}

	ephemeral, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("sshca: create ephemeral signer: %w", err)
	}
	certSigner, err := ssh.NewCertSigner(cert, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("sshca: create cert signer: %w", err)
	}
	return certSigner, nil
}
