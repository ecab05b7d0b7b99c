package store

import (
	"context"
	"fmt"

	"github.com/edvin/sshcron/internal/crypto"
	"github.com/edvin/sshcron/internal/model"
)

// Encrypted wraps a Store so node credentials are sealed with AES-GCM
// before they reach it and opened again on the way out. Everything else
// passes through.
type Encrypted struct {
	Store
	key []byte
}

func NewEncrypted(st Store, key []byte) *Encrypted {
	return &Encrypted{Store: st, key: key}
}

func (e *Encrypted) CreateNode(ctx context.Context, node *model.Node) error {
	sealed := *node
	if err := e.transform(&sealed, e.seal); err != nil {
		return fmt.Errorf("encrypt node %s credentials: %w", node.Name, err)
	}
	if err := e.Store.CreateNode(ctx, &sealed); err != nil {
		return err
	}
	node.ID = sealed.ID
	node.CreatedAt = sealed.CreatedAt
	return nil
}

func (e *Encrypted) GetNode(ctx context.Context, id string) (*model.Node, error) {
	node, err := e.Store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.open(node)
}

func (e *Encrypted) SetNodeActive(ctx context.Context, id string, active bool) (*model.Node, error) {
	node, err := e.Store.SetNodeActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	return e.open(node)
}

func (e *Encrypted) open(node *model.Node) (*model.Node, error) {
	if err := e.transform(node, e.unseal); err != nil {
		return nil, fmt.Errorf("decrypt node %s credentials: %w", node.ID, err)
	}
	return node, nil
}

func (e *Encrypted) seal(s string) (string, error) {
	return crypto.Encrypt([]byte(s), e.key)
}

func (e *Encrypted) unseal(s string) (string, error) {
	b, err := crypto.Decrypt(s, e.key)
	return string(b), err
}

// transform applies fn to every non-empty credential field of node.
func (e *Encrypted) transform(node *model.Node, fn func(string) (string, error)) error {
	for _, field := range []*string{&node.Password, &node.PrivateKey, &node.Passphrase} {
		if *field == "" {
			continue
		}
		out, err := fn(*field)
		if err != nil {
			return err
		}
		*field = out
	}
	return nil
}
