package model

import (
	"net"
	"strconv"
	"time"
)

// Node auth types. AuthSSHCert authenticates with a short-lived certificate
// signed by the scheduler's CA.
const (
	AuthPassword = "password"
	AuthSSHKey   = "ssh_key"
	AuthSSHCert  = "ssh_cert"
)

// DefaultSSHPort is used when a node does not specify a port.
const DefaultSSHPort = 22

// Node is a remote host that jobs run on.
type Node struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Host       string    `json:"host" db:"host"`
	Port       int       `json:"port" db:"port"`
	Username   string    `json:"username" db:"username"`
	AuthType   string    `json:"auth_type" db:"auth_type"`
	Password   string    `json:"-" db:"password"`
	PrivateKey string    `json:"-" db:"private_key"`
	Passphrase string    `json:"-" db:"passphrase"`
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Addr returns the host:port pair to dial.
func (n *Node) Addr() string {
	port := n.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(port))
}
