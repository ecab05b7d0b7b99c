package handler

import (
	"net/http"

	"github.com/edvin/sshcron/internal/api/response"
)

// SSHCA publishes the public half of the certificate authority so operators
// can add it to TrustedUserCAKeys on ssh_cert nodes.
type SSHCA struct {
	publicKey string
}

func NewSSHCA(publicKey string) *SSHCA {
	return &SSHCA{publicKey: publicKey}
}

func (h *SSHCA) Get(w http.ResponseWriter, _ *http.Request) {
	if h.publicKey == "" {
		response.WriteError(w, http.StatusNotFound, "no SSH CA configured")
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]string{"public_key": h.publicKey})
}
