package platform

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// InstancePrefix starts every generated instance id.
const InstancePrefix = "sshcron-"

const (
	suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffixLength   = 10
)

// NewID returns a random UUID used for nodes, jobs and executions.
func NewID() string {
	return uuid.New().String()
}

// NewInstanceID names a scheduler process for its log lines when
// INSTANCE_ID is unset. Two processes sharing a database get distinct ids.
func NewInstanceID() string {
	return InstancePrefix + randomSuffix(suffixLength)
}

// randomSuffix draws n characters from suffixAlphabet. The modulo bias
// over 36 symbols is irrelevant for log labels.
func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("platform: reading random bytes: " + err.Error())
	}
	for i, v := range buf {
		buf[i] = suffixAlphabet[int(v)%len(suffixAlphabet)]
	}
	return string(buf)
}
